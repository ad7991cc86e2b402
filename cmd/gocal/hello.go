package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fxsml/gocal"
	"github.com/fxsml/gocal/codec"
)

func newHelloCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hello",
		Short: "Send and receive string messages.",
	}
	cmd.AddCommand(newHelloSendCmd(a), newHelloReceiveCmd(a))
	return cmd
}

func newHelloSendCmd(a *app) *cobra.Command {
	o := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Publish a greeting every --interval.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return a.run(cmd.Context(), "hello send", func(ctx context.Context, rt *gocal.Runtime) error {
				pub, err := gocal.NewPublisher(rt, o.topic, codec.String())
				if err != nil {
					return err
				}
				return o.sendLoop(ctx, func(i int) error {
					msg := fmt.Sprintf("HELLO WORLD FROM GO (%d)", i)
					if _, err := pub.Send(msg, gocal.Auto); err != nil {
						return err
					}
					fmt.Fprintf(out, "Sent: %s\n", msg)
					return nil
				})
			})
		},
	}
	addSendFlags(cmd, o, "hello", 500*time.Millisecond, 0)
	return cmd
}

func newHelloReceiveCmd(a *app) *cobra.Command {
	o := &receiveOptions{}
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Print received greetings.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			o.reset()
			return a.run(cmd.Context(), "hello receive", func(ctx context.Context, rt *gocal.Runtime) error {
				sub, err := gocal.NewSubscriber(rt, o.topic, codec.String())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Waiting for messages on topic '%s'...\n", o.topic)
				sub.SetCallback(func(msg gocal.ReceivedMessage[string]) {
					fmt.Fprintf(out, "Received [%s] clock=%d: %s\n", msg.Metadata.TopicName, msg.Metadata.Clock, msg.Payload)
					o.received()
				})
				o.wait(ctx)
				return nil
			})
		},
	}
	addReceiveFlags(cmd, o, "hello")
	return cmd
}
