package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fxsml/gocal"
	"github.com/fxsml/gocal/codec"
)

// SimpleMessage is the payload of the json samples.
type SimpleMessage struct {
	Message string `json:"message"`
	Count   uint64 `json:"count"`
}

func newJSONCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "json",
		Short: "Send and receive JSON encoded structs.",
	}
	cmd.AddCommand(newJSONSendCmd(a), newJSONReceiveCmd(a))
	return cmd
}

func newJSONSendCmd(a *app) *cobra.Command {
	o := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Publish a SimpleMessage every --interval.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return a.run(cmd.Context(), "json send", func(ctx context.Context, rt *gocal.Runtime) error {
				pub, err := gocal.NewPublisher[SimpleMessage](rt, o.topic, codec.JSON[SimpleMessage]())
				if err != nil {
					return err
				}
				return o.sendLoop(ctx, func(i int) error {
					msg := SimpleMessage{Message: "HELLO WORLD FROM GO", Count: uint64(i)}
					if _, err := pub.Send(msg, gocal.Auto); err != nil {
						return err
					}
					fmt.Fprintf(out, "Sent: message = %s, count = %d\n", msg.Message, msg.Count)
					return nil
				})
			})
		},
	}
	addSendFlags(cmd, o, "simple_message", 500*time.Millisecond, 0)
	return cmd
}

func newJSONReceiveCmd(a *app) *cobra.Command {
	o := &receiveOptions{}
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Print received SimpleMessages.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			o.reset()
			return a.run(cmd.Context(), "json receive", func(ctx context.Context, rt *gocal.Runtime) error {
				sub, err := gocal.NewSubscriber[SimpleMessage](rt, o.topic, codec.JSON[SimpleMessage]())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Waiting for messages on topic '%s'...\n", o.topic)
				sub.SetCallback(func(msg gocal.ReceivedMessage[SimpleMessage]) {
					printHead(out, msg.Metadata)
					printRule(out, "MESSAGE CONTENT")
					fmt.Fprintf(out, "message      : %s\n", msg.Payload.Message)
					fmt.Fprintf(out, "count        : %d\n", msg.Payload.Count)
					fmt.Fprintf(out, "%s\n\n", rule)
					o.received()
				})
				o.wait(ctx)
				return nil
			})
		},
	}
	addReceiveFlags(cmd, o, "simple_message")
	return cmd
}
