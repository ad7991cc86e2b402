package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fxsml/gocal"
	"github.com/fxsml/gocal/codec"
)

// blobWriter fills the whole buffer with one byte value.
type blobWriter struct {
	size  int
	value byte
}

func (w *blobWriter) Size() int { return w.size }

func (w *blobWriter) WriteFull(buf []byte) bool {
	for i := range buf {
		buf[i] = w.value
	}
	return true
}

func newBlobCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blob",
		Short: "Send and receive binary buffers.",
	}
	cmd.AddCommand(newBlobSendCmd(a), newBlobReceiveCmd(a))
	return cmd
}

func newBlobSendCmd(a *app) *cobra.Command {
	o := &sendOptions{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Publish buffers filled with a running counter.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return a.run(cmd.Context(), "blob send", func(ctx context.Context, rt *gocal.Runtime) error {
				pub, err := gocal.NewPublisher(rt, o.topic, codec.Bytes())
				if err != nil {
					return err
				}
				w := &blobWriter{size: max(o.size, 1)}
				buf := make([]byte, w.size)
				return o.sendLoop(ctx, func(int) error {
					var err error
					if o.zeroCopy {
						_, err = pub.SendPayloadWriter(w, gocal.Auto)
					} else {
						w.WriteFull(buf)
						_, err = pub.Send(buf, gocal.Auto)
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Sent buffer filled with %d\n", w.value)
					w.value++
					return nil
				})
			})
		},
	}
	addSendFlags(cmd, o, "blob", 500*time.Millisecond, 1024)
	return cmd
}

func newBlobReceiveCmd(a *app) *cobra.Command {
	o := &receiveOptions{}
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Print the header and first byte of received buffers.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			o.reset()
			return a.run(cmd.Context(), "blob receive", func(ctx context.Context, rt *gocal.Runtime) error {
				sub, err := gocal.NewSubscriber(rt, o.topic, codec.Bytes())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Waiting for messages on topic '%s'...\n", o.topic)
				sub.SetCallback(func(msg gocal.ReceivedMessage[[]byte]) {
					if len(msg.Payload) == 0 {
						return
					}
					printHead(out, msg.Metadata)
					printRule(out, "MESSAGE CONTENT")
					fmt.Fprintf(out, "binary value : %d\n", msg.Payload[0])
					fmt.Fprintf(out, "buffer size  : %d\n", len(msg.Payload))
					fmt.Fprintf(out, "%s\n\n", rule)
					o.received()
				})
				o.wait(ctx)
				return nil
			})
		},
	}
	addReceiveFlags(cmd, o, "blob")
	return cmd
}

var rule = strings.Repeat("-", 42)

func printRule(w io.Writer, title string) {
	fmt.Fprintf(w, "%s\n %s \n%s\n", rule, title, rule)
}

func printHead(w io.Writer, md gocal.ReceiveMetadata) {
	printRule(w, "MESSAGE HEAD")
	fmt.Fprintf(w, "topic name   : %s\n", md.TopicName)
	fmt.Fprintf(w, "encoding     : %s\n", md.Encoding)
	fmt.Fprintf(w, "type name    : %s\n", md.TypeName)
	fmt.Fprintf(w, "topic time   : %d\n", md.Timestamp)
	fmt.Fprintf(w, "topic clock  : %d\n", md.Clock)
}
