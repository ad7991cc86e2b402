package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/fxsml/gocal"
	"github.com/fxsml/gocal/codec"
	"github.com/fxsml/gocal/config"
	"github.com/fxsml/gocal/internal/bench"
)

func newPerfCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "perf",
		Short: "Measure throughput between a sender and a receiver.",
	}
	cmd.AddCommand(newPerfSendCmd(a), newPerfReceiveCmd(a))
	return cmd
}

// lockedWriter serializes reports and sample output.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// withReports runs fn with a snapshot collector printing a report to out
// every metrics interval, plus a final one.
func (a *app) withReports(ctx context.Context, out io.Writer, size int, fn func(gocal.Option) error) error {
	sctx, cancel := context.WithCancel(ctx)
	collect, done := gocal.NewSnapshotMetricsCollector(sctx, func(s *gocal.SnapshotMetrics) {
		bench.Report(out, s, size)
	}, a.cfg.Metrics.Interval)
	err := fn(gocal.WithMetricsCollector(collect))
	cancel()
	<-done
	return err
}

// writeBuffers returns the buffer count and acknowledge timeout of the
// configured transport.
func writeBuffers(cfg config.Config) (int, time.Duration) {
	switch cfg.Transport {
	case config.TransportShm:
		return max(cfg.Shm.BufferCount, 1), cfg.Shm.AcknowledgeTimeout
	case config.TransportMemory:
		return max(cfg.Memory.BufferCount, 1), cfg.Memory.AcknowledgeTimeout
	}
	return 1, 0
}

func newPerfSendCmd(a *app) *cobra.Command {
	o := &sendOptions{}
	var wait bool
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Publish payloads of --size bytes as fast as allowed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := &lockedWriter{w: cmd.OutOrStdout()}
			size := max(o.size, 1)
			buffers, ack := writeBuffers(a.cfg)
			fmt.Fprintf(out, "Zero copy mode: %v\n", o.zeroCopy)
			fmt.Fprintf(out, "Number of write buffers: %d\n", buffers)
			fmt.Fprintf(out, "Acknowledge timeout: %v\n", ack)
			fmt.Fprintf(out, "Payload size: %d bytes\n\n", size)

			return a.withReports(cmd.Context(), out, size, func(report gocal.Option) error {
				return a.run(cmd.Context(), "perf send", func(ctx context.Context, rt *gocal.Runtime) error {
					pub, err := gocal.NewPublisher(rt, o.topic, codec.Bytes())
					if err != nil {
						return err
					}
					for wait && pub.SubscriberCount() == 0 {
						fmt.Fprintln(out, "Waiting for perf receive to start ...")
						select {
						case <-ctx.Done():
							return nil
						case <-time.After(time.Second):
						}
					}

					payload := bench.NewBinaryPayload(size)
					buf := make([]byte, size)
					head := buf[:min(16, size)]
					return o.sendLoop(ctx, func(i int) error {
						if o.zeroCopy {
							_, err := pub.SendPayloadWriter(payload, gocal.Auto)
							return err
						}
						for j := range head {
							head[j] = '0' + byte(i%9)
						}
						_, err := pub.Send(buf, gocal.Auto)
						return err
					})
				}, report)
			})
		},
	}
	addSendFlags(cmd, o, "Performance", 0, 8<<20)
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for a subscriber before sending")
	return cmd
}

func newPerfReceiveCmd(a *app) *cobra.Command {
	o := &receiveOptions{}
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Report the throughput of received payloads.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := &lockedWriter{w: cmd.OutOrStdout()}
			o.reset()
			return a.withReports(cmd.Context(), out, 0, func(report gocal.Option) error {
				return a.run(cmd.Context(), "perf receive", func(ctx context.Context, rt *gocal.Runtime) error {
					sub, err := gocal.NewSubscriber(rt, o.topic, codec.Bytes())
					if err != nil {
						return err
					}
					sub.SetCallback(func(gocal.ReceivedMessage[[]byte]) {
						o.received()
					})
					o.wait(ctx)
					return nil
				}, report)
			})
		},
	}
	addReceiveFlags(cmd, o, "Performance")
	return cmd
}
