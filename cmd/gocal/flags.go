package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/fxsml/gocal/internal/throttle"
)

type sendOptions struct {
	topic    string
	interval time.Duration
	rate     float64
	size     int
	zeroCopy bool
	count    int
}

func addSendFlags(cmd *cobra.Command, o *sendOptions, topic string, interval time.Duration, size int) {
	f := cmd.Flags()
	f.StringVar(&o.topic, "topic", topic, "topic name")
	f.DurationVar(&o.interval, "interval", interval, "pause between sends")
	f.Float64Var(&o.rate, "rate", 0, "sends per second, overrides --interval")
	f.IntVar(&o.count, "count", 0, "stop after this many sends, 0 runs until interrupted")
	if size > 0 {
		f.IntVar(&o.size, "size", size, "payload size in bytes")
		f.BoolVar(&o.zeroCopy, "zero-copy", false, "write payloads in place through a payload writer")
	}
}

func (o *sendOptions) allower() throttle.Allower {
	if o.rate > 0 {
		return throttle.NewRate(o.rate, 1)
	}
	return throttle.NewInterval(o.interval)
}

// sendLoop calls send with 1, 2, ... until ctx is done, count sends were
// made or send fails.
func (o *sendOptions) sendLoop(ctx context.Context, send func(i int) error) error {
	limit := o.allower()
	for i := 1; o.count <= 0 || i <= o.count; i++ {
		if err := limit.Allow(ctx, 1); err != nil {
			return nil
		}
		if err := send(i); err != nil {
			return err
		}
	}
	return nil
}

type receiveOptions struct {
	topic string
	count int

	seen atomic.Int64
	done chan struct{}
}

func addReceiveFlags(cmd *cobra.Command, o *receiveOptions, topic string) {
	f := cmd.Flags()
	f.StringVar(&o.topic, "topic", topic, "topic name")
	f.IntVar(&o.count, "count", 0, "stop after this many messages, 0 runs until interrupted")
}

// received counts a message; wait returns once count messages arrived.
func (o *receiveOptions) received() {
	if o.count > 0 && o.seen.Add(1) == int64(o.count) {
		close(o.done)
	}
}

func (o *receiveOptions) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-o.done:
	}
}

func (o *receiveOptions) reset() {
	o.seen.Store(0)
	o.done = make(chan struct{})
}
