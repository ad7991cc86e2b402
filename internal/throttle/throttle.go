// Package throttle paces send loops.
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Allower blocks a caller until it may proceed.
type Allower interface {
	// Allow blocks until n sends are permitted or ctx is done.
	Allow(ctx context.Context, n int64) error
}

type bucket struct {
	interval time.Duration // time per token
	burst    int64

	mu   sync.Mutex
	next time.Time // time at which the bucket is empty again
}

// NewRate returns an Allower permitting rate sends per second with bursts
// of up to burst sends. A rate <= 0 disables pacing. The bucket starts full.
func NewRate(rate float64, burst int64) Allower {
	if rate <= 0 {
		return Unlimited()
	}
	if burst < 1 {
		burst = 1
	}
	return &bucket{
		interval: time.Duration(float64(time.Second) / rate),
		burst:    burst,
	}
}

// NewInterval returns an Allower permitting one send per interval.
func NewInterval(interval time.Duration) Allower {
	if interval <= 0 {
		return Unlimited()
	}
	return &bucket{interval: interval, burst: 1}
}

func (b *bucket) Allow(ctx context.Context, n int64) error {
	if n <= 0 {
		n = 1
	}
	if n > b.burst {
		return fmt.Errorf("throttle: requested %d sends, burst is %d", n, b.burst)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("throttle: %w", err)
	}

	b.mu.Lock()
	now := time.Now()
	// next-now is the reserved share of the bucket; idle time refills it.
	if b.next.Before(now) {
		b.next = now
	}
	b.next = b.next.Add(time.Duration(n) * b.interval)
	wait := b.next.Sub(now) - time.Duration(b.burst)*b.interval
	b.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		b.mu.Lock()
		b.next = b.next.Add(-time.Duration(n) * b.interval)
		b.mu.Unlock()
		return fmt.Errorf("throttle: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

type unlimited struct{}

// Unlimited returns an Allower that only checks ctx.
func Unlimited() Allower {
	return unlimited{}
}

func (unlimited) Allow(ctx context.Context, _ int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	return nil
}
