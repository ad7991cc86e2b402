package gocal

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/fxsml/gocal/codec"
)

// Operation names the kind of operation a Metrics record describes.
type Operation string

const (
	// OperationSend is a publisher send.
	OperationSend Operation = "send"
	// OperationReceive is a subscriber delivery.
	OperationReceive Operation = "receive"
)

// Metrics holds the outcome of a single send or delivery.
type Metrics struct {
	Start    time.Time
	Duration time.Duration

	Operation Operation
	Unit      string
	Topic     string
	Encoding  string
	TypeName  string

	// Bytes is the payload size.
	Bytes int
	// Delivered is the number of subscribers reached by a send.
	Delivered int
	// Skipped is true for a send abandoned by its payload writer.
	Skipped bool
	// ZeroCopy is true for sends through a PayloadWriter.
	ZeroCopy bool
	// Clock is the publisher clock of a delivered buffer.
	Clock int64

	Error error
}

// Success returns a numeric indicator of success (1 for success, 0 otherwise).
func (m *Metrics) Success() int {
	if m.Error == nil && !m.Skipped {
		return 1
	}
	return 0
}

// Failure returns a numeric indicator of failure (1 for failure, 0 otherwise).
func (m *Metrics) Failure() int {
	if m.Error != nil && m.Drop() == 0 {
		return 1
	}
	return 0
}

// Drop returns 1 for a received buffer dropped because it could not be
// decoded.
func (m *Metrics) Drop() int {
	if errors.Is(m.Error, codec.ErrDecoding) {
		return 1
	}
	return 0
}

// Skip returns 1 for a skipped send.
func (m *Metrics) Skip() int {
	if m.Skipped {
		return 1
	}
	return 0
}

func (m *Metrics) args() []any {
	args := []any{
		"operation", m.Operation,
		"topic", m.Topic,
		"bytes", m.Bytes,
		"duration", m.Duration,
	}
	if m.Unit != "" {
		args = append(args, "unit", m.Unit)
	}
	if m.Operation == OperationSend {
		args = append(args, "delivered", m.Delivered, "zero_copy", m.ZeroCopy)
	} else {
		args = append(args, "clock", m.Clock)
	}
	return args
}

// MetricsCollector defines a function that collects single operation metrics.
// Collectors are called synchronously on the sending or delivering
// goroutine and must not block.
type MetricsCollector func(metrics *Metrics)

func newMetricsDistributor(collectors ...MetricsCollector) MetricsCollector {
	switch len(collectors) {
	case 0:
		return func(*Metrics) {}
	case 1:
		return collectors[0]
	}
	return func(m *Metrics) {
		for _, c := range collectors {
			c(m)
		}
	}
}

// DurationStats holds duration-based statistical data.
type DurationStats struct {
	Min time.Duration
	Max time.Duration
	Avg time.Duration
}

// SnapshotMetrics holds aggregated metrics over a period.
type SnapshotMetrics struct {
	StartTime time.Time
	Duration  time.Duration

	Total int
	Bytes int64

	DurationStats DurationStats

	SuccessTotal int
	FailureTotal int
	DropTotal    int
	SkipTotal    int
}

// MessagesPerSecond returns Total divided by the snapshot duration.
func (s *SnapshotMetrics) MessagesPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Total) / s.Duration.Seconds()
}

// BytesPerSecond returns Bytes divided by the snapshot duration.
func (s *SnapshotMetrics) BytesPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Duration.Seconds()
}

// SnapshotMetricsCollector defines a function that collects snapshot metrics.
type SnapshotMetricsCollector func(metrics *SnapshotMetrics)

type snapshot struct {
	mu      sync.Mutex
	start   time.Time
	current SnapshotMetrics
	durSum  time.Duration
}

func (s *snapshot) reset(now time.Time) {
	s.start = now
	s.durSum = 0
	s.current = SnapshotMetrics{
		StartTime:     now,
		DurationStats: DurationStats{Min: math.MaxInt64},
	}
}

func (s *snapshot) add(m *Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &s.current
	c.Total++
	c.Bytes += int64(m.Bytes)
	c.SuccessTotal += m.Success()
	c.FailureTotal += m.Failure()
	c.DropTotal += m.Drop()
	c.SkipTotal += m.Skip()
	c.DurationStats.Min = min(c.DurationStats.Min, m.Duration)
	c.DurationStats.Max = max(c.DurationStats.Max, m.Duration)
	s.durSum += m.Duration
}

func (s *snapshot) flush(now time.Time) *SnapshotMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.current
	out.Duration = now.Sub(s.start)
	if out.Total > 0 {
		out.DurationStats.Avg = s.durSum / time.Duration(out.Total)
	} else {
		out.DurationStats.Min = 0
	}
	s.reset(now)
	return &out
}

// NewSnapshotMetricsCollector creates a MetricsCollector that aggregates
// records and hands a snapshot to collect every interval. The returned
// channel is closed after the final snapshot, once ctx is done.
func NewSnapshotMetricsCollector(
	ctx context.Context,
	collect SnapshotMetricsCollector,
	interval time.Duration,
) (MetricsCollector, <-chan struct{}) {
	s := &snapshot{}
	s.reset(time.Now())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				collect(s.flush(time.Now()))
				return
			case now := <-ticker.C:
				collect(s.flush(now))
			}
		}
	}()

	return s.add, done
}
