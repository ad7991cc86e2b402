package transport

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestTimestamp(t *testing.T) {
	if !Auto.IsAuto() || Auto.Nanos() != 0 {
		t.Errorf("Auto: IsAuto=%v Nanos=%d", Auto.IsAuto(), Auto.Nanos())
	}
	before := time.Now().UnixNano()
	if got := Auto.Resolve(); got < before {
		t.Errorf("Auto.Resolve() = %d, want >= %d", got, before)
	}

	ts := Explicit(1234)
	if ts.IsAuto() || ts.Nanos() != 1234 || ts.Resolve() != 1234 {
		t.Errorf("Explicit: %+v", ts)
	}
}

func TestSample_ExpiresAfterDeliver(t *testing.T) {
	s := NewSample([]byte("payload"))

	var kept *Sample
	var clone []byte
	Deliver(func(s *Sample) {
		if !bytes.Equal(s.Bytes(), []byte("payload")) {
			t.Errorf("unexpected bytes %q", s.Bytes())
		}
		clone = s.Clone()
		kept = s
	}, s)

	if !kept.Expired() {
		t.Fatal("expected sample to be expired")
	}
	if string(clone) != "payload" {
		t.Errorf("clone = %q", clone)
	}

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrBufferExpired) {
			t.Errorf("expected ErrBufferExpired panic, got %v", r)
		}
	}()
	_ = kept.Bytes()
}

func TestDeliver_ExpiresOnPanic(t *testing.T) {
	s := NewSample([]byte{1})
	func() {
		defer func() { _ = recover() }()
		Deliver(func(*Sample) { panic("boom") }, s)
	}()
	if !s.Expired() {
		t.Error("expected sample to be expired after panic")
	}
}

func TestStamper_AutoNeverDecreases(t *testing.T) {
	restore := wallNanos
	t.Cleanup(func() { wallNanos = restore })

	var s Stamper
	tests := []struct {
		name string
		wall int64
		ts   Timestamp
		want int64
	}{
		{"first auto", 1_000, Auto, 1_000},
		{"clock advances", 2_000, Auto, 2_000},
		{"clock steps back", 500, Auto, 2_000},
		{"explicit passes through", 500, Explicit(10), 10},
		{"explicit leaves auto floor", 600, Auto, 2_000},
		{"clock catches up", 3_000, Auto, 3_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wallNanos = func() int64 { return tt.wall }
			if got := s.Stamp(tt.ts); got != tt.want {
				t.Errorf("Stamp = %d, want %d", got, tt.want)
			}
		})
	}
}
