package transport

import (
	"bytes"
	"errors"
	"sync/atomic"
	"time"

	"github.com/fxsml/gocal/topic"
)

// ErrBufferExpired is the panic value raised when a Sample buffer is read
// after its receive callback returned.
var ErrBufferExpired = errors.New("transport: sample buffer accessed after callback returned")

// Timestamp selects the send timestamp of a message.
type Timestamp struct {
	ns       uint64
	explicit bool
}

// Auto lets the transport assign the send time.
var Auto = Timestamp{}

// Explicit uses ns (nanoseconds since the Unix epoch) as send time.
func Explicit(ns uint64) Timestamp {
	return Timestamp{ns: ns, explicit: true}
}

// IsAuto reports whether the transport assigns the timestamp.
func (t Timestamp) IsAuto() bool {
	return !t.explicit
}

// Nanos returns the explicit value, or 0 for Auto.
func (t Timestamp) Nanos() uint64 {
	return t.ns
}

var wallNanos = func() int64 { return time.Now().UnixNano() }

// Resolve returns the explicit value, or now (never zero) for Auto.
func (t Timestamp) Resolve() int64 {
	if t.explicit {
		return int64(t.ns)
	}
	return wallNanos()
}

// Stamper resolves timestamps for one publisher. Auto timestamps never
// decrease, even when the wall clock steps back. Explicit ones are passed
// through unchanged. Callers serialize access.
type Stamper struct {
	last int64
}

// Stamp resolves ts.
func (s *Stamper) Stamp(ts Timestamp) int64 {
	if ts.explicit {
		return int64(ts.ns)
	}
	s.last = max(s.last, wallNanos())
	return s.last
}

// Sample is one received buffer plus its metadata.
type Sample struct {
	// Topic is the topic as registered by the publisher.
	Topic topic.Topic
	// Timestamp is the send time in nanoseconds since the Unix epoch.
	Timestamp int64
	// Clock is the publisher's send counter, starting at 1.
	Clock int64
	// PublisherID identifies the sending publisher.
	PublisherID topic.ID
	// BufferID identifies the transport buffer; it changes whenever the
	// publisher's buffer is reallocated.
	BufferID uint64

	buf     []byte
	expired atomic.Bool
}

// NewSample wraps buf. Transports call Expire once the receive callback
// returned.
func NewSample(buf []byte) *Sample {
	return &Sample{buf: buf}
}

// Bytes returns the borrowed buffer. It panics with ErrBufferExpired when
// called after the receive callback returned.
func (s *Sample) Bytes() []byte {
	if s.expired.Load() {
		panic(ErrBufferExpired)
	}
	return s.buf
}

// Len returns the payload length.
func (s *Sample) Len() int {
	return len(s.buf)
}

// Clone returns an owned copy of the buffer.
func (s *Sample) Clone() []byte {
	return bytes.Clone(s.Bytes())
}

// Expire invalidates the borrowed buffer.
func (s *Sample) Expire() {
	s.expired.Store(true)
}

// Expired reports whether Expire was called.
func (s *Sample) Expired() bool {
	return s.expired.Load()
}

// Deliver invokes fn with s and expires s afterwards, even when fn panics.
func Deliver(fn ReceiveFunc, s *Sample) {
	defer s.Expire()
	fn(s)
}
