package gocal

import (
	"time"

	"github.com/fxsml/gocal/codec"
	"github.com/fxsml/gocal/topic"
)

// Publisher sends values of type T on one topic, encoded by a codec.
type Publisher[T any] struct {
	raw   *RawPublisher
	codec codec.Codec[T]
}

// NewPublisher registers a publisher for name. The codec's data type is
// announced unless overridden with WithDataType. Failures are *InitError.
func NewPublisher[T any](rt *Runtime, name string, c codec.Codec[T], opts ...PublisherOption) (*Publisher[T], error) {
	if c == nil {
		panic("gocal: codec cannot be nil")
	}
	raw, err := NewRawPublisher(rt, name, c.DataType(), opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher[T]{raw: raw, codec: c}, nil
}

// Send encodes msg and publishes a copy of the encoded bytes. An encoding
// failure aborts the send before any transport buffer is touched. msg is
// not retained.
func (p *Publisher[T]) Send(msg T, ts Timestamp) (SendResult, error) {
	start := time.Now()
	p.raw.mu.RLock()
	closed := p.raw.closed
	p.raw.mu.RUnlock()
	if closed {
		return p.raw.finish(&Metrics{Start: start}, SendResult{}, newInvalidState("send", p.raw.topic.Name))
	}

	data, err := p.codec.Encode(msg)
	if err != nil {
		return p.raw.finish(&Metrics{Start: start}, SendResult{}, err)
	}
	return p.raw.Send(data, ts)
}

// SendPayloadWriter lets w fill the transport buffer in place, bypassing
// the codec. w is responsible for producing bytes the subscribers' codec
// can decode.
func (p *Publisher[T]) SendPayloadWriter(w PayloadWriter, ts Timestamp) (SendResult, error) {
	return p.raw.SendPayloadWriter(w, ts)
}

// Close unregisters the publisher. Sends after Close return ErrInvalidState.
func (p *Publisher[T]) Close() error {
	return p.raw.Close()
}

// SubscriberCount returns the number of matched subscribers.
func (p *Publisher[T]) SubscriberCount() int {
	return p.raw.SubscriberCount()
}

// Topic returns the topic name.
func (p *Publisher[T]) Topic() string {
	return p.raw.Topic()
}

// ID returns the publisher entity ID.
func (p *Publisher[T]) ID() topic.ID {
	return p.raw.ID()
}

// DataType returns the announced data type.
func (p *Publisher[T]) DataType() topic.DataTypeInfo {
	return p.raw.DataType()
}

// Raw returns the underlying byte-level publisher.
func (p *Publisher[T]) Raw() *RawPublisher {
	return p.raw
}
