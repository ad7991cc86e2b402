package gocal

import (
	"github.com/fxsml/gocal/codec"
	"github.com/fxsml/gocal/topic"
)

// ReceiveMetadata describes a received buffer.
type ReceiveMetadata struct {
	// TopicName is the topic the buffer was received on.
	TopicName string
	// Encoding and TypeName are the data type announced by the publisher.
	Encoding string
	TypeName string
	// Timestamp is the send time in nanoseconds since the Unix epoch.
	Timestamp int64
	// Clock is the publisher's send counter.
	Clock int64
	// PublisherID identifies the sending publisher.
	PublisherID topic.ID
	// BufferID identifies the transport buffer.
	BufferID uint64
}

// ReceivedMessage is a decoded payload plus its receive metadata.
// When the codec decodes without copying (codec.Bytes), Payload borrows the
// transport buffer and is only valid during the callback.
type ReceivedMessage[T any] struct {
	Payload  T
	Metadata ReceiveMetadata
}

func metadataOf(s *Sample) ReceiveMetadata {
	return ReceiveMetadata{
		TopicName:   s.Topic.Name,
		Encoding:    s.Topic.DataType.Encoding,
		TypeName:    s.Topic.DataType.TypeName,
		Timestamp:   s.Timestamp,
		Clock:       s.Clock,
		PublisherID: s.PublisherID,
		BufferID:    s.BufferID,
	}
}

// Subscriber receives values of type T on one topic.
type Subscriber[T any] struct {
	raw   *RawSubscriber
	codec codec.Codec[T]
}

// NewSubscriber registers a subscriber for name expecting the codec's data
// type. Failures are *InitError.
func NewSubscriber[T any](rt *Runtime, name string, c codec.Codec[T], opts ...SubscriberOption) (*Subscriber[T], error) {
	if c == nil {
		panic("gocal: codec cannot be nil")
	}
	raw, err := NewRawSubscriber(rt, name, c.DataType(), opts...)
	if err != nil {
		return nil, err
	}
	return &Subscriber[T]{raw: raw, codec: c}, nil
}

// SetCallback sets the receive callback, replacing any previous one.
// Buffers that fail to decode are dropped and reported; fn is not called
// for them. fn is never invoked concurrently with itself and must not call
// Close on this subscriber.
func (s *Subscriber[T]) SetCallback(fn func(ReceivedMessage[T])) {
	if fn == nil {
		s.raw.RemoveCallback()
		return
	}
	s.raw.setReceiver(func(sample *Sample) error {
		v, err := s.codec.Decode(sample.Bytes())
		if err != nil {
			return err
		}
		fn(ReceivedMessage[T]{Payload: v, Metadata: metadataOf(sample)})
		return nil
	})
}

// RemoveCallback removes the receive callback.
func (s *Subscriber[T]) RemoveCallback() {
	s.raw.RemoveCallback()
}

// Close unregisters the subscriber. It waits for an in-flight callback to
// return; no callback starts afterwards.
func (s *Subscriber[T]) Close() error {
	return s.raw.Close()
}

// PublisherCount returns the number of matched publishers.
func (s *Subscriber[T]) PublisherCount() int {
	return s.raw.PublisherCount()
}

// Topic returns the topic name.
func (s *Subscriber[T]) Topic() string {
	return s.raw.Topic()
}

// ID returns the subscriber entity ID.
func (s *Subscriber[T]) ID() topic.ID {
	return s.raw.ID()
}

// DataType returns the expected data type.
func (s *Subscriber[T]) DataType() topic.DataTypeInfo {
	return s.raw.DataType()
}

// Raw returns the underlying byte-level subscriber.
func (s *Subscriber[T]) Raw() *RawSubscriber {
	return s.raw
}
