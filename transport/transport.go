// Package transport defines the narrow interface between the typed pub/sub
// layer and the messaging substrate that moves buffers between endpoints.
//
// A transport guarantees that a subscriber observes either a previous
// complete buffer or a new complete buffer, never a partial write, and that
// at most one writer is active per outgoing buffer. Delivery to one
// SubscriberHandle is serialized: ReceiveFunc is never invoked concurrently
// for the same handle.
//
// Implementations live in sub-packages: memory (in-process), shm (shared
// memory between processes), p2p, redis and nats (network).
package transport

import (
	"errors"

	"github.com/fxsml/gocal/topic"
)

var (
	// ErrClosed is returned by operations on an unregistered handle or a
	// closed transport.
	ErrClosed = errors.New("transport: closed")
	// ErrSkipped is returned by PublishZeroCopy when the fill function
	// declined to write. Nothing was published.
	ErrSkipped = errors.New("transport: send skipped")
	// ErrSizeExceeded is returned when a payload exceeds a transport limit.
	ErrSizeExceeded = errors.New("transport: payload size exceeded")
)

// FillFunc writes a payload in place. buf has exactly the length requested
// from PublishZeroCopy. reused is true when buf still holds the content of
// the same publisher's previous successful write, so only modified regions
// need patching. Returning false abandons the send.
type FillFunc func(buf []byte, reused bool) bool

// ReceiveFunc handles one received buffer. The Sample and its buffer are
// only valid until the function returns.
type ReceiveFunc func(s *Sample)

// Transport registers publishers and subscribers.
type Transport interface {
	// RegisterPublisher announces a publisher for t.
	RegisterPublisher(t topic.Topic) (PublisherHandle, error)
	// RegisterSubscriber starts delivering buffers published on t.Name to fn.
	RegisterSubscriber(t topic.Topic, fn ReceiveFunc) (SubscriberHandle, error)
	// Close unregisters every handle and releases transport resources.
	Close() error
}

// PublisherHandle is one registered publisher.
type PublisherHandle interface {
	// ID identifies the publisher; it is reported in receive metadata.
	ID() topic.ID
	// Topic returns the registered topic.
	Topic() topic.Topic
	// Publish copies data into the transport buffer and hands it to
	// subscribers. It returns the number of subscribers reached.
	Publish(data []byte, ts Timestamp) (int, error)
	// PublishZeroCopy allocates or reuses a buffer of exactly size bytes and
	// lets fill write it in place. Returns ErrSkipped when fill returns false.
	PublishZeroCopy(size int, fill FillFunc, ts Timestamp) (int, error)
	// SubscriberCount returns the number of currently matched subscribers.
	SubscriberCount() int
	// Unregister removes the publisher. Further calls return ErrClosed.
	Unregister() error
}

// SubscriberHandle is one registered subscriber.
type SubscriberHandle interface {
	// ID identifies the subscriber.
	ID() topic.ID
	// Topic returns the registered topic.
	Topic() topic.Topic
	// PublisherCount returns the number of currently matched publishers.
	PublisherCount() int
	// Unregister stops delivery. It waits for an in-flight ReceiveFunc to
	// return; no invocation starts afterwards.
	Unregister() error
}
