//go:build !(linux || darwin)

package shm

import (
	"github.com/fxsml/gocal/topic"
	"github.com/fxsml/gocal/transport"
)

// Transport is unavailable on this platform.
type Transport struct{}

// New returns ErrUnsupported.
func New(Config) (*Transport, error) {
	return nil, ErrUnsupported
}

func (*Transport) RegisterPublisher(topic.Topic) (transport.PublisherHandle, error) {
	return nil, ErrUnsupported
}

func (*Transport) RegisterSubscriber(topic.Topic, transport.ReceiveFunc) (transport.SubscriberHandle, error) {
	return nil, ErrUnsupported
}

func (*Transport) Close() error {
	return ErrUnsupported
}
