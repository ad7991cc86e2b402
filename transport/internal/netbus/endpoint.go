package netbus

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fxsml/gocal/topic"
	"github.com/fxsml/gocal/transport"
	"github.com/fxsml/gocal/transport/internal/frame"
)

type publisher struct {
	t    *Transport
	c    *channel
	id   topic.ID
	tp   topic.Topic
	self frame.Registration

	mu       sync.Mutex
	buf      []byte
	clock    int64
	stamps   transport.Stamper
	bufferID uint64
	lastSize int
	lastOK   bool
	closed   atomic.Bool
}

func newPublisher(t *Transport, c *channel, tp topic.Topic) *publisher {
	id := topic.NewID()
	return &publisher{
		t:    t,
		c:    c,
		id:   id,
		tp:   tp,
		self: frame.Registration{ID: id, Topic: tp, Publisher: true, PID: uint32(os.Getpid())},
	}
}

func (p *publisher) ID() topic.ID {
	return p.id
}

func (p *publisher) Topic() topic.Topic {
	return p.tp
}

func (p *publisher) SubscriberCount() int {
	if p.closed.Load() {
		return 0
	}
	return p.t.count(p.tp.Name, p.self)
}

func (p *publisher) Publish(data []byte, ts transport.Timestamp) (int, error) {
	return p.PublishZeroCopy(len(data), func(buf []byte, _ bool) bool {
		copy(buf, data)
		return true
	}, ts)
}

// PublishZeroCopy fills the payload region of the publisher's frame buffer
// in place. The frame buffer is kept between sends, so reused holds
// whenever the previous fill of the same size completed.
func (p *publisher) PublishZeroCopy(size int, fill transport.FillFunc, ts transport.Timestamp) (int, error) {
	if size < 0 {
		return 0, transport.ErrSizeExceeded
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return 0, transport.ErrClosed
	}

	h := frame.Header{PublisherID: p.id, Topic: p.tp}
	if limit := p.t.config.MaxMessage; limit > 0 && frame.HeaderSize(h)+size > limit {
		return 0, fmt.Errorf("%w: %d bytes, limit %d", transport.ErrSizeExceeded, size, limit-frame.HeaderSize(h))
	}

	reused := p.lastOK && p.lastSize == size
	p.lastOK = false
	if p.bufferID == 0 || p.lastSize != size {
		p.bufferID = p.t.bufferIDs.Add(1)
	}
	p.clock++
	h.Clock = p.clock
	h.Timestamp = p.stamps.Stamp(ts)
	h.BufferID = p.bufferID

	buf, payload, err := frame.Prepare(p.buf, h, size)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", transport.ErrSizeExceeded, err)
	}
	p.buf = buf
	p.lastSize = size
	if !fill(payload, reused) {
		return 0, transport.ErrSkipped
	}
	p.lastOK = true

	if err := p.t.bus.Publish(p.c.data, buf); err != nil {
		return 0, fmt.Errorf("%s: publish %s: %w", p.t.config.Name, p.c.data, err)
	}
	return p.t.count(p.tp.Name, p.self), nil
}

func (p *publisher) Unregister() error {
	if p.closed.Swap(true) {
		return transport.ErrClosed
	}
	p.mu.Lock()
	p.mu.Unlock()

	gone := p.self
	gone.Gone = true
	p.t.announce(p.c.presence, gone)
	p.t.remove(p.tp.Name, p.id)
	p.t.config.Logger.Debug(p.t.config.Name+": publisher unregistered", "topic", p.tp.Name, "id", p.id)
	return nil
}

type delivery struct {
	header  frame.Header
	payload []byte
}

type subscriber struct {
	t    *Transport
	id   topic.ID
	tp   topic.Topic
	self frame.Registration
	fn   transport.ReceiveFunc

	queue   chan delivery
	closed  atomic.Bool
	stop    chan struct{}
	stopped chan struct{}
	dropped atomic.Uint64
}

func newSubscriber(t *Transport, tp topic.Topic, fn transport.ReceiveFunc) *subscriber {
	id := topic.NewID()
	return &subscriber{
		t:       t,
		id:      id,
		tp:      tp,
		self:    frame.Registration{ID: id, Topic: tp, PID: uint32(os.Getpid())},
		fn:      fn,
		queue:   make(chan delivery, t.config.QueueSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (s *subscriber) ID() topic.ID {
	return s.id
}

func (s *subscriber) Topic() topic.Topic {
	return s.tp
}

func (s *subscriber) PublisherCount() int {
	if s.closed.Load() {
		return 0
	}
	return s.t.count(s.tp.Name, s.self)
}

// notify enqueues d, dropping the oldest pending frame when full.
func (s *subscriber) notify(d delivery) {
	for {
		select {
		case s.queue <- d:
			return
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *subscriber) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.stop:
			return
		case d := <-s.queue:
			select {
			case <-s.stop:
				return
			default:
			}
			s.deliver(d)
		}
	}
}

func (s *subscriber) deliver(d delivery) {
	sample := transport.NewSample(d.payload)
	sample.Topic = d.header.Topic
	sample.Timestamp = d.header.Timestamp
	sample.Clock = d.header.Clock
	sample.PublisherID = d.header.PublisherID
	sample.BufferID = d.header.BufferID

	defer func() {
		if v := recover(); v != nil {
			s.t.config.Logger.Error(s.t.config.Name+": receive callback panicked",
				"topic", s.tp.Name, "id", s.id, "panic", v)
		}
	}()
	transport.Deliver(s.fn, sample)
}

func (s *subscriber) Unregister() error {
	if s.closed.Swap(true) {
		return transport.ErrClosed
	}
	s.t.remove(s.tp.Name, s.id)
	close(s.stop)
	<-s.stopped

	gone := s.self
	gone.Gone = true
	s.t.announce(Subject(s.t.config.Prefix, "presence", s.tp.Name), gone)
	if n := s.dropped.Load(); n > 0 {
		s.t.config.Logger.Debug(s.t.config.Name+": subscriber dropped frames", "topic", s.tp.Name, "id", s.id, "dropped", n)
	}
	s.t.config.Logger.Debug(s.t.config.Name+": subscriber unregistered", "topic", s.tp.Name, "id", s.id)
	return nil
}
