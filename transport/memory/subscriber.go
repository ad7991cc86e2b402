package memory

import (
	"sync"
	"sync/atomic"

	"github.com/fxsml/gocal/topic"
	"github.com/fxsml/gocal/transport"
)

type notification struct {
	pub   *publisher
	file  *memfile
	clock int64
	ack   chan<- struct{}
}

func (n notification) done() {
	if n.ack != nil {
		n.ack <- struct{}{}
	}
}

type subscriber struct {
	t     *Transport
	id    topic.ID
	topic topic.Topic
	fn    transport.ReceiveFunc

	mu      sync.Mutex
	queue   []notification
	closed  bool
	signal  chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	dropped atomic.Uint64
}

func newSubscriber(t *Transport, tp topic.Topic, fn transport.ReceiveFunc) *subscriber {
	return &subscriber{
		t:       t,
		id:      topic.NewID(),
		topic:   tp,
		fn:      fn,
		queue:   make([]notification, 0, t.config.QueueSize),
		signal:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (s *subscriber) ID() topic.ID {
	return s.id
}

func (s *subscriber) Topic() topic.Topic {
	return s.topic
}

func (s *subscriber) PublisherCount() int {
	return s.t.publisherCount(s)
}

// Dropped returns the number of notifications discarded because the queue
// was full.
func (s *subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// notify enqueues n, dropping the oldest pending notification when full.
func (s *subscriber) notify(n notification) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.queue) >= s.t.config.QueueSize {
		s.queue[0].done()
		s.queue = s.queue[1:]
		s.dropped.Add(1)
	}
	s.queue = append(s.queue, n)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

func (s *subscriber) next() (notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return notification{}, false
	}
	n := s.queue[0]
	s.queue = s.queue[1:]
	return n, true
}

func (s *subscriber) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.stop:
			return
		case <-s.signal:
		}
		for {
			n, ok := s.next()
			if !ok {
				break
			}
			s.deliver(n)
		}
	}
}

// deliver hands the memfile to the callback under a read lock. Stale
// notifications, whose memfile was rewritten since, are dropped.
func (s *subscriber) deliver(n notification) {
	defer n.done()

	mf := n.file
	mf.mu.RLock()
	defer mf.mu.RUnlock()
	if !mf.valid || mf.clock != n.clock {
		return
	}

	sample := transport.NewSample(mf.data)
	sample.Topic = n.pub.topic
	sample.Timestamp = mf.ts
	sample.Clock = mf.clock
	sample.PublisherID = n.pub.id
	sample.BufferID = mf.id

	defer func() {
		if r := recover(); r != nil {
			s.t.config.Logger.Error("memory: receive callback panicked",
				"topic", s.topic.Name, "id", s.id, "panic", r)
		}
	}()
	transport.Deliver(s.fn, sample)
}

func (s *subscriber) Unregister() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrClosed
	}
	s.closed = true
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, n := range pending {
		n.done()
	}
	s.t.removeSubscriber(s)
	close(s.stop)
	<-s.stopped
	s.t.config.Logger.Debug("memory: subscriber unregistered", "topic", s.topic.Name, "id", s.id)
	return nil
}
