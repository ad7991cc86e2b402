package memory

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxsml/gocal/topic"
	"github.com/fxsml/gocal/transport"
)

// memfile holds one publisher buffer. Writers hold mu exclusively while
// filling; readers hold it shared during delivery.
type memfile struct {
	mu    sync.RWMutex
	id    uint64
	data  []byte
	clock int64
	ts    int64
	valid bool
}

type publisher struct {
	t     *Transport
	id    topic.ID
	topic topic.Topic

	mu        sync.Mutex
	files     []*memfile
	current   int
	clock     int64
	lastClock int64
	stamps    transport.Stamper
	closed    atomic.Bool
}

func newPublisher(t *Transport, tp topic.Topic) *publisher {
	files := make([]*memfile, t.config.BufferCount)
	for i := range files {
		files[i] = &memfile{}
	}
	return &publisher{
		t:     t,
		id:    topic.NewID(),
		topic: tp,
		files: files,
	}
}

func (p *publisher) ID() topic.ID {
	return p.id
}

func (p *publisher) Topic() topic.Topic {
	return p.topic
}

func (p *publisher) SubscriberCount() int {
	if p.closed.Load() {
		return 0
	}
	return len(p.t.subscribersFor(p))
}

func (p *publisher) Publish(data []byte, ts transport.Timestamp) (int, error) {
	return p.PublishZeroCopy(len(data), func(buf []byte, _ bool) bool {
		copy(buf, data)
		return true
	}, ts)
}

func (p *publisher) PublishZeroCopy(size int, fill transport.FillFunc, ts transport.Timestamp) (int, error) {
	if size < 0 {
		return 0, transport.ErrSizeExceeded
	}

	mf, clock, err := p.fill(size, fill, ts)
	if err != nil {
		return 0, err
	}

	subs := p.t.subscribersFor(p)
	var ack chan struct{}
	if p.t.config.AcknowledgeTimeout > 0 {
		ack = make(chan struct{}, len(subs))
	}
	delivered := 0
	for _, s := range subs {
		if s.notify(notification{pub: p, file: mf, clock: clock, ack: ack}) {
			delivered++
		}
	}
	if ack != nil && delivered > 0 {
		p.await(ack, delivered)
	}
	return delivered, nil
}

func (p *publisher) fill(size int, fill transport.FillFunc, ts transport.Timestamp) (*memfile, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil, 0, transport.ErrClosed
	}
	mf := p.acquire()
	p.clock++
	if !p.write(mf, size, fill, ts, p.clock) {
		return nil, 0, transport.ErrSkipped
	}
	p.lastClock = p.clock
	return mf, p.clock, nil
}

// acquire picks the memfile for the next write and returns it locked.
// It prefers a memfile nobody is reading and blocks on the current one
// when all are busy.
func (p *publisher) acquire() *memfile {
	n := len(p.files)
	for i := range n {
		idx := (p.current + i) % n
		if p.files[idx].mu.TryLock() {
			p.current = idx
			return p.files[idx]
		}
	}
	mf := p.files[p.current]
	mf.mu.Lock()
	return mf
}

// write fills mf and unlocks it. A failed fill leaves the memfile invalid
// so the next write on it is full.
func (p *publisher) write(mf *memfile, size int, fill transport.FillFunc, ts transport.Timestamp, clock int64) (ok bool) {
	defer mf.mu.Unlock()

	reused := mf.valid && len(mf.data) == size && mf.clock == p.lastClock
	if len(mf.data) != size || mf.data == nil {
		mf.data = make([]byte, size)
		mf.id = p.t.bufferIDs.Add(1)
	}

	mf.valid = false
	mf.clock = clock
	if !fill(mf.data, reused) {
		return false
	}
	mf.valid = true
	mf.ts = p.stamps.Stamp(ts)
	return true
}

func (p *publisher) await(ack <-chan struct{}, n int) {
	timer := time.NewTimer(p.t.config.AcknowledgeTimeout)
	defer timer.Stop()
	for range n {
		select {
		case <-ack:
		case <-timer.C:
			p.t.config.Logger.Debug("memory: acknowledge timeout", "topic", p.topic.Name, "id", p.id)
			return
		}
	}
}

func (p *publisher) Unregister() error {
	if p.closed.Swap(true) {
		return transport.ErrClosed
	}
	// Wait for an in-flight send.
	p.mu.Lock()
	p.mu.Unlock()
	p.t.removePublisher(p)
	p.t.config.Logger.Debug("memory: publisher unregistered", "topic", p.topic.Name, "id", p.id)
	return nil
}
