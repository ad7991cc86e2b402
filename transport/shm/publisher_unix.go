//go:build linux || darwin

package shm

import (
	"encoding/binary"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxsml/gocal/topic"
	"github.com/fxsml/gocal/transport"
	"github.com/fxsml/gocal/transport/internal/frame"
)

type publisher struct {
	t     *Transport
	id    topic.ID
	topic topic.Topic
	dir   string
	self  frame.Registration
	reg   *registration

	mu       sync.Mutex
	files    []*memfile
	current  int
	clock    int64
	stamps   transport.Stamper
	last     int
	lastSize int
	closed   atomic.Bool

	countMu   sync.Mutex
	count     int
	countedAt time.Time
}

func newPublisher(t *Transport, tp topic.Topic, dir string) (*publisher, error) {
	p := &publisher{
		t:     t,
		id:    topic.NewID(),
		topic: tp,
		dir:   dir,
		last:  -1,
	}
	p.self = frame.Registration{
		ID:        p.id,
		Topic:     tp,
		Publisher: true,
		Buffers:   uint16(t.config.BufferCount),
		PID:       t.pid,
	}
	capacity := capacityFor(0, t.config.MinCapacity)
	for i := range t.config.BufferCount {
		mf, err := createMemfile(filepath.Join(dir, memfileName(string(p.id), i)), capacity)
		if err != nil {
			p.release()
			return nil, err
		}
		p.files = append(p.files, mf)
	}
	reg, err := register(dir, kindPublisher, p.self)
	if err != nil {
		p.release()
		return nil, err
	}
	p.reg = reg
	return p, nil
}

func (p *publisher) ID() topic.ID {
	return p.id
}

func (p *publisher) Topic() topic.Topic {
	return p.topic
}

// SubscriberCount scans subscriber registrations at most once per
// DiscoveryInterval.
func (p *publisher) SubscriberCount() int {
	if p.closed.Load() {
		return 0
	}
	p.countMu.Lock()
	defer p.countMu.Unlock()
	if !p.countedAt.IsZero() && time.Since(p.countedAt) < p.t.config.DiscoveryInterval {
		return p.count
	}
	regs, err := scan(p.dir, kindSubscriber)
	if err != nil {
		p.t.config.Logger.Warn("shm: subscriber discovery failed", "topic", p.topic.Name, "error", err)
		return p.count
	}
	n := 0
	for _, sub := range regs {
		if p.t.compatible(p.self, sub) {
			n++
		}
	}
	p.count = n
	p.countedAt = time.Now()
	return n
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

	mf, err := p.fill(size, fill, ts)
	if err != nil {
		return 0, err
	}
	delivered := p.SubscriberCount()
	if p.t.config.AcknowledgeTimeout > 0 && delivered > 0 {
		p.await(mf, uint32(delivered))
	}
	return delivered, nil
}

func (p *publisher) fill(size int, fill transport.FillFunc, ts transport.Timestamp) (*memfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil, transport.ErrClosed
	}
	idx, err := p.acquire()
	if err != nil {
		return nil, err
	}
	mf := p.files[idx]
	defer mf.unlock()

	reused := p.last == idx && p.lastSize == size
	p.last = -1
	p.clock++
	ok, err := p.write(mf, size, fill, reused, ts)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, transport.ErrSkipped
	}
	p.last, p.lastSize = idx, size
	return mf, nil
}

// acquire locks the memfile for the next write. It prefers a memfile no
// reader holds and blocks on the current one when all are busy.
func (p *publisher) acquire() (int, error) {
	n := len(p.files)
	for i := range n {
		idx := (p.current + i) % n
		if p.files[idx].tryLock() {
			p.current = idx
			return idx, nil
		}
	}
	if err := p.files[p.current].lock(); err != nil {
		return 0, err
	}
	return p.current, nil
}

// write fills mf in place. Any outcome other than a completed fill commits
// an invalid state, so readers skip it and the next write is full.
func (p *publisher) write(mf *memfile, size int, fill transport.FillFunc, reused bool, ts transport.Timestamp) (ok bool, err error) {
	h, err := readHeader(mf.mem)
	if err != nil {
		return false, err
	}
	if uint64(size) > h.capacity {
		if err := mf.grow(capacityFor(size, p.t.config.MinCapacity)); err != nil {
			return false, err
		}
	}
	h.seq++
	h.state = stateInvalid
	h.clock = p.clock
	h.size = uint64(size)
	binary.LittleEndian.PutUint32(mf.mem[offState:], stateInvalid)
	defer func() {
		commit(mf.mem, h)
	}()

	if !fill(mf.mem[headerSize:headerSize+size], reused) {
		return false, nil
	}
	h.state = stateValid
	h.timestamp = p.stamps.Stamp(ts)
	return true, nil
}

// await polls the acknowledge counter of mf until n subscribers finished
// with the buffer or the timeout expires.
func (p *publisher) await(mf *memfile, n uint32) {
	deadline := time.Now().Add(p.t.config.AcknowledgeTimeout)
	for {
		p.mu.Lock()
		done := p.closed.Load() || mf.acks() >= n
		p.mu.Unlock()
		if done {
			return
		}
		if time.Now().After(deadline) {
			p.t.config.Logger.Debug("shm: acknowledge timeout", "topic", p.topic.Name, "id", p.id)
			return
		}
		time.Sleep(p.t.config.PollInterval)
	}
}

func (p *publisher) release() {
	if p.reg != nil {
		p.reg.close()
	}
	for _, mf := range p.files {
		mf.close(true)
	}
}

func (p *publisher) Unregister() error {
	if p.closed.Swap(true) {
		return transport.ErrClosed
	}
	p.mu.Lock()
	p.release()
	p.mu.Unlock()
	p.t.remove(p.id)
	p.t.config.Logger.Debug("shm: publisher unregistered", "topic", p.topic.Name, "id", p.id)
	return nil
}
