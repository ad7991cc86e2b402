//go:build linux || darwin

package shm

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/fxsml/gocal/topic"
	"github.com/fxsml/gocal/transport"
	"github.com/fxsml/gocal/transport/internal/frame"
)

// reader maps the memfiles of one matched publisher.
type reader struct {
	reg   frame.Registration
	files []*memfile
	seqs  []uint64
}

func (r *reader) close() {
	for _, mf := range r.files {
		mf.close(false)
	}
}

// pending is a memfile whose sequence number changed since the last poll.
type pending struct {
	r     *reader
	idx   int
	clock int64
}

type subscriber struct {
	t     *Transport
	id    topic.ID
	topic topic.Topic
	dir   string
	self  frame.Registration
	reg   *registration
	fn    transport.ReceiveFunc

	// readers is owned by the run goroutine after registration.
	readers map[topic.ID]*reader
	matched atomic.Int64

	closed  atomic.Bool
	stop    chan struct{}
	stopped chan struct{}
}

func newSubscriber(t *Transport, tp topic.Topic, dir string, fn transport.ReceiveFunc) (*subscriber, error) {
	s := &subscriber{
		t:       t,
		id:      topic.NewID(),
		topic:   tp,
		dir:     dir,
		fn:      fn,
		readers: make(map[topic.ID]*reader),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	s.self = frame.Registration{ID: s.id, Topic: tp, PID: t.pid}
	reg, err := register(dir, kindSubscriber, s.self)
	if err != nil {
		return nil, err
	}
	s.reg = reg
	s.discover()
	return s, nil
}

func (s *subscriber) ID() topic.ID {
	return s.id
}

func (s *subscriber) Topic() topic.Topic {
	return s.topic
}

func (s *subscriber) PublisherCount() int {
	if s.closed.Load() {
		return 0
	}
	return int(s.matched.Load())
}

func (s *subscriber) run() {
	defer close(s.stopped)
	poll := time.NewTicker(s.t.config.PollInterval)
	defer poll.Stop()
	discover := time.NewTicker(s.t.config.DiscoveryInterval)
	defer discover.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-discover.C:
			s.discover()
		case <-poll.C:
			s.poll()
		}
	}
}

// discover maps memfiles of new compatible publishers and drops readers
// of publishers that went away.
func (s *subscriber) discover() {
	regs, err := scan(s.dir, kindPublisher)
	if err != nil {
		s.t.config.Logger.Warn("shm: publisher discovery failed", "topic", s.topic.Name, "error", err)
		return
	}
	live := make(map[topic.ID]struct{}, len(regs))
	for _, reg := range regs {
		if !s.t.compatible(reg, s.self) {
			continue
		}
		live[reg.ID] = struct{}{}
		if _, ok := s.readers[reg.ID]; ok {
			continue
		}
		r, err := s.open(reg)
		if err != nil {
			// The publisher may be mid-registration or gone; retry next scan.
			s.t.config.Logger.Debug("shm: open memfiles failed", "topic", s.topic.Name, "publisher", reg.ID, "error", err)
			delete(live, reg.ID)
			continue
		}
		s.readers[reg.ID] = r
		s.t.config.Logger.Debug("shm: publisher matched", "topic", s.topic.Name, "id", s.id, "publisher", reg.ID, "pid", reg.PID)
	}
	for id, r := range s.readers {
		if _, ok := live[id]; !ok {
			r.close()
			delete(s.readers, id)
		}
	}
	s.matched.Store(int64(len(s.readers)))
}

func (s *subscriber) open(reg frame.Registration) (*reader, error) {
	if !validID(string(reg.ID)) {
		return nil, fmt.Errorf("%w: publisher id %q", errBadRegistration, reg.ID)
	}
	r := &reader{reg: reg, seqs: make([]uint64, reg.Buffers)}
	for i := range int(reg.Buffers) {
		mf, err := openMemfile(filepath.Join(s.dir, memfileName(string(reg.ID), i)))
		if err != nil {
			r.close()
			return nil, err
		}
		r.files = append(r.files, mf)
	}
	return r, nil
}

// poll delivers every memfile whose sequence number changed, oldest clock
// first. The header is read without a lock as a hint and checked again
// under the shared lock.
func (s *subscriber) poll() {
	var changed []pending
	for _, r := range s.readers {
		for i, mf := range r.files {
			if len(mf.mem) < headerSize {
				// A failed remap left nothing mapped; retry on every poll.
				if mf.remap() != nil {
					continue
				}
			}
			if binary.LittleEndian.Uint64(mf.mem[offSeq:]) == r.seqs[i] {
				continue
			}
			clock := int64(binary.LittleEndian.Uint64(mf.mem[offClock:]))
			changed = append(changed, pending{r: r, idx: i, clock: clock})
		}
	}
	slices.SortFunc(changed, func(a, b pending) int {
		return cmp.Compare(a.clock, b.clock)
	})
	for _, c := range changed {
		select {
		case <-s.stop:
			return
		default:
		}
		s.deliver(c.r, c.idx)
	}
}

func (s *subscriber) deliver(r *reader, idx int) {
	mf := r.files[idx]
	if err := mf.rlock(); err != nil {
		s.t.config.Logger.Warn("shm: lock memfile failed", "topic", s.topic.Name, "error", err)
		return
	}
	defer mf.unlock()

	h, err := readHeader(mf.mem)
	if err != nil {
		s.t.config.Logger.Warn("shm: bad memfile", "topic", s.topic.Name, "publisher", r.reg.ID, "error", err)
		return
	}
	if h.seq == r.seqs[idx] {
		return
	}
	r.seqs[idx] = h.seq
	if h.state != stateValid {
		return
	}
	if uint64(len(mf.mem)) < headerSize+h.capacity {
		if err := mf.remap(); err != nil {
			s.t.config.Logger.Warn("shm: remap failed", "topic", s.topic.Name, "publisher", r.reg.ID, "error", err)
			return
		}
	}
	// The header belongs to another process; never slice past the mapping.
	if h.size > h.capacity || h.capacity > uint64(len(mf.mem))-headerSize {
		s.t.config.Logger.Warn("shm: memfile size out of bounds", "topic", s.topic.Name, "publisher", r.reg.ID,
			"size", h.size, "capacity", h.capacity, "mapped", len(mf.mem))
		return
	}
	defer mf.ack()

	sample := transport.NewSample(mf.mem[headerSize : headerSize+h.size])
	sample.Topic = r.reg.Topic
	sample.Timestamp = h.timestamp
	sample.Clock = h.clock
	sample.PublisherID = r.reg.ID
	sample.BufferID = uint64(idx)<<32 | uint64(h.generation)

	defer func() {
		if v := recover(); v != nil {
			s.t.config.Logger.Error("shm: receive callback panicked",
				"topic", s.topic.Name, "id", s.id, "panic", v)
		}
	}()
	transport.Deliver(s.fn, sample)
}

func (s *subscriber) Unregister() error {
	if s.closed.Swap(true) {
		return transport.ErrClosed
	}
	close(s.stop)
	<-s.stopped
	s.reg.close()
	for id, r := range s.readers {
		r.close()
		delete(s.readers, id)
	}
	s.t.remove(s.id)
	s.t.config.Logger.Debug("shm: subscriber unregistered", "topic", s.topic.Name, "id", s.id)
	return nil
}
