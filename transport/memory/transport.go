// Package memory provides an in-process transport.
//
// Each publisher owns a small pool of memfiles. A send locks one memfile,
// fills it in place and notifies subscribers, which read it under a shared
// lock from their own delivery goroutine. A notification whose memfile was
// rewritten before delivery is dropped, so subscribers only ever observe
// complete buffers.
package memory

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxsml/gocal/topic"
	"github.com/fxsml/gocal/transport"
)

// Config configures the transport behavior.
type Config struct {
	// BufferCount is the number of memfiles per publisher. With more than one
	// buffer a send does not block on a subscriber still reading the
	// previous payload.
	// Default: 1.
	BufferCount int

	// QueueSize is the number of pending notifications per subscriber.
	// When full, the oldest notification is dropped.
	// Default: 64.
	QueueSize int

	// AcknowledgeTimeout makes a send wait up to this long for every
	// notified subscriber to finish with the buffer.
	// Zero means no waiting.
	AcknowledgeTimeout time.Duration

	// Logger receives transport diagnostics. Default: slog.Default().
	Logger transport.Logger
}

func (c *Config) defaults() Config {
	cfg := *c
	if cfg.BufferCount <= 0 {
		cfg.BufferCount = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	cfg.Logger = transport.LoggerOrDefault(cfg.Logger)
	return cfg
}

type registry struct {
	pubs map[topic.ID]*publisher
	subs map[topic.ID]*subscriber
}

// Transport is an in-process transport.Transport.
type Transport struct {
	config Config

	mu     sync.RWMutex
	topics map[string]*registry
	closed bool

	bufferIDs atomic.Uint64
	mismatch  sync.Map
}

// New creates an in-process transport.
func New(config Config) *Transport {
	return &Transport{
		config: config.defaults(),
		topics: make(map[string]*registry),
	}
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) registryFor(name string) *registry {
	r, ok := t.topics[name]
	if !ok {
		r = &registry{
			pubs: make(map[topic.ID]*publisher),
			subs: make(map[topic.ID]*subscriber),
		}
		t.topics[name] = r
	}
	return r
}

func (t *Transport) release(name string) {
	if r, ok := t.topics[name]; ok && len(r.pubs) == 0 && len(r.subs) == 0 {
		delete(t.topics, name)
	}
}

// RegisterPublisher implements transport.Transport.
func (t *Transport) RegisterPublisher(tp topic.Topic) (transport.PublisherHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}

	p := newPublisher(t, tp)
	r := t.registryFor(tp.Name)
	r.pubs[p.id] = p
	for _, s := range r.subs {
		t.checkCompatible(p, s)
	}
	t.config.Logger.Debug("memory: publisher registered", "topic", tp.Name, "id", p.id)
	return p, nil
}

// RegisterSubscriber implements transport.Transport.
func (t *Transport) RegisterSubscriber(tp topic.Topic, fn transport.ReceiveFunc) (transport.SubscriberHandle, error) {
	if fn == nil {
		panic("memory: receive func cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}

	s := newSubscriber(t, tp, fn)
	r := t.registryFor(tp.Name)
	r.subs[s.id] = s
	for _, p := range r.pubs {
		t.checkCompatible(p, s)
	}
	go s.run()
	t.config.Logger.Debug("memory: subscriber registered", "topic", tp.Name, "id", s.id)
	return s, nil
}

// checkCompatible logs a mismatch once per publisher/subscriber pair.
func (t *Transport) checkCompatible(p *publisher, s *subscriber) bool {
	err := topic.CheckCompatible(p.topic.Name, s.topic.DataType, p.topic.DataType)
	if err == nil {
		return true
	}
	if _, seen := t.mismatch.LoadOrStore(string(p.id)+"/"+string(s.id), struct{}{}); !seen {
		t.config.Logger.Error("memory: incompatible endpoints",
			"topic", p.topic.Name, "publisher", p.id, "subscriber", s.id,
			"error", fmt.Errorf("%w: %w", transport.ErrTopicMismatch, err))
	}
	return false
}

// subscribersFor returns the subscribers compatible with p.
func (t *Transport) subscribersFor(p *publisher) []*subscriber {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.topics[p.topic.Name]
	if !ok {
		return nil
	}
	subs := make([]*subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		if t.checkCompatible(p, s) {
			subs = append(subs, s)
		}
	}
	return subs
}

func (t *Transport) publisherCount(s *subscriber) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	if r, ok := t.topics[s.topic.Name]; ok {
		for _, p := range r.pubs {
			if topic.Compatible(s.topic.DataType, p.topic.DataType) {
				n++
			}
		}
	}
	return n
}

func (t *Transport) removePublisher(p *publisher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.topics[p.topic.Name]; ok {
		delete(r.pubs, p.id)
	}
	t.release(p.topic.Name)
}

func (t *Transport) removeSubscriber(s *subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.topics[s.topic.Name]; ok {
		delete(r.subs, s.id)
	}
	t.release(s.topic.Name)
}

// Close unregisters every publisher and subscriber.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	t.closed = true
	var pubs []*publisher
	var subs []*subscriber
	for _, r := range t.topics {
		for _, p := range r.pubs {
			pubs = append(pubs, p)
		}
		for _, s := range r.subs {
			subs = append(subs, s)
		}
	}
	t.mu.Unlock()

	for _, p := range pubs {
		_ = p.Unregister()
	}
	for _, s := range subs {
		_ = s.Unregister()
	}
	return nil
}
