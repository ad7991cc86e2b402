//go:build linux || darwin

package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxsml/gocal/topic"
	"github.com/fxsml/gocal/transport"
	"github.com/fxsml/gocal/transport/internal/frame"
)

const (
	kindPublisher  = "pub"
	kindSubscriber = "sub"
)

// Transport is a shared memory transport.Transport.
type Transport struct {
	config Config
	pid    uint32

	mu     sync.Mutex
	pubs   map[topic.ID]*publisher
	subs   map[topic.ID]*subscriber
	closed bool

	mismatch sync.Map
}

var _ transport.Transport = (*Transport)(nil)

// New creates a shared memory transport rooted at config.Dir.
func New(config Config) (*Transport, error) {
	cfg := config.defaults()
	if err := os.MkdirAll(cfg.root(), 0o700); err != nil {
		return nil, fmt.Errorf("shm: create root: %w", err)
	}
	return &Transport{
		config: cfg,
		pid:    uint32(os.Getpid()),
		pubs:   make(map[topic.ID]*publisher),
		subs:   make(map[topic.ID]*subscriber),
	}, nil
}

func (t *Transport) topicDir(name string) (string, error) {
	dir := filepath.Join(t.config.root(), topicDir(name))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("shm: create topic dir: %w", err)
	}
	return dir, nil
}

// RegisterPublisher implements transport.Transport.
func (t *Transport) RegisterPublisher(tp topic.Topic) (transport.PublisherHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}
	dir, err := t.topicDir(tp.Name)
	if err != nil {
		return nil, err
	}
	p, err := newPublisher(t, tp, dir)
	if err != nil {
		return nil, err
	}
	t.pubs[p.id] = p
	t.config.Logger.Debug("shm: publisher registered", "topic", tp.Name, "id", p.id, "dir", dir)
	return p, nil
}

// RegisterSubscriber implements transport.Transport.
func (t *Transport) RegisterSubscriber(tp topic.Topic, fn transport.ReceiveFunc) (transport.SubscriberHandle, error) {
	if fn == nil {
		panic("shm: receive func cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}
	dir, err := t.topicDir(tp.Name)
	if err != nil {
		return nil, err
	}
	s, err := newSubscriber(t, tp, dir, fn)
	if err != nil {
		return nil, err
	}
	t.subs[s.id] = s
	go s.run()
	t.config.Logger.Debug("shm: subscriber registered", "topic", tp.Name, "id", s.id, "dir", dir)
	return s, nil
}

// compatible logs a mismatch once per publisher/subscriber pair.
func (t *Transport) compatible(pub, sub frame.Registration) bool {
	err := topic.CheckCompatible(pub.Topic.Name, sub.Topic.DataType, pub.Topic.DataType)
	if err == nil {
		return true
	}
	if _, seen := t.mismatch.LoadOrStore(string(pub.ID)+"/"+string(sub.ID), struct{}{}); !seen {
		t.config.Logger.Error("shm: incompatible endpoints",
			"topic", pub.Topic.Name, "publisher", pub.ID, "subscriber", sub.ID,
			"publisher_pid", pub.PID, "subscriber_pid", sub.PID,
			"error", fmt.Errorf("%w: %w", transport.ErrTopicMismatch, err))
	}
	return false
}

func (t *Transport) remove(id topic.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pubs, id)
	delete(t.subs, id)
}

// Close unregisters every publisher and subscriber of this process.
// Memfiles of other processes are left untouched.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	t.closed = true
	pubs := make([]*publisher, 0, len(t.pubs))
	for _, p := range t.pubs {
		pubs = append(pubs, p)
	}
	subs := make([]*subscriber, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.Unregister()
	}
	for _, p := range pubs {
		_ = p.Unregister()
	}
	return nil
}
