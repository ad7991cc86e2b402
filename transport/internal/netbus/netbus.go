// Package netbus implements transport.Transport on top of a plain
// publish/subscribe bus. The network transports only provide the Bus.
//
// Every topic uses two subjects: {prefix}.data.{topic} carries frames and
// {prefix}.presence.{topic} carries endpoint registrations. Endpoints
// announce themselves when registered, every AnnounceInterval, when they see
// an unknown peer and once more when they leave. Peers not heard from for
// three intervals are forgotten.
package netbus

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxsml/gocal/topic"
	"github.com/fxsml/gocal/transport"
	"github.com/fxsml/gocal/transport/internal/frame"
)

// Bus is a best-effort publish/subscribe substrate.
type Bus interface {
	// Publish sends data on subject. data is not retained after return.
	Publish(subject string, data []byte) error
	// Subscribe calls fn for every message on subject. fn is not called
	// concurrently for one subscription and owns data. The subscription is
	// active when Subscribe returns.
	Subscribe(subject string, fn func(data []byte)) (Subscription, error)
	// Close releases the bus connection.
	Close() error
}

// Subscription is an active Bus subscription.
type Subscription interface {
	Unsubscribe() error
}

// Config configures the transport behavior.
type Config struct {
	// Name prefixes log messages and errors, e.g. "redis".
	Name string

	// Prefix is the first subject element. Default: "gocal".
	Prefix string

	// AnnounceInterval is how often endpoints repeat their registration.
	// Default: 1s.
	AnnounceInterval time.Duration

	// QueueSize is the number of pending frames per subscriber.
	// When full, the oldest frame is dropped.
	// Default: 64.
	QueueSize int

	// MaxMessage limits the encoded frame size. Zero means unlimited.
	MaxMessage int

	// Logger receives transport diagnostics. Default: slog.Default().
	Logger transport.Logger
}

func (c *Config) defaults() Config {
	cfg := *c
	if cfg.Name == "" {
		cfg.Name = "netbus"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "gocal"
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	cfg.Logger = transport.LoggerOrDefault(cfg.Logger)
	return cfg
}

type peer struct {
	reg  frame.Registration
	seen time.Time
}

// channel is the state of one topic name.
type channel struct {
	name     string
	data     string
	presence string

	dataSub     Subscription
	presenceSub Subscription

	pubs  map[topic.ID]*publisher
	subs  map[topic.ID]*subscriber
	peers map[topic.ID]peer
}

func (c *channel) empty() bool {
	return len(c.pubs) == 0 && len(c.subs) == 0
}

// Transport is a transport.Transport over a Bus.
type Transport struct {
	bus    Bus
	config Config

	mu       sync.RWMutex
	channels map[string]*channel
	closed   bool

	bufferIDs atomic.Uint64
	mismatch  sync.Map

	stop    chan struct{}
	stopped chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport over bus. The transport owns bus and closes it.
func New(bus Bus, config Config) *Transport {
	if bus == nil {
		panic("netbus: bus cannot be nil")
	}
	t := &Transport{
		bus:      bus,
		config:   config.defaults(),
		channels: make(map[string]*channel),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go t.announceLoop()
	return t
}

// Subject escapes name into a single subject token. Bytes outside
// [A-Za-z0-9_-] are written as %XX.
func Subject(prefix, kind, name string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(prefix) + len(kind) + len(name) + 2)
	b.WriteString(prefix)
	b.WriteByte('.')
	b.WriteString(kind)
	b.WriteByte('.')
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '_', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0xF])
		}
	}
	return b.String()
}

// channelFor returns the channel of name, joining its presence subject on
// first use. Caller holds t.mu.
func (t *Transport) channelFor(name string) (*channel, error) {
	if c, ok := t.channels[name]; ok {
		return c, nil
	}
	c := &channel{
		name:     name,
		data:     Subject(t.config.Prefix, "data", name),
		presence: Subject(t.config.Prefix, "presence", name),
		pubs:     make(map[topic.ID]*publisher),
		subs:     make(map[topic.ID]*subscriber),
		peers:    make(map[topic.ID]peer),
	}
	sub, err := t.bus.Subscribe(c.presence, func(data []byte) {
		t.onPresence(c, data)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: subscribe %s: %w", t.config.Name, c.presence, err)
	}
	c.presenceSub = sub
	t.channels[name] = c
	return c, nil
}

// release drops the channel of name once it has no local endpoints.
// Caller holds t.mu.
func (t *Transport) release(c *channel) {
	if len(c.subs) == 0 && c.dataSub != nil {
		t.unsubscribe(c.dataSub, c.data)
		c.dataSub = nil
	}
	if !c.empty() {
		return
	}
	t.unsubscribe(c.presenceSub, c.presence)
	delete(t.channels, c.name)
}

func (t *Transport) unsubscribe(sub Subscription, subject string) {
	if err := sub.Unsubscribe(); err != nil {
		t.config.Logger.Warn(t.config.Name+": unsubscribe failed", "subject", subject, "error", err)
	}
}

// RegisterPublisher implements transport.Transport.
func (t *Transport) RegisterPublisher(tp topic.Topic) (transport.PublisherHandle, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrClosed
	}
	c, err := t.channelFor(tp.Name)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	p := newPublisher(t, c, tp)
	c.pubs[p.id] = p
	t.mu.Unlock()

	t.announce(c.presence, p.self)
	t.config.Logger.Debug(t.config.Name+": publisher registered", "topic", tp.Name, "id", p.id)
	return p, nil
}

// RegisterSubscriber implements transport.Transport.
func (t *Transport) RegisterSubscriber(tp topic.Topic, fn transport.ReceiveFunc) (transport.SubscriberHandle, error) {
	if fn == nil {
		panic(t.config.Name + ": receive func cannot be nil")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrClosed
	}
	c, err := t.channelFor(tp.Name)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if c.dataSub == nil {
		sub, err := t.bus.Subscribe(c.data, func(data []byte) {
			t.onData(c, data)
		})
		if err != nil {
			t.release(c)
			t.mu.Unlock()
			return nil, fmt.Errorf("%s: subscribe %s: %w", t.config.Name, c.data, err)
		}
		c.dataSub = sub
	}
	s := newSubscriber(t, tp, fn)
	c.subs[s.id] = s
	t.mu.Unlock()

	go s.run()
	t.announce(c.presence, s.self)
	t.config.Logger.Debug(t.config.Name+": subscriber registered", "topic", tp.Name, "id", s.id)
	return s, nil
}

// compatible logs a mismatch once per publisher/subscriber pair.
func (t *Transport) compatible(pub, sub frame.Registration) bool {
	err := topic.CheckCompatible(pub.Topic.Name, sub.Topic.DataType, pub.Topic.DataType)
	if err == nil {
		return true
	}
	if _, seen := t.mismatch.LoadOrStore(string(pub.ID)+"/"+string(sub.ID), struct{}{}); !seen {
		t.config.Logger.Error(t.config.Name+": incompatible endpoints",
			"topic", pub.Topic.Name, "publisher", pub.ID, "subscriber", sub.ID,
			"error", fmt.Errorf("%w: %w", transport.ErrTopicMismatch, err))
	}
	return false
}

func (t *Transport) announce(subject string, reg frame.Registration) {
	data, err := frame.EncodeRegistration(reg)
	if err == nil {
		err = t.bus.Publish(subject, data)
	}
	if err != nil {
		t.config.Logger.Warn(t.config.Name+": announce failed", "subject", subject, "id", reg.ID, "error", err)
	}
}

// onPresence records a peer announcement. An unknown peer makes every
// local endpoint of the topic announce itself.
func (t *Transport) onPresence(c *channel, data []byte) {
	reg, err := frame.DecodeRegistration(data)
	if err != nil {
		t.config.Logger.Warn(t.config.Name+": bad announcement", "subject", c.presence, "error", err)
		return
	}

	t.mu.Lock()
	if _, ok := c.pubs[reg.ID]; ok {
		t.mu.Unlock()
		return
	}
	if _, ok := c.subs[reg.ID]; ok {
		t.mu.Unlock()
		return
	}
	if reg.Gone {
		delete(c.peers, reg.ID)
		t.mu.Unlock()
		return
	}
	_, known := c.peers[reg.ID]
	c.peers[reg.ID] = peer{reg: reg, seen: time.Now()}
	var local []frame.Registration
	if !known {
		local = c.locals()
		for _, l := range local {
			if l.Publisher != reg.Publisher {
				t.checkPair(l, reg)
			}
		}
	}
	t.mu.Unlock()

	for _, l := range local {
		t.announce(c.presence, l)
	}
}

func (t *Transport) checkPair(a, b frame.Registration) bool {
	if a.Publisher {
		return t.compatible(a, b)
	}
	return t.compatible(b, a)
}

func (c *channel) locals() []frame.Registration {
	regs := make([]frame.Registration, 0, len(c.pubs)+len(c.subs))
	for _, p := range c.pubs {
		regs = append(regs, p.self)
	}
	for _, s := range c.subs {
		regs = append(regs, s.self)
	}
	return regs
}

// onData dispatches a frame to every compatible local subscriber.
func (t *Transport) onData(c *channel, data []byte) {
	h, payload, err := frame.Decode(data)
	if err != nil {
		t.config.Logger.Warn(t.config.Name+": bad frame", "subject", c.data, "error", err)
		return
	}
	pub := frame.Registration{ID: h.PublisherID, Topic: h.Topic, Publisher: true}

	t.mu.RLock()
	subs := make([]*subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		if t.compatible(pub, s.self) {
			subs = append(subs, s)
		}
	}
	t.mu.RUnlock()

	for _, s := range subs {
		s.notify(delivery{header: h, payload: payload})
	}
}

// count returns the matched endpoints of the opposite kind of self.
func (t *Transport) count(name string, self frame.Registration) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.channels[name]
	if !ok {
		return 0
	}
	n := 0
	if self.Publisher {
		for _, s := range c.subs {
			if t.compatible(self, s.self) {
				n++
			}
		}
	} else {
		for _, p := range c.pubs {
			if t.compatible(p.self, self) {
				n++
			}
		}
	}
	for _, p := range c.peers {
		if p.reg.Publisher != self.Publisher && t.checkPair(self, p.reg) {
			n++
		}
	}
	return n
}

func (t *Transport) remove(name string, id topic.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.channels[name]
	if !ok {
		return
	}
	delete(c.pubs, id)
	delete(c.subs, id)
	t.release(c)
}

func (t *Transport) announceLoop() {
	defer close(t.stopped)
	ticker := time.NewTicker(t.config.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.heartbeat()
		}
	}
}

// heartbeat expires silent peers and repeats local announcements.
func (t *Transport) heartbeat() {
	type announcement struct {
		subject string
		reg     frame.Registration
	}
	var out []announcement
	expired := time.Now().Add(-3 * t.config.AnnounceInterval)

	t.mu.Lock()
	for _, c := range t.channels {
		for id, p := range c.peers {
			if p.seen.Before(expired) {
				delete(c.peers, id)
			}
		}
		for _, reg := range c.locals() {
			out = append(out, announcement{c.presence, reg})
		}
	}
	t.mu.Unlock()

	for _, a := range out {
		t.announce(a.subject, a.reg)
	}
}

// Close unregisters every handle and closes the bus.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	t.closed = true
	var pubs []*publisher
	var subs []*subscriber
	for _, c := range t.channels {
		for _, p := range c.pubs {
			pubs = append(pubs, p)
		}
		for _, s := range c.subs {
			subs = append(subs, s)
		}
	}
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.Unregister()
	}
	for _, p := range pubs {
		_ = p.Unregister()
	}
	close(t.stop)
	<-t.stopped

	if err := t.bus.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		return fmt.Errorf("%s: close: %w", t.config.Name, err)
	}
	return nil
}
