package gocal

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxsml/gocal/topic"
	"github.com/fxsml/gocal/transport"
)

// Sample is a received buffer plus metadata. Its buffer is borrowed from
// the transport: Bytes panics with transport.ErrBufferExpired once the
// callback returned. Use Clone to keep the payload.
type Sample = transport.Sample

// RawPublisher sends byte buffers on one topic.
type RawPublisher struct {
	rt      *Runtime
	topic   topic.Topic
	handle  transport.PublisherHandle
	logArgs []any

	mu     sync.RWMutex
	closed bool
}

// NewRawPublisher registers a publisher for name announcing dt.
func NewRawPublisher(rt *Runtime, name string, dt topic.DataTypeInfo, opts ...PublisherOption) (*RawPublisher, error) {
	if rt == nil {
		panic("gocal: runtime cannot be nil")
	}
	cfg := parseEndpointConfig(opts)
	tp, err := topic.New(name, cfg.resolve(dt))
	if err != nil {
		return nil, newInitError(name, err)
	}
	if !rt.Ok() {
		return nil, newInitError(name, ErrNotInitialized)
	}

	h, err := rt.transport.RegisterPublisher(tp)
	if err != nil {
		return nil, newInitError(name, err)
	}
	p := &RawPublisher{
		rt:      rt,
		topic:   tp,
		handle:  h,
		logArgs: cfg.logArgs,
	}
	if err := rt.track(p); err != nil {
		_ = h.Unregister()
		return nil, newInitError(name, err)
	}
	rt.logger.Debug("gocal: publisher created", appendArgs([]any{"topic", name, "id", h.ID(), "datatype", tp.DataType}, p.logArgs)...)
	return p, nil
}

// Send copies data into the transport buffer.
func (p *RawPublisher) Send(data []byte, ts Timestamp) (SendResult, error) {
	m := &Metrics{Start: time.Now(), Bytes: len(data)}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return p.finish(m, SendResult{}, newInvalidState("send", p.topic.Name))
	}
	n, err := p.handle.Publish(data, ts)
	return p.finish(m, SendResult{Delivered: n}, err)
}

// SendPayloadWriter lets w fill the transport buffer in place.
func (p *RawPublisher) SendPayloadWriter(w PayloadWriter, ts Timestamp) (SendResult, error) {
	if w == nil {
		panic("gocal: payload writer cannot be nil")
	}
	m := &Metrics{Start: time.Now(), ZeroCopy: true}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return p.finish(m, SendResult{}, newInvalidState("send", p.topic.Name))
	}

	size, err := payloadSize(w)
	if err != nil {
		return p.finish(m, SendResult{}, err)
	}
	m.Bytes = size
	var werr error
	n, err := p.handle.PublishZeroCopy(size, fillFunc(w, &werr), ts)
	if werr != nil {
		return p.finish(m, SendResult{}, werr)
	}
	if errors.Is(err, transport.ErrSkipped) {
		return p.finish(m, SendResult{Skipped: true}, nil)
	}
	return p.finish(m, SendResult{Delivered: n}, err)
}

func (p *RawPublisher) finish(m *Metrics, res SendResult, err error) (SendResult, error) {
	m.Operation = OperationSend
	m.Topic = p.topic.Name
	m.Encoding = p.topic.DataType.Encoding
	m.TypeName = p.topic.DataType.TypeName
	m.Delivered = res.Delivered
	m.Skipped = res.Skipped
	m.Error = err
	p.rt.record(m)
	if err != nil {
		return SendResult{}, err
	}
	return res, nil
}

// Close unregisters the publisher. It waits for in-flight sends. Sends
// after Close return ErrInvalidState.
func (p *RawPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return newInvalidState("close", p.topic.Name)
	}
	p.closed = true
	p.mu.Unlock()

	p.rt.untrack(p)
	err := p.handle.Unregister()
	if errors.Is(err, transport.ErrClosed) {
		err = nil
	}
	p.rt.logger.Debug("gocal: publisher closed", appendArgs([]any{"topic", p.topic.Name, "id", p.handle.ID()}, p.logArgs)...)
	return err
}

// SubscriberCount returns the number of matched subscribers.
func (p *RawPublisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0
	}
	return p.handle.SubscriberCount()
}

// Topic returns the topic name.
func (p *RawPublisher) Topic() string {
	return p.topic.Name
}

// ID returns the publisher entity ID.
func (p *RawPublisher) ID() topic.ID {
	return p.handle.ID()
}

// DataType returns the announced data type.
func (p *RawPublisher) DataType() topic.DataTypeInfo {
	return p.topic.DataType
}

// RawSubscriber receives byte buffers on one topic.
type RawSubscriber struct {
	rt      *Runtime
	topic   topic.Topic
	handle  transport.SubscriberHandle
	logArgs []any

	callback  atomic.Pointer[receiver]
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewRawSubscriber registers a subscriber for name expecting dt.
// An empty dt accepts any publisher.
func NewRawSubscriber(rt *Runtime, name string, dt topic.DataTypeInfo, opts ...SubscriberOption) (*RawSubscriber, error) {
	if rt == nil {
		panic("gocal: runtime cannot be nil")
	}
	cfg := parseEndpointConfig(opts)
	tp, err := topic.New(name, cfg.resolve(dt))
	if err != nil {
		return nil, newInitError(name, err)
	}
	if !rt.Ok() {
		return nil, newInitError(name, ErrNotInitialized)
	}

	s := &RawSubscriber{
		rt:      rt,
		topic:   tp,
		logArgs: cfg.logArgs,
	}
	h, err := rt.transport.RegisterSubscriber(tp, s.receive)
	if err != nil {
		return nil, newInitError(name, err)
	}
	s.handle = h
	if err := rt.track(s); err != nil {
		_ = h.Unregister()
		return nil, newInitError(name, err)
	}
	rt.logger.Debug("gocal: subscriber created", appendArgs([]any{"topic", name, "id", h.ID(), "datatype", tp.DataType}, s.logArgs)...)
	return s, nil
}

// SetCallback sets the receive callback, replacing any previous one.
// The callback runs on the transport's delivery goroutine, never
// concurrently with itself. It must not call Close on this subscriber.
func (s *RawSubscriber) SetCallback(fn func(*Sample)) {
	if fn == nil {
		s.RemoveCallback()
		return
	}
	s.setReceiver(func(sample *Sample) error {
		fn(sample)
		return nil
	})
}

// receiver handles one sample; a returned error drops it.
type receiver func(*Sample) error

func (s *RawSubscriber) setReceiver(r receiver) {
	s.callback.Store(&r)
}

// RemoveCallback removes the receive callback. Buffers received without a
// callback are dropped.
func (s *RawSubscriber) RemoveCallback() {
	s.callback.Store(nil)
}

func (s *RawSubscriber) receive(sample *Sample) {
	cb := s.callback.Load()
	if cb == nil || s.closed.Load() {
		return
	}
	m := &Metrics{Start: time.Now()}
	err := s.invoke(*cb, sample)
	s.finish(m, sample, err)
}

func (s *RawSubscriber) invoke(r receiver, sample *Sample) (err error) {
	defer recoverInto(&err)
	return r(sample)
}

func (s *RawSubscriber) finish(m *Metrics, sample *Sample, err error) {
	m.Operation = OperationReceive
	m.Topic = s.topic.Name
	m.Encoding = sample.Topic.DataType.Encoding
	m.TypeName = sample.Topic.DataType.TypeName
	m.Bytes = sample.Len()
	m.Clock = sample.Clock
	m.Error = err
	s.rt.record(m)
	if err != nil {
		s.rt.reportDropped(s.topic.Name, err)
	}
}

// Close unregisters the subscriber. It waits for an in-flight callback to
// return; no callback starts afterwards.
func (s *RawSubscriber) Close() error {
	err := newInvalidState("close", s.topic.Name)
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.rt.untrack(s)
		err = s.handle.Unregister()
		if errors.Is(err, transport.ErrClosed) {
			err = nil
		}
		s.rt.logger.Debug("gocal: subscriber closed", appendArgs([]any{"topic", s.topic.Name, "id", s.handle.ID()}, s.logArgs)...)
	})
	return err
}

// PublisherCount returns the number of matched publishers.
func (s *RawSubscriber) PublisherCount() int {
	if s.closed.Load() {
		return 0
	}
	return s.handle.PublisherCount()
}

// Topic returns the topic name.
func (s *RawSubscriber) Topic() string {
	return s.topic.Name
}

// ID returns the subscriber entity ID.
func (s *RawSubscriber) ID() topic.ID {
	return s.handle.ID()
}

// DataType returns the expected data type.
func (s *RawSubscriber) DataType() topic.DataTypeInfo {
	return s.topic.DataType
}
