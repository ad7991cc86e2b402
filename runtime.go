package gocal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fxsml/gocal/transport"
	"github.com/fxsml/gocal/transport/memory"
)

// handle is a publisher or subscriber tracked by the runtime.
type handle interface {
	Close() error
}

// Runtime is the process context every publisher and subscriber is created
// from. It owns the transport and closes every still-open handle on
// Finalize.
type Runtime struct {
	name      string
	unitName  string
	ctx       context.Context
	cancel    context.CancelFunc
	transport transport.Transport
	logger    Logger
	collect   MetricsCollector
	onDecode  DecodeErrorHandler

	mu        sync.Mutex
	handles   map[handle]struct{}
	finalized atomic.Bool
}

// Initialize creates a runtime named name. The runtime stays alive until
// Finalize is called or ctx is canceled.
func Initialize(ctx context.Context, name string, opts ...Option) (*Runtime, error) {
	if ctx == nil {
		panic("gocal: context cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, newInitError("", errors.Join(ErrNotInitialized, err))
	}

	cfg := config{unitName: name}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.transport == nil {
		cfg.transport = memory.New(memory.Config{Logger: cfg.logger})
	}
	collectors := cfg.metricsCollector
	if l := NewMetricsLogger(cfg.logger, cfg.logConfig); l != nil {
		collectors = append(collectors, l)
	}

	rctx, cancel := context.WithCancel(ctx)
	r := &Runtime{
		name:      name,
		unitName:  cfg.unitName,
		ctx:       rctx,
		cancel:    cancel,
		transport: cfg.transport,
		logger:    cfg.logger,
		collect:   newMetricsDistributor(collectors...),
		onDecode:  cfg.onDecodeError,
		handles:   make(map[handle]struct{}),
	}
	r.logger.Info("gocal: initialized", "name", name, "unit", r.unitName)
	return r, nil
}

// Ok reports whether the runtime is alive: not finalized and its context
// not canceled. Sample loops use it as their loop condition.
func (r *Runtime) Ok() bool {
	return !r.finalized.Load() && r.ctx.Err() == nil
}

// Context returns the runtime context. It is canceled on Finalize.
func (r *Runtime) Context() context.Context {
	return r.ctx
}

// Name returns the name passed to Initialize.
func (r *Runtime) Name() string {
	return r.name
}

// UnitName returns the unit name reported in logs and metrics.
func (r *Runtime) UnitName() string {
	return r.unitName
}

// Transport returns the transport used by the runtime.
func (r *Runtime) Transport() transport.Transport {
	return r.transport
}

// Logger returns the runtime logger.
func (r *Runtime) Logger() Logger {
	return r.logger
}

// Finalize closes every open publisher and subscriber, then the transport.
// Calling Finalize again returns ErrNotInitialized.
func (r *Runtime) Finalize() error {
	if r.finalized.Swap(true) {
		return ErrNotInitialized
	}
	r.cancel()

	r.mu.Lock()
	handles := make([]handle, 0, len(r.handles))
	for h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, h := range handles {
		g.Go(func() error {
			if err := h.Close(); err != nil && !errors.Is(err, ErrInvalidState) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	if cerr := r.transport.Close(); cerr != nil && !errors.Is(cerr, transport.ErrClosed) {
		err = errors.Join(err, cerr)
	}
	r.logger.Info("gocal: finalized", "name", r.name, "handles", len(handles))
	return err
}

func (r *Runtime) track(h handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.Ok() {
		return ErrNotInitialized
	}
	r.handles[h] = struct{}{}
	return nil
}

func (r *Runtime) untrack(h handle) {
	r.mu.Lock()
	delete(r.handles, h)
	r.mu.Unlock()
}

// HandleCount returns the number of open publishers and subscribers.
func (r *Runtime) HandleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Runtime) record(m *Metrics) {
	m.Unit = r.unitName
	if m.Duration == 0 && !m.Start.IsZero() {
		m.Duration = time.Since(m.Start)
	}
	r.collect(m)
}

func (r *Runtime) reportDropped(topicName string, err error) {
	if r.onDecode != nil {
		r.onDecode(topicName, err)
	}
}
