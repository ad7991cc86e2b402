// Package prometheus exports gocal send and receive metrics to Prometheus.
//
//	c := prometheus.New(prometheus.Config{Namespace: "gocal"})
//	reg := prom.NewRegistry()
//	if err := c.Register(reg); err != nil { ... }
//	rt, err := gocal.Initialize(ctx, "unit", gocal.WithMetricsCollector(c.Collect))
package prometheus

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fxsml/gocal"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDrop    = "drop"
	OutcomeSkip    = "skip"
)

// Config configures the collector.
type Config struct {
	// Namespace prefixes every metric name. Default: "gocal".
	Namespace string

	// Buckets are the duration histogram buckets in seconds.
	// Default: exponential from 1µs to ~1s.
	Buckets []float64

	// ConstLabels are added to every metric.
	ConstLabels prom.Labels
}

func (c *Config) defaults() Config {
	cfg := *c
	if cfg.Namespace == "" {
		cfg.Namespace = "gocal"
	}
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = prom.ExponentialBuckets(1e-6, 4, 11)
	}
	return cfg
}

// Collector turns gocal.Metrics records into Prometheus series.
type Collector struct {
	operations *prom.CounterVec
	bytes      *prom.CounterVec
	delivered  *prom.CounterVec
	duration   *prom.HistogramVec
}

// New creates a collector. Its metrics are exported once registered.
func New(config Config) *Collector {
	cfg := config.defaults()
	labels := []string{"unit", "topic", "operation"}
	return &Collector{
		operations: prom.NewCounterVec(prom.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "operations_total",
			Help:        "Sends and deliveries by outcome.",
			ConstLabels: cfg.ConstLabels,
		}, append(labels, "outcome")),
		bytes: prom.NewCounterVec(prom.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "payload_bytes_total",
			Help:        "Payload bytes of successful sends and deliveries.",
			ConstLabels: cfg.ConstLabels,
		}, labels),
		delivered: prom.NewCounterVec(prom.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "delivered_total",
			Help:        "Subscribers reached by sends.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"unit", "topic"}),
		duration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "operation_duration_seconds",
			Help:        "Duration of sends and receive callbacks.",
			Buckets:     cfg.Buckets,
			ConstLabels: cfg.ConstLabels,
		}, labels),
	}
}

// Register registers every metric of c with reg.
func (c *Collector) Register(reg prom.Registerer) error {
	for _, m := range []prom.Collector{c.operations, c.bytes, c.delivered, c.duration} {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// Collect is a gocal.MetricsCollector.
func (c *Collector) Collect(m *gocal.Metrics) {
	op := string(m.Operation)
	c.operations.WithLabelValues(m.Unit, m.Topic, op, outcome(m)).Inc()
	c.duration.WithLabelValues(m.Unit, m.Topic, op).Observe(m.Duration.Seconds())
	if m.Success() == 0 {
		return
	}
	c.bytes.WithLabelValues(m.Unit, m.Topic, op).Add(float64(m.Bytes))
	if m.Operation == gocal.OperationSend {
		c.delivered.WithLabelValues(m.Unit, m.Topic).Add(float64(m.Delivered))
	}
}

func outcome(m *gocal.Metrics) string {
	switch {
	case m.Skip() == 1:
		return OutcomeSkip
	case m.Drop() == 1:
		return OutcomeDrop
	case m.Failure() == 1:
		return OutcomeFailure
	default:
		return OutcomeSuccess
	}
}

// Handler serves the metrics of g in the Prometheus exposition format.
func Handler(g prom.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
