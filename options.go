package gocal

import (
	"github.com/fxsml/gocal/topic"
	"github.com/fxsml/gocal/transport"
)

// DecodeErrorHandler is notified about received buffers that were dropped
// because they could not be decoded, and about recovered callback panics.
type DecodeErrorHandler func(topicName string, err error)

type config struct {
	unitName         string
	transport        transport.Transport
	logger           Logger
	logConfig        *LogConfig
	metricsCollector []MetricsCollector
	onDecodeError    DecodeErrorHandler
}

// Option configures a Runtime.
type Option func(*config)

// WithTransport sets the transport. The runtime closes it on Finalize.
// Without this option an in-process memory transport is used.
func WithTransport(t transport.Transport) Option {
	return func(c *config) {
		c.transport = t
	}
}

// WithLogger sets the logger. slog.Default() is used by default.
func WithLogger(l Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithLogConfig overrides the default logging configuration.
func WithLogConfig(lc *LogConfig) Option {
	return func(c *config) {
		c.logConfig = lc
	}
}

// WithMetricsCollector adds a metrics collector.
// Can be used multiple times to add multiple collectors.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(c *config) {
		if collector != nil {
			c.metricsCollector = append(c.metricsCollector, collector)
		}
	}
}

// WithDecodeErrorHandler sets a handler for dropped buffers.
func WithDecodeErrorHandler(h DecodeErrorHandler) Option {
	return func(c *config) {
		c.onDecodeError = h
	}
}

// WithUnitName sets the unit name reported in logs and metrics.
// Defaults to the name passed to Initialize.
func WithUnitName(name string) Option {
	return func(c *config) {
		c.unitName = name
	}
}

type endpointConfig struct {
	dataType *topic.DataTypeInfo
	logArgs  []any
}

// EndpointOption configures a publisher or subscriber.
type EndpointOption func(*endpointConfig)

// PublisherOption configures a publisher.
type PublisherOption = EndpointOption

// SubscriberOption configures a subscriber.
type SubscriberOption = EndpointOption

// WithDataType overrides the data type announced for the topic. For typed
// endpoints it replaces the codec's DataType.
func WithDataType(dt topic.DataTypeInfo) EndpointOption {
	return func(c *endpointConfig) {
		c.dataType = &dt
	}
}

// WithLogArgs adds arguments to every log message of the endpoint.
func WithLogArgs(args ...any) EndpointOption {
	return func(c *endpointConfig) {
		c.logArgs = append(c.logArgs, args...)
	}
}

func parseEndpointConfig(opts []EndpointOption) endpointConfig {
	var c endpointConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c *endpointConfig) resolve(dt topic.DataTypeInfo) topic.DataTypeInfo {
	if c.dataType != nil {
		return *c.dataType
	}
	return dt
}
