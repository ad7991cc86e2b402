// Package nats provides a transport over NATS core subjects.
//
// Frames and presence announcements are published on the subjects
// {Prefix}.data.{topic} and {Prefix}.presence.{topic}. Topic names are
// escaped into a single subject token, so wildcards in a topic name are
// literal.
package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fxsml/gocal/transport"
	"github.com/fxsml/gocal/transport/internal/netbus"
)

// Config configures the transport behavior.
type Config struct {
	// URL is the NATS server URL. Default: nats.DefaultURL.
	URL string

	// Name identifies the connection on the server. Default: "gocal".
	Name string

	// Prefix is the first subject token. Default: "gocal".
	Prefix string

	// AnnounceInterval is how often endpoints repeat their registration.
	// Default: 1s.
	AnnounceInterval time.Duration

	// QueueSize is the number of pending frames per subscriber.
	// Default: 64.
	QueueSize int

	// ConnectTimeout is the timeout for the initial connection.
	// Default: 5s.
	ConnectTimeout time.Duration

	// FlushTimeout bounds the round trip that makes a new subscription
	// active. Default: 1s.
	FlushTimeout time.Duration

	// Logger receives transport diagnostics. Default: slog.Default().
	Logger transport.Logger
}

func (c *Config) defaults() Config {
	cfg := *c
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "gocal"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = time.Second
	}
	cfg.Logger = transport.LoggerOrDefault(cfg.Logger)
	return cfg
}

// Transport is a transport.Transport over NATS.
type Transport struct {
	*netbus.Transport
	conn *nats.Conn
}

// New connects to the NATS server and returns the transport.
func New(config Config) (*Transport, error) {
	cfg := config.defaults()
	conn, err := nats.Connect(
		cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				cfg.Logger.Warn("nats: disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			cfg.Logger.Info("nats: reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", cfg.URL, err)
	}

	nb := netbus.New(&bus{conn: conn, flush: cfg.FlushTimeout}, netbus.Config{
		Name:             "nats",
		Prefix:           cfg.Prefix,
		AnnounceInterval: cfg.AnnounceInterval,
		QueueSize:        cfg.QueueSize,
		MaxMessage:       int(conn.MaxPayload()),
		Logger:           cfg.Logger,
	})
	return &Transport{Transport: nb, conn: conn}, nil
}

// ConnectedURL returns the URL of the server the transport is connected
// to, or "" while disconnected.
func (t *Transport) ConnectedURL() string {
	return t.conn.ConnectedUrl()
}

// bus adapts a NATS connection to netbus.Bus.
type bus struct {
	conn  *nats.Conn
	flush time.Duration
}

func (b *bus) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

func (b *bus) Subscribe(subject string, fn func(data []byte)) (netbus.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		fn(m.Data)
	})
	if err != nil {
		return nil, err
	}
	if err := b.conn.FlushTimeout(b.flush); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

func (b *bus) Close() error {
	b.conn.Close()
	return nil
}
