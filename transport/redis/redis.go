// Package redis provides a transport over Redis PUBLISH/SUBSCRIBE.
//
// Frames and presence announcements are published on Redis channels named
// {Prefix}.data.{topic} and {Prefix}.presence.{topic}. Delivery is best
// effort: Redis drops messages for subscribers that are not connected.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fxsml/gocal/transport"
	"github.com/fxsml/gocal/transport/internal/netbus"
)

// Config configures the transport behavior.
type Config struct {
	// Addr is the Redis server address. Default: "localhost:6379".
	Addr string

	// Password and DB select the Redis credentials and database.
	Password string
	DB       int

	// Prefix is the first element of every channel name. Default: "gocal".
	Prefix string

	// AnnounceInterval is how often endpoints repeat their registration.
	// Default: 1s.
	AnnounceInterval time.Duration

	// QueueSize is the number of pending frames per subscriber.
	// Default: 64.
	QueueSize int

	// ConnectTimeout bounds the initial PING. Default: 5s.
	ConnectTimeout time.Duration

	// Logger receives transport diagnostics. Default: slog.Default().
	Logger transport.Logger
}

func (c *Config) defaults() Config {
	cfg := *c
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return cfg
}

// Transport is a transport.Transport over Redis.
type Transport struct {
	*netbus.Transport
	bus    *bus
	prefix string
}

// New connects to Redis and returns the transport.
func New(ctx context.Context, config Config) (*Transport, error) {
	cfg := config.defaults()
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}

	b := newBus(client)
	nb := netbus.New(b, netbus.Config{
		Name:             "redis",
		Prefix:           cfg.Prefix,
		AnnounceInterval: cfg.AnnounceInterval,
		QueueSize:        cfg.QueueSize,
		Logger:           cfg.Logger,
	})
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "gocal"
	}
	return &Transport{Transport: nb, bus: b, prefix: prefix}, nil
}

// Listeners returns the number of Redis connections subscribed to the data
// channel of name, across all processes.
func (t *Transport) Listeners(ctx context.Context, name string) (int64, error) {
	channel := netbus.Subject(t.prefix, "data", name)
	counts, err := t.bus.client.PubSubNumSub(ctx, channel).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: numsub %s: %w", channel, err)
	}
	return counts[channel], nil
}

// bus adapts a Redis client to netbus.Bus. Every subscription uses its own
// PubSub connection.
type bus struct {
	client *goredis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

func newBus(client *goredis.Client) *bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &bus{client: client, ctx: ctx, cancel: cancel}
}

func (b *bus) Publish(subject string, data []byte) error {
	return b.client.Publish(b.ctx, subject, data).Err()
}

func (b *bus) Subscribe(subject string, fn func(data []byte)) (netbus.Subscription, error) {
	ps := b.client.Subscribe(b.ctx, subject)
	// Wait for the subscription confirmation.
	if _, err := ps.Receive(b.ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	ch := ps.Channel()
	go func() {
		for msg := range ch {
			fn([]byte(msg.Payload))
		}
	}()
	return subscription{ps}, nil
}

func (b *bus) Close() error {
	b.cancel()
	return b.client.Close()
}

type subscription struct {
	ps *goredis.PubSub
}

func (s subscription) Unsubscribe() error {
	return s.ps.Close()
}
