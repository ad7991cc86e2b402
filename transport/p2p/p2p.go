// Package p2p provides a transport over libp2p gossipsub.
//
// Every process runs a libp2p host. Peers are found through bootstrap
// addresses and, optionally, mDNS on the local network. Frames and presence
// announcements travel on the gossipsub topics {Prefix}.data.{topic} and
// {Prefix}.presence.{topic}.
package p2p

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/fxsml/gocal/transport"
	"github.com/fxsml/gocal/transport/internal/netbus"
)

// envelopeReserve is kept free in every gossipsub message for the
// signature and protobuf envelope.
const envelopeReserve = 1024

// Config configures the transport behavior.
type Config struct {
	// ListenAddrs are the multiaddrs the host listens on.
	// Default: /ip4/0.0.0.0/tcp/0.
	ListenAddrs []string

	// Bootstrap lists peers to connect to at start, as multiaddrs ending
	// in /p2p/{peer id}.
	Bootstrap []string

	// EnableMDNS discovers peers on the local network under Rendezvous.
	EnableMDNS bool

	// Rendezvous is the mDNS service name. Default: "gocal".
	Rendezvous string

	// IdentityFile stores the host key. Empty means a fresh key per run.
	IdentityFile string

	// MaxMessageSize limits a gossipsub message. Default: 4 MiB.
	MaxMessageSize int

	// Prefix is the first element of every topic name. Default: "gocal".
	Prefix string

	// AnnounceInterval is how often endpoints repeat their registration.
	// Default: 1s.
	AnnounceInterval time.Duration

	// QueueSize is the number of pending frames per subscriber.
	// Default: 64.
	QueueSize int

	// Logger receives transport diagnostics. Default: slog.Default().
	Logger transport.Logger
}

func (c *Config) defaults() Config {
	cfg := *c
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	if cfg.Rendezvous == "" {
		cfg.Rendezvous = "gocal"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4 << 20
	}
	cfg.Logger = transport.LoggerOrDefault(cfg.Logger)
	return cfg
}

// Transport is a transport.Transport over libp2p gossipsub.
type Transport struct {
	*netbus.Transport
	bus *bus
}

// New starts a libp2p host, joins gossipsub and connects to the bootstrap
// peers. Bootstrap failures are logged, not returned.
func New(ctx context.Context, config Config) (*Transport, error) {
	cfg := config.defaults()

	listen := make([]ma.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, s := range cfg.ListenAddrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("p2p: invalid listen multiaddr %q: %w", s, err)
		}
		listen = append(listen, a)
	}
	opts := []libp2p.Option{libp2p.ListenAddrs(listen...)}
	if cfg.IdentityFile != "" {
		key, err := loadOrCreateIdentity(cfg.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("p2p: load identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(key))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}
	bctx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(bctx, h, pubsub.WithMaxMessageSize(cfg.MaxMessageSize))
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("p2p: create gossipsub: %w", err)
	}
	b := &bus{
		ctx:    bctx,
		cancel: cancel,
		host:   h,
		ps:     ps,
		topics: make(map[string]*pubsub.Topic),
		logger: cfg.Logger,
	}

	if cfg.EnableMDNS {
		b.mdns = mdns.NewMdnsService(h, cfg.Rendezvous, &notifee{b: b})
		if err := b.mdns.Start(); err != nil {
			cfg.Logger.Warn("p2p: mdns start failed", "error", err)
		}
	}
	for _, addr := range cfg.Bootstrap {
		if err := b.connect(ctx, addr); err != nil {
			cfg.Logger.Warn("p2p: bootstrap failed", "addr", addr, "error", err)
		}
	}

	nb := netbus.New(b, netbus.Config{
		Name:             "p2p",
		Prefix:           cfg.Prefix,
		AnnounceInterval: cfg.AnnounceInterval,
		QueueSize:        cfg.QueueSize,
		MaxMessage:       cfg.MaxMessageSize - envelopeReserve,
		Logger:           cfg.Logger,
	})
	return &Transport{Transport: nb, bus: b}, nil
}

// PeerID returns the host's peer ID.
func (t *Transport) PeerID() string {
	return t.bus.host.ID().String()
}

// Addrs returns the full dialable addresses of the host.
func (t *Transport) Addrs() []string {
	id := t.bus.host.ID().String()
	out := make([]string, 0, len(t.bus.host.Addrs()))
	for _, addr := range t.bus.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr, id))
	}
	return out
}

// Peers returns the IDs of connected peers.
func (t *Transport) Peers() []string {
	peers := t.bus.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, id := range peers {
		out = append(out, id.String())
	}
	return out
}

// Connect dials a peer given as a multiaddr ending in /p2p/{peer id}.
func (t *Transport) Connect(ctx context.Context, addr string) error {
	return t.bus.connect(ctx, addr)
}

// bus adapts gossipsub to netbus.Bus.
type bus struct {
	ctx    context.Context
	cancel context.CancelFunc
	host   host.Host
	ps     *pubsub.PubSub
	mdns   mdns.Service
	logger transport.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func (b *bus) connect(ctx context.Context, addr string) error {
	a, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(a)
	if err != nil {
		return err
	}
	if err := b.host.Connect(ctx, *info); err != nil {
		return err
	}
	b.logger.Debug("p2p: connected", "peer", info.ID)
	return nil
}

// topic joins name once and keeps it joined until Close.
func (b *bus) topic(name string) (*pubsub.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	t, err := b.ps.Join(name)
	if err != nil {
		return nil, err
	}
	b.topics[name] = t
	return t, nil
}

// Publish copies data, since gossipsub keeps the message after returning.
func (b *bus) Publish(subject string, data []byte) error {
	t, err := b.topic(subject)
	if err != nil {
		return err
	}
	return t.Publish(b.ctx, bytes.Clone(data))
}

func (b *bus) Subscribe(subject string, fn func(data []byte)) (netbus.Subscription, error) {
	t, err := b.topic(subject)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(b.ctx)
	go func() {
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			fn(msg.Data)
		}
	}()
	return subscription{sub: sub, cancel: cancel}, nil
}

func (b *bus) Close() error {
	if b.mdns != nil {
		_ = b.mdns.Close()
	}
	b.cancel()
	b.mu.Lock()
	for _, t := range b.topics {
		_ = t.Close()
	}
	b.mu.Unlock()
	return b.host.Close()
}

type subscription struct {
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

func (s subscription) Unsubscribe() error {
	s.cancel()
	s.sub.Cancel()
	return nil
}

type notifee struct {
	b *bus
}

func (n *notifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.b.host.ID() {
		return
	}
	if err := n.b.host.Connect(n.b.ctx, info); err != nil {
		n.b.logger.Debug("p2p: mdns connect failed", "peer", info.ID, "error", err)
	}
}

func loadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
