package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fxsml/gocal/config"
	"github.com/fxsml/gocal/transport"
	"github.com/fxsml/gocal/transport/memory"
	"github.com/fxsml/gocal/transport/nats"
	"github.com/fxsml/gocal/transport/p2p"
	"github.com/fxsml/gocal/transport/redis"
	"github.com/fxsml/gocal/transport/shm"
)

// newTransport builds the transport selected by cfg.Transport.
func newTransport(ctx context.Context, cfg config.Config, unit string, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportMemory:
		return memory.New(memory.Config{
			BufferCount:        cfg.Memory.BufferCount,
			QueueSize:          cfg.Memory.QueueSize,
			AcknowledgeTimeout: cfg.Memory.AcknowledgeTimeout,
			Logger:             logger,
		}), nil
	case config.TransportShm:
		t, err := shm.New(shm.Config{
			Dir:                cfg.Shm.Dir,
			Domain:             cfg.Shm.Domain,
			BufferCount:        cfg.Shm.BufferCount,
			MinCapacity:        cfg.Shm.MinCapacity,
			PollInterval:       cfg.Shm.PollInterval,
			DiscoveryInterval:  cfg.Shm.DiscoveryInterval,
			AcknowledgeTimeout: cfg.Shm.AcknowledgeTimeout,
			Logger:             logger,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.TransportP2P:
		t, err := p2p.New(ctx, p2p.Config{
			ListenAddrs:      cfg.P2P.ListenAddrs,
			Bootstrap:        cfg.P2P.Bootstrap,
			EnableMDNS:       cfg.P2P.EnableMDNS,
			Rendezvous:       cfg.P2P.Rendezvous,
			IdentityFile:     cfg.P2P.IdentityFile,
			Prefix:           cfg.P2P.Prefix,
			AnnounceInterval: cfg.P2P.AnnounceInterval,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("gocal: p2p host started", "peer", t.PeerID(), "addrs", t.Addrs())
		return t, nil
	case config.TransportRedis:
		t, err := redis.New(ctx, redis.Config{
			Addr:             cfg.Redis.Addr,
			Password:         cfg.Redis.Password,
			DB:               cfg.Redis.DB,
			Prefix:           cfg.Redis.Prefix,
			AnnounceInterval: cfg.Redis.AnnounceInterval,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.TransportNATS:
		t, err := nats.New(nats.Config{
			URL:              cfg.NATS.URL,
			Name:             unit,
			Prefix:           cfg.NATS.Prefix,
			AnnounceInterval: cfg.NATS.AnnounceInterval,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: transport %q", config.ErrInvalid, cfg.Transport)
}
