// Package shm provides a transport that exchanges buffers between processes
// through memory-mapped files.
//
// Every publisher owns BufferCount memfiles under
// {Dir}/{Domain}/{escaped topic}/. A memfile is a fixed header followed by
// the payload region. Writers hold an exclusive flock while filling it;
// readers hold a shared flock while their callback runs, so a buffer is
// never observed partially written. Publishers and subscribers announce
// themselves with registration files that stay flocked for their lifetime;
// registrations whose lock is free belong to dead processes and are
// removed.
//
// Subscribers poll the memfiles of every matched publisher at PollInterval
// and rescan the topic directory at DiscoveryInterval.
package shm

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fxsml/gocal/transport"
)

// ErrUnsupported is returned by New on platforms without mmap and flock.
var ErrUnsupported = errors.New("shm: unsupported platform")

// Config configures the transport behavior.
type Config struct {
	// Dir is the root directory for memfiles.
	// Default: /dev/shm when available, os.TempDir() otherwise.
	Dir string

	// Domain isolates independent sets of processes sharing Dir.
	// Default: "gocal".
	Domain string

	// BufferCount is the number of memfiles per publisher.
	// Default: 1.
	BufferCount int

	// MinCapacity is the initial payload capacity of a memfile in bytes.
	// Memfiles grow to the next power of two on demand.
	// Default: 4096.
	MinCapacity int

	// PollInterval is how often subscribers check memfiles for new data.
	// Default: 1ms.
	PollInterval time.Duration

	// DiscoveryInterval is how often endpoints rescan the topic directory.
	// Default: 100ms.
	DiscoveryInterval time.Duration

	// AcknowledgeTimeout makes a send wait up to this long for every
	// matched subscriber to finish with the buffer.
	// Zero means no waiting.
	AcknowledgeTimeout time.Duration

	// Logger receives transport diagnostics. Default: slog.Default().
	Logger transport.Logger
}

func (c *Config) defaults() Config {
	cfg := *c
	if cfg.Dir == "" {
		cfg.Dir = defaultDir()
	}
	if cfg.Domain == "" {
		cfg.Domain = "gocal"
	}
	if cfg.BufferCount <= 0 {
		cfg.BufferCount = 1
	}
	if cfg.MinCapacity <= 0 {
		cfg.MinCapacity = 4096
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = 100 * time.Millisecond
	}
	cfg.Logger = transport.LoggerOrDefault(cfg.Logger)
	return cfg
}

// defaultDir prefers /dev/shm, which is memory backed on Linux.
func defaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

func (c *Config) root() string {
	return filepath.Join(c.Dir, c.Domain)
}
