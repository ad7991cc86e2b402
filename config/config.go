// Package config loads gocal process configuration.
//
// Sources are applied in order, later ones overriding earlier ones:
//
//  1. Default()
//  2. a YAML file
//  3. .env files (variables already set in the process win)
//  4. environment variables GOCAL_{SECTION}_{FIELD}
//
// Example:
//
//	transport: shm
//	log:
//	  level: debug
//	shm:
//	  buffer_count: 2
//	  acknowledge_timeout: 50ms
//
// is equivalent to
//
//	GOCAL_TRANSPORT=shm
//	GOCAL_LOG_LEVEL=debug
//	GOCAL_SHM_BUFFER_COUNT=2
//	GOCAL_SHM_ACKNOWLEDGE_TIMEOUT=50ms
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned for configurations that fail validation.
var ErrInvalid = errors.New("config: invalid")

// Transport names accepted in Config.Transport.
const (
	TransportMemory = "memory"
	TransportShm    = "shm"
	TransportP2P    = "p2p"
	TransportRedis  = "redis"
	TransportNATS   = "nats"
)

var transports = []string{TransportMemory, TransportShm, TransportP2P, TransportRedis, TransportNATS}

// Config is the process configuration.
type Config struct {
	// Transport selects the transport implementation.
	Transport string `yaml:"transport"`
	// Unit names the process in logs and metrics.
	Unit string `yaml:"unit"`

	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
	Memory  Memory  `yaml:"memory"`
	Shm     Shm     `yaml:"shm"`
	P2P     P2P     `yaml:"p2p" env:"P2P"`
	Redis   Redis   `yaml:"redis"`
	NATS    NATS    `yaml:"nats" env:"NATS"`
}

// Log configures logging.
type Log struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
	// Disabled turns off per-message logging.
	Disabled bool `yaml:"disabled"`
}

// Metrics configures metrics export.
type Metrics struct {
	// Addr serves Prometheus metrics on /metrics when set, e.g. ":9464".
	Addr string `yaml:"addr"`
	// Namespace prefixes metric names.
	Namespace string `yaml:"namespace"`
	// Interval is the snapshot period of the perf commands.
	Interval time.Duration `yaml:"interval"`
}

// Memory configures the in-process transport.
type Memory struct {
	BufferCount        int           `yaml:"buffer_count"`
	QueueSize          int           `yaml:"queue_size"`
	AcknowledgeTimeout time.Duration `yaml:"acknowledge_timeout"`
}

// Shm configures the shared memory transport.
type Shm struct {
	Dir                string        `yaml:"dir"`
	Domain             string        `yaml:"domain"`
	BufferCount        int           `yaml:"buffer_count"`
	MinCapacity        int           `yaml:"min_capacity"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	DiscoveryInterval  time.Duration `yaml:"discovery_interval"`
	AcknowledgeTimeout time.Duration `yaml:"acknowledge_timeout"`
}

// P2P configures the libp2p transport.
type P2P struct {
	ListenAddrs      []string      `yaml:"listen_addrs"`
	Bootstrap        []string      `yaml:"bootstrap"`
	EnableMDNS       bool          `yaml:"enable_mdns"`
	Rendezvous       string        `yaml:"rendezvous"`
	IdentityFile     string        `yaml:"identity_file"`
	Prefix           string        `yaml:"prefix"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
}

// Redis configures the Redis transport.
type Redis struct {
	Addr             string        `yaml:"addr"`
	Password         string        `yaml:"password"`
	DB               int           `yaml:"db"`
	Prefix           string        `yaml:"prefix"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
}

// NATS configures the NATS transport.
type NATS struct {
	URL              string        `yaml:"url"`
	Prefix           string        `yaml:"prefix"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
}

// Default returns the built-in configuration. Zero transport fields select
// each transport's own defaults.
func Default() Config {
	return Config{
		Transport: TransportShm,
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Metrics: Metrics{
			Namespace: "gocal",
			Interval:  time.Second,
		},
	}
}

// Options selects the configuration sources of Load.
type Options struct {
	// File is a YAML file. Empty skips it; a missing file is an error.
	File string
	// EnvFiles are .env files. Missing ones are skipped.
	EnvFiles []string
	// Prefix of environment variables. Default: "GOCAL".
	Prefix string
}

// Load builds the configuration from the sources in opts.
func Load(opts Options) (Config, error) {
	cfg := Default()
	if opts.File != "" {
		if err := loadFile(opts.File, &cfg); err != nil {
			return Config{}, err
		}
	}

	dotenv, err := readEnvFiles(opts.EnvFiles)
	if err != nil {
		return Config{}, err
	}
	l := Loader{
		Prefix: opts.Prefix,
		lookup: func(key string) (string, bool) {
			if v, ok := os.LookupEnv(key); ok {
				return v, true
			}
			v, ok := dotenv[key]
			return v, ok
		},
	}
	if err := l.Load("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// readEnvFiles merges .env files; later files override earlier ones.
func readEnvFiles(paths []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, path := range paths {
		m, err := godotenv.Read(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		maps.Copy(out, m)
	}
	return out, nil
}

// Validate checks enumerated fields and the metrics interval.
func (c Config) Validate() error {
	if !slices.Contains(transports, c.Transport) {
		return fmt.Errorf("%w: transport %q, want one of %s", ErrInvalid, c.Transport, strings.Join(transports, ", "))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: log level %q", ErrInvalid, c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalid, c.Log.Format)
	}
	if c.Metrics.Interval <= 0 {
		return fmt.Errorf("%w: metrics interval %v", ErrInvalid, c.Metrics.Interval)
	}
	return nil
}

// Keys lists every environment variable Load reads.
func Keys(prefix string) []string {
	return Loader{Prefix: prefix}.Keys("", Config{})
}
