package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fxsml/gocal"
	"github.com/fxsml/gocal/config"
	gocalprom "github.com/fxsml/gocal/metrics/prometheus"
)

// app is the state shared by all commands.
type app struct {
	opts      config.Options
	transport string
	logLevel  string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "gocal",
		Short: "Typed publish/subscribe samples over shared memory and network transports.",
		Long: "gocal runs sample publishers and subscribers. Configuration is read " +
			"from --config, .env files and GOCAL_* environment variables; see " +
			"`gocal info --keys`.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&a.opts.File, "config", "", "YAML configuration file")
	f.StringSliceVar(&a.opts.EnvFiles, "env-file", []string{".env"}, ".env files, missing ones are skipped")
	f.StringVar(&a.transport, "transport", "", "transport: memory, shm, p2p, redis or nats")
	f.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		newHelloCmd(a),
		newBlobCmd(a),
		newJSONCmd(a),
		newPerfCmd(a),
		newInfoCmd(a),
	)
	return root
}

// load resolves the configuration; flags override every other source.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.opts)
	if err != nil {
		return err
	}
	if a.transport != "" {
		cfg.Transport = a.transport
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(cmd.ErrOrStderr(), cfg.Log)
	return nil
}

func newLogger(w io.Writer, c config.Log) *slog.Logger {
	opts := &slog.HandlerOptions{Level: gocal.ParseLogLevel(c.Level).SlogLevel()}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// runFunc is the body of a sample. It returns when ctx is done or the
// sample is complete.
type runFunc func(ctx context.Context, rt *gocal.Runtime) error

// run initializes a runtime named unit on the configured transport, serves
// metrics when configured and finalizes the runtime after fn returns.
func (a *app) run(ctx context.Context, unit string, fn runFunc, extra ...gocal.Option) error {
	if a.cfg.Unit != "" {
		unit = a.cfg.Unit
	}
	tr, err := newTransport(ctx, a.cfg, unit, a.logger)
	if err != nil {
		return err
	}

	opts := []gocal.Option{
		gocal.WithTransport(tr),
		gocal.WithLogger(a.logger),
		gocal.WithUnitName(unit),
		gocal.WithLogConfig(&gocal.LogConfig{Disabled: a.cfg.Log.Disabled}),
		gocal.WithDecodeErrorHandler(func(topicName string, err error) {
			a.logger.Warn("gocal: dropped", "topic", topicName, "error", err)
		}),
	}
	var reg *prom.Registry
	if a.cfg.Metrics.Addr != "" {
		reg = prom.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		c := gocalprom.New(gocalprom.Config{Namespace: a.cfg.Metrics.Namespace})
		if err := c.Register(reg); err != nil {
			_ = tr.Close()
			return err
		}
		opts = append(opts, gocal.WithMetricsCollector(c.Collect))
	}
	opts = append(opts, extra...)

	rt, err := gocal.Initialize(ctx, unit, opts...)
	if err != nil {
		_ = tr.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	g.Go(func() error {
		defer stop()
		return fn(runCtx, rt)
	})
	if reg != nil {
		g.Go(func() error {
			return serveMetrics(runCtx, a.cfg.Metrics.Addr, reg, a.logger)
		})
	}
	err = g.Wait()
	stop()
	return errors.Join(err, rt.Finalize())
}

func serveMetrics(ctx context.Context, addr string, g prom.Gatherer, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", gocalprom.Handler(g))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	logger.Info("gocal: serving metrics", "addr", ln.Addr().String())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}
