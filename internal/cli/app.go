package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/roach88/syncql/internal/auth"
	"github.com/roach88/syncql/internal/catalog"
	"github.com/roach88/syncql/internal/config"
	"github.com/roach88/syncql/internal/engine"
	"github.com/roach88/syncql/internal/metrics"
	"github.com/roach88/syncql/internal/store"
	"github.com/roach88/syncql/internal/todo"
	"github.com/roach88/syncql/internal/transport"
)

// app is the wired client shared by the commands. Fields stay nil when the
// command did not ask for them.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	catalog  *catalog.Catalog
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    *store.Store
	engine   *engine.Engine

	closers []io.Closer
}

// loadConfig resolves configuration from --config, SYNCQL_* and defaults.
// --verbose forces debug logging.
func loadConfig(opts *RootOptions) (config.Config, error) {
	v := config.New(opts.ConfigPath)
	if opts.Verbose {
		v.Set("log.level", "debug")
	}
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// newLogger writes text logs to stderr and, when log.file is set, to a
// rotated file as well.
func newLogger(cfg config.LogConfig, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	var (
		w      = stderr
		closer io.Closer
	)
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		w = io.MultiWriter(stderr, rotated)
		closer = rotated
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer, nil
}

// loadCatalog returns the configured catalog, or the built-in Todo catalog.
func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return todo.Catalog()
	}
	return catalog.Load(path)
}

// tokenProvider picks the first configured credential source. With none
// configured every request fails with AUTH.
func tokenProvider(ctx context.Context, cfg config.AuthConfig) (auth.TokenProvider, error) {
	switch {
	case cfg.Token != "":
		return auth.NewStatic(cfg.Token, time.Time{}), nil
	case cfg.TokenFile != "":
		p, err := auth.FromFile(cfg.TokenFile)
		if err != nil {
			return nil, err
		}
		return p, nil
	case cfg.ClientID != "":
		return auth.NewClientCredentials(ctx, auth.ClientCredentialsConfig{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}), nil
	}
	return auth.NewStatic("", time.Time{}), nil
}

// openStore opens the configured database with eviction wired to metrics.
func (a *app) openStore() error {
	evictions := a.metrics.Evictions
	s, err := store.Open(a.cfg.Database,
		store.WithMaxEntries(a.cfg.Cache.MaxEntries),
		store.WithEvictHook(func(string) { evictions.Inc() }),
		store.WithLogger(a.logger),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "open database", err)
	}
	a.store = s
	a.closers = append(a.closers, s)
	return nil
}

// openEngine wires transport and engine and rebuilds optimistic state for
// mutations queued by earlier runs.
func (a *app) openEngine(ctx context.Context) error {
	if err := a.cfg.RequireEndpoint(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	tokens, err := tokenProvider(ctx, a.cfg.Auth)
	if err != nil {
		return WrapExitError(ExitCommandError, "load credentials", err)
	}

	trOpts := []transport.Option{
		transport.WithRetryPolicy(transport.RetryPolicy{
			Attempts:  a.cfg.Retry.Attempts,
			BaseDelay: a.cfg.Retry.BaseDelay,
			MaxDelay:  a.cfg.Retry.MaxDelay,
		}),
		transport.WithMetrics(a.metrics),
		transport.WithLogger(a.logger),
	}
	if a.cfg.RealtimeEndpoint != "" {
		trOpts = append(trOpts, transport.WithRealtimeEndpoint(a.cfg.RealtimeEndpoint))
	}
	tr := transport.NewHTTP(a.cfg.Endpoint, tokens, trOpts...)

	engOpts := append(a.catalog.EngineOptions(),
		engine.WithWorkers(a.cfg.Engine.Workers),
		engine.WithQueueSize(a.cfg.Dispatch.QueueSize),
		engine.WithMetrics(a.metrics),
		engine.WithLogger(a.logger),
	)
	e, err := engine.New(ctx, a.store, tr, tokens, engOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "start engine", err)
	}
	a.engine = e

	if n, err := e.Recover(ctx); err != nil {
		return WrapExitError(ExitFailure, "recover queued mutations", err)
	} else if n > 0 {
		a.logger.Debug("queued mutations from earlier runs", "count", n)
	}
	return nil
}

type appNeeds int

const (
	needStore appNeeds = iota
	needEngine
)

// openApp loads config and opens what the command needs. The caller must
// Close the result, also on error.
func openApp(ctx context.Context, opts *RootOptions, stderr io.Writer, needs appNeeds) (*app, error) {
	a := &app{}
	cfg, err := loadConfig(opts)
	if err != nil {
		return a, err
	}
	a.cfg = cfg

	logger, closer, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return a, WrapExitError(ExitCommandError, "configure logging", err)
	}
	a.logger = logger
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	a.catalog, err = loadCatalog(cfg.Catalog)
	if err != nil {
		return a, WrapExitError(ExitCommandError, "load catalog", err)
	}

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)

	if err := a.openStore(); err != nil {
		return a, err
	}
	if needs == needEngine {
		if err := a.openEngine(ctx); err != nil {
			return a, err
		}
	}
	return a, nil
}

// Close stops the engine before closing the store and log file.
func (a *app) Close() error {
	var errs []error
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
