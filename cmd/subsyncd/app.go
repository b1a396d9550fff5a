package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/internal/server"
	"github.com/mihaimyh/subsync/pkg/billing"
	prombilling "github.com/mihaimyh/subsync/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/subsync/pkg/billing/stripe"
	"github.com/mihaimyh/subsync/pkg/subsync"
	zlog "github.com/mihaimyh/subsync/pkg/subsync/logger/zerolog"
	promsubsync "github.com/mihaimyh/subsync/pkg/subsync/metrics/prometheus"
	"github.com/mihaimyh/subsync/pkg/sweep"
	"github.com/mihaimyh/subsync/storage/firestore"
	"github.com/mihaimyh/subsync/storage/memory"
	"github.com/mihaimyh/subsync/storage/postgres"
	redisstore "github.com/mihaimyh/subsync/storage/redis"
)

// store is the storage surface the binary needs.
type store interface {
	subsync.Store
	Ping(ctx context.Context) error
}

// app holds the wired dependencies shared by serve and sweep.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	logger   subsync.Logger
	registry *prometheus.Registry

	store   store
	inbox   subsync.EventInbox
	locker  sweep.Locker
	health  map[string]server.HealthCheck
	client  billing.Client
	metrics billing.Metrics
	sweeps  subsync.Metrics

	closers []func()
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(cfg.LogLevel).With().Timestamp().Str("service", "subsyncd").Logger()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := newLogger(cfg, os.Stderr)
	a := &app{
		cfg:      cfg,
		log:      log,
		logger:   zlog.NewLogger(log),
		registry: prometheus.NewRegistry(),
		health:   make(map[string]server.HealthCheck),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = prombilling.NewMetrics(a.registry, cfg.MetricsNamespace)
	a.sweeps = promsubsync.NewMetrics(a.registry, cfg.MetricsNamespace)

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openRedis(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.StripeSecretKey != "" {
		client, err := stripe.NewClient(stripe.Config{
			APIKey:  cfg.StripeSecretKey,
			Metrics: a.metrics,
			Logger:  a.logger,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create stripe client: %w", err)
		}
		a.client = client
	} else {
		a.log.Warn().Msg("STRIPE_SECRET_KEY not set, subscription operations will report not_configured")
	}

	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" && a.cfg.FirestoreProjectID != "" {
		return a.openFirestore(ctx)
	}
	if a.cfg.DatabaseURL == "" {
		a.log.Warn().Msg("DATABASE_URL and FIRESTORE_PROJECT_ID not set, using in-memory store")
		mem := memory.New()
		a.store = mem
		a.inbox = mem
		a.health["store"] = mem.Ping
		return nil
	}

	pgCfg := postgres.DefaultConfig()
	pgCfg.ConnectionString = a.cfg.DatabaseURL
	pgCfg.Metrics = a.sweeps
	pgCfg.Logger = a.logger
	pg, err := postgres.New(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, pg.Close)
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	a.store = pg
	a.inbox = pg
	a.health["store"] = pg.Ping
	return nil
}

// openFirestore connects to the project. FIRESTORE_EMULATOR_HOST is honored
// by the client library.
func (a *app) openFirestore(ctx context.Context) error {
	client, err := gcfirestore.NewClient(ctx, a.cfg.FirestoreProjectID)
	if err != nil {
		return fmt.Errorf("connect firestore: %w", err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })

	fsCfg := firestore.DefaultConfig()
	fsCfg.Metrics = a.sweeps
	fsCfg.Logger = a.logger
	fs, err := firestore.New(client, fsCfg)
	if err != nil {
		return err
	}
	a.store = fs
	a.inbox = fs
	a.health["store"] = fs.Ping
	return nil
}

func (a *app) openRedis(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		return nil
	}
	opts, err := goredis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := goredis.NewClient(opts)
	a.closers = append(a.closers, func() { _ = client.Close() })

	rs, err := redisstore.New(client, redisstore.DefaultConfig())
	if err != nil {
		return err
	}
	if err := rs.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	a.inbox = rs
	a.locker = rs
	a.health["redis"] = rs.Ping
	return nil
}

func (a *app) scheduler() *sweep.Scheduler {
	cfg := sweep.Config{
		Interval:   a.cfg.SweepInterval,
		Disabled:   a.cfg.SweepDisabled,
		RunOnStart: a.cfg.SweepRunOnStart,
		Logger:     a.logger,
		Metrics:    a.sweeps,
	}
	if a.locker != nil {
		cfg.Lock = a.locker
	}
	return sweep.New(a.store, cfg)
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
