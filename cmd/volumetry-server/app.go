package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/medimg/volumetry/internal/config"
	"github.com/medimg/volumetry/internal/domain/monitor"
	"github.com/medimg/volumetry/internal/domain/pipeline"
	"github.com/medimg/volumetry/internal/domain/reference"
	"github.com/medimg/volumetry/internal/domain/remediation"
	"github.com/medimg/volumetry/internal/domain/rules"
	"github.com/medimg/volumetry/internal/domain/volumetry"
	"github.com/medimg/volumetry/internal/platform/db"
	"github.com/medimg/volumetry/internal/platform/lock"
	"github.com/medimg/volumetry/internal/platform/metrics"
	"github.com/medimg/volumetry/internal/platform/redis"
	"github.com/medimg/volumetry/internal/platform/retry"
)

// app holds the wired dependencies shared by the server and the CLI
// commands.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	gdb     *gorm.DB
	redis   *redis.Client
	store   volumetry.Store
	refs    reference.Repository
	reg     *rules.Registry
	locker  lock.Locker
	metrics *metrics.Metrics

	volumetry   *volumetry.Service
	executor    *pipeline.Executor
	monitor     *monitor.Monitor
	remediation *remediation.Service
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg == nil || cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if cfg != nil && cfg.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil {
			logger = logger.Level(lvl)
		}
	}
	return logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newApp connects the configured store, optional Redis and rule catalog.
// The embedded SQLite store is migrated on open; PostgreSQL is migrated by
// "migrate up".
func newApp(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*app, error) {
	a := &app{cfg: cfg, logger: newLogger(cfg)}

	if db.IsSQLiteURL(cfg.DatabaseURL) {
		gdb, err := db.OpenSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := volumetry.MigrateSQLite(gdb); err != nil {
			return nil, fmt.Errorf("migrate sqlite store: %w", err)
		}
		if err := reference.MigrateSQLite(gdb); err != nil {
			return nil, fmt.Errorf("migrate sqlite reference tables: %w", err)
		}
		a.gdb = gdb
		a.store = volumetry.NewStoreSQLite(gdb)
		a.refs = reference.NewRepoSQLite(gdb)
		a.logger.Info().Str("backend", "sqlite").Msg("store opened")
	} else {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.store = volumetry.NewStorePG(pool)
		a.refs = reference.NewRepoPG(pool)
		a.logger.Info().Str("backend", "postgres").Msg("connected to database")
	}

	rc, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.redis = rc
	if rc != nil {
		a.locker = lock.NewRedis(rc.Client, cfg.LockTTL, cfg.LockWait, a.logger)
		a.logger.Info().Msg("using redis period lock")
	} else {
		a.locker = lock.NewLocal(cfg.LockWait)
	}

	if cfg.RuleCatalog != "" {
		a.reg, err = rules.LoadFile(cfg.RuleCatalog)
	} else {
		a.reg, err = rules.Default()
	}
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load rule catalog: %w", err)
	}

	if reg != nil {
		a.metrics = metrics.New(reg)
	}
	policy := retry.Policy{MaxAttempts: cfg.RetryMaxAttempts, BaseDelay: cfg.RetryBaseDelay, MaxDelay: retry.DefaultPolicy.MaxDelay}

	a.volumetry = volumetry.NewService(a.store, a.reg, a.locker, a.logger)
	a.executor = pipeline.NewExecutor(a.store, a.refs, a.reg, a.locker, a.metrics, a.logger,
		pipeline.Options{ChunkSize: cfg.ChunkSize, Retry: policy})
	a.monitor = monitor.New(a.store, a.refs, a.reg, a.metrics, a.logger,
		monitor.Options{SampleSize: cfg.MonitorSampleSize, Parallelism: cfg.MonitorParallelism})
	a.remediation = remediation.NewService(a.store, a.refs, a.reg, a.locker, a.metrics, a.logger,
		remediation.Options{ChunkSize: cfg.ChunkSize})
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.gdb != nil {
		if sqlDB, err := a.gdb.DB(); err == nil {
			sqlDB.Close()
		}
	}
}

// withApp loads the configuration, runs fn with a wired app and closes it.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
