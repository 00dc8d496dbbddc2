// Package app assembles the scheduler from configuration. Both binaries use
// it: the long-running daemon and the Lambda dispatcher.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/jackc/pgx/v5/pgxpool"

	"dailyprompt/internal/breaker"
	"dailyprompt/internal/config"
	"dailyprompt/internal/core"
	"dailyprompt/internal/db"
	"dailyprompt/internal/external"
	"dailyprompt/internal/scheduler"
	"dailyprompt/internal/sqlitedb"
	"dailyprompt/internal/telemetry"
)

// App is a fully wired scheduler.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Service *scheduler.Service
	Jobs    *scheduler.JobRunner
	Breaker *breaker.Breaker

	// MetricsHandler serves /metrics for the prometheus backend; nil
	// otherwise.
	MetricsHandler http.Handler
	Probes         []core.HealthProbe

	closers []func()
}

// Store is everything the scheduler needs from persistence.
type Store interface {
	scheduler.Store
	scheduler.ContentSelector
	scheduler.JobLocker
	scheduler.JobHistorian
}

// NewLogger returns a JSON logger at the named level. Unknown levels mean
// info.
func NewLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// New connects the store, builds the transport and telemetry backend and
// wires the scheduler components. Close releases what New opened.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	awsCfg, err := LoadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	transport, err := external.NewTransport(cfg.Transport, awsCfg, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("building transport: %w", err)
	}

	metrics, metricsHandler, err := telemetry.New(cfg.Metrics.Backend, awsCfg, cfg.Metrics.Namespace, logger.With("component", "telemetry"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("building telemetry: %w", err)
	}
	a.MetricsHandler = metricsHandler

	a.Breaker = breaker.New(breaker.Settings{
		Name:      "transport-" + cfg.Transport.Kind,
		Threshold: cfg.Breaker.Threshold,
		Cooldown:  cfg.Breaker.Cooldown,
	}, logger.With("component", "breaker"), breaker.WithStateChangeHook(metrics.RecordBreakerTransition))

	a.Service, a.Jobs = Wire(cfg, store, transport, a.Breaker, metrics, logger)
	return a, nil
}

// Wire builds the scheduler components on the given collaborators.
func Wire(cfg *config.Config, store Store, transport scheduler.Transport, cb scheduler.CircuitBreaker, metrics scheduler.Metrics, logger *slog.Logger) (*scheduler.Service, *scheduler.JobRunner) {
	sc := cfg.Scheduler

	tracker := scheduler.NewTracker(store, nil, nil, logger.With("component", "tracker"))
	populator := scheduler.NewPopulator(store, store, scheduler.PopulatorConfig{
		Grace:      sc.Grace,
		Categories: sc.ContentCategories,
	}, nil, metrics, logger.With("component", "populator"))
	executor := scheduler.NewExecutor(store, transport, cb, tracker, scheduler.ExecutorConfig{
		Grace:       sc.Grace,
		Lookahead:   sc.Lookahead,
		Lookbehind:  sc.Lookbehind,
		BatchSize:   sc.BatchSize,
		SendSpacing: sc.SendSpacing,
		SendTimeout: sc.SendTimeout,
	}, nil, metrics, logger.With("component", "executor"))

	svc := scheduler.NewService(store, populator, executor, tracker, cb, scheduler.ServiceConfig{
		PopulateHorizonDays: sc.PopulateHorizonDays,
		InteractionMaxAge:   sc.InteractionMaxAge,
		QueueRetention:      sc.QueueRetention,
	}, nil, logger.With("component", "service"))

	jobs := scheduler.NewJobRunner(store, store, cfg.WorkerID, sc.LockTTL, metrics, logger.With("component", "jobs"))
	return svc, jobs
}

// LoadAWSConfig loads the default credential chain for the configured
// region. A non-empty endpoint URL points every client at LocalStack.
func LoadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config (region=%s): %w", cfg.Region, err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}
	return awsCfg, nil
}

func (a *App) openStore(ctx context.Context) (Store, error) {
	dbCfg := a.Config.Database

	switch dbCfg.Driver {
	case "sqlite":
		sqlDB, err := sqlitedb.Open(ctx, dbCfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = sqlDB.Close() })
		a.Probes = append(a.Probes, core.NewProbe("database", sqlDB.PingContext))
		a.Logger.Info("store opened", "driver", "sqlite", "path", dbCfg.SQLitePath)
		return sqlitedb.NewStore(sqlDB), nil

	case "postgres", "":
		pool, err := newPool(ctx, dbCfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
		a.Probes = append(a.Probes, core.NewProbe("database", pool.Ping))
		if err := db.EnsureSchema(ctx, pool); err != nil {
			a.Close()
			return nil, err
		}
		a.Logger.Info("store opened", "driver", "postgres", "max_conns", dbCfg.MaxConns)
		return db.NewStore(pool), nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", dbCfg.Driver)
	}
}

func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// Close releases the store connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
