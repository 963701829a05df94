// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/api"
	"github.com/JakeFAU/gridcrawler/internal/clock/system"
	"github.com/JakeFAU/gridcrawler/internal/config"
	"github.com/JakeFAU/gridcrawler/internal/dispatcher"
	"github.com/JakeFAU/gridcrawler/internal/export"
	"github.com/JakeFAU/gridcrawler/internal/harvest"
	"github.com/JakeFAU/gridcrawler/internal/id/uuid"
	"github.com/JakeFAU/gridcrawler/internal/janitor"
	"github.com/JakeFAU/gridcrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/gridcrawler/internal/provider/dataforseo"
	pubmemory "github.com/JakeFAU/gridcrawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/gridcrawler/internal/publisher/pubsub"
	"github.com/JakeFAU/gridcrawler/internal/seeder"
	"github.com/JakeFAU/gridcrawler/internal/storage/gcs"
	"github.com/JakeFAU/gridcrawler/internal/storage/local"
	"github.com/JakeFAU/gridcrawler/internal/storage/memory"
	"github.com/JakeFAU/gridcrawler/internal/storage/postgres"
	"github.com/JakeFAU/gridcrawler/internal/storage/sqlite"
	"github.com/JakeFAU/gridcrawler/internal/tasklog"
	"github.com/JakeFAU/gridcrawler/internal/worker"
)

// App holds the shared services. Backends are opened on first use so a
// command only connects to what it needs.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  harvest.Clock
	ids    harvest.IDGenerator

	pools     map[string]*pgxpool.Pool
	store     harvest.TaskStore
	sink      harvest.ResultSink
	blobs     harvest.BlobStore
	publisher harvest.Publisher
	provider  harvest.Provider
	closers   []func() error
}

// New creates an App. Nothing is dialed until a getter is called.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
		pools:  make(map[string]*pgxpool.Pool),
	}, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// TaskStore opens the configured queue backend.
func (a *App) TaskStore(ctx context.Context) (harvest.TaskStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	var (
		store harvest.TaskStore
		err   error
	)
	switch a.cfg.Store.Driver {
	case config.DriverMemory:
		a.logger.Warn("using in-memory task store; the queue will not survive a restart")
		store = memory.NewTaskStore(a.clock)
	case config.DriverSQLite:
		a.logger.Info("using sqlite task store", zap.String("path", a.cfg.Store.SQLitePath))
		store, err = sqlite.Open(ctx, sqlite.Config{Path: a.cfg.Store.SQLitePath}, a.clock)
	case config.DriverPostgres:
		var pool *pgxpool.Pool
		pool, err = a.pool(ctx, a.cfg.Store.DSN, a.cfg.Store.MaxConns)
		if err == nil {
			a.logger.Info("using postgres task store", zap.String("table", a.cfg.Store.Table))
			store, err = postgres.NewTaskStore(pool, a.clock, a.cfg.Store.Table)
		}
	default:
		err = fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("init task store: %w", err)
	}
	a.store = store
	return store, nil
}

// ResultSink opens the configured result backend.
func (a *App) ResultSink(ctx context.Context) (harvest.ResultSink, error) {
	if a.sink != nil {
		return a.sink, nil
	}
	var (
		sink harvest.ResultSink
		err  error
	)
	switch a.cfg.Sink.Driver {
	case config.DriverMemory:
		a.logger.Warn("using in-memory result sink; results will not survive a restart")
		sink = memory.NewResultStore()
	case config.DriverPostgres:
		var pool *pgxpool.Pool
		pool, err = a.pool(ctx, a.cfg.Sink.DSN, a.cfg.Sink.MaxConns)
		if err == nil {
			a.logger.Info("using postgres result sink", zap.String("table", a.cfg.Sink.Table))
			sink, err = postgres.NewResultStore(pool, a.cfg.Sink.Table)
		}
	default:
		err = fmt.Errorf("unknown sink driver %q", a.cfg.Sink.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("init result sink: %w", err)
	}
	a.sink = sink
	return sink, nil
}

// BlobStore opens the export destination.
func (a *App) BlobStore(ctx context.Context) (harvest.BlobStore, error) {
	if a.blobs != nil {
		return a.blobs, nil
	}
	var (
		blobs harvest.BlobStore
		err   error
	)
	switch a.cfg.Export.Driver {
	case config.DriverMemory:
		blobs = memory.NewBlobStore()
	case config.DriverLocal:
		blobs, err = local.New(local.Config{BaseDir: a.cfg.Export.Dir})
	case config.DriverGCS:
		var store *gcs.BlobStore
		store, err = gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Export.Bucket, Prefix: a.cfg.Export.Prefix})
		if err == nil {
			a.closers = append(a.closers, store.Close)
			blobs = store
		}
	default:
		err = fmt.Errorf("unknown export driver %q", a.cfg.Export.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("init export destination: %w", err)
	}
	a.blobs = blobs
	return blobs, nil
}

// Publisher returns the lifecycle event publisher, or nil when events are off.
func (a *App) Publisher(ctx context.Context) (harvest.Publisher, error) {
	if a.publisher != nil {
		return a.publisher, nil
	}
	switch a.cfg.Events.Driver {
	case config.DriverNone, "":
		return nil, nil
	case config.DriverMemory:
		a.publisher = pubmemory.New()
	case config.DriverPubSub:
		pub, err := pubsubpublisher.Open(ctx, a.cfg.Events.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init publisher: %w", err)
		}
		a.logger.Info("publishing lifecycle events", zap.String("topic", a.cfg.Events.Topic))
		a.closers = append(a.closers, pub.Close)
		a.publisher = pub
	default:
		return nil, fmt.Errorf("unknown events driver %q", a.cfg.Events.Driver)
	}
	return a.publisher, nil
}

// Provider builds the DataForSEO client together with its rate limiter and
// submission log.
func (a *App) Provider() (harvest.Provider, error) {
	if a.provider != nil {
		return a.provider, nil
	}
	pc := a.cfg.Provider
	var taskLog dataforseo.TaskLog
	if pc.TaskLogPath != "" {
		w, err := tasklog.Open(pc.TaskLogPath)
		if err != nil {
			return nil, fmt.Errorf("init task log: %w", err)
		}
		a.closers = append(a.closers, w.Close)
		taskLog = w
	}
	client, err := dataforseo.New(dataforseo.Config{
		BaseURL:        pc.BaseURL,
		Login:          pc.Login,
		Password:       pc.Password,
		LanguageCode:   pc.LanguageCode,
		Priority:       pc.Priority,
		PollInterval:   pc.PollInterval,
		MaxPolls:       pc.MaxPolls,
		RequestTimeout: pc.RequestTimeout,
	}, ratelimit.New(ratelimit.Config{RPS: pc.RateLimit, Burst: pc.Burst}), taskLog, a.clock, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init provider: %w", err)
	}
	a.provider = client
	return client, nil
}

// SetProvider overrides the provider, mainly for tests and dry runs.
func (a *App) SetProvider(p harvest.Provider) {
	a.provider = p
}

// EnsureSchema creates the queue and result tables where the backend needs it.
func (a *App) EnsureSchema(ctx context.Context) error {
	type schemaEnsurer interface {
		EnsureSchema(ctx context.Context) error
	}
	store, err := a.TaskStore(ctx)
	if err != nil {
		return err
	}
	sink, err := a.ResultSink(ctx)
	if err != nil {
		return err
	}
	for _, target := range []any{store, sink} {
		if s, ok := target.(schemaEnsurer); ok {
			if err := s.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
		}
	}
	a.logger.Info("schema ready",
		zap.String("store", a.cfg.Store.Driver),
		zap.String("sink", a.cfg.Sink.Driver))
	return nil
}

// Seeder builds a Seeder over the task store.
func (a *App) Seeder(ctx context.Context) (*seeder.Seeder, error) {
	store, err := a.TaskStore(ctx)
	if err != nil {
		return nil, err
	}
	return seeder.New(store, a.ids, a.logger), nil
}

// Exporter builds an Exporter over the result sink and export destination.
func (a *App) Exporter(ctx context.Context) (*export.Exporter, error) {
	sink, err := a.ResultSink(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := a.BlobStore(ctx)
	if err != nil {
		return nil, err
	}
	return export.New(sink, blobs, a.clock, a.logger), nil
}

// Janitor builds the stale-claim sweeper.
func (a *App) Janitor(ctx context.Context) (*janitor.Janitor, error) {
	store, err := a.TaskStore(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := a.Publisher(ctx)
	if err != nil {
		return nil, err
	}
	jc := a.cfg.Janitor
	return janitor.New(store, pub, a.clock, janitor.Config{
		Interval:    jc.Interval,
		Timeout:     jc.Timeout,
		MaxAttempts: jc.MaxAttempts,
		Topic:       a.eventTopic(),
	}, a.logger)
}

// Workers builds worker.concurrency workers sharing the same backends.
func (a *App) Workers(ctx context.Context) ([]*worker.Worker, error) {
	store, err := a.TaskStore(ctx)
	if err != nil {
		return nil, err
	}
	sink, err := a.ResultSink(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := a.Publisher(ctx)
	if err != nil {
		return nil, err
	}
	provider, err := a.Provider()
	if err != nil {
		return nil, err
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	wc := a.cfg.Worker
	workers := make([]*worker.Worker, 0, wc.Concurrency)
	for i := 0; i < wc.Concurrency; i++ {
		w, err := worker.New(store, provider, sink, a.ids, a.clock, pub, worker.Config{
			WorkerID:               fmt.Sprintf("%s-%d-%d", host, os.Getpid(), i),
			SaturationThreshold:    wc.SaturationThreshold,
			MinWidthMeters:         wc.MinWidthMeters,
			IdleBackoff:            wc.IdleBackoff,
			PersistPartialOnExpand: wc.PersistPartialOnExpand,
			SearchTimeout:          a.cfg.Provider.WorstCaseLatency(),
			Topic:                  a.eventTopic(),
			MaxStoreRetries:        wc.MaxStoreRetries,
			RetryBaseDelay:         wc.RetryBaseDelay,
			RetryMaxDelay:          wc.RetryMaxDelay,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init worker %d: %w", i, err)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// Server builds the ops HTTP server, or returns nil when server.port is 0.
func (a *App) Server(ctx context.Context) (*api.Server, error) {
	if a.cfg.Server.Port == 0 {
		return nil, nil
	}
	store, err := a.TaskStore(ctx)
	if err != nil {
		return nil, err
	}
	return api.NewServer(store, seeder.New(store, a.ids, a.logger), api.Config{
		Addr:            fmt.Sprintf(":%d", a.cfg.Server.Port),
		RequestTimeout:  a.cfg.Server.RequestTimeout,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
	}, a.logger), nil
}

// Runners collects the workers plus, optionally, the janitor and ops server
// into one dispatcher.
func (a *App) Runners(ctx context.Context, withJanitor bool) (*dispatcher.Dispatcher, error) {
	workers, err := a.Workers(ctx)
	if err != nil {
		return nil, err
	}
	runners := make([]dispatcher.Runner, 0, len(workers)+2)
	for _, w := range workers {
		runners = append(runners, w)
	}
	if withJanitor {
		j, err := a.Janitor(ctx)
		if err != nil {
			return nil, err
		}
		runners = append(runners, j)
	}
	srv, err := a.Server(ctx)
	if err != nil {
		return nil, err
	}
	if srv != nil {
		runners = append(runners, srv)
	}
	return dispatcher.New(runners, a.logger), nil
}

// Close shuts down every opened service. It is called by a Cobra hook after
// the command finishes.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.sink != nil {
		a.sink.Close()
	}
	for _, pool := range a.pools {
		pool.Close()
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing services", zap.Error(err))
	}
	// Sync errors on stderr/stdout are expected on some platforms.
	_ = a.logger.Sync()
}

func (a *App) eventTopic() string {
	if a.cfg.Events.Driver == config.DriverNone {
		return ""
	}
	return a.cfg.Events.Topic
}

func (a *App) pool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	if pool, ok := a.pools[dsn]; ok {
		return pool, nil
	}
	pool, err := postgres.Connect(ctx, postgres.PoolConfig{DSN: dsn, MaxConns: maxConns})
	if err != nil {
		return nil, err
	}
	a.pools[dsn] = pool
	return pool, nil
}
