package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridcrawler/internal/app"
	"github.com/JakeFAU/gridcrawler/internal/config"
	"github.com/JakeFAU/gridcrawler/internal/harvest"
	"github.com/JakeFAU/gridcrawler/internal/seeder"
	"github.com/JakeFAU/gridcrawler/internal/storage/memory"
	"github.com/JakeFAU/gridcrawler/internal/storage/sqlite"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Store: config.StoreConfig{Driver: config.DriverMemory},
		Sink:  config.SinkConfig{Driver: config.DriverMemory},
		Provider: config.ProviderConfig{
			Driver:         config.DriverDataForSEO,
			BaseURL:        "https://api.example/v3",
			PollInterval:   time.Second,
			MaxPolls:       3,
			RequestTimeout: time.Second,
			RateLimit:      10,
			TaskLogPath:    filepath.Join(t.TempDir(), "tasks.jsonl"),
		},
		Worker: config.WorkerConfig{
			Concurrency:         3,
			SaturationThreshold: 100,
			MinWidthMeters:      500,
			IdleBackoff:         5 * time.Millisecond,
		},
		Janitor: config.JanitorConfig{Interval: time.Minute, Timeout: 5 * time.Minute, MaxAttempts: 3},
		Export:  config.ExportConfig{Driver: config.DriverLocal, Dir: t.TempDir()},
		Events:  config.EventsConfig{Driver: config.DriverMemory, Topic: "grid-events"},
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig(t)
	cfg.Worker.Concurrency = 0
	_, err := app.New(cfg, nil)
	require.Error(t, err)
}

func TestMemoryBackendsAreCached(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, err := app.New(memoryConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()

	store, err := a.TaskStore(ctx)
	require.NoError(t, err)
	require.IsType(t, &memory.TaskStore{}, store)
	again, err := a.TaskStore(ctx)
	require.NoError(t, err)
	require.Same(t, store, again)

	sink, err := a.ResultSink(ctx)
	require.NoError(t, err)
	require.IsType(t, &memory.ResultStore{}, sink)

	pub, err := a.Publisher(ctx)
	require.NoError(t, err)
	require.NotNil(t, pub)

	require.NoError(t, a.EnsureSchema(ctx))
}

func TestSQLiteStoreAndSchema(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig(t)
	cfg.Store = config.StoreConfig{Driver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "q.db")}
	a, err := app.New(cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	store, err := a.TaskStore(context.Background())
	require.NoError(t, err)
	require.IsType(t, &sqlite.TaskStore{}, store)
	require.NoError(t, a.EnsureSchema(context.Background()))
}

func TestEventsDisabled(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig(t)
	cfg.Events = config.EventsConfig{Driver: config.DriverNone}
	a, err := app.New(cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	pub, err := a.Publisher(context.Background())
	require.NoError(t, err)
	require.Nil(t, pub)
}

type fixedProvider struct{}

func (fixedProvider) Search(_ context.Context, req harvest.SearchRequest) (harvest.SearchResult, error) {
	return harvest.SearchResult{
		Count: 1,
		Records: []harvest.RawRecord{{
			ExternalID: "place-" + req.TaskID,
			Name:       "Acme " + req.Keyword,
			Address:    "1 Main St, Austin, TX 78701, USA",
		}},
	}, nil
}

func TestSeedWorkExportFlow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := memoryConfig(t)
	a, err := app.New(cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	a.SetProvider(fixedProvider{})

	s, err := a.Seeder(ctx)
	require.NoError(t, err)
	_, err = s.Seed(ctx, seeder.Request{
		Keywords:    []string{"plumber", "roofer"},
		Center:      harvest.Point{Lat: 30.2672, Lng: -97.7431},
		WidthMeters: 2000,
	})
	require.NoError(t, err)

	d, err := a.Runners(ctx, true)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()

	store, err := a.TaskStore(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		stats, err := store.Stats(ctx)
		return err == nil && stats.Done == 2
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	exp, err := a.Exporter(ctx)
	require.NoError(t, err)
	res, err := exp.Export(ctx, "leads.csv")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rows)
	assert.True(t, strings.HasPrefix(res.URI, "file://"))
	assert.True(t, strings.HasSuffix(res.URI, filepath.Join(cfg.Export.Dir, "leads.csv")))
}

func TestServerDisabledWithoutPort(t *testing.T) {
	t.Parallel()

	a, err := app.New(memoryConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()

	srv, err := a.Server(context.Background())
	require.NoError(t, err)
	require.Nil(t, srv)
}

func TestServerServesQueueStats(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig(t)
	cfg.Server.Port = 18080
	a, err := app.New(cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	srv, err := a.Server(context.Background())
	require.NoError(t, err)
	require.NotNil(t, srv)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProviderBuildsWithTaskLog(t *testing.T) {
	t.Parallel()

	a, err := app.New(memoryConfig(t), nil)
	require.NoError(t, err)
	defer a.Close()

	p, err := a.Provider()
	require.NoError(t, err)
	require.NotNil(t, p)
}
