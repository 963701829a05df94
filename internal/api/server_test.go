package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/clock/manual"
	"github.com/JakeFAU/gridcrawler/internal/harvest"
	"github.com/JakeFAU/gridcrawler/internal/id/uuid"
	"github.com/JakeFAU/gridcrawler/internal/seeder"
	"github.com/JakeFAU/gridcrawler/internal/storage/memory"
)

func newTestServer(t *testing.T) (*Server, *memory.TaskStore) {
	t.Helper()
	store := memory.NewTaskStore(manual.New(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
	srv := NewServer(store, seeder.New(store, uuid.New(), nil), Config{}, zap.NewNop())
	return srv, store
}

func do(t *testing.T, srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, srv, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ready")
}

func TestReadyzFailsWhenStoreClosed(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t)
	store.Close()
	rec := do(t, srv, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	_ = do(t, srv, http.MethodGet, "/healthz", nil)
	rec := do(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestSeedThenInspect(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t)
	body := []byte(`{"city":"Austin","keywords":["plumber","roofer"],"center":{"lat":30.2672,"lng":-97.7431},"width_meters":20000}`)
	rec := do(t, srv, http.MethodPost, "/v1/seeds", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created struct {
		TaskIDs []string `json:"task_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Len(t, created.TaskIDs, 2)

	rec = do(t, srv, http.MethodGet, "/v1/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats harvest.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, harvest.QueueStats{Pending: 2}, stats)

	child := harvest.Task{
		ID:          "child-1",
		ParentID:    created.TaskIDs[0],
		Keyword:     "plumber",
		Center:      harvest.Point{Lat: 30.3, Lng: -97.7},
		WidthMeters: 10000,
	}
	require.NoError(t, store.Enqueue(context.Background(), child))

	rec = do(t, srv, http.MethodGet, "/v1/tasks/child-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Task    harvest.Task `json:"task"`
		Lineage []string     `json:"lineage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "child-1", got.Task.ID)
	assert.Equal(t, harvest.TaskStatusPending, got.Task.Status)
	assert.Equal(t, []string{"child-1", created.TaskIDs[0]}, got.Lineage)
}

func TestGetTaskNotFound(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodGet, "/v1/tasks/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSeedsValidation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := do(t, srv, http.MethodPost, "/v1/seeds", []byte(`{`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/v1/seeds", []byte(`{"keywords":["a"],"center":{"lat":95,"lng":0},"width_meters":100}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "latitude")
}

type failingSeeder struct{}

func (failingSeeder) Seed(context.Context, seeder.Request) ([]harvest.Task, error) {
	return nil, errors.New("connection refused")
}

func TestCreateSeedsStoreFailure(t *testing.T) {
	t.Parallel()

	store := memory.NewTaskStore(manual.New(time.Unix(0, 0)))
	srv := NewServer(store, failingSeeder{}, Config{}, nil)
	rec := do(t, srv, http.MethodPost, "/v1/seeds", []byte(`{"keywords":["a"]}`))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	srv = NewServer(store, nil, Config{}, nil)
	rec = do(t, srv, http.MethodPost, "/v1/seeds", []byte(`{"keywords":["a"]}`))
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	h := srv.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	store := memory.NewTaskStore(manual.New(time.Unix(0, 0)))
	srv := NewServer(store, nil, Config{Addr: addr, ShutdownTimeout: time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
