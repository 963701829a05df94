package dataforseo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gridcrawler/internal/clock/manual"
	"github.com/JakeFAU/gridcrawler/internal/harvest"
	"github.com/JakeFAU/gridcrawler/internal/tasklog"
)

type countingWaiter struct{ calls atomic.Int32 }

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls.Add(1)
	return nil
}

type recordingLog struct {
	mu      sync.Mutex
	entries []tasklog.Entry
	err     error
}

func (l *recordingLog) Append(e tasklog.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return l.err
}

var submitted = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, handler http.Handler, maxPolls int) (*Client, *countingWaiter, *recordingLog) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	waiter := &countingWaiter{}
	log := &recordingLog{}
	c, err := New(Config{
		BaseURL:      srv.URL + "/v3/",
		Login:        "user",
		Password:     "secret",
		PollInterval: time.Second,
		MaxPolls:     maxPolls,
	}, waiter, log, manual.New(submitted), nil)
	require.NoError(t, err)
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return c, waiter, log
}

func searchRequest() harvest.SearchRequest {
	return harvest.SearchRequest{
		TaskID:  "task-1",
		Keyword: "plumber",
		Square:  harvest.Square{Center: harvest.Point{Lat: 30.2672, Lng: -97.7431}, WidthMeters: 20000},
		Zoom:    10,
	}
}

func postOK(w http.ResponseWriter) {
	_, _ = io.WriteString(w, `{"status_code":20000,"tasks":[{"id":"job-42","status_code":20100}]}`)
}

func TestSearchSubmitsPollsAndDecodes(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/google/maps/task_post", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, "secret", pass)

		var body []map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Len(t, body, 1)
		assert.Equal(t, "30.2672,-97.7431,10", body[0]["location_coordinate"])
		assert.Equal(t, "plumber", body[0]["keyword"])
		assert.Equal(t, "en", body[0]["language_code"])
		assert.EqualValues(t, 1, body[0]["priority"])
		postOK(w)
	})
	mux.HandleFunc("/v3/google/maps/task_get/regular/job-42", func(w http.ResponseWriter, _ *http.Request) {
		if polls.Add(1) == 1 {
			_, _ = io.WriteString(w, `{"status_code":20000,"tasks":[{"id":"job-42","status_code":40602}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"status_code":20000,"tasks":[{"id":"job-42","status_code":20000,"result":[
			{"items":[
				{"place_id":"p1","title":"Acme Plumbing","address":"1 Main St, Austin, TX 78701","address_info":{"city":"Austin"},
				 "category":"Plumber","url":"https://acme.example","check_url":"https://maps.example/p1","phone":"+1 512",
				 "latitude":30.1,"longitude":-97.1,"rating":{"value":4.5}},
				{"title":"No Id Ltd"}
			]},
			{"items":[{"place_id":"p2","title":"Best Pipes"}]}
		]}]}`)
	})

	c, waiter, log := newTestClient(t, mux, 5)
	res, err := c.Search(context.Background(), searchRequest())
	require.NoError(t, err)

	require.Equal(t, "job-42", res.JobID)
	require.Equal(t, submitted, res.SubmittedAt)
	require.Equal(t, 3, res.Count, "count includes every item across result objects")
	require.Len(t, res.Records, 3)

	acme := res.Records[0]
	assert.Equal(t, "p1", acme.ExternalID)
	assert.Equal(t, "Acme Plumbing", acme.Name)
	assert.Equal(t, "Austin", acme.City)
	assert.Equal(t, "https://acme.example", acme.Website)
	assert.Equal(t, "https://maps.example/p1", acme.MapsURL)
	assert.InDelta(t, 4.5, acme.Rating, 1e-9)
	assert.Contains(t, string(acme.Raw), `"place_id":"p1"`)
	assert.Empty(t, res.Records[1].ExternalID)

	assert.EqualValues(t, 3, waiter.calls.Load(), "one post and two polls pass the limiter")
	require.Len(t, log.entries, 1)
	assert.Equal(t, tasklog.Entry{
		JobID:       "job-42",
		SubmittedAt: submitted,
		Keyword:     "plumber",
		Lat:         30.2672,
		Lng:         -97.7431,
		WidthMeters: 20000,
		Zoom:        10,
		TaskID:      "task-1",
	}, log.entries[0])
}

func TestSearchPostRejected(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/v3/google/maps/task_post", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"status_code":40100,"status_message":"not authorized"}`)
	})
	c, _, log := newTestClient(t, mux, 3)

	_, err := c.Search(context.Background(), searchRequest())
	require.ErrorIs(t, err, ErrStatus)
	require.Empty(t, log.entries)
}

func TestSearchTaskFailed(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/v3/google/maps/task_post", func(w http.ResponseWriter, _ *http.Request) { postOK(w) })
	mux.HandleFunc("/v3/google/maps/task_get/regular/job-42", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"status_code":20000,"tasks":[{"id":"job-42","status_code":40501,"status_message":"invalid field"}]}`)
	})
	c, _, _ := newTestClient(t, mux, 3)

	_, err := c.Search(context.Background(), searchRequest())
	require.ErrorIs(t, err, ErrTaskFailed)
}

func TestSearchPollExhausted(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/google/maps/task_post", func(w http.ResponseWriter, _ *http.Request) { postOK(w) })
	mux.HandleFunc("/v3/google/maps/task_get/regular/job-42", func(w http.ResponseWriter, _ *http.Request) {
		polls.Add(1)
		_, _ = io.WriteString(w, `{"status_code":20000,"tasks":[{"id":"job-42","status_code":40602}]}`)
	})
	c, _, _ := newTestClient(t, mux, 4)

	_, err := c.Search(context.Background(), searchRequest())
	require.ErrorIs(t, err, ErrPollExhausted)
	require.EqualValues(t, 4, polls.Load())
}

func TestSearchTransientPollErrorIsRetried(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/google/maps/task_post", func(w http.ResponseWriter, _ *http.Request) { postOK(w) })
	mux.HandleFunc("/v3/google/maps/task_get/regular/job-42", func(w http.ResponseWriter, _ *http.Request) {
		if polls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"status_code":20000,"tasks":[{"id":"job-42","status_code":20000,"result":[]}]}`)
	})
	c, _, _ := newTestClient(t, mux, 3)

	res, err := c.Search(context.Background(), searchRequest())
	require.NoError(t, err)
	require.Zero(t, res.Count)
}

func TestSearchTaskLogFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/v3/google/maps/task_post", func(w http.ResponseWriter, _ *http.Request) { postOK(w) })
	mux.HandleFunc("/v3/google/maps/task_get/regular/job-42", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"status_code":20000,"tasks":[{"id":"job-42","status_code":20000,"result":null}]}`)
	})
	c, _, log := newTestClient(t, mux, 3)
	log.err = errors.New("disk full")

	_, err := c.Search(context.Background(), searchRequest())
	require.NoError(t, err)
}

func TestSearchHonorsCancellation(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/v3/google/maps/task_post", func(w http.ResponseWriter, _ *http.Request) { postOK(w) })
	c, _, _ := newTestClient(t, mux, 3)

	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	_, err := c.Search(ctx, searchRequest())
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	clk := manual.New(submitted)
	_, err := New(Config{MaxPolls: 1}, &countingWaiter{}, nil, clk, nil)
	require.Error(t, err)
	_, err = New(Config{BaseURL: "http://x", MaxPolls: 1}, nil, nil, clk, nil)
	require.Error(t, err)
	_, err = New(Config{BaseURL: "http://x"}, &countingWaiter{}, nil, clk, nil)
	require.Error(t, err)
}
