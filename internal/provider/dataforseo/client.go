// Package dataforseo implements harvest.Provider against the DataForSEO
// Google Maps task API: submit a task, then poll until it is ready.
package dataforseo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/harvest"
	"github.com/JakeFAU/gridcrawler/internal/tasklog"
)

// API status codes.
const (
	StatusOK         = 20000
	StatusInProgress = 40602
)

// Errors returned by Search. All of them leave the grid task unacknowledged.
var (
	ErrStatus        = errors.New("dataforseo request rejected")
	ErrTaskFailed    = errors.New("dataforseo task failed")
	ErrPollExhausted = errors.New("dataforseo task not ready after max polls")
)

// Config captures connection and polling settings.
type Config struct {
	BaseURL        string
	Login          string
	Password       string
	LanguageCode   string
	Priority       int
	PollInterval   time.Duration
	MaxPolls       int
	RequestTimeout time.Duration
}

// Waiter throttles outbound calls; *ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// TaskLog records submissions; *tasklog.Writer satisfies it.
type TaskLog interface {
	Append(entry tasklog.Entry) error
}

// Client talks to the DataForSEO v3 REST API.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter Waiter
	taskLog TaskLog
	clock   harvest.Clock
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error
}

var _ harvest.Provider = (*Client)(nil)

// New builds a Client. taskLog and logger may be nil.
func New(cfg Config, limiter Waiter, taskLog TaskLog, clock harvest.Clock, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.MaxPolls <= 0 {
		return nil, fmt.Errorf("max polls must be > 0")
	}
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "en"
	}
	if cfg.Priority <= 0 {
		cfg.Priority = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: limiter,
		taskLog: taskLog,
		clock:   clock,
		logger:  logger.Named("dataforseo"),
		sleep:   sleepCtx,
	}, nil
}

// Search submits one keyword/coordinate job and waits for its result.
func (c *Client) Search(ctx context.Context, req harvest.SearchRequest) (harvest.SearchResult, error) {
	jobID, submittedAt, err := c.submit(ctx, req)
	if err != nil {
		return harvest.SearchResult{}, err
	}
	log := c.logger.With(zap.String("task_id", req.TaskID), zap.String("job_id", jobID))
	log.Debug("provider job submitted", zap.String("keyword", req.Keyword), zap.Int("zoom", req.Zoom))

	results, err := c.poll(ctx, jobID, log)
	if err != nil {
		return harvest.SearchResult{}, err
	}

	out := harvest.SearchResult{JobID: jobID, SubmittedAt: submittedAt}
	for _, res := range results {
		for _, raw := range res.Items {
			out.Count++
			rec, err := decodeItem(raw)
			if err != nil {
				log.Warn("undecodable provider item", zap.Error(err))
				continue
			}
			out.Records = append(out.Records, rec)
		}
	}
	return out, nil
}

func (c *Client) submit(ctx context.Context, req harvest.SearchRequest) (string, time.Time, error) {
	body := []postTask{{
		LanguageCode:       c.cfg.LanguageCode,
		LocationCoordinate: locationCoordinate(req.Square.Center, req.Zoom),
		Keyword:            req.Keyword,
		Priority:           c.cfg.Priority,
	}}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal task_post: %w", err)
	}

	var env envelope
	if err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/google/maps/task_post", payload, &env); err != nil {
		return "", time.Time{}, err
	}
	if env.StatusCode != StatusOK {
		return "", time.Time{}, fmt.Errorf("%w: task_post status %d %s", ErrStatus, env.StatusCode, env.StatusMessage)
	}
	if len(env.Tasks) == 0 || env.Tasks[0].ID == "" {
		return "", time.Time{}, fmt.Errorf("%w: task_post returned no task id", ErrStatus)
	}
	jobID := env.Tasks[0].ID
	submittedAt := c.clock.Now()

	if c.taskLog != nil {
		entry := tasklog.Entry{
			JobID:       jobID,
			SubmittedAt: submittedAt,
			Keyword:     req.Keyword,
			Lat:         req.Square.Center.Lat,
			Lng:         req.Square.Center.Lng,
			WidthMeters: req.Square.WidthMeters,
			Zoom:        req.Zoom,
			TaskID:      req.TaskID,
		}
		if err := c.taskLog.Append(entry); err != nil {
			c.logger.Error("task log append failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return jobID, submittedAt, nil
}

func (c *Client) poll(ctx context.Context, jobID string, log *zap.Logger) ([]taskResult, error) {
	url := c.cfg.BaseURL + "/google/maps/task_get/regular/" + jobID
	for attempt := 1; attempt <= c.cfg.MaxPolls; attempt++ {
		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return nil, err
		}
		var env envelope
		if err := c.do(ctx, http.MethodGet, url, nil, &env); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			log.Warn("provider poll failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if env.StatusCode != StatusOK {
			return nil, fmt.Errorf("%w: task_get status %d %s", ErrStatus, env.StatusCode, env.StatusMessage)
		}
		if len(env.Tasks) == 0 {
			return nil, fmt.Errorf("%w: task_get returned no tasks", ErrStatus)
		}
		task := env.Tasks[0]
		switch task.StatusCode {
		case StatusOK:
			return task.Result, nil
		case StatusInProgress:
			continue
		default:
			return nil, fmt.Errorf("%w: job %s status %d %s", ErrTaskFailed, jobID, task.StatusCode, task.StatusMessage)
		}
	}
	return nil, fmt.Errorf("%w: job %s after %d polls", ErrPollExhausted, jobID, c.cfg.MaxPolls)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx, url); err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Login, c.cfg.Password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: http %d", ErrStatus, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func locationCoordinate(p harvest.Point, zoom int) string {
	return strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," +
		strconv.FormatFloat(p.Lng, 'f', -1, 64) + "," +
		strconv.Itoa(zoom)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
