// Package worker implements the claim, search, subdivide-or-persist loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/geogrid"
	"github.com/JakeFAU/gridcrawler/internal/harvest"
	"github.com/JakeFAU/gridcrawler/internal/metrics"
)

// Outcome is how a successfully processed task left the queue.
type Outcome string

// Outcomes returned by Process.
const (
	OutcomeExpanded  Outcome = "expanded"
	OutcomePersisted Outcome = "persisted"
)

// Errors returned by Process and Run.
var (
	// ErrStoreUnavailable means the task store kept failing past the retry
	// budget. Run returns it and the worker stops.
	ErrStoreUnavailable = errors.New("task store unavailable")
	ErrProvider         = errors.New("provider search failed")
	ErrSink             = errors.New("result sink write failed")
)

// Config controls Worker behavior. SearchTimeout bounds each provider Search;
// zero leaves it unbounded.
type Config struct {
	WorkerID               string
	SaturationThreshold    int
	MinWidthMeters         float64
	IdleBackoff            time.Duration
	PersistPartialOnExpand bool
	SearchTimeout          time.Duration
	Topic                  string
	MaxStoreRetries        int
	RetryBaseDelay         time.Duration
	RetryMaxDelay          time.Duration
}

// Worker drains the task store one task at a time.
type Worker struct {
	store     harvest.TaskStore
	provider  harvest.Provider
	sink      harvest.ResultSink
	ids       harvest.IDGenerator
	clock     harvest.Clock
	publisher harvest.Publisher
	cfg       Config
	backoff   *Backoff
	logger    *zap.Logger
	sleep     func(context.Context, time.Duration) error
}

// New constructs a Worker. publisher and logger may be nil.
func New(
	store harvest.TaskStore,
	provider harvest.Provider,
	sink harvest.ResultSink,
	ids harvest.IDGenerator,
	clock harvest.Clock,
	publisher harvest.Publisher,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	switch {
	case store == nil:
		return nil, fmt.Errorf("task store is required")
	case provider == nil:
		return nil, fmt.Errorf("provider is required")
	case sink == nil:
		return nil, fmt.Errorf("result sink is required")
	case ids == nil:
		return nil, fmt.Errorf("id generator is required")
	case clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.SaturationThreshold <= 0 {
		return nil, fmt.Errorf("saturation threshold must be > 0")
	}
	if !(cfg.MinWidthMeters > 0) {
		return nil, fmt.Errorf("minimum width must be > 0")
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:     store,
		provider:  provider,
		sink:      sink,
		ids:       ids,
		clock:     clock,
		publisher: publisher,
		cfg:       cfg,
		backoff:   NewBackoff(cfg.MaxStoreRetries, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		logger:    logger.Named("worker").With(zap.String("worker_id", cfg.WorkerID)),
		sleep:     sleepCtx,
	}, nil
}

// ID returns the worker id recorded on claimed tasks.
func (w *Worker) ID() string {
	return w.cfg.WorkerID
}

// Run claims and processes tasks until ctx is done. It returns nil on
// cancellation and a wrapped ErrStoreUnavailable when the store cannot be
// reached within the retry budget. Provider and sink failures leave the task
// claimed for the janitor and the loop moves on.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	defer w.logger.Info("worker stopped")

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		task, err := w.store.Claim(ctx, w.cfg.WorkerID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !w.backoff.ShouldRetry(err, failures) {
				w.logger.Error("claim failed, giving up", zap.Int("attempt", failures+1), zap.Error(err))
				return fmt.Errorf("%w: claim: %w", ErrStoreUnavailable, err)
			}
			delay := w.backoff.Delay(failures)
			failures++
			w.logger.Warn("claim failed, backing off",
				zap.Int("attempt", failures), zap.Duration("delay", delay), zap.Error(err))
			if w.sleep(ctx, delay) != nil {
				return nil
			}
			continue
		}
		failures = 0
		if task == nil {
			if w.sleep(ctx, w.cfg.IdleBackoff) != nil {
				return nil
			}
			continue
		}

		if _, err := w.Process(ctx, *task); err != nil {
			if errors.Is(err, ErrStoreUnavailable) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// Process runs one claimed task through search and then either expansion or
// persistence. On error the task is not acknowledged.
func (w *Worker) Process(ctx context.Context, task harvest.Task) (Outcome, error) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	log := w.logger.With(taskFields(task)...)
	square := geogrid.BoundingSquare(task.Center, task.WidthMeters)

	searchCtx := ctx
	if w.cfg.SearchTimeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, w.cfg.SearchTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := w.provider.Search(searchCtx, harvest.SearchRequest{
		TaskID:  task.ID,
		Keyword: task.Keyword,
		Square:  square,
		Zoom:    geogrid.ZoomAt(task.WidthMeters, task.Center.Lat),
	})
	if err != nil {
		metrics.ObserveProviderCall("error", time.Since(start))
		metrics.ObserveTask(metrics.OutcomeProviderError)
		log.Error("provider search failed", zap.Error(err))
		return "", fmt.Errorf("%w: task %s: %w", ErrProvider, task.ID, err)
	}
	metrics.ObserveProviderCall("ok", time.Since(start))
	log = log.With(zap.Int("count", res.Count), zap.String("job_id", res.JobID))

	saturated := res.Count >= w.cfg.SaturationThreshold
	if saturated && task.WidthMeters > w.cfg.MinWidthMeters {
		return w.expand(ctx, task, square, res, log)
	}
	if saturated {
		metrics.ObserveCoverageGap()
		log.Warn("coverage gap: saturated at minimum width, accepting results as final",
			zap.Float64("min_width_m", w.cfg.MinWidthMeters),
			zap.Int("threshold", w.cfg.SaturationThreshold))
	}
	return w.persist(ctx, task, res, log)
}

func (w *Worker) expand(
	ctx context.Context,
	task harvest.Task,
	square harvest.Square,
	res harvest.SearchResult,
	log *zap.Logger,
) (Outcome, error) {
	quads := geogrid.Subdivide(square)
	children := make([]string, 0, len(quads))
	for i, q := range quads {
		child := harvest.Task{
			ID:          w.ids.DeriveID(task.ID, i),
			Keyword:     task.Keyword,
			Center:      q.Center,
			WidthMeters: q.WidthMeters,
			Zoom:        geogrid.ZoomForWidth(q.WidthMeters),
			ParentID:    task.ID,
		}
		if err := w.withStoreRetry(ctx, "enqueue child", func() error {
			return w.store.Enqueue(ctx, child)
		}); err != nil {
			metrics.ObserveTask(metrics.OutcomeEnqueueError)
			log.Error("enqueue child failed", zap.String("child_id", child.ID), zap.Error(err))
			return "", err
		}
		children = append(children, child.ID)
	}

	if w.cfg.PersistPartialOnExpand {
		if _, err := w.upsertAll(ctx, task, res.Records, log); err != nil {
			return "", err
		}
	}

	if err := w.withStoreRetry(ctx, "acknowledge", func() error {
		return w.store.Acknowledge(ctx, task.ID)
	}); err != nil {
		log.Error("acknowledge failed", zap.Error(err))
		return "", err
	}

	metrics.ObserveTask(metrics.OutcomeExpanded)
	log.Info("task expanded", zap.Strings("children", children))

	ev := harvest.NewEvent(harvest.EventTaskExpanded, task, w.clock.Now())
	ev.Count = res.Count
	ev.Children = children
	w.publish(ctx, ev, log)
	return OutcomeExpanded, nil
}

func (w *Worker) persist(
	ctx context.Context,
	task harvest.Task,
	res harvest.SearchResult,
	log *zap.Logger,
) (Outcome, error) {
	written, err := w.upsertAll(ctx, task, res.Records, log)
	if err != nil {
		return "", err
	}

	if err := w.withStoreRetry(ctx, "acknowledge", func() error {
		return w.store.Acknowledge(ctx, task.ID)
	}); err != nil {
		log.Error("acknowledge failed", zap.Error(err))
		return "", err
	}

	metrics.ObserveTask(metrics.OutcomePersisted)
	log.Info("task persisted", zap.Int("records", written))

	ev := harvest.NewEvent(harvest.EventTaskPersisted, task, w.clock.Now())
	ev.Count = written
	w.publish(ctx, ev, log)
	return OutcomePersisted, nil
}

func (w *Worker) upsertAll(
	ctx context.Context,
	task harvest.Task,
	records []harvest.RawRecord,
	log *zap.Logger,
) (int, error) {
	now := w.clock.Now()
	written := 0
	for _, raw := range records {
		if raw.ExternalID == "" {
			metrics.ObserveRecordSkipped()
			log.Warn("skipping record without external id", zap.String("name", raw.Name))
			continue
		}
		if err := w.sink.Upsert(ctx, harvest.NewResultRecord(raw, task, now)); err != nil {
			metrics.ObserveRecordsUpserted(written)
			metrics.ObserveTask(metrics.OutcomeSinkError)
			log.Error("result upsert failed", zap.String("external_id", raw.ExternalID), zap.Error(err))
			return written, fmt.Errorf("%w: task %s: %w", ErrSink, task.ID, err)
		}
		written++
	}
	metrics.ObserveRecordsUpserted(written)
	return written, nil
}

func (w *Worker) withStoreRetry(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, harvest.ErrInvalidTask) {
			return fmt.Errorf("%s: %w", op, err)
		}
		if !w.backoff.ShouldRetry(err, attempt) {
			return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
		}
		delay := w.backoff.Delay(attempt)
		w.logger.Warn("store call failed, backing off",
			zap.String("op", op), zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		if err := w.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (w *Worker) publish(ctx context.Context, ev harvest.Event, log *zap.Logger) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, ev); err != nil {
		log.Warn("publish event failed", zap.String("event", ev.Type), zap.Error(err))
	}
}

func taskFields(task harvest.Task) []zap.Field {
	return []zap.Field{
		zap.String("task_id", task.ID),
		zap.String("parent_id", task.ParentID),
		zap.String("keyword", task.Keyword),
		zap.Float64("width_m", task.WidthMeters),
		zap.Int("zoom", task.Zoom),
		zap.Int("attempt", task.AttemptCount),
	}
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
