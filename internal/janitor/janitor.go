// Package janitor returns abandoned claims to the queue and retires tasks
// that keep getting abandoned.
package janitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/harvest"
	"github.com/JakeFAU/gridcrawler/internal/metrics"
)

// Config controls sweep cadence and the redelivery ceiling.
type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
	Topic       string
}

// Report summarizes one sweep.
type Report struct {
	Requeued []harvest.Task
	Failed   []harvest.Task
}

// Janitor sweeps the task store for stale claims.
type Janitor struct {
	store     harvest.TaskStore
	publisher harvest.Publisher
	clock     harvest.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Janitor. publisher and logger may be nil.
func New(store harvest.TaskStore, publisher harvest.Publisher, clock harvest.Clock, cfg Config, logger *zap.Logger) (*Janitor, error) {
	if store == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("janitor timeout must be > 0")
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("janitor max attempts must be >= 0")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{store: store, publisher: publisher, clock: clock, cfg: cfg, logger: logger.Named("janitor")}, nil
}

// Sweep reclaims every claim older than the timeout once.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	tasks, err := j.store.ReclaimStale(ctx, j.cfg.Timeout, j.cfg.MaxAttempts)
	if err != nil {
		return Report{}, fmt.Errorf("reclaim stale: %w", err)
	}

	var report Report
	for _, task := range tasks {
		if task.Status == harvest.TaskStatusFailed {
			report.Failed = append(report.Failed, task)
			j.retire(ctx, task)
			continue
		}
		report.Requeued = append(report.Requeued, task)
		j.logger.Info("stale claim requeued",
			zap.String("task_id", task.ID),
			zap.String("keyword", task.Keyword),
			zap.Float64("width_m", task.WidthMeters),
			zap.Int("attempt", task.AttemptCount),
		)
	}

	metrics.ObserveJanitorAction(metrics.ActionRequeued, len(report.Requeued))
	metrics.ObserveJanitorAction(metrics.ActionFailed, len(report.Failed))
	if len(tasks) > 0 {
		j.logger.Info("sweep complete",
			zap.Int("requeued", len(report.Requeued)),
			zap.Int("failed", len(report.Failed)))
	}
	return report, nil
}

func (j *Janitor) retire(ctx context.Context, task harvest.Task) {
	chain, err := harvest.Lineage(ctx, j.store, task.ID, 0)
	if err != nil {
		j.logger.Warn("lineage lookup failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	lineage := harvest.LineageIDs(chain)
	j.logger.Error("task failed permanently after repeated stale claims",
		zap.String("task_id", task.ID),
		zap.String("parent_id", task.ParentID),
		zap.String("keyword", task.Keyword),
		zap.Float64("width_m", task.WidthMeters),
		zap.Int("zoom", task.Zoom),
		zap.Int("attempt", task.AttemptCount),
		zap.Strings("lineage", lineage),
	)

	if j.cfg.Topic == "" || j.publisher == nil {
		return
	}
	ev := harvest.NewEvent(harvest.EventTaskFailed, task, j.clock.Now())
	ev.Lineage = lineage
	if _, err := j.publisher.Publish(ctx, j.cfg.Topic, ev); err != nil {
		j.logger.Warn("publish event failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// Run sweeps on every tick until ctx is done. Sweep errors are logged and the
// loop keeps going.
func (j *Janitor) Run(ctx context.Context) error {
	j.logger.Info("janitor started",
		zap.Duration("interval", j.cfg.Interval),
		zap.Duration("timeout", j.cfg.Timeout),
		zap.Int("max_attempts", j.cfg.MaxAttempts))
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return nil
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				j.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}
