// Package seeder enqueues the root task of each keyword search.
package seeder

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/geogrid"
	"github.com/JakeFAU/gridcrawler/internal/harvest"
)

// Request describes one seeding run. City is only used for logging.
type Request struct {
	City        string        `json:"city,omitempty"`
	Keywords    []string      `json:"keywords"`
	Center      harvest.Point `json:"center"`
	WidthMeters float64       `json:"width_meters"`
}

// Seeder creates root tasks.
type Seeder struct {
	store  harvest.TaskStore
	ids    harvest.IDGenerator
	logger *zap.Logger
}

// New constructs a Seeder.
func New(store harvest.TaskStore, ids harvest.IDGenerator, logger *zap.Logger) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{store: store, ids: ids, logger: logger.Named("seeder")}
}

// Seed enqueues one root task per distinct keyword and returns them in
// keyword order.
func (s *Seeder) Seed(ctx context.Context, req Request) ([]harvest.Task, error) {
	keywords := normalizeKeywords(req.Keywords)
	if len(keywords) == 0 {
		return nil, fmt.Errorf("%w: at least one keyword is required", harvest.ErrInvalidTask)
	}
	if err := req.Center.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", harvest.ErrInvalidTask, err)
	}
	if !(req.WidthMeters > 0) {
		return nil, fmt.Errorf("%w: width must be > 0, got %v", harvest.ErrInvalidTask, req.WidthMeters)
	}

	zoom := geogrid.ZoomForWidth(req.WidthMeters)
	tasks := make([]harvest.Task, 0, len(keywords))
	for _, kw := range keywords {
		id, err := s.ids.NewID()
		if err != nil {
			return tasks, fmt.Errorf("generate task id: %w", err)
		}
		task := harvest.Task{
			ID:          id,
			Keyword:     kw,
			Center:      req.Center,
			WidthMeters: req.WidthMeters,
			Zoom:        zoom,
		}
		if err := s.store.Enqueue(ctx, task); err != nil {
			return tasks, fmt.Errorf("enqueue root task for %q: %w", kw, err)
		}
		tasks = append(tasks, task)
		s.logger.Info("root task seeded",
			zap.String("task_id", id),
			zap.String("keyword", kw),
			zap.String("city", req.City),
			zap.Float64("lat", req.Center.Lat),
			zap.Float64("lng", req.Center.Lng),
			zap.Float64("width_m", req.WidthMeters),
			zap.Int("zoom", zoom),
		)
	}
	return tasks, nil
}

func normalizeKeywords(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, kw := range in {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out
}
