// Package dispatcher runs a pool of workers against the shared task store.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner is a long-lived loop such as a worker or the janitor. Run returns
// nil when ctx is canceled and an error only when it cannot continue.
type Runner interface {
	Run(ctx context.Context) error
}

// Dispatcher fans out a fixed set of runners.
type Dispatcher struct {
	runners []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(runners []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{runners: runners, logger: logger.Named("dispatcher")}
}

// Run starts every runner and blocks until all of them return. The first
// runner error cancels the others and is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.runners) == 0 {
		return fmt.Errorf("dispatcher has no runners")
	}
	d.logger.Info("starting runners", zap.Int("count", len(d.runners)))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range d.runners {
		g.Go(func() error {
			if err := r.Run(gctx); err != nil {
				d.logger.Error("runner stopped with error, cancelling the rest", zap.Int("runner", i), zap.Error(err))
				return fmt.Errorf("runner %d: %w", i, err)
			}
			return nil
		})
	}
	err := g.Wait()
	d.logger.Info("all runners stopped")
	return err
}
