package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type blockingRunner struct {
	started  *atomic.Int32
	canceled *atomic.Int32
}

func (r blockingRunner) Run(ctx context.Context) error {
	r.started.Add(1)
	<-ctx.Done()
	r.canceled.Add(1)
	return nil
}

type failingRunner struct {
	delay time.Duration
	err   error
}

func (r failingRunner) Run(ctx context.Context) error {
	select {
	case <-time.After(r.delay):
		return r.err
	case <-ctx.Done():
		return nil
	}
}

func TestDispatcherRunsUntilCanceled(t *testing.T) {
	t.Parallel()

	var started, canceled atomic.Int32
	runners := make([]Runner, 0, 4)
	for i := 0; i < 4; i++ {
		runners = append(runners, blockingRunner{started: &started, canceled: &canceled})
	}
	d := New(runners, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return started.Load() == 4 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	require.EqualValues(t, 4, canceled.Load())
}

func TestDispatcherFatalErrorCancelsSiblings(t *testing.T) {
	t.Parallel()

	var started, canceled atomic.Int32
	boom := errors.New("task store unavailable")
	d := New([]Runner{
		blockingRunner{started: &started, canceled: &canceled},
		failingRunner{delay: 10 * time.Millisecond, err: boom},
		blockingRunner{started: &started, canceled: &canceled},
	}, nil)

	err := d.Run(context.Background())
	require.ErrorIs(t, err, boom)
	require.EqualValues(t, 2, canceled.Load())
}

func TestDispatcherWithoutRunners(t *testing.T) {
	t.Parallel()

	require.Error(t, New(nil, nil).Run(context.Background()))
}
