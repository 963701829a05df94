package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_WaitSpacesCallsToSameHost(t *testing.T) {
	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://api.dataforseo.com/v3/google/maps/task_post"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://api.dataforseo.com/v3/google/maps/task_get/regular/1"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiter_HostsAreIndependent(t *testing.T) {
	l := New(Config{RPS: 0.1, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example/x"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example/x"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_ContextCancel(t *testing.T) {
	l := New(Config{RPS: 0.01, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://a.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://a.example"))
}

func TestLimiter_UnlimitedWhenRPSNotPositive(t *testing.T) {
	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Wait(ctx, "https://a.example"))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}
