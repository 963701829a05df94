package worker

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/gridcrawler/internal/harvest"
)

// Backoff decides whether a failed store call is retried and how long to wait.
type Backoff struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewBackoff builds a jittered exponential backoff. Zero values fall back to
// 5 retries between 250ms and 10s.
func NewBackoff(maxRetries int, baseDelay, maxDelay time.Duration) *Backoff {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &Backoff{maxRetries: maxRetries, baseDelay: baseDelay, maxDelay: maxDelay}
}

// ShouldRetry reports whether err is worth another attempt. attempt counts
// the retries already made.
func (b *Backoff) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= b.maxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, harvest.ErrStoreClosed) || errors.Is(err, harvest.ErrInvalidTask) {
		return false
	}
	return true
}

// Delay returns the wait before retry number attempt: half the capped
// exponential delay plus up to the other half as jitter.
func (b *Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
