package harvest

import (
	"context"
	"io"
	"time"
)

// TaskStore is the reliable queue. Claim moves a task from pending to claimed
// in one indivisible step; Acknowledge and ReclaimStale take it back out.
type TaskStore interface {
	// Enqueue appends a task to the pending tail. Enqueueing an id the store
	// already knows is a no-op.
	Enqueue(ctx context.Context, task Task) error
	// Claim moves the pending head into the claimed set. It returns nil, nil
	// when nothing is pending.
	Claim(ctx context.Context, workerID string) (*Task, error)
	// Acknowledge marks a task done. Unknown or terminal ids are a no-op.
	Acknowledge(ctx context.Context, taskID string) error
	// ReclaimStale requeues claims older than timeout, or fails them once
	// their attempt count has reached maxAttempts.
	ReclaimStale(ctx context.Context, timeout time.Duration, maxAttempts int) ([]Task, error)
	Get(ctx context.Context, taskID string) (Task, error)
	Stats(ctx context.Context) (QueueStats, error)
	Close()
}

// Provider runs one search against the external results provider.
type Provider interface {
	Search(ctx context.Context, req SearchRequest) (SearchResult, error)
}

// ResultSink persists result records. Upsert must be idempotent by ExternalID.
type ResultSink interface {
	Upsert(ctx context.Context, record ResultRecord) error
	List(ctx context.Context) ([]ResultRecord, error)
	TruncateAll(ctx context.Context) error
	Close()
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes export artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces root task ids and derives child ids.
type IDGenerator interface {
	NewID() (string, error)
	DeriveID(parentID string, index int) string
}
