package harvest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the queue state of a grid task.
type TaskStatus string

// Task status values persisted by the task stores.
const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusClaimed TaskStatus = "claimed"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed
}

// Sentinel errors shared across stores and workers.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrStoreClosed  = errors.New("task store closed")
	ErrInvalidTask  = errors.New("invalid task")
	ErrNoRecords    = errors.New("no result records")
)

// Point is a WGS84 coordinate in signed decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks the coordinate ranges.
func (p Point) Validate() error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90,90]", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("longitude %v out of range [-180,180]", p.Lng)
	}
	return nil
}

// Square is an axis-aligned lat/lng box WidthMeters wide centered on Center.
type Square struct {
	Center      Point   `json:"center"`
	WidthMeters float64 `json:"width_meters"`
	North       float64 `json:"north"`
	South       float64 `json:"south"`
	East        float64 `json:"east"`
	West        float64 `json:"west"`
}

// Task is one unit of work: a keyword over a square plus queue metadata.
type Task struct {
	ID           string     `json:"id"`
	Keyword      string     `json:"keyword"`
	Center       Point      `json:"center"`
	WidthMeters  float64    `json:"width_meters"`
	Zoom         int        `json:"zoom"`
	ParentID     string     `json:"parent_id,omitempty"`
	Status       TaskStatus `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	WorkerID     string     `json:"worker_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Validate enforces the invariants required before a task is enqueued.
func (t Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTask)
	}
	if strings.TrimSpace(t.Keyword) == "" {
		return fmt.Errorf("%w: keyword is required", ErrInvalidTask)
	}
	if err := t.Center.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if !(t.WidthMeters > 0) {
		return fmt.Errorf("%w: width must be > 0, got %v", ErrInvalidTask, t.WidthMeters)
	}
	return nil
}

// IsRoot reports whether the task was seeded rather than produced by subdivision.
func (t Task) IsRoot() bool {
	return t.ParentID == ""
}

// RawRecord is one business listing as returned by the provider.
type RawRecord struct {
	ExternalID string          `json:"external_id"`
	Name       string          `json:"name"`
	City       string          `json:"city"`
	Address    string          `json:"address"`
	Category   string          `json:"category"`
	Website    string          `json:"website"`
	MapsURL    string          `json:"maps_url"`
	Phone      string          `json:"phone"`
	Latitude   float64         `json:"latitude"`
	Longitude  float64         `json:"longitude"`
	Rating     float64         `json:"rating"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// ResultRecord is a deduplicated listing keyed by ExternalID.
type ResultRecord struct {
	ExternalID   string          `json:"external_id"`
	Keyword      string          `json:"keyword"`
	SourceTaskID string          `json:"source_task_id"`
	Name         string          `json:"name"`
	City         string          `json:"city"`
	Address      string          `json:"address"`
	Category     string          `json:"category"`
	Website      string          `json:"website"`
	MapsURL      string          `json:"maps_url"`
	Phone        string          `json:"phone"`
	Latitude     float64         `json:"latitude"`
	Longitude    float64         `json:"longitude"`
	Rating       float64         `json:"rating"`
	Keywords     []string        `json:"keywords_found"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewResultRecord converts a provider record into the persisted form.
func NewResultRecord(raw RawRecord, task Task, now time.Time) ResultRecord {
	return ResultRecord{
		ExternalID:   raw.ExternalID,
		Keyword:      task.Keyword,
		SourceTaskID: task.ID,
		Name:         raw.Name,
		City:         raw.City,
		Address:      raw.Address,
		Category:     raw.Category,
		Website:      raw.Website,
		MapsURL:      raw.MapsURL,
		Phone:        raw.Phone,
		Latitude:     raw.Latitude,
		Longitude:    raw.Longitude,
		Rating:       raw.Rating,
		Keywords:     []string{task.Keyword},
		Raw:          raw.Raw,
		UpdatedAt:    now,
	}
}

// SearchRequest is what a worker asks of the provider for one task.
type SearchRequest struct {
	TaskID  string
	Keyword string
	Square  Square
	Zoom    int
}

// SearchResult is the provider's answer for one SearchRequest.
type SearchResult struct {
	JobID       string
	SubmittedAt time.Time
	Count       int
	Records     []RawRecord
}

// QueueStats summarizes task counts by status.
type QueueStats struct {
	Pending int64 `json:"pending"`
	Claimed int64 `json:"claimed"`
	Done    int64 `json:"done"`
	Failed  int64 `json:"failed"`
}
