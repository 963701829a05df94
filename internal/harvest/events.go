package harvest

import "time"

// Lifecycle event types published when a topic is configured.
const (
	EventTaskExpanded  = "task.expanded"
	EventTaskPersisted = "task.persisted"
	EventTaskFailed    = "task.failed"
)

// Event is the JSON payload published for a task transition.
type Event struct {
	Type         string    `json:"type"`
	TaskID       string    `json:"task_id"`
	ParentID     string    `json:"parent_id,omitempty"`
	Keyword      string    `json:"keyword"`
	WidthMeters  float64   `json:"width_meters"`
	Zoom         int       `json:"zoom"`
	Count        int       `json:"count,omitempty"`
	Children     []string  `json:"children,omitempty"`
	AttemptCount int       `json:"attempt_count,omitempty"`
	Lineage      []string  `json:"lineage,omitempty"`
	At           time.Time `json:"at"`
}

// NewEvent fills the task fields of an Event.
func NewEvent(kind string, task Task, at time.Time) Event {
	return Event{
		Type:         kind,
		TaskID:       task.ID,
		ParentID:     task.ParentID,
		Keyword:      task.Keyword,
		WidthMeters:  task.WidthMeters,
		Zoom:         task.Zoom,
		AttemptCount: task.AttemptCount,
		At:           at,
	}
}
