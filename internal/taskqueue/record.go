package taskqueue

import (
	"context"
	"time"

	"github.com/quillreader/quill-core/internal/lifecycle"
)

// Record is the observable projection of a task. Terminal fields are
// write-once: once State is terminal the record never changes again.
type Record struct {
	ID         string               `json:"id"`
	Kind       lifecycle.Kind       `json:"kind"`
	Title      string               `json:"title"`
	Priority   lifecycle.Priority   `json:"priority"`
	CreatedAt  time.Time            `json:"created_at"`
	StartedAt  *time.Time           `json:"started_at,omitempty"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	Progress   *float64             `json:"progress,omitempty"`
	Message    string               `json:"message,omitempty"`
	State      lifecycle.QueueState `json:"state"`
	Detail     string               `json:"detail,omitempty"`
}

// Request describes a unit of work submitted to the queue.
type Request struct {
	ID       string
	Kind     lifecycle.Kind
	Title    string
	Priority lifecycle.Priority
	// Timeout overrides the kind's configured default. Zero means use the
	// default; a kind with no default runs unbounded.
	Timeout   time.Duration
	Operation Operation
}

// Operation is the unit of work supplied by callers. It must respond to
// ctx cancellation cooperatively, report progress only through run, and
// must not call back into queue mutation APIs.
type Operation func(ctx context.Context, run *RunContext) error
