package taskqueue

import (
	"sync"

	"github.com/quillreader/quill-core/internal/lifecycle"
)

// ReasonKind says why a running task's context was cancelled. A bare
// context cancellation cannot by itself distinguish "timed out" from
// "user cancelled", so the reason is recorded out of band before the
// cancel signal fires.
type ReasonKind string

const (
	ReasonNone      ReasonKind = ""
	ReasonTimedOut  ReasonKind = "timed_out"
	ReasonCancelled ReasonKind = "cancelled"
)

// Reason carries the termination reason for a cancellation.
type Reason struct {
	Kind   ReasonKind
	Source lifecycle.CancelSource  // set when Kind is ReasonCancelled
	Origin lifecycle.TimeoutOrigin // set when Kind is ReasonTimedOut
}

// reasonCell holds the first termination reason written for a task.
// Later writes lose: whichever of the timeout timer and the caller's
// cancel runs first decides the outcome.
type reasonCell struct {
	mu sync.Mutex
	r  Reason
}

func (c *reasonCell) set(r Reason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.r.Kind != ReasonNone {
		return false
	}
	c.r = r
	return true
}

func (c *reasonCell) get() Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.r
}
