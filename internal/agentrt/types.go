package agentrt

import (
	"fmt"
	"time"

	"github.com/quillreader/quill-core/internal/lifecycle"
)

// Owner identifies a logical coordination slot, not a task instance.
// Many successive task submissions may share one owner over time, but at
// most one is active for that owner at once.
type Owner struct {
	Kind    lifecycle.RuntimeKind `json:"kind"`
	EntryID string                `json:"entry_id"`
	SlotKey string                `json:"slot_key,omitempty"`
}

func (o Owner) String() string {
	return fmt.Sprintf("%s/%s/%s", o.Kind, o.EntryID, o.SlotKey)
}

// Spec is the runtime-level request envelope. Payload is an opaque value
// held with a waiting slot and handed back on promotion; the engine never
// inspects it.
type Spec struct {
	TaskID        string    `json:"task_id"`
	Owner         Owner     `json:"owner"`
	RequestSource string    `json:"request_source,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
	Payload       any       `json:"-"`
}

// Decision is the admission result of Submit.
type Decision string

const (
	DecisionStartNow       Decision = "start_now"
	DecisionQueuedWaiting  Decision = "queued_waiting"
	DecisionAlreadyWaiting Decision = "already_waiting"
	DecisionAlreadyActive  Decision = "already_active"
)

// WaitingMode selects how a full waiting set treats a new submission.
type WaitingMode string

const (
	// WaitingLatestOnly keeps only the newest waiting owner: any owner
	// already waiting for the kind is evicted when a new one arrives.
	WaitingLatestOnly WaitingMode = "latest_only"
	// WaitingFIFO keeps up to capacity owners in arrival order; when
	// full, the oldest waiting owner is evicted.
	WaitingFIFO WaitingMode = "fifo"
)

// Policy bounds the waiting set for one runtime kind.
type Policy struct {
	WaitingCapacity int
	Mode            WaitingMode
}

func (p Policy) capacity() int {
	if p.WaitingCapacity > 0 {
		return p.WaitingCapacity
	}
	return 1
}

func (p Policy) mode() WaitingMode {
	if p.Mode == WaitingFIFO {
		return WaitingFIFO
	}
	return WaitingLatestOnly
}

// State is the observable per-owner runtime state.
type State struct {
	Owner       Owner                  `json:"owner"`
	TaskID      string                 `json:"task_id,omitempty"`
	Phase       lifecycle.RuntimePhase `json:"phase"`
	StatusText  string                 `json:"status_text,omitempty"`
	Progress    *float64               `json:"progress,omitempty"`
	ActiveToken string                 `json:"active_token,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Snapshot captures the current active and waiting slots for bootstrap.
type Snapshot struct {
	Active  []State `json:"active"`
	Waiting []State `json:"waiting"`
}

// EventType enumerates runtime events.
type EventType string

const (
	EventQueued          EventType = "queued"
	EventActivated       EventType = "activated"
	EventPhaseChanged    EventType = "phase_changed"
	EventProgressUpdated EventType = "progress_updated"
	EventTerminal        EventType = "terminal"
	EventPromoted        EventType = "promoted"
	EventDropped         EventType = "dropped"
)

// Event is a runtime delta. Consumers must discard events whose Token
// does not match the last known active token for the owner.
type Event struct {
	Type       EventType              `json:"type"`
	Owner      Owner                  `json:"owner"`
	TaskID     string                 `json:"task_id,omitempty"`
	Token      string                 `json:"token,omitempty"`
	Phase      lifecycle.RuntimePhase `json:"phase,omitempty"`
	Progress   *float64               `json:"progress,omitempty"`
	StatusText string                 `json:"status_text,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	At         time.Time              `json:"at"`
}

// Promotion reports the owner activated by a Finish, if any. Payload is
// the value supplied with the promoted owner's Spec.
type Promotion struct {
	Promoted bool
	Owner    Owner
	TaskID   string
	Token    string
	Payload  any
}
