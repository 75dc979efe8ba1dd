package lifecycle

import "fmt"

// OutcomeClass is the top-level discriminant of a TerminalOutcome.
type OutcomeClass string

const (
	OutcomeSucceeded OutcomeClass = "succeeded"
	OutcomeCancelled OutcomeClass = "cancelled"
	OutcomeTimedOut  OutcomeClass = "timed_out"
	OutcomeFailed    OutcomeClass = "failed"
)

// CancelSource records who asked for a cancellation.
type CancelSource string

const (
	CancelUser       CancelSource = "user"
	CancelShutdown   CancelSource = "shutdown"
	CancelSuperseded CancelSource = "superseded"
)

// TimeoutOrigin records which deadline expired.
type TimeoutOrigin string

const (
	TimeoutTaskDeadline TimeoutOrigin = "task_deadline"
	TimeoutKindDefault  TimeoutOrigin = "kind_default"
)

// TerminalOutcome is the canonical write-once result of a task. It is the
// single semantic source for every downstream projection: queue state,
// runtime phase, persisted status, telemetry status, user message.
type TerminalOutcome struct {
	class         OutcomeClass
	cancelSource  CancelSource
	timeoutOrigin TimeoutOrigin
	err           error
}

func Succeeded() TerminalOutcome {
	return TerminalOutcome{class: OutcomeSucceeded}
}

func Cancelled(source CancelSource) TerminalOutcome {
	if source == "" {
		source = CancelUser
	}
	return TerminalOutcome{class: OutcomeCancelled, cancelSource: source}
}

func TimedOut(origin TimeoutOrigin) TerminalOutcome {
	if origin == "" {
		origin = TimeoutTaskDeadline
	}
	return TerminalOutcome{class: OutcomeTimedOut, timeoutOrigin: origin}
}

func Failed(err error) TerminalOutcome {
	return TerminalOutcome{class: OutcomeFailed, err: err}
}

func (o TerminalOutcome) Class() OutcomeClass { return o.class }

// CancelSource is meaningful only when Class is OutcomeCancelled.
func (o TerminalOutcome) CancelSource() CancelSource { return o.cancelSource }

// TimeoutOrigin is meaningful only when Class is OutcomeTimedOut.
func (o TerminalOutcome) TimeoutOrigin() TimeoutOrigin { return o.timeoutOrigin }

// Err is meaningful only when Class is OutcomeFailed.
func (o TerminalOutcome) Err() error { return o.err }

// Detail returns the failure or cancellation detail string, "" when none.
func (o TerminalOutcome) Detail() string {
	switch o.class {
	case OutcomeFailed:
		if o.err != nil {
			return o.err.Error()
		}
		return ""
	case OutcomeCancelled:
		return string(o.cancelSource)
	case OutcomeTimedOut:
		return string(o.timeoutOrigin)
	default:
		return ""
	}
}

func (o TerminalOutcome) String() string {
	if detail := o.Detail(); detail != "" {
		return fmt.Sprintf("%s(%s)", o.class, detail)
	}
	return string(o.class)
}

// QueueState is the observable scheduler-level state of a task record.
type QueueState string

const (
	QueueStateQueued    QueueState = "queued"
	QueueStateRunning   QueueState = "running"
	QueueStateSucceeded QueueState = "succeeded"
	QueueStateFailed    QueueState = "failed"
	QueueStateTimedOut  QueueState = "timed_out"
	QueueStateCancelled QueueState = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s QueueState) IsTerminal() bool {
	switch s {
	case QueueStateSucceeded, QueueStateFailed, QueueStateTimedOut, QueueStateCancelled:
		return true
	default:
		return false
	}
}

// ToQueueState projects a terminal outcome into the queue-level state.
func ToQueueState(o TerminalOutcome) QueueState {
	switch o.class {
	case OutcomeSucceeded:
		return QueueStateSucceeded
	case OutcomeCancelled:
		return QueueStateCancelled
	case OutcomeTimedOut:
		return QueueStateTimedOut
	default:
		return QueueStateFailed
	}
}

// RuntimePhase is the per-owner phase in the agent runtime engine.
type RuntimePhase string

const (
	PhaseIdle       RuntimePhase = "idle"
	PhaseQueued     RuntimePhase = "queued"
	PhaseActive     RuntimePhase = "active"
	PhaseRequesting RuntimePhase = "requesting"
	PhaseGenerating RuntimePhase = "generating"
	PhasePersisting RuntimePhase = "persisting"
	PhaseCompleted  RuntimePhase = "completed"
	PhaseFailed     RuntimePhase = "failed"
	PhaseCancelled  RuntimePhase = "cancelled"
	PhaseTimedOut   RuntimePhase = "timed_out"
	PhaseAbandoned  RuntimePhase = "abandoned"
)

// IsTerminal reports whether the phase ends an owner's activation.
// Abandoned is a non-counted exit from the waiting slot, not a terminal
// outcome of an execution.
func (p RuntimePhase) IsTerminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled, PhaseTimedOut:
		return true
	default:
		return false
	}
}

// ToRuntimePhase projects a terminal outcome into the runtime phase used
// for runtime-coordinated kinds.
func ToRuntimePhase(o TerminalOutcome) RuntimePhase {
	switch o.class {
	case OutcomeSucceeded:
		return PhaseCompleted
	case OutcomeCancelled:
		return PhaseCancelled
	case OutcomeTimedOut:
		return PhaseTimedOut
	default:
		return PhaseFailed
	}
}

// PersistedStatus is the durable status written by the persistence layer.
// It must only ever be derived through ToPersistedStatus.
type PersistedStatus string

const (
	PersistedCompleted PersistedStatus = "completed"
	PersistedFailed    PersistedStatus = "failed"
	PersistedCancelled PersistedStatus = "cancelled"
	PersistedTimedOut  PersistedStatus = "timeout"
)

// ToPersistedStatus projects a terminal outcome into the durable status.
func ToPersistedStatus(o TerminalOutcome) PersistedStatus {
	switch o.class {
	case OutcomeSucceeded:
		return PersistedCompleted
	case OutcomeCancelled:
		return PersistedCancelled
	case OutcomeTimedOut:
		return PersistedTimedOut
	default:
		return PersistedFailed
	}
}

// ToTelemetryStatus projects a terminal outcome into the label value used
// by metric collectors.
func ToTelemetryStatus(o TerminalOutcome) string {
	return string(o.class)
}

// ToUserMessage projects a terminal outcome into the message surfaced to
// the reader.
func ToUserMessage(o TerminalOutcome) string {
	switch o.class {
	case OutcomeSucceeded:
		return "Done"
	case OutcomeCancelled:
		switch o.cancelSource {
		case CancelShutdown:
			return "Stopped while quitting"
		case CancelSuperseded:
			return "Replaced by a newer request"
		default:
			return "Cancelled"
		}
	case OutcomeTimedOut:
		return "Took too long and was stopped"
	default:
		if o.err != nil {
			return fmt.Sprintf("Failed: %s", o.err.Error())
		}
		return "Failed"
	}
}
