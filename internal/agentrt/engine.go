// Package agentrt implements the agent runtime engine: owner-scoped
// "one active slot plus a bounded waiting set" coordination per runtime
// kind, with deterministic promotion when the active slot finishes.
package agentrt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quillreader/quill-core/internal/eventbus"
	"github.com/quillreader/quill-core/internal/lifecycle"
)

// ErrIllegalTransition marks a caller or router defect, e.g. finishing an
// owner that is not active. These are rejected and logged, never silently
// normalized.
var ErrIllegalTransition = errors.New("illegal runtime transition")

type IllegalTransitionError struct {
	Op     string
	Owner  Owner
	Detail string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal runtime transition in %s for %s: %s", e.Op, e.Owner, e.Detail)
}

func (e *IllegalTransitionError) Unwrap() error {
	return ErrIllegalTransition
}

type activeSlot struct {
	owner      Owner
	taskID     string
	token      string
	phase      lifecycle.RuntimePhase
	statusText string
	progress   *float64
	updatedAt  time.Time
}

type waitingSlot struct {
	owner       Owner
	taskID      string
	submittedAt time.Time
	payload     any
}

// Engine is internally single-writer: every state mutation happens under
// one mutex, so admission and promotion decisions never interleave.
type Engine struct {
	policies map[lifecycle.RuntimeKind]Policy

	nowFn   func() time.Time
	tokenFn func() string
	dropFn  func(Owner, string)

	mu      sync.Mutex
	active  map[lifecycle.RuntimeKind]*activeSlot
	waiting map[lifecycle.RuntimeKind][]waitingSlot
	bus     *eventbus.Bus[Event]
}

type Option func(*Engine)

func WithClock(nowFn func() time.Time) Option {
	return func(e *Engine) {
		if nowFn != nil {
			e.nowFn = nowFn
		}
	}
}

func WithTokenGenerator(tokenFn func() string) Option {
	return func(e *Engine) {
		if tokenFn != nil {
			e.tokenFn = tokenFn
		}
	}
}

// WithDropHook registers a callback fired whenever a waiting owner leaves
// without starting (evicted or abandoned). The hook runs inside the
// engine's exclusive section and must not call back into the engine.
func WithDropHook(fn func(owner Owner, taskID string)) Option {
	return func(e *Engine) {
		e.dropFn = fn
	}
}

func New(policies map[lifecycle.RuntimeKind]Policy, opts ...Option) *Engine {
	e := &Engine{
		policies: policies,
		nowFn:    func() time.Time { return time.Now().UTC() },
		tokenFn:  func() string { return ulid.Make().String() },
		active:   map[lifecycle.RuntimeKind]*activeSlot{},
		waiting:  map[lifecycle.RuntimeKind][]waitingSlot{},
		bus:      eventbus.New[Event](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *Engine) now() time.Time {
	return e.nowFn().UTC()
}

func (e *Engine) policyFor(kind lifecycle.RuntimeKind) Policy {
	return e.policies[kind]
}

// Submit decides whether the owner starts now, waits, or is already
// admitted. Under the latest-only policy an existing waiting owner for
// the kind is evicted and the new owner becomes the sole waiting slot.
func (e *Engine) Submit(spec Spec) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if spec.SubmittedAt.IsZero() {
		spec.SubmittedAt = e.now()
	}
	kind := spec.Owner.Kind

	act := e.active[kind]
	if act == nil {
		e.activateLocked(spec.Owner, spec.TaskID, EventActivated)
		return DecisionStartNow
	}
	if act.owner == spec.Owner {
		return DecisionAlreadyActive
	}
	for _, w := range e.waiting[kind] {
		if w.owner == spec.Owner {
			return DecisionAlreadyWaiting
		}
	}

	policy := e.policyFor(kind)
	slot := waitingSlot{owner: spec.Owner, taskID: spec.TaskID, submittedAt: spec.SubmittedAt, payload: spec.Payload}
	switch policy.mode() {
	case WaitingFIFO:
		if len(e.waiting[kind]) >= policy.capacity() {
			evicted := e.waiting[kind][0]
			e.waiting[kind] = e.waiting[kind][1:]
			e.dropLocked(evicted, string(lifecycle.CancelSuperseded))
		}
		e.waiting[kind] = append(e.waiting[kind], slot)
	default:
		for _, w := range e.waiting[kind] {
			e.dropLocked(w, string(lifecycle.CancelSuperseded))
		}
		e.waiting[kind] = []waitingSlot{slot}
	}
	e.publishLocked(Event{
		Type:   EventQueued,
		Owner:  spec.Owner,
		TaskID: spec.TaskID,
		Phase:  lifecycle.PhaseQueued,
	})
	return DecisionQueuedWaiting
}

// Finish records the terminal event for the active owner, clears the slot
// and promotes a same-kind waiting owner, all in one exclusive section.
// Event order is fixed: terminal, then promoted and activated when a
// waiting owner exists. Finishing a non-active owner is an illegal
// transition.
func (e *Engine) Finish(owner Owner, outcome lifecycle.TerminalOutcome) (Promotion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kind := owner.Kind
	act := e.active[kind]
	if act == nil || act.owner != owner {
		err := &IllegalTransitionError{Op: "finish", Owner: owner, Detail: "owner is not active"}
		log.Printf("agentrt: %v", err)
		return Promotion{}, err
	}

	e.publishLocked(Event{
		Type:       EventTerminal,
		Owner:      owner,
		TaskID:     act.taskID,
		Token:      act.token,
		Phase:      lifecycle.ToRuntimePhase(outcome),
		StatusText: lifecycle.ToUserMessage(outcome),
		Reason:     outcome.Detail(),
	})
	delete(e.active, kind)

	queue := e.waiting[kind]
	if len(queue) == 0 {
		return Promotion{}, nil
	}
	next := queue[0]
	if len(queue) == 1 {
		delete(e.waiting, kind)
	} else {
		e.waiting[kind] = queue[1:]
	}
	e.publishLocked(Event{
		Type:   EventPromoted,
		Owner:  next.owner,
		TaskID: next.taskID,
		Phase:  lifecycle.PhaseQueued,
	})
	token := e.activateLocked(next.owner, next.taskID, EventActivated)
	return Promotion{Promoted: true, Owner: next.owner, TaskID: next.taskID, Token: token, Payload: next.payload}, nil
}

// AbandonWaiting removes a waiting owner that will never start, e.g. the
// reader navigated away. Reports whether the owner was waiting.
func (e *Engine) AbandonWaiting(owner Owner) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	queue := e.waiting[owner.Kind]
	for i, w := range queue {
		if w.owner != owner {
			continue
		}
		e.waiting[owner.Kind] = append(queue[:i], queue[i+1:]...)
		if len(e.waiting[owner.Kind]) == 0 {
			delete(e.waiting, owner.Kind)
		}
		e.dropLocked(w, "abandoned")
		return true
	}
	return false
}

// AbandonWaitingTask drops the waiting owner that carries the given task
// id, for callers that hold the id but not the owner. Active owners are
// untouched. Reports whether a waiter was removed.
func (e *Engine) AbandonWaitingTask(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for kind, queue := range e.waiting {
		for i, w := range queue {
			if w.taskID != taskID {
				continue
			}
			e.waiting[kind] = append(queue[:i], queue[i+1:]...)
			if len(e.waiting[kind]) == 0 {
				delete(e.waiting, kind)
			}
			e.dropLocked(w, "abandoned")
			return true
		}
	}
	return false
}

// UpdatePhase moves the active owner between in-flight phases. A stale
// token is inert: no state change, no event, no error. Terminal phases
// must go through Finish and are rejected here.
func (e *Engine) UpdatePhase(owner Owner, token string, phase lifecycle.RuntimePhase) (bool, error) {
	switch phase {
	case lifecycle.PhaseActive, lifecycle.PhaseRequesting, lifecycle.PhaseGenerating, lifecycle.PhasePersisting:
	default:
		err := &IllegalTransitionError{Op: "updatePhase", Owner: owner, Detail: fmt.Sprintf("phase %q is not an in-flight phase", phase)}
		log.Printf("agentrt: %v", err)
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	act := e.active[owner.Kind]
	if act == nil || act.owner != owner || act.token != token {
		return false, nil
	}
	act.phase = phase
	act.updatedAt = e.now()
	e.publishLocked(Event{
		Type:   EventPhaseChanged,
		Owner:  owner,
		TaskID: act.taskID,
		Token:  act.token,
		Phase:  phase,
	})
	return true, nil
}

// UpdateProgress publishes progress for the active owner. Stale tokens
// are inert.
func (e *Engine) UpdateProgress(owner Owner, token string, fraction float64, statusText string) bool {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	act := e.active[owner.Kind]
	if act == nil || act.owner != owner || act.token != token {
		return false
	}
	act.progress = &fraction
	act.statusText = statusText
	act.updatedAt = e.now()
	e.publishLocked(Event{
		Type:       EventProgressUpdated,
		Owner:      owner,
		TaskID:     act.taskID,
		Token:      act.token,
		Phase:      act.phase,
		Progress:   &fraction,
		StatusText: statusText,
	})
	return true
}

// ActiveToken returns the current token for an owner, false when the
// owner is not active.
func (e *Engine) ActiveToken(owner Owner) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	act := e.active[owner.Kind]
	if act == nil || act.owner != owner {
		return "", false
	}
	return act.token, true
}

// Snapshot returns the current active and waiting state for bootstrap.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	var snap Snapshot
	for _, act := range e.active {
		snap.Active = append(snap.Active, State{
			Owner:       act.owner,
			TaskID:      act.taskID,
			Phase:       act.phase,
			StatusText:  act.statusText,
			Progress:    act.progress,
			ActiveToken: act.token,
			UpdatedAt:   act.updatedAt,
		})
	}
	for _, queue := range e.waiting {
		for _, w := range queue {
			snap.Waiting = append(snap.Waiting, State{
				Owner:     w.owner,
				TaskID:    w.taskID,
				Phase:     lifecycle.PhaseQueued,
				UpdatedAt: w.submittedAt,
			})
		}
	}
	return snap
}

// Subscribe returns an ordered stream of runtime events. Use Snapshot for
// the bootstrap state.
func (e *Engine) Subscribe(ctx context.Context) <-chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bus.Subscribe(ctx, nil)
}

func (e *Engine) activateLocked(owner Owner, taskID string, eventType EventType) string {
	token := e.tokenFn()
	e.active[owner.Kind] = &activeSlot{
		owner:     owner,
		taskID:    taskID,
		token:     token,
		phase:     lifecycle.PhaseActive,
		updatedAt: e.now(),
	}
	e.publishLocked(Event{
		Type:   eventType,
		Owner:  owner,
		TaskID: taskID,
		Token:  token,
		Phase:  lifecycle.PhaseActive,
	})
	return token
}

func (e *Engine) dropLocked(w waitingSlot, reason string) {
	e.publishLocked(Event{
		Type:   EventDropped,
		Owner:  w.owner,
		TaskID: w.taskID,
		Phase:  lifecycle.PhaseAbandoned,
		Reason: reason,
	})
	if e.dropFn != nil {
		e.dropFn(w.owner, w.taskID)
	}
}

func (e *Engine) publishLocked(event Event) {
	event.At = e.now()
	e.bus.Publish(event)
}
