// Package dispatch is the orchestrator joining the router, the task
// queue, the agent runtime engine, persistence and telemetry. It is the
// only layer that writes durable terminal and diagnostic records.
package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/quillreader/quill-core/internal/agentrt"
	"github.com/quillreader/quill-core/internal/idgen"
	"github.com/quillreader/quill-core/internal/lifecycle"
	"github.com/quillreader/quill-core/internal/state"
	"github.com/quillreader/quill-core/internal/taskqueue"
	"github.com/quillreader/quill-core/internal/telemetry"
)

// Request describes a unit of work from the caller's point of view.
// EntryID and SlotKey matter only for runtime-coordinated kinds.
type Request struct {
	ID            string
	Kind          lifecycle.Kind
	Title         string
	Priority      lifecycle.Priority
	Timeout       time.Duration
	EntryID       string
	SlotKey       string
	RequestSource string
	Operation     taskqueue.Operation
}

// Result reports the admission outcome. TaskID is empty when the
// submission was an idempotent no-op (already active or already waiting).
type Result struct {
	TaskID      string           `json:"task_id,omitempty"`
	Coordinated bool             `json:"coordinated"`
	Decision    agentrt.Decision `json:"decision"`
}

type Config struct {
	Limits   taskqueue.Limits
	Policies map[lifecycle.RuntimeKind]agentrt.Policy
	Store    *state.Store
	Metrics  *telemetry.Metrics
}

type Dispatcher struct {
	queue   *taskqueue.Queue
	engine  *agentrt.Engine
	store   *state.Store
	metrics *telemetry.Metrics

	mu     sync.Mutex
	owners map[string]agentrt.Owner // task id -> owner, runtime kinds only
}

type Option func(*options)

type options struct {
	queueOpts  []taskqueue.Option
	engineOpts []agentrt.Option
}

// WithQueueOptions forwards options to the internally built task queue.
func WithQueueOptions(opts ...taskqueue.Option) Option {
	return func(o *options) {
		o.queueOpts = append(o.queueOpts, opts...)
	}
}

// WithEngineOptions forwards options to the internally built runtime
// engine.
func WithEngineOptions(opts ...agentrt.Option) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, opts...)
	}
}

func New(cfg Config, opts ...Option) *Dispatcher {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	d := &Dispatcher{
		store:   cfg.Store,
		metrics: cfg.Metrics,
		owners:  map[string]agentrt.Owner{},
	}
	d.engine = agentrt.New(cfg.Policies, append(o.engineOpts, agentrt.WithDropHook(d.onDrop))...)
	d.queue = taskqueue.New(cfg.Limits, append(o.queueOpts, taskqueue.WithHooks(taskqueue.Hooks{
		OnStart:    d.onStart,
		OnTerminal: d.onTerminal,
		OnReassign: d.onReassign,
	}))...)
	return d
}

func (d *Dispatcher) Queue() *taskqueue.Queue { return d.queue }

func (d *Dispatcher) Engine() *agentrt.Engine { return d.engine }

// Submit routes a request. Queue-only kinds enqueue directly; runtime
// kinds pass through the engine's owner gate first. A queuedWaiting
// decision leaves the operation with the engine's waiting slot until
// promotion; duplicate submissions are no-ops.
func (d *Dispatcher) Submit(req Request) Result {
	route := lifecycle.RouteFor(req.Kind)
	if !route.Coordinated {
		id := d.queue.Enqueue(queueRequest(req))
		return Result{TaskID: id, Decision: agentrt.DecisionStartNow}
	}

	// The id keys the owner mapping that later drives engine.Finish, so
	// it must survive the queue unchanged. Mint here when the caller's id
	// is unusable; a collision rewrite is re-keyed via onReassign.
	owner := agentrt.Owner{Kind: route.RuntimeKind, EntryID: req.EntryID, SlotKey: req.SlotKey}
	if req.ID == "" || idgen.ValidateCustomID(req.ID) != nil {
		req.ID = idgen.New()
	}

	decision := d.engine.Submit(agentrt.Spec{
		TaskID:        req.ID,
		Owner:         owner,
		RequestSource: req.RequestSource,
		Payload:       req,
	})
	switch decision {
	case agentrt.DecisionStartNow:
		d.mu.Lock()
		d.owners[req.ID] = owner
		d.mu.Unlock()
		id := d.queue.Enqueue(queueRequest(req))
		return Result{TaskID: id, Coordinated: true, Decision: decision}
	case agentrt.DecisionQueuedWaiting:
		return Result{TaskID: req.ID, Coordinated: true, Decision: decision}
	default:
		return Result{Coordinated: true, Decision: decision}
	}
}

// Cancel requests a user cancel by task id. Queued and running tasks go
// through the queue; a runtime submission still parked in a waiting slot
// has no queue record yet, so it is abandoned at the engine instead.
func (d *Dispatcher) Cancel(taskID string) {
	d.queue.Cancel(taskID)
	d.engine.AbandonWaitingTask(taskID)
}

// Abandon removes a waiting owner that will never start. Running owners
// are unaffected; cancel the task instead.
func (d *Dispatcher) Abandon(owner agentrt.Owner) bool {
	return d.engine.AbandonWaiting(owner)
}

// Shutdown cancels every task with source shutdown and drains running
// operations.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	return d.queue.Shutdown(ctx)
}

func queueRequest(req Request) taskqueue.Request {
	return taskqueue.Request{
		ID:        req.ID,
		Kind:      req.Kind,
		Title:     req.Title,
		Priority:  req.Priority,
		Timeout:   req.Timeout,
		Operation: req.Operation,
	}
}

// onReassign fires under the queue's lock when the queue had to replace
// a requested id, before the task can reach a terminal state. Re-keying
// here keeps the owner mapping aligned with the record the queue will
// report, so the runtime slot is always released on finish.
func (d *Dispatcher) onReassign(requestedID, assignedID string) {
	d.mu.Lock()
	if owner, ok := d.owners[requestedID]; ok {
		delete(d.owners, requestedID)
		d.owners[assignedID] = owner
	}
	d.mu.Unlock()
}

func (d *Dispatcher) onStart(rec taskqueue.Record) {
	if d.metrics != nil {
		d.metrics.TaskStarted(rec.Kind)
	}
}

// onTerminal fires exactly once per task. It is the single path from a
// canonical outcome to durable records, telemetry and runtime promotion.
func (d *Dispatcher) onTerminal(rec taskqueue.Record, outcome lifecycle.TerminalOutcome) {
	if d.metrics != nil {
		startedAt := time.Time{}
		if rec.StartedAt != nil {
			startedAt = *rec.StartedAt
		}
		d.metrics.TaskFinished(rec.Kind, outcome, startedAt)
	}

	d.mu.Lock()
	owner, coordinated := d.owners[rec.ID]
	delete(d.owners, rec.ID)
	d.mu.Unlock()

	d.persistTerminal(rec, outcome, owner.EntryID)
	if !coordinated {
		return
	}

	promotion, err := d.engine.Finish(owner, outcome)
	if err != nil {
		log.Printf("dispatch: finish %s: %v", owner, err)
		return
	}
	if !promotion.Promoted {
		return
	}
	if d.metrics != nil {
		d.metrics.Promotion(promotion.Owner.Kind)
	}

	next, ok := promotion.Payload.(Request)
	if !ok {
		log.Printf("dispatch: promoted %s carries no request", promotion.Owner)
		return
	}
	d.mu.Lock()
	d.owners[promotion.TaskID] = promotion.Owner
	d.mu.Unlock()
	d.queue.Enqueue(queueRequest(next))
}

func (d *Dispatcher) persistTerminal(rec taskqueue.Record, outcome lifecycle.TerminalOutcome, entryID string) {
	if d.store == nil {
		return
	}
	ctx := context.Background()
	entry := state.HistoryEntry{
		ID:        rec.ID,
		Kind:      rec.Kind,
		Title:     rec.Title,
		Status:    lifecycle.ToPersistedStatus(outcome),
		Detail:    outcome.Detail(),
		EntryID:   entryID,
		CreatedAt: rec.CreatedAt,
		StartedAt: rec.StartedAt,
	}
	if pt, ok := lifecycle.PersistedTypeFor(rec.Kind); ok {
		entry.PersistedType = pt
	}
	if rec.FinishedAt != nil {
		entry.FinishedAt = *rec.FinishedAt
	}
	if err := d.store.RecordTerminal(ctx, entry); err != nil {
		log.Printf("dispatch: record terminal %s: %v", rec.ID, err)
	}

	switch outcome.Class() {
	case lifecycle.OutcomeFailed, lifecycle.OutcomeTimedOut:
		status := string(lifecycle.ToPersistedStatus(outcome))
		if err := d.store.RecordDiagnostic(ctx, rec.ID, rec.Kind, status, lifecycle.ToUserMessage(outcome)); err != nil {
			log.Printf("dispatch: record diagnostic %s: %v", rec.ID, err)
		}
	}
}

func (d *Dispatcher) onDrop(owner agentrt.Owner, taskID string) {
	if d.metrics != nil {
		d.metrics.WaitingDropped(owner.Kind)
	}
}
