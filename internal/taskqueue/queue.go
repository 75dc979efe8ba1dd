// Package taskqueue implements the generic execution scheduler: priority
// ordering, global and per-kind concurrency limits, per-task timeout
// enforcement, cooperative cancellation, and a broadcast stream of task
// record deltas.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quillreader/quill-core/internal/eventbus"
	"github.com/quillreader/quill-core/internal/idgen"
	"github.com/quillreader/quill-core/internal/lifecycle"
)

const defaultMaxConcurrent = 4

var errNilOperation = errors.New("nil operation")

// Limits is the immutable admission configuration supplied at
// construction time.
type Limits struct {
	// MaxConcurrent bounds the total number of running tasks.
	MaxConcurrent int
	// PerKind bounds running tasks per kind. Kinds without an entry fall
	// back to MaxConcurrent.
	PerKind map[lifecycle.Kind]int
	// KindTimeout supplies the default execution timeout per kind. Kinds
	// without an entry run unbounded unless the request sets one.
	KindTimeout map[lifecycle.Kind]time.Duration
}

// Hooks are invoked by the queue outside its exclusive section, so a hook
// may call back into queue APIs. OnTerminal fires exactly once per task.
// The exception is OnReassign: it fires while the queue lock is held,
// before the task can start or finish, so callers keyed on the requested
// id can re-key atomically. It must not call back into the queue.
type Hooks struct {
	OnStart    func(Record)
	OnTerminal func(Record, lifecycle.TerminalOutcome)
	OnReassign func(requestedID, assignedID string)
}

type pendingTask struct {
	id        string
	rank      int
	createdAt time.Time
	seq       uint64
	timeout   time.Duration
	origin    lifecycle.TimeoutOrigin
	op        Operation
}

type runningTask struct {
	cancel context.CancelFunc
	reason *reasonCell
}

// Queue schedules tasks under one exclusive boundary: every state
// mutation happens while holding mu, so the concurrency invariants hold
// without finer-grained locking. Task bodies run as independent
// goroutines bounded by the configured limits.
type Queue struct {
	limits Limits
	hooks  Hooks

	nowFn   func() time.Time
	newIDFn func() string

	baseCtx  context.Context
	baseStop context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	seq     uint64
	records map[string]*Record
	pending []*pendingTask
	running map[string]*runningTask
	byKind  map[lifecycle.Kind]int
	bus     *eventbus.Bus[Record]
}

type Option func(*Queue)

func WithClock(nowFn func() time.Time) Option {
	return func(q *Queue) {
		if nowFn != nil {
			q.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(q *Queue) {
		if newIDFn != nil {
			q.newIDFn = newIDFn
		}
	}
}

func WithHooks(hooks Hooks) Option {
	return func(q *Queue) {
		q.hooks = hooks
	}
}

func New(limits Limits, opts ...Option) *Queue {
	baseCtx, baseStop := context.WithCancel(context.Background())
	q := &Queue{
		limits:   limits,
		nowFn:    func() time.Time { return time.Now().UTC() },
		newIDFn:  idgen.New,
		baseCtx:  baseCtx,
		baseStop: baseStop,
		records:  map[string]*Record{},
		running:  map[string]*runningTask{},
		byKind:   map[lifecycle.Kind]int{},
		bus:      eventbus.New[Record](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

func (q *Queue) now() time.Time {
	return q.nowFn().UTC()
}

func (q *Queue) maxConcurrent() int {
	if q.limits.MaxConcurrent > 0 {
		return q.limits.MaxConcurrent
	}
	return defaultMaxConcurrent
}

func (q *Queue) kindLimit(kind lifecycle.Kind) int {
	if v, ok := q.limits.PerKind[kind]; ok && v > 0 {
		return v
	}
	return q.maxConcurrent()
}

// Enqueue accepts a task unconditionally: admission against the
// concurrency limits is deferred to the scheduling loop, and the eventual
// outcome arrives asynchronously on the event stream. The returned id is
// the request id when it was usable, otherwise a generated one.
func (q *Queue) Enqueue(req Request) string {
	q.mu.Lock()

	id := req.ID
	if id != "" {
		if err := idgen.ValidateCustomID(id); err != nil {
			id = ""
		} else if _, exists := q.records[id]; exists {
			id = ""
		}
	}
	if id == "" {
		id = q.newIDFn()
		if req.ID != "" && q.hooks.OnReassign != nil {
			q.hooks.OnReassign(req.ID, id)
		}
	}

	title := req.Title
	if title == "" {
		title = req.Kind.Title()
	}
	priority := req.Priority
	if priority == "" {
		priority = lifecycle.PriorityNormal
	}

	timeout := req.Timeout
	origin := lifecycle.TimeoutTaskDeadline
	if timeout <= 0 {
		timeout = q.limits.KindTimeout[req.Kind]
		origin = lifecycle.TimeoutKindDefault
	}

	now := q.now()
	rec := &Record{
		ID:        id,
		Kind:      req.Kind,
		Title:     title,
		Priority:  priority,
		CreatedAt: now,
		State:     lifecycle.QueueStateQueued,
	}
	q.records[id] = rec
	q.publishLocked(*rec)

	var terminal *Record
	var outcome lifecycle.TerminalOutcome
	switch {
	case req.Operation == nil:
		outcome = lifecycle.Failed(fmt.Errorf("enqueue %s: %w", req.Kind, errNilOperation))
		terminal = q.terminalLocked(rec, outcome)
	case q.closed:
		outcome = lifecycle.Cancelled(lifecycle.CancelShutdown)
		terminal = q.terminalLocked(rec, outcome)
	default:
		q.seq++
		q.pending = append(q.pending, &pendingTask{
			id:        id,
			rank:      priority.Rank(),
			createdAt: now,
			seq:       q.seq,
			timeout:   timeout,
			origin:    origin,
			op:        req.Operation,
		})
		q.scheduleLocked()
	}
	q.mu.Unlock()

	if terminal != nil && q.hooks.OnTerminal != nil {
		q.hooks.OnTerminal(*terminal, outcome)
	}
	return id
}

// Cancel requests cancellation on behalf of the user. Pending tasks are
// removed and marked cancelled immediately; running tasks get a recorded
// termination reason and a cooperative cancel signal. Cancels after a
// terminal state are no-ops.
func (q *Queue) Cancel(id string) {
	q.cancelOne(id, lifecycle.CancelUser)
}

func (q *Queue) cancelOne(id string, source lifecycle.CancelSource) {
	q.mu.Lock()
	rec, ok := q.records[id]
	if !ok || rec.State.IsTerminal() {
		q.mu.Unlock()
		return
	}
	if rt, ok := q.running[id]; ok {
		rt.reason.set(Reason{Kind: ReasonCancelled, Source: source})
		cancel := rt.cancel
		q.mu.Unlock()
		cancel()
		return
	}
	q.removePendingLocked(id)
	outcome := lifecycle.Cancelled(source)
	terminal := q.terminalLocked(rec, outcome)
	q.mu.Unlock()

	if terminal != nil && q.hooks.OnTerminal != nil {
		q.hooks.OnTerminal(*terminal, outcome)
	}
}

// CancelAll cancels every pending and running task with the given source.
func (q *Queue) CancelAll(source lifecycle.CancelSource) {
	q.mu.Lock()
	outcome := lifecycle.Cancelled(source)
	var terminals []Record
	for _, p := range append([]*pendingTask{}, q.pending...) {
		rec := q.records[p.id]
		q.removePendingLocked(p.id)
		if t := q.terminalLocked(rec, outcome); t != nil {
			terminals = append(terminals, *t)
		}
	}
	var cancels []context.CancelFunc
	for _, rt := range q.running {
		rt.reason.set(Reason{Kind: ReasonCancelled, Source: source})
		cancels = append(cancels, rt.cancel)
	}
	q.mu.Unlock()

	for _, t := range terminals {
		if q.hooks.OnTerminal != nil {
			q.hooks.OnTerminal(t, outcome)
		}
	}
	for _, cancel := range cancels {
		cancel()
	}
}

// Subscribe returns an ordered stream of record deltas. The current
// records, sorted by recency, are delivered as a bootstrap snapshot
// before any live update. The snapshot and the live stream are consistent
// because both are produced under the queue's exclusive section.
func (q *Queue) Subscribe(ctx context.Context) <-chan Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bus.Subscribe(ctx, q.snapshotLocked())
}

// Records returns the current records sorted by recency.
func (q *Queue) Records() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// Running reports the number of currently running tasks.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// RunningForKind reports the number of running tasks of one kind.
func (q *Queue) RunningForKind(kind lifecycle.Kind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.byKind[kind]
}

// Shutdown cancels all work with source shutdown and waits for running
// operations to return, up to ctx's deadline.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.CancelAll(lifecycle.CancelShutdown)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.baseStop()
		return nil
	case <-ctx.Done():
		q.baseStop()
		return ctx.Err()
	}
}

func (q *Queue) snapshotLocked() []Record {
	out := make([]Record, 0, len(q.records))
	for _, rec := range q.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (q *Queue) publishLocked(rec Record) {
	q.bus.Publish(rec)
}

// scheduleLocked starts the best eligible pending task while slots are
// free. Order: priority rank ascending, createdAt ascending, submission
// sequence ascending. Runs after every enqueue and every completion.
func (q *Queue) scheduleLocked() {
	for {
		if q.closed || len(q.running) >= q.maxConcurrent() {
			return
		}
		best := -1
		for i, p := range q.pending {
			if q.byKind[q.records[p.id].Kind] >= q.kindLimit(q.records[p.id].Kind) {
				continue
			}
			if best == -1 || pendingLess(p, q.pending[best]) {
				best = i
			}
		}
		if best == -1 {
			return
		}
		p := q.pending[best]
		q.pending = append(q.pending[:best], q.pending[best+1:]...)
		q.startLocked(p)
	}
}

func pendingLess(a, b *pendingTask) bool {
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.seq < b.seq
}

func (q *Queue) startLocked(p *pendingTask) {
	rec := q.records[p.id]
	now := q.now()
	rec.State = lifecycle.QueueStateRunning
	rec.StartedAt = &now

	ctx, cancel := context.WithCancel(q.baseCtx)
	cell := &reasonCell{}
	q.running[p.id] = &runningTask{cancel: cancel, reason: cell}
	q.byKind[rec.Kind]++
	q.publishLocked(*rec)

	started := *rec
	q.wg.Add(1)
	go q.run(ctx, started, cancel, cell, p)
}

func (q *Queue) run(ctx context.Context, started Record, cancel context.CancelFunc, cell *reasonCell, p *pendingTask) {
	defer q.wg.Done()
	defer cancel()

	if q.hooks.OnStart != nil {
		q.hooks.OnStart(started)
	}

	rc := &RunContext{
		taskID: p.id,
		progressFn: func(fraction float64, message string) {
			q.reportProgress(p.id, fraction, message)
		},
		reasonFn: cell.get,
	}

	var timer *time.Timer
	if p.timeout > 0 {
		origin := p.origin
		timer = time.AfterFunc(p.timeout, func() {
			// The reason must land before the cancel signal so the
			// classifier can tell timeout from user cancel.
			if cell.set(Reason{Kind: ReasonTimedOut, Origin: origin}) {
				cancel()
			}
		})
	}

	err := runOperation(ctx, rc, p.op)
	if timer != nil {
		timer.Stop()
	}

	outcome := classifyOutcome(err, cell.get())
	q.finish(p.id, outcome)
}

func runOperation(ctx context.Context, rc *RunContext, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panic: %v", r)
		}
	}()
	return op(ctx, rc)
}

func classifyOutcome(err error, reason Reason) lifecycle.TerminalOutcome {
	if err == nil {
		return lifecycle.Succeeded()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		switch reason.Kind {
		case ReasonTimedOut:
			return lifecycle.TimedOut(reason.Origin)
		case ReasonCancelled:
			return lifecycle.Cancelled(reason.Source)
		default:
			return lifecycle.Cancelled(lifecycle.CancelUser)
		}
	}
	return lifecycle.Failed(err)
}

func (q *Queue) finish(id string, outcome lifecycle.TerminalOutcome) {
	q.mu.Lock()
	rec, ok := q.records[id]
	if !ok || rec.State.IsTerminal() {
		q.mu.Unlock()
		return
	}
	if _, ok := q.running[id]; ok {
		delete(q.running, id)
		q.byKind[rec.Kind]--
		if q.byKind[rec.Kind] <= 0 {
			delete(q.byKind, rec.Kind)
		}
	}
	terminal := q.terminalLocked(rec, outcome)
	q.scheduleLocked()
	q.mu.Unlock()

	if terminal != nil && q.hooks.OnTerminal != nil {
		q.hooks.OnTerminal(*terminal, outcome)
	}
}

// terminalLocked writes the write-once terminal projection. Returns nil
// when the record is already terminal.
func (q *Queue) terminalLocked(rec *Record, outcome lifecycle.TerminalOutcome) *Record {
	if rec.State.IsTerminal() {
		return nil
	}
	now := q.now()
	rec.State = lifecycle.ToQueueState(outcome)
	rec.FinishedAt = &now
	rec.Detail = outcome.Detail()
	rec.Message = lifecycle.ToUserMessage(outcome)
	copied := *rec
	q.publishLocked(copied)
	return &copied
}

func (q *Queue) removePendingLocked(id string) {
	for i, p := range q.pending {
		if p.id == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) reportProgress(id string, fraction float64, message string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if !ok || rec.State != lifecycle.QueueStateRunning {
		return
	}
	rec.Progress = &fraction
	rec.Message = message
	q.publishLocked(*rec)
}
