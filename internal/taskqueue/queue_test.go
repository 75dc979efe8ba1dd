package taskqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quillreader/quill-core/internal/lifecycle"
)

func waitState(t *testing.T, sub <-chan Record, id string, state lifecycle.QueueState) Record {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case rec, ok := <-sub:
			if !ok {
				t.Fatalf("stream closed before %s reached %s", id, state)
			}
			if rec.ID == id && rec.State == state {
				return rec
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s to reach %s", id, state)
		}
	}
}

func blockingOp(release <-chan struct{}) Operation {
	return func(ctx context.Context, run *RunContext) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestEnqueueRunsToSuccess(t *testing.T) {
	q := New(Limits{MaxConcurrent: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := q.Subscribe(ctx)

	id := q.Enqueue(Request{
		Kind: lifecycle.KindFeedSync,
		Operation: func(ctx context.Context, run *RunContext) error {
			return nil
		},
	})

	rec := waitState(t, sub, id, lifecycle.QueueStateSucceeded)
	if rec.Kind != lifecycle.KindFeedSync {
		t.Fatalf("unexpected kind %s", rec.Kind)
	}
	if rec.Title != lifecycle.KindFeedSync.Title() {
		t.Fatalf("expected default title, got %q", rec.Title)
	}
	if rec.Priority != lifecycle.PriorityNormal {
		t.Fatalf("expected default priority, got %s", rec.Priority)
	}
	if rec.StartedAt == nil || rec.FinishedAt == nil {
		t.Fatalf("expected started and finished timestamps")
	}
	if rec.Message != "Done" {
		t.Fatalf("unexpected message %q", rec.Message)
	}
}

func TestPriorityOrderUnderSingleSlot(t *testing.T) {
	q := New(Limits{MaxConcurrent: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := q.Subscribe(ctx)

	gate := make(chan struct{})
	first := q.Enqueue(Request{Kind: lifecycle.KindFeedSync, Operation: blockingOp(gate)})
	waitState(t, sub, first, lifecycle.QueueStateRunning)

	var order orderLog
	makeOp := func(name string) Operation {
		return func(ctx context.Context, run *RunContext) error {
			order.add(name)
			return nil
		}
	}

	bg := q.Enqueue(Request{Kind: lifecycle.KindReaderBuild, Priority: lifecycle.PriorityBackground, Operation: makeOp("background")})
	hi := q.Enqueue(Request{Kind: lifecycle.KindImportOPML, Priority: lifecycle.PriorityInteractive, Operation: makeOp("interactive")})

	close(gate)
	waitState(t, sub, hi, lifecycle.QueueStateSucceeded)
	waitState(t, sub, bg, lifecycle.QueueStateSucceeded)

	got := order.snapshot()
	if len(got) != 2 || got[0] != "interactive" || got[1] != "background" {
		t.Fatalf("expected interactive before background, got %v", got)
	}
}

func TestFIFOWithinSamePriority(t *testing.T) {
	q := New(Limits{MaxConcurrent: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := q.Subscribe(ctx)

	gate := make(chan struct{})
	first := q.Enqueue(Request{Kind: lifecycle.KindFeedSync, Operation: blockingOp(gate)})
	waitState(t, sub, first, lifecycle.QueueStateRunning)

	var order orderLog
	a := q.Enqueue(Request{Kind: lifecycle.KindExportOPML, Operation: func(ctx context.Context, run *RunContext) error {
		order.add("a")
		return nil
	}})
	b := q.Enqueue(Request{Kind: lifecycle.KindExportOPML, Operation: func(ctx context.Context, run *RunContext) error {
		order.add("b")
		return nil
	}})

	close(gate)
	waitState(t, sub, a, lifecycle.QueueStateSucceeded)
	waitState(t, sub, b, lifecycle.QueueStateSucceeded)

	got := order.snapshot()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected submission order within equal priority, got %v", got)
	}
}

func TestPerKindLimitHoldsBackSameKindOnly(t *testing.T) {
	q := New(Limits{
		MaxConcurrent: 4,
		PerKind:       map[lifecycle.Kind]int{lifecycle.KindFeedSync: 1},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := q.Subscribe(ctx)

	gate := make(chan struct{})
	defer close(gate)
	first := q.Enqueue(Request{Kind: lifecycle.KindFeedSync, Operation: blockingOp(gate)})
	waitState(t, sub, first, lifecycle.QueueStateRunning)

	second := q.Enqueue(Request{Kind: lifecycle.KindFeedSync, Operation: blockingOp(gate)})
	other := q.Enqueue(Request{Kind: lifecycle.KindExportOPML, Operation: blockingOp(gate)})

	// The unrelated kind starts despite the feed_sync backlog.
	waitState(t, sub, other, lifecycle.QueueStateRunning)
	if q.RunningForKind(lifecycle.KindFeedSync) != 1 {
		t.Fatalf("expected exactly one running feed_sync")
	}
	for _, rec := range q.Records() {
		if rec.ID == second && rec.State != lifecycle.QueueStateQueued {
			t.Fatalf("expected second feed_sync to stay queued, got %s", rec.State)
		}
	}
}

func TestKindDefaultTimeoutClassifiesTimedOut(t *testing.T) {
	q := New(Limits{
		MaxConcurrent: 1,
		KindTimeout:   map[lifecycle.Kind]time.Duration{lifecycle.KindSummary: 20 * time.Millisecond},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := q.Subscribe(ctx)

	id := q.Enqueue(Request{Kind: lifecycle.KindSummary, Operation: func(ctx context.Context, run *RunContext) error {
		<-ctx.Done()
		if run.TerminationReason().Kind != ReasonTimedOut {
			t.Errorf("expected timed_out termination reason")
		}
		return ctx.Err()
	}})

	rec := waitState(t, sub, id, lifecycle.QueueStateTimedOut)
	if rec.Detail != string(lifecycle.TimeoutKindDefault) {
		t.Fatalf("expected kind_default origin, got %q", rec.Detail)
	}
	if rec.Message != "Took too long and was stopped" {
		t.Fatalf("unexpected message %q", rec.Message)
	}
}

func TestRequestTimeoutOverridesKindDefault(t *testing.T) {
	q := New(Limits{
		MaxConcurrent: 1,
		KindTimeout:   map[lifecycle.Kind]time.Duration{lifecycle.KindSummary: time.Hour},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := q.Subscribe(ctx)

	id := q.Enqueue(Request{
		Kind:    lifecycle.KindSummary,
		Timeout: 20 * time.Millisecond,
		Operation: func(ctx context.Context, run *RunContext) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	rec := waitState(t, sub, id, lifecycle.QueueStateTimedOut)
	if rec.Detail != string(lifecycle.TimeoutTaskDeadline) {
		t.Fatalf("expected task_deadline origin, got %q", rec.Detail)
	}
}

func TestCancelPendingTask(t *testing.T) {
	q := New(Limits{MaxConcurrent: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := q.Subscribe(ctx)

	gate := make(chan struct{})
	defer close(gate)
	first := q.Enqueue(Request{Kind: lifecycle.KindFeedSync, Operation: blockingOp(gate)})
	waitState(t, sub, first, lifecycle.QueueStateRunning)

	pending := q.Enqueue(Request{Kind: lifecycle.KindFeedSync, Operation: blockingOp(gate)})
	q.Cancel(pending)

	rec := waitState(t, sub, pending, lifecycle.QueueStateCancelled)
	if rec.Detail != string(lifecycle.CancelUser) {
		t.Fatalf("expected user cancel source, got %q", rec.Detail)
	}
	if rec.StartedAt != nil {
		t.Fatalf("pending task must not have a start timestamp")
	}
}

func TestCancelRunningTask(t *testing.T) {
	q := New(Limits{MaxConcurrent: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := q.Subscribe(ctx)

	id := q.Enqueue(Request{Kind: lifecycle.KindTranslation, Operation: func(ctx context.Context, run *RunContext) error {
		<-ctx.Done()
		if run.TerminationReason().Kind != ReasonCancelled {
			t.Errorf("expected cancelled termination reason")
		}
		return ctx.Err()
	}})
	waitState(t, sub, id, lifecycle.QueueStateRunning)

	q.Cancel(id)
	rec := waitState(t, sub, id, lifecycle.QueueStateCancelled)
	if rec.Detail != string(lifecycle.CancelUser) {
		t.Fatalf("expected user cancel source, got %q", rec.Detail)
	}
}

func TestTerminalStateIsWrittenOnce(t *testing.T) {
	var terminals atomic.Int32
	q := New(Limits{MaxConcurrent: 1}, WithHooks(Hooks{
		OnTerminal: func(rec Record, outcome lifecycle.TerminalOutcome) {
			terminals.Add(1)
		},
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := q.Subscribe(ctx)

	id := q.Enqueue(Request{Kind: lifecycle.KindFeedSync, Operation: func(ctx context.Context, run *RunContext) error {
		return nil
	}})
	rec := waitState(t, sub, id, lifecycle.QueueStateSucceeded)

	// Cancels after the terminal write are no-ops.
	q.Cancel(id)
	q.Cancel(id)
	time.Sleep(50 * time.Millisecond)

	for _, got := range q.Records() {
		if got.ID == id && got.State != lifecycle.QueueStateSucceeded {
			t.Fatalf("terminal state changed after the fact: %s", got.State)
		}
	}
	if n := terminals.Load(); n != 1 {
		t.Fatalf("expected exactly one terminal hook call, got %d", n)
	}
	if rec.FinishedAt == nil {
		t.Fatalf("expected finished timestamp")
	}
}

func TestNilOperationFailsImmediately(t *testing.T) {
	q := New(Limits{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := q.Subscribe(ctx)

	id := q.Enqueue(Request{Kind: lifecycle.KindFeedSync})
	rec := waitState(t, sub, id, lifecycle.QueueStateFailed)
	if rec.Detail == "" {
		t.Fatalf("expected failure detail")
	}
}

func TestOperationPanicBecomesFailure(t *testing.T) {
	q := New(Limits{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := q.Subscribe(ctx)

	id := q.Enqueue(Request{Kind: lifecycle.KindReaderBuild, Operation: func(ctx context.Context, run *RunContext) error {
		panic("template blew up")
	}})
	rec := waitState(t, sub, id, lifecycle.QueueStateFailed)
	if rec.Detail != "operation panic: template blew up" {
		t.Fatalf("unexpected detail %q", rec.Detail)
	}
}

func TestOperationErrorBecomesFailure(t *testing.T) {
	q := New(Limits{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := q.Subscribe(ctx)

	opErr := errors.New("upstream returned 503")
	id := q.Enqueue(Request{Kind: lifecycle.KindFeedSync, Operation: func(ctx context.Context, run *RunContext) error {
		return opErr
	}})
	rec := waitState(t, sub, id, lifecycle.QueueStateFailed)
	if rec.Detail != opErr.Error() {
		t.Fatalf("unexpected detail %q", rec.Detail)
	}
}

func TestCustomIDValidation(t *testing.T) {
	q := New(Limits{MaxConcurrent: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := q.Subscribe(ctx)

	gate := make(chan struct{})
	defer close(gate)
	id := q.Enqueue(Request{ID: "nightly-sync", Kind: lifecycle.KindFeedSync, Operation: blockingOp(gate)})
	if id != "nightly-sync" {
		t.Fatalf("expected the custom id to be kept, got %q", id)
	}
	waitState(t, sub, id, lifecycle.QueueStateRunning)

	dup := q.Enqueue(Request{ID: "nightly-sync", Kind: lifecycle.KindFeedSync, Operation: blockingOp(gate)})
	if dup == "nightly-sync" {
		t.Fatalf("expected a duplicate custom id to be replaced")
	}

	bad := q.Enqueue(Request{ID: "Not Valid!", Kind: lifecycle.KindFeedSync, Operation: blockingOp(gate)})
	if bad == "Not Valid!" {
		t.Fatalf("expected an invalid custom id to be replaced")
	}
}

func TestProgressReporting(t *testing.T) {
	q := New(Limits{MaxConcurrent: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := q.Subscribe(ctx)

	id := q.Enqueue(Request{Kind: lifecycle.KindImportOPML, Operation: func(ctx context.Context, run *RunContext) error {
		run.ReportProgress(0.5, "50 feeds imported")
		run.ReportProgress(12, "clamped")
		return nil
	}})

	deadline := time.After(5 * time.Second)
	sawHalf, sawClamped := false, false
	for !sawHalf || !sawClamped {
		select {
		case rec := <-sub:
			if rec.ID != id || rec.Progress == nil {
				continue
			}
			if *rec.Progress == 0.5 && rec.Message == "50 feeds imported" {
				sawHalf = true
			}
			if *rec.Progress == 1 && rec.Message == "clamped" {
				sawClamped = true
			}
		case <-deadline:
			t.Fatalf("timeout waiting for progress updates")
		}
	}
	waitState(t, sub, id, lifecycle.QueueStateSucceeded)
}

func TestSubscribeSnapshotPrecedesDeltas(t *testing.T) {
	q := New(Limits{MaxConcurrent: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate := make(chan struct{})
	id := q.Enqueue(Request{Kind: lifecycle.KindFeedSync, Operation: blockingOp(gate)})

	sub := q.Subscribe(ctx)
	first := <-sub
	if first.ID != id {
		t.Fatalf("expected the snapshot to lead the stream")
	}
	close(gate)
	waitState(t, sub, id, lifecycle.QueueStateSucceeded)
}

func TestShutdownCancelsEverything(t *testing.T) {
	q := New(Limits{MaxConcurrent: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := q.Subscribe(ctx)

	gate := make(chan struct{})
	defer close(gate)
	running := q.Enqueue(Request{Kind: lifecycle.KindFeedSync, Operation: blockingOp(gate)})
	waitState(t, sub, running, lifecycle.QueueStateRunning)
	pending := q.Enqueue(Request{Kind: lifecycle.KindFeedSync, Operation: blockingOp(gate)})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := q.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// The pending task's cancelled event is published synchronously in
	// CancelAll, before the running task's goroutine observes its cancel,
	// so it always arrives first on the shared stream.
	for _, id := range []string{pending, running} {
		rec := waitState(t, sub, id, lifecycle.QueueStateCancelled)
		if rec.Detail != string(lifecycle.CancelShutdown) {
			t.Fatalf("expected shutdown cancel source, got %q", rec.Detail)
		}
	}

	late := q.Enqueue(Request{Kind: lifecycle.KindFeedSync, Operation: blockingOp(gate)})
	rec := waitState(t, sub, late, lifecycle.QueueStateCancelled)
	if rec.Detail != string(lifecycle.CancelShutdown) {
		t.Fatalf("expected post-shutdown enqueue to cancel, got %q", rec.Detail)
	}
}

// orderLog records completion order from concurrent operations.
type orderLog struct {
	mu    sync.Mutex
	names []string
}

func (l *orderLog) add(name string) {
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()
}

func (l *orderLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.names...)
}
