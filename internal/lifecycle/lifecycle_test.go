package lifecycle

import (
	"errors"
	"testing"
)

func TestParseKind(t *testing.T) {
	for _, kind := range Kinds() {
		parsed, ok := ParseKind(string(kind))
		if !ok || parsed != kind {
			t.Fatalf("expected %q to parse", kind)
		}
	}
	if _, ok := ParseKind("  Feed_Sync "); !ok {
		t.Fatalf("expected case and whitespace normalization")
	}
	if _, ok := ParseKind("unknown"); ok {
		t.Fatalf("expected unknown kind to be rejected")
	}
	if _, ok := ParseKind(""); ok {
		t.Fatalf("expected empty kind to be rejected")
	}
}

func TestRouteFor(t *testing.T) {
	coordinated := map[Kind]RuntimeKind{
		KindSummary:     RuntimeSummary,
		KindTranslation: RuntimeTranslation,
	}
	for _, kind := range Kinds() {
		route := RouteFor(kind)
		want, ok := coordinated[kind]
		if route.Coordinated != ok {
			t.Fatalf("kind %s: unexpected coordination %v", kind, route.Coordinated)
		}
		if ok && route.RuntimeKind != want {
			t.Fatalf("kind %s: unexpected runtime kind %s", kind, route.RuntimeKind)
		}
	}
}

func TestKindDerivations(t *testing.T) {
	if CanonicalKind(RuntimeSummary) != KindSummary {
		t.Fatalf("summary runtime kind should map back to summary")
	}
	if CanonicalKind(RuntimeTranslation) != KindTranslation {
		t.Fatalf("translation runtime kind should map back to translation")
	}
	if _, ok := PersistedTypeFor(KindFeedSync); ok {
		t.Fatalf("feed_sync must not have a persisted type")
	}
	if pt, ok := PersistedTypeFor(KindSummary); !ok || pt != PersistedSummary {
		t.Fatalf("summary must persist as summary, got %q", pt)
	}
	for _, kind := range Kinds() {
		if kind.Title() == string(kind) {
			t.Fatalf("kind %s is missing a display title", kind)
		}
	}
}

func TestProjectionsCoverEveryOutcome(t *testing.T) {
	outcomes := []TerminalOutcome{
		Succeeded(),
		Cancelled(CancelUser),
		Cancelled(CancelShutdown),
		Cancelled(CancelSuperseded),
		TimedOut(TimeoutTaskDeadline),
		TimedOut(TimeoutKindDefault),
		Failed(errors.New("boom")),
	}
	for _, o := range outcomes {
		if !ToQueueState(o).IsTerminal() {
			t.Fatalf("%s: queue state projection is not terminal", o)
		}
		if !ToRuntimePhase(o).IsTerminal() {
			t.Fatalf("%s: runtime phase projection is not terminal", o)
		}
		if ToPersistedStatus(o) == "" {
			t.Fatalf("%s: empty persisted status", o)
		}
		if ToTelemetryStatus(o) == "" {
			t.Fatalf("%s: empty telemetry status", o)
		}
		if ToUserMessage(o) == "" {
			t.Fatalf("%s: empty user message", o)
		}
	}
}

func TestProjectionValues(t *testing.T) {
	if ToQueueState(TimedOut(TimeoutKindDefault)) != QueueStateTimedOut {
		t.Fatalf("timeout must project to timed_out, not cancelled")
	}
	if ToPersistedStatus(TimedOut(TimeoutTaskDeadline)) != PersistedTimedOut {
		t.Fatalf("timeout must persist as timeout")
	}
	if ToPersistedStatus(Cancelled(CancelShutdown)) != PersistedCancelled {
		t.Fatalf("shutdown cancel must persist as cancelled")
	}
	if ToRuntimePhase(Succeeded()) != PhaseCompleted {
		t.Fatalf("success must project to completed phase")
	}
	if ToTelemetryStatus(Failed(errors.New("x"))) != "failed" {
		t.Fatalf("failure must report telemetry status failed")
	}
}

func TestOutcomeDetail(t *testing.T) {
	if Succeeded().Detail() != "" {
		t.Fatalf("success carries no detail")
	}
	if Cancelled(CancelSuperseded).Detail() != "superseded" {
		t.Fatalf("cancel detail should name the source")
	}
	if TimedOut(TimeoutKindDefault).Detail() != "kind_default" {
		t.Fatalf("timeout detail should name the origin")
	}
	err := errors.New("network unreachable")
	if Failed(err).Detail() != "network unreachable" {
		t.Fatalf("failure detail should carry the error text")
	}
	if Failed(err).Err() != err {
		t.Fatalf("failure should expose the original error")
	}
}

func TestConstructorDefaults(t *testing.T) {
	if Cancelled("").CancelSource() != CancelUser {
		t.Fatalf("empty cancel source should default to user")
	}
	if TimedOut("").TimeoutOrigin() != TimeoutTaskDeadline {
		t.Fatalf("empty timeout origin should default to task_deadline")
	}
}

func TestUserMessages(t *testing.T) {
	if ToUserMessage(Succeeded()) != "Done" {
		t.Fatalf("unexpected success message")
	}
	if ToUserMessage(Cancelled(CancelSuperseded)) != "Replaced by a newer request" {
		t.Fatalf("unexpected superseded message")
	}
	got := ToUserMessage(Failed(errors.New("feed parse error")))
	if got != "Failed: feed parse error" {
		t.Fatalf("unexpected failure message %q", got)
	}
}

func TestPriorityOrdering(t *testing.T) {
	order := []Priority{PriorityInteractive, PriorityHigh, PriorityNormal, PriorityBackground}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Fatalf("expected %s to outrank %s", order[i-1], order[i])
		}
	}
	if ParsePriority("HIGH") != PriorityHigh {
		t.Fatalf("expected case-insensitive priority parse")
	}
	if ParsePriority("urgent") != PriorityNormal {
		t.Fatalf("expected unknown priority to default to normal")
	}
}
