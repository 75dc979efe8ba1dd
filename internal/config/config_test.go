package config

import (
	"testing"
	"time"

	"github.com/quillreader/quill-core/internal/lifecycle"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.HTTPAddr != "127.0.0.1:8089" {
		t.Fatalf("unexpected default addr %q", cfg.HTTPAddr)
	}
	if cfg.MaxConcurrentTasks != 4 {
		t.Fatalf("unexpected default concurrency %d", cfg.MaxConcurrentTasks)
	}
	if cfg.KindLimits[lifecycle.KindFeedSync] != 2 {
		t.Fatalf("expected feed_sync limit 2, got %d", cfg.KindLimits[lifecycle.KindFeedSync])
	}
	if cfg.KindTimeouts[lifecycle.KindSummary] != 90*time.Second {
		t.Fatalf("expected summary timeout 90s, got %s", cfg.KindTimeouts[lifecycle.KindSummary])
	}
	if cfg.WaitingCapacity[lifecycle.RuntimeSummary] != 1 {
		t.Fatalf("expected summary waiting capacity 1")
	}
	if cfg.WaitingMode != "latest_only" {
		t.Fatalf("unexpected waiting mode %q", cfg.WaitingMode)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("QUILL_HTTP_ADDR", "0.0.0.0:9000")
	t.Setenv("QUILL_MAX_CONCURRENT_TASKS", "8")
	t.Setenv("QUILL_KIND_LIMITS", "feed_sync=3, summary=2, bogus=9, translation=zero")
	t.Setenv("QUILL_KIND_TIMEOUTS", "feed_sync=45s,summary=bad")
	t.Setenv("QUILL_AGENT_WAITING_CAPACITY", "translation=3,feed_sync=2")
	t.Setenv("QUILL_AGENT_WAITING_MODE", "fifo")

	cfg := Load()
	if cfg.HTTPAddr != "0.0.0.0:9000" {
		t.Fatalf("unexpected addr %q", cfg.HTTPAddr)
	}
	if cfg.MaxConcurrentTasks != 8 {
		t.Fatalf("unexpected concurrency %d", cfg.MaxConcurrentTasks)
	}
	if cfg.KindLimits[lifecycle.KindFeedSync] != 3 || cfg.KindLimits[lifecycle.KindSummary] != 2 {
		t.Fatalf("unexpected kind limits %+v", cfg.KindLimits)
	}
	if _, ok := cfg.KindLimits[lifecycle.KindTranslation]; ok {
		t.Fatalf("non-numeric limit must be skipped")
	}
	if len(cfg.KindLimits) != 2 {
		t.Fatalf("unknown kinds must be skipped, got %+v", cfg.KindLimits)
	}
	if cfg.KindTimeouts[lifecycle.KindFeedSync] != 45*time.Second {
		t.Fatalf("unexpected feed_sync timeout %s", cfg.KindTimeouts[lifecycle.KindFeedSync])
	}
	if _, ok := cfg.KindTimeouts[lifecycle.KindSummary]; ok {
		t.Fatalf("unparsable timeout must be skipped")
	}
	if cfg.WaitingCapacity[lifecycle.RuntimeTranslation] != 3 {
		t.Fatalf("unexpected waiting capacity %+v", cfg.WaitingCapacity)
	}
	if len(cfg.WaitingCapacity) != 1 {
		t.Fatalf("queue-only kinds must be skipped in waiting capacity, got %+v", cfg.WaitingCapacity)
	}
	if cfg.WaitingMode != "fifo" {
		t.Fatalf("unexpected waiting mode %q", cfg.WaitingMode)
	}
}

func TestInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("QUILL_MAX_CONCURRENT_TASKS", "-2")
	cfg := Load()
	if cfg.MaxConcurrentTasks != 4 {
		t.Fatalf("expected fallback concurrency, got %d", cfg.MaxConcurrentTasks)
	}
}
