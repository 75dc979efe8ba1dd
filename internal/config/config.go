// Package config loads the immutable process configuration from the
// environment. Values are read once at startup and never change within a
// process lifetime.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/quillreader/quill-core/internal/lifecycle"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string

	MaxConcurrentTasks int
	KindLimits         map[lifecycle.Kind]int
	KindTimeouts       map[lifecycle.Kind]time.Duration

	WaitingCapacity map[lifecycle.RuntimeKind]int
	WaitingMode     string
}

func Load() Config {
	_ = godotenv.Load()
	dataDir := getEnv("QUILL_DATA_DIR", "data")
	return Config{
		HTTPAddr: getEnv("QUILL_HTTP_ADDR", "127.0.0.1:8089"),
		DataDir:  dataDir,
		DBPath:   getEnv("QUILL_DB_PATH", filepath.Join(dataDir, "quill-core.db")),

		MaxConcurrentTasks: getEnvInt("QUILL_MAX_CONCURRENT_TASKS", 4),
		KindLimits: parseKindInts(getEnv("QUILL_KIND_LIMITS",
			"feed_sync=2,reader_build=2,summary=1,translation=1")),
		KindTimeouts: parseKindDurations(getEnv("QUILL_KIND_TIMEOUTS",
			"feed_sync=2m,import_opml=5m,export_opml=2m,reader_build=1m,summary=90s,translation=90s")),

		WaitingCapacity: parseRuntimeInts(getEnv("QUILL_AGENT_WAITING_CAPACITY", "summary=1,translation=1")),
		WaitingMode:     getEnv("QUILL_AGENT_WAITING_MODE", "latest_only"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// parseKindInts parses "kind=n,kind=n" pairs, skipping unknown kinds and
// non-positive values.
func parseKindInts(raw string) map[lifecycle.Kind]int {
	out := map[lifecycle.Kind]int{}
	for key, value := range parsePairs(raw) {
		kind, ok := lifecycle.ParseKind(key)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			continue
		}
		out[kind] = parsed
	}
	return out
}

func parseKindDurations(raw string) map[lifecycle.Kind]time.Duration {
	out := map[lifecycle.Kind]time.Duration{}
	for key, value := range parsePairs(raw) {
		kind, ok := lifecycle.ParseKind(key)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(value)
		if err != nil || parsed <= 0 {
			continue
		}
		out[kind] = parsed
	}
	return out
}

func parseRuntimeInts(raw string) map[lifecycle.RuntimeKind]int {
	out := map[lifecycle.RuntimeKind]int{}
	for key, value := range parsePairs(raw) {
		kind, ok := lifecycle.ParseKind(key)
		if !ok {
			continue
		}
		rk, ok := lifecycle.RuntimeKindFor(kind)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			continue
		}
		out[rk] = parsed
	}
	return out
}

func parsePairs(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
