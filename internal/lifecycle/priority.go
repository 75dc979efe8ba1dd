package lifecycle

import "strings"

// Priority represents a validated scheduling priority level.
type Priority string

const (
	PriorityInteractive Priority = "interactive"
	PriorityHigh        Priority = "high"
	PriorityNormal      Priority = "normal"
	PriorityBackground  Priority = "background"
)

// ParsePriority validates a raw string. Defaults to PriorityNormal.
func ParsePriority(raw string) Priority {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "interactive":
		return PriorityInteractive
	case "high":
		return PriorityHigh
	case "normal":
		return PriorityNormal
	case "background":
		return PriorityBackground
	default:
		return PriorityNormal
	}
}

// Rank returns numeric priority (lower = scheduled first).
// interactive=0, high=1, normal=2, background=3.
func (p Priority) Rank() int {
	switch p {
	case PriorityInteractive:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityBackground:
		return 3
	default:
		return 2
	}
}
