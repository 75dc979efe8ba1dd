package lifecycle

import "strings"

// Kind is the canonical task-kind enum. Every other kind representation
// (queue kind, runtime kind, persisted type) is derived from it here and
// nowhere else.
type Kind string

const (
	KindFeedSync    Kind = "feed_sync"
	KindImportOPML  Kind = "import_opml"
	KindExportOPML  Kind = "export_opml"
	KindReaderBuild Kind = "reader_build"
	KindSummary     Kind = "summary"
	KindTranslation Kind = "translation"
)

// Kinds lists every canonical kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindFeedSync,
		KindImportOPML,
		KindExportOPML,
		KindReaderBuild,
		KindSummary,
		KindTranslation,
	}
}

// ParseKind validates a raw string. Returns false for unknown kinds.
func ParseKind(raw string) (Kind, bool) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case KindFeedSync, KindImportOPML, KindExportOPML, KindReaderBuild, KindSummary, KindTranslation:
		return kind, true
	default:
		return "", false
	}
}

// Title returns the human-readable label shown in task lists.
func (k Kind) Title() string {
	switch k {
	case KindFeedSync:
		return "Refreshing feeds"
	case KindImportOPML:
		return "Importing subscriptions"
	case KindExportOPML:
		return "Exporting subscriptions"
	case KindReaderBuild:
		return "Preparing reader view"
	case KindSummary:
		return "Summarizing"
	case KindTranslation:
		return "Translating"
	default:
		return string(k)
	}
}

// RuntimeKind identifies the subset of kinds coordinated by the agent
// runtime engine.
type RuntimeKind string

const (
	RuntimeSummary     RuntimeKind = "summary"
	RuntimeTranslation RuntimeKind = "translation"
)

// RuntimeKindFor returns the runtime kind for a canonical kind, or false
// for queue-only kinds.
func RuntimeKindFor(kind Kind) (RuntimeKind, bool) {
	switch kind {
	case KindSummary:
		return RuntimeSummary, true
	case KindTranslation:
		return RuntimeTranslation, true
	default:
		return "", false
	}
}

// CanonicalKind maps a runtime kind back to its canonical kind.
func CanonicalKind(rk RuntimeKind) Kind {
	switch rk {
	case RuntimeSummary:
		return KindSummary
	case RuntimeTranslation:
		return KindTranslation
	default:
		return Kind(rk)
	}
}

// PersistedType identifies the durable record type a kind produces, if any.
type PersistedType string

const (
	PersistedSummary     PersistedType = "summary"
	PersistedTranslation PersistedType = "translation"
)

// PersistedTypeFor returns the persisted type for a canonical kind, or
// false for kinds whose results are not persisted as business payloads.
func PersistedTypeFor(kind Kind) (PersistedType, bool) {
	switch kind {
	case KindSummary:
		return PersistedSummary, true
	case KindTranslation:
		return PersistedTranslation, true
	default:
		return "", false
	}
}
