package lifecycle

// Route classifies a canonical kind as queue-only or queue-plus-runtime.
// This is the single place scope routing is decided: callers consult the
// route before deciding whether the agent runtime engine is involved,
// they never test kinds ad hoc.
type Route struct {
	RuntimeKind RuntimeKind
	Coordinated bool
}

// RouteFor returns the routing decision for a canonical kind. Every kind
// goes to the task queue for execution-slot admission; coordinated kinds
// additionally pass through the agent runtime engine for owner gating.
func RouteFor(kind Kind) Route {
	if rk, ok := RuntimeKindFor(kind); ok {
		return Route{RuntimeKind: rk, Coordinated: true}
	}
	return Route{}
}
