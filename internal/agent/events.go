package agent

// EventKind identifies a turn event.
type EventKind int

const (
	// EventToolStart fires when a validated tool call is about to run.
	EventToolStart EventKind = iota

	// EventToolDone fires when a tool call produced an observation
	// (result or surfaced error).
	EventToolDone

	// EventFinal fires once per turn with the reply text.
	EventFinal
)

// Event is a progress notification emitted during a turn. Observations
// carry the same model-visible text the planner sees — never injected
// arguments or identity.
type Event struct {
	Kind        EventKind
	Tool        string
	Observation string
	Content     string
}

// EventFunc receives turn events. A nil EventFunc disables streaming.
type EventFunc func(Event)

func emit(fn EventFunc, ev Event) {
	if fn != nil {
		fn(ev)
	}
}
