package pipeline

// State is the ingestion state of one document version.
type State string

const (
	StateReceived   State = "received"
	StateExtracting State = "extracting"
	StateChunking   State = "chunking"
	StateEmbedding  State = "embedding"
	StateIndexing   State = "indexing"
	StateIndexed    State = "indexed"
	StateSuperseded State = "superseded"
	StateFailed     State = "failed"
)

// transitions lists the legal forward edges of the state machine.
// failed is additionally reachable from every non-terminal state.
var transitions = map[State]State{
	StateReceived:   StateExtracting,
	StateExtracting: StateChunking,
	StateChunking:   StateEmbedding,
	StateEmbedding:  StateIndexing,
	StateIndexing:   StateIndexed,
	StateIndexed:    StateSuperseded,
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateSuperseded
}

// Visible reports whether chunks of a version in this state may be
// served by the retriever. Superseded versions stay visible briefly
// for in-flight queries until garbage collection.
func (s State) Visible() bool {
	return s == StateIndexed || s == StateSuperseded
}

// CanTransition reports whether moving from one state to another is
// legal.
func CanTransition(from, to State) bool {
	if to == StateFailed {
		return !from.Terminal() && from != StateIndexed
	}
	return transitions[from] == to
}
