package coaching

// EventType enumerates the ordered event sequence a turn emits to its
// transport boundary.
type EventType string

const (
	EventChunk      EventType = "chunk"
	EventEvaluation EventType = "evaluation"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one element of a turn's event stream. The engine is agnostic to
// how the transport relays it.
type Event struct {
	Type       EventType       `json:"type"`
	Chunk      string          `json:"chunk,omitempty"`
	Evaluation *TurnEvaluation `json:"evaluation,omitempty"`

	// Done payload.
	Partial bool `json:"partial,omitempty"`

	// Error payload: human-readable reason plus the stable kind.
	Reason    string `json:"reason,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}
