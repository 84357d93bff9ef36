package pipeline

import "time"

// State is a step of the per-event state machine.
type State string

const (
	StateReceived          State = "received"
	StateLoaded            State = "loaded"
	StateValidated         State = "validated"
	StateMetadataCollected State = "metadata_collected"
	StatePersisted         State = "persisted"
	StatePostProcessed     State = "post_processed"
	StateDone              State = "done"
	StateRejected          State = "rejected"
	StateFailed            State = "failed"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateRejected || s == StateFailed
}

// Outcome is the result of processing one notification.
type Outcome struct {
	State    State
	StreamID string
	ModelID  string
	Slot     string
	Context  string
	Err      error
	Duration time.Duration
}
