package ingest

// State is a step of the per-reading lifecycle.
type State string

const (
	StateReceived     State = "Received"
	StateValidated    State = "Validated"
	StateEvaluated    State = "Evaluated"
	StateCommitted    State = "Committed"
	StatePublished    State = "Published"
	StateAcknowledged State = "Acknowledged"
	StateRejected     State = "Rejected"
	StateFailed       State = "Failed"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateAcknowledged || s == StateRejected || s == StateFailed
}

var transitions = map[State][]State{
	StateReceived:  {StateValidated, StateRejected},
	StateValidated: {StateEvaluated},
	StateEvaluated: {StateCommitted, StateFailed},
	StateCommitted: {StatePublished},
	StatePublished: {StateAcknowledged},
}

// CanTransition reports whether next may follow s.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
