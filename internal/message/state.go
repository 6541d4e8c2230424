package message

// State is a request's lifecycle position. States only move forward:
// admitted -> queued -> sent -> one terminal state.
type State string

const (
	StateAdmitted   State = "admitted"
	StateQueued     State = "queued"
	StateSent       State = "sent"
	StateMatched    State = "matched"
	StateTimedOut   State = "timed_out"
	StateSendFailed State = "send_failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether s is a completion state.
func (s State) Terminal() bool {
	switch s {
	case StateMatched, StateTimedOut, StateSendFailed, StateCancelled:
		return true
	default:
		return false
	}
}

func (s State) rank() int {
	switch s {
	case StateAdmitted:
		return 1
	case StateQueued:
		return 2
	case StateSent:
		return 3
	case StateMatched, StateTimedOut, StateSendFailed, StateCancelled:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	return s.rank() > 0
}
