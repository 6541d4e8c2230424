package message

import "time"

// InboundEvent is a message received from the remote side. It is only held
// long enough to be correlated and handed to handlers.
type InboundEvent struct {
	Sender     string    `json:"sender"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// Outcome is the terminal result of a request.
type Outcome struct {
	State       State
	Reply       *InboundEvent // set when State == StateMatched
	Err         error         // set for StateSendFailed and StateCancelled
	CompletedAt time.Time
}

// Matched builds a matched outcome for ev.
func Matched(ev InboundEvent) Outcome {
	return Outcome{State: StateMatched, Reply: &ev, CompletedAt: time.Now().UTC()}
}

// TimedOut builds a timed-out outcome.
func TimedOut() Outcome {
	return Outcome{State: StateTimedOut, CompletedAt: time.Now().UTC()}
}

// SendFailed builds a send-failure outcome carrying err.
func SendFailed(err error) Outcome {
	return Outcome{State: StateSendFailed, Err: err, CompletedAt: time.Now().UTC()}
}

// Cancelled builds a cancellation outcome; reason may be nil.
func Cancelled(reason error) Outcome {
	return Outcome{State: StateCancelled, Err: reason, CompletedAt: time.Now().UTC()}
}

// ErrorText returns the outcome error as a string, or "" when there is none.
func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
