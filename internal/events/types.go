package events

import (
	"time"

	"github.com/mattjoyce/courier/internal/message"
)

// Lifecycle event types.
const (
	TypeAdmitted    = "request.admitted"
	TypeRejected    = "request.rejected"
	TypeSent        = "request.sent"
	TypeMatched     = "request.matched"
	TypeTimedOut    = "request.timed_out"
	TypeSendFailed  = "request.send_failed"
	TypeCancelled   = "request.cancelled"
	TypeUnsolicited = "inbound.unsolicited"
	TypeStarted     = "supervisor.started"
	TypeStopped     = "supervisor.stopped"
)

// RequestData is the payload of every request.* event.
type RequestData struct {
	RequestID   string           `json:"request_id"`
	Priority    message.Priority `json:"priority"`
	State       message.State    `json:"state"`
	QueueDepth  int              `json:"queue_depth"`
	SubmittedAt time.Time        `json:"submitted_at"`
	SentAt      *time.Time       `json:"sent_at,omitempty"`
	Reply       string           `json:"reply,omitempty"`
	Error       string           `json:"error,omitempty"`
	LatencyMS   int64            `json:"latency_ms,omitempty"`
}

// InboundData is the payload of inbound.unsolicited.
type InboundData struct {
	Sender     string    `json:"sender"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// SupervisorData is the payload of supervisor.* events.
type SupervisorData struct {
	Peer  string `json:"peer"`
	Error string `json:"error,omitempty"`
}

// TypeFor maps a terminal state to its event type.
func TypeFor(s message.State) string {
	switch s {
	case message.StateMatched:
		return TypeMatched
	case message.StateTimedOut:
		return TypeTimedOut
	case message.StateSendFailed:
		return TypeSendFailed
	case message.StateCancelled:
		return TypeCancelled
	case message.StateSent:
		return TypeSent
	default:
		return TypeAdmitted
	}
}

// ForRequest builds the payload for req. o may be nil for non-terminal events.
func ForRequest(req *message.Request, o *message.Outcome, depth int) RequestData {
	d := RequestData{
		RequestID:   req.ID,
		Priority:    req.Priority,
		State:       req.State(),
		QueueDepth:  depth,
		SubmittedAt: req.SubmittedAt,
	}
	if sent := req.SentAt(); !sent.IsZero() {
		d.SentAt = &sent
	}
	if o != nil {
		d.State = o.State
		d.Error = o.ErrorText()
		if o.Reply != nil {
			d.Reply = o.Reply.Text
		}
		if d.SentAt != nil && !o.CompletedAt.IsZero() {
			d.LatencyMS = o.CompletedAt.Sub(*d.SentAt).Milliseconds()
		}
	}
	return d
}
