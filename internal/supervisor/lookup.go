package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/courier/internal/events"
	"github.com/mattjoyce/courier/internal/journal"
	"github.com/mattjoyce/courier/internal/message"
	"github.com/mattjoyce/courier/internal/metrics"
	"github.com/mattjoyce/courier/internal/transport"
)

// Lookup returns the current view of a request: live state while the process
// knows it, otherwise the journal row.
func (s *Supervisor) Lookup(ctx context.Context, id string) (*journal.Record, error) {
	if req, ok := s.request(id); ok {
		return s.snapshot(req), nil
	}
	if s.opts.Journal == nil {
		return nil, ErrUnknownRequest
	}
	rec, err := s.opts.Journal.Get(ctx, id)
	if errors.Is(err, journal.ErrNotFound) {
		return nil, ErrUnknownRequest
	}
	return rec, err
}

func (s *Supervisor) snapshot(req *message.Request) *journal.Record {
	rec := &journal.Record{
		ID:          req.ID,
		Payload:     req.Payload,
		Priority:    req.Priority,
		State:       req.State(),
		Peer:        s.opts.Peer,
		SubmittedAt: req.SubmittedAt,
	}
	if sent := req.SentAt(); !sent.IsZero() {
		rec.SentAt = &sent
	}
	if o, ok := req.Result(); ok {
		rec.State = o.State
		completed := o.CompletedAt
		rec.CompletedAt = &completed
		rec.LastError = o.ErrorText()
		if o.Reply != nil {
			rec.ReplySender = o.Reply.Sender
			rec.ReplyText = o.Reply.Text
		}
	}
	return rec
}

// Await blocks until request id completes or ctx ends.
func (s *Supervisor) Await(ctx context.Context, id string) (message.Outcome, error) {
	if req, ok := s.request(id); ok {
		return req.Wait(ctx)
	}
	rec, err := s.Lookup(ctx, id)
	if err != nil {
		return message.Outcome{}, err
	}
	o, ok := rec.Outcome()
	if !ok {
		// Known to the journal but not to this process: only orphan recovery
		// can finish it, so there is nothing to wait for.
		return message.Outcome{}, ErrUnknownRequest
	}
	return o, nil
}

// Deadline returns the response deadline of a sent, unresolved request.
func (s *Supervisor) Deadline(id string) (time.Time, bool) {
	return s.correlator.Deadline(id)
}

// Health is a point-in-time summary for health checks and the watch UI.
type Health struct {
	Running      bool          `json:"running"`
	Peer         string        `json:"peer"`
	PeerID       string        `json:"peer_id,omitempty"`
	Uptime       time.Duration `json:"uptime_ns"`
	QueueDepth   int           `json:"queue_depth"`
	InFlight     int           `json:"in_flight"`
	Pending      int           `json:"pending"`
	BreakerState string        `json:"breaker_state"`
	LoopError    string        `json:"loop_error,omitempty"`
}

func (s *Supervisor) Health() Health {
	s.mu.Lock()
	h := Health{
		Running: s.phase == phaseRunning,
		Peer:    s.opts.Peer,
		PeerID:  s.dest.ID,
	}
	if !s.startedAt.IsZero() {
		h.Uptime = time.Since(s.startedAt)
	}
	d := s.dispatcher
	s.mu.Unlock()

	h.QueueDepth = s.queue.Len()
	h.Pending = s.correlator.Pending()
	h.BreakerState = "disabled"
	if d != nil {
		h.InFlight = d.InFlight()
		h.BreakerState = d.BreakerState()
	}
	if err := s.Err(); err != nil {
		h.Running = false
		h.LoopError = err.Error()
	}
	return h
}

// InFlight returns the number of sent requests awaiting an outcome.
func (s *Supervisor) InFlight() int {
	s.mu.Lock()
	d := s.dispatcher
	s.mu.Unlock()
	if d == nil {
		return 0
	}
	return d.InFlight()
}

// Destination returns the resolved peer; zero before Start.
func (s *Supervisor) Destination() transport.Destination {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dest
}

func (s *Supervisor) Hub() *events.Hub {
	return s.hub
}

func (s *Supervisor) Metrics() *metrics.Metrics {
	return s.metrics
}
