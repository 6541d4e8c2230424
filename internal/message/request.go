// Package message defines the request, reply and outcome types shared by the
// queue, dispatcher, correlator and supervisor.
package message

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle observes a request's completion.
type Handle interface {
	// Done is closed once the outcome is recorded.
	Done() <-chan struct{}
	// Result returns the outcome and whether it is available yet.
	Result() (Outcome, bool)
	// Wait blocks until the outcome is recorded or ctx ends.
	Wait(ctx context.Context) (Outcome, error)
}

// Request is one outbound message. Identity fields are fixed at admission; the
// lifecycle state and the outcome are the only mutable parts, and the outcome
// is recorded at most once.
type Request struct {
	ID          string
	Payload     string
	Priority    Priority
	SubmittedAt time.Time
	// Timeout is the response deadline measured from a successful send. Zero
	// means the dispatcher default.
	Timeout time.Duration

	mu      sync.Mutex
	state   State
	sentAt  time.Time
	outcome Outcome
	done    chan struct{}
}

var _ Handle = (*Request)(nil)

// New admits a request with a fresh ID.
func New(payload string, priority Priority, timeout time.Duration) *Request {
	return &Request{
		ID:          uuid.NewString(),
		Payload:     payload,
		Priority:    priority,
		SubmittedAt: time.Now().UTC(),
		Timeout:     timeout,
		state:       StateAdmitted,
		done:        make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SentAt returns when the request was handed to the transport, or the zero
// time if it has not been sent.
func (r *Request) SentAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sentAt
}

// MarkQueued moves an admitted request to queued.
func (r *Request) MarkQueued() bool {
	return r.advance(StateQueued, time.Time{})
}

// MarkSent moves a queued request to sent.
func (r *Request) MarkSent() bool {
	return r.advance(StateSent, time.Now().UTC())
}

func (r *Request) advance(to State, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if to.rank() != r.state.rank()+1 {
		return false
	}
	r.state = to
	if !at.IsZero() {
		r.sentAt = at
	}
	return true
}

// Complete records the terminal outcome. It returns false, leaving the
// request untouched, if an outcome was already recorded or o is not terminal.
func (r *Request) Complete(o Outcome) bool {
	if !o.State.Terminal() {
		return false
	}
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return false
	}
	if o.CompletedAt.IsZero() {
		o.CompletedAt = time.Now().UTC()
	}
	r.state = o.State
	r.outcome = o
	r.mu.Unlock()
	close(r.done)
	return true
}

func (r *Request) Done() <-chan struct{} {
	return r.done
}

func (r *Request) Result() (Outcome, bool) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.outcome, true
	default:
		return Outcome{}, false
	}
}

func (r *Request) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		o, _ := r.Result()
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
