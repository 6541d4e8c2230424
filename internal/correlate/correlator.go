// Package correlate matches inbound events to outstanding requests and
// enforces their response deadlines.
//
// Each request is registered as a pending entry, keyed by the identity its
// reply is expected from, just before it is sent; its deadline is armed once
// the send succeeds. An inbound event resolves the oldest
// pending entry whose identity matches; entries that reach their deadline first
// resolve as timed out. Removal from the table and resolution of the request
// happen under the same lock, so every entry ends in exactly one of matched,
// timed out or cancelled.
package correlate

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/courier/internal/log"
	"github.com/mattjoyce/courier/internal/message"
)

// DefaultTimeout applies when neither the request nor the correlator sets one.
const DefaultTimeout = 30 * time.Second

// ErrShutdown is the cancellation reason used when none is given.
var ErrShutdown = errors.New("correlator shut down")

// Matcher reports whether ev answers a request that expects a reply from
// identity.
type Matcher func(identity string, ev message.InboundEvent) bool

// IdentityMatcher matches on the event sender alone.
func IdentityMatcher(identity string, ev message.InboundEvent) bool {
	return ev.Sender == identity
}

type entry struct {
	req      *message.Request
	identity string
	sentAt   time.Time
	deadline time.Time
	timer    *time.Timer // nil until armed
}

func (e *entry) stop() {
	if e.timer != nil {
		e.timer.Stop()
	}
}

// Correlator holds the pending-entry table.
type Correlator struct {
	defaultTimeout time.Duration
	match          Matcher
	logger         *slog.Logger

	mu      sync.Mutex
	pending []*entry // oldest first
	closed  bool
	reason  error
}

// New creates a Correlator. A zero defaultTimeout means DefaultTimeout and a
// nil matcher means IdentityMatcher.
func New(defaultTimeout time.Duration, matcher Matcher) *Correlator {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if matcher == nil {
		matcher = IdentityMatcher
	}
	return &Correlator{
		defaultTimeout: defaultTimeout,
		match:          matcher,
		logger:         log.WithComponent("correlate"),
	}
}

// Register adds req to the table as waiting for a reply from identity without
// starting its deadline. A reply that arrives before Arm still matches. If the
// correlator is closed the request resolves as cancelled at once.
func (c *Correlator) Register(req *message.Request, identity string) message.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		req.Complete(message.Cancelled(c.reason))
		return req
	}
	c.pending = append(c.pending, &entry{req: req, identity: identity})
	return req
}

// Arm starts the response deadline of the registered entry for id, measured
// from now. timeout overrides the request's own deadline when positive; if
// both are zero the correlator default applies. It returns false when the
// entry has already been resolved or withdrawn.
func (c *Correlator) Arm(id string, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.pending {
		if e.req.ID != id {
			continue
		}
		if e.timer != nil {
			return true
		}
		c.arm(e, timeout)
		return true
	}
	return false
}

func (c *Correlator) arm(e *entry, timeout time.Duration) {
	if timeout <= 0 {
		timeout = e.req.Timeout
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	now := time.Now()
	e.sentAt = now
	e.deadline = now.Add(timeout)
	e.timer = time.AfterFunc(timeout, func() { c.expire(e) })
}

// Await registers req and arms its deadline in one step.
func (c *Correlator) Await(req *message.Request, identity string, timeout time.Duration) message.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		req.Complete(message.Cancelled(c.reason))
		return req
	}
	e := &entry{req: req, identity: identity}
	c.arm(e, timeout)
	c.pending = append(c.pending, e)
	return req
}

// Feed offers an inbound event to the table. It returns true if the event
// resolved a pending entry; unmatched events are dropped.
func (c *Correlator) Feed(ev message.InboundEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, e := range c.pending {
		if !c.match(e.identity, ev) {
			continue
		}
		c.removeAt(i)
		e.stop()
		e.req.Complete(message.Matched(ev))
		var latency time.Duration
		if !e.sentAt.IsZero() {
			latency = time.Since(e.sentAt)
		}
		c.logger.Debug("reply matched", "request_id", e.req.ID, "sender", ev.Sender,
			"latency", latency.String())
		return true
	}

	c.logger.Debug("unsolicited event dropped", "sender", ev.Sender)
	return false
}

func (c *Correlator) expire(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.pending {
		if p != e {
			continue
		}
		c.removeAt(i)
		e.req.Complete(message.TimedOut())
		c.logger.Info("response timed out", "request_id", e.req.ID, "identity", e.identity)
		return
	}
	// Already matched or cancelled.
}

// Withdraw removes the pending entry for id and resolves it with o. It returns
// false when the entry has already been resolved.
func (c *Correlator) Withdraw(id string, o message.Outcome) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, e := range c.pending {
		if e.req.ID != id {
			continue
		}
		c.removeAt(i)
		e.stop()
		return e.req.Complete(o)
	}
	return false
}

func (c *Correlator) removeAt(i int) {
	copy(c.pending[i:], c.pending[i+1:])
	c.pending[len(c.pending)-1] = nil
	c.pending = c.pending[:len(c.pending)-1]
}

// CancelAll resolves every pending entry as cancelled with reason and closes
// the correlator; later Awaits resolve immediately as cancelled. A nil reason
// becomes ErrShutdown. It returns the number of entries cancelled.
func (c *Correlator) CancelAll(reason error) int {
	if reason == nil {
		reason = ErrShutdown
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.reason = reason
	n := len(c.pending)
	for _, e := range c.pending {
		e.stop()
		e.req.Complete(message.Cancelled(reason))
	}
	c.pending = nil
	if n > 0 {
		c.logger.Info("pending requests cancelled", "count", n, "reason", reason.Error())
	}
	return n
}

// Pending returns the number of outstanding entries.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Deadline returns the response deadline of the armed pending entry for id.
func (c *Correlator) Deadline(id string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.pending {
		if e.req.ID == id && e.timer != nil {
			return e.deadline, true
		}
	}
	return time.Time{}, false
}
