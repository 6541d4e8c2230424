// Package loopback is an in-memory Transport. The "peer" answers sends through
// a Responder after a configurable delay, which makes it useful for local runs
// and for exercising the dispatcher without a network.
package loopback

import (
	"context"
	"sync"
	"time"

	"github.com/mattjoyce/courier/internal/message"
	"github.com/mattjoyce/courier/internal/transport"
)

// Responder decides the peer's reply to payload. ok=false means no reply.
type Responder func(payload string) (reply string, ok bool)

// Echo replies with the payload prefixed by "echo: ".
func Echo(payload string) (string, bool) {
	return "echo: " + payload, true
}

// Silent never replies.
func Silent(string) (string, bool) { return "", false }

// Options configures a loopback transport.
type Options struct {
	// Peers restricts Resolve to these identifiers. When nil any identifier
	// resolves to a destination whose identity is the identifier itself.
	Peers map[string]transport.Destination
	// Respond produces replies; nil means Silent.
	Respond Responder
	// Delay is the reply latency.
	Delay time.Duration
	// FailSend, when set, is consulted before every send; a non-nil error
	// fails the send.
	FailSend func(payload string) error
}

// Sent records one delivered payload.
type Sent struct {
	Dest    transport.Destination
	Payload string
	At      time.Time
}

type scheduled struct {
	ev  message.InboundEvent
	due time.Time
}

type Transport struct {
	opts Options

	mu      sync.Mutex
	sent    []Sent
	replies []scheduled // send order
	wake    chan struct{}

	inbound   chan message.InboundEvent
	closed    chan struct{}
	closeOnce sync.Once
}

var _ transport.Transport = (*Transport)(nil)

func New(opts Options) *Transport {
	if opts.Respond == nil {
		opts.Respond = Silent
	}
	t := &Transport{
		opts:    opts,
		wake:    make(chan struct{}, 1),
		inbound: make(chan message.InboundEvent, 256),
		closed:  make(chan struct{}),
	}
	go t.deliver()
	return t
}

func (t *Transport) Send(ctx context.Context, dest transport.Destination, payload string) error {
	select {
	case <-t.closed:
		return transport.Wrap("send", transport.ErrClosed)
	case <-ctx.Done():
		return transport.Wrap("send", ctx.Err())
	default:
	}

	if t.opts.FailSend != nil {
		if err := t.opts.FailSend(payload); err != nil {
			return transport.Wrap("send", err)
		}
	}

	t.mu.Lock()
	now := time.Now().UTC()
	t.sent = append(t.sent, Sent{Dest: dest, Payload: payload, At: now})
	reply, ok := t.opts.Respond(payload)
	if ok {
		t.replies = append(t.replies, scheduled{
			ev:  message.InboundEvent{Sender: dest.Identity, Text: reply},
			due: now.Add(t.opts.Delay),
		})
	}
	t.mu.Unlock()

	if ok {
		select {
		case t.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// deliver injects scheduled replies one at a time, in send order, each no
// earlier than its due time.
func (t *Transport) deliver() {
	for {
		t.mu.Lock()
		if len(t.replies) == 0 {
			t.mu.Unlock()
			select {
			case <-t.wake:
				continue
			case <-t.closed:
				return
			}
		}
		next := t.replies[0]
		t.mu.Unlock()

		if d := time.Until(next.due); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-t.closed:
				timer.Stop()
				return
			}
		}

		t.mu.Lock()
		t.replies[0] = scheduled{}
		t.replies = t.replies[1:]
		t.mu.Unlock()
		t.Inject(next.ev)
	}
}

// Inject delivers ev as if the peer had sent it. It is dropped once the
// transport is closed.
func (t *Transport) Inject(ev message.InboundEvent) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	select {
	case t.inbound <- ev:
	case <-t.closed:
	}
}

func (t *Transport) Next(ctx context.Context) (message.InboundEvent, error) {
	select {
	case ev := <-t.inbound:
		return ev, nil
	case <-t.closed:
		return message.InboundEvent{}, transport.ErrClosed
	case <-ctx.Done():
		return message.InboundEvent{}, ctx.Err()
	}
}

func (t *Transport) Resolve(_ context.Context, identifier string) (transport.Destination, error) {
	if t.opts.Peers == nil {
		if identifier == "" {
			return transport.Destination{}, transport.ErrNotFound
		}
		return transport.Destination{ID: "loopback:" + identifier, Identity: identifier, Name: identifier}, nil
	}
	dest, ok := t.opts.Peers[identifier]
	if !ok {
		return transport.Destination{}, transport.ErrNotFound
	}
	return dest, nil
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// Sent returns a copy of every payload delivered so far, in send order.
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.sent...)
}
