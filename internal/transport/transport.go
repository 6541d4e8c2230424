// Package transport defines the collaborator that actually talks to the remote
// peer. The dispatcher and supervisor only depend on this interface; the
// websocket and loopback subpackages provide implementations.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/courier/internal/message"
)

//go:generate mockgen -destination=mocks/mock_transport.go -package=mocks github.com/mattjoyce/courier/internal/transport Transport

var (
	// ErrNotFound is returned by Resolve when the identifier does not name a peer.
	ErrNotFound = errors.New("peer not found")
	// ErrClosed is returned once the transport has shut down.
	ErrClosed = errors.New("transport closed")
)

// Destination is a resolved peer. ID addresses outbound sends; Identity is the
// sender identity carried by the peer's replies.
type Destination struct {
	ID       string `json:"id"`
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
}

// Transport sends to and receives from the remote side. Authentication and
// session handling happen before a Transport is handed to the supervisor.
type Transport interface {
	// Send delivers payload to dest. A non-nil error is terminal for this attempt.
	Send(ctx context.Context, dest Destination, payload string) error
	// Next blocks until the next inbound event arrives, ctx ends, or the
	// transport closes (ErrClosed). Events are returned in arrival order.
	Next(ctx context.Context) (message.InboundEvent, error)
	// Resolve maps a user-facing identifier to a Destination, or ErrNotFound.
	Resolve(ctx context.Context, identifier string) (Destination, error)
	// Close releases the underlying connection.
	Close() error
}

// Error describes a failed transport operation.
type Error struct {
	Op  string // "send", "resolve", "receive", "dial"
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns err wrapped as a *Error for op, or nil when err is nil.
// Errors that already are a *Error are returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Op: op, Err: err}
}
