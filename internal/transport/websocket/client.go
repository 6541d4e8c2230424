// Package websocket implements the Transport over a JSON frame protocol spoken
// by a bridge process that holds the real network session.
//
// Requests carry a client-assigned id and are answered by a frame with the
// same id (send -> ack, resolve -> resolved). Replies from the peer arrive as
// unsolicited message frames and are surfaced through Next in arrival order.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/mattjoyce/courier/internal/log"
	"github.com/mattjoyce/courier/internal/message"
	"github.com/mattjoyce/courier/internal/transport"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	inboundBuffer       = 256
)

// Options configures Dial.
type Options struct {
	URL          string
	Token        string // sent as a bearer token on the upgrade request
	DialTimeout  time.Duration
	WriteTimeout time.Duration // bounds each write and the wait for its answer
}

// Client is a Transport backed by one bridge connection.
type Client struct {
	conn         *gws.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	nextID       atomic.Int64
	logger       *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]chan Frame

	events chan message.InboundEvent

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	readErr   error
}

var _ transport.Transport = (*Client)(nil)

// Dial connects to the bridge and starts the read loop.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, transport.Wrap("dial", fmt.Errorf("bridge url is empty"))
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}

	dialer := gws.Dialer{HandshakeTimeout: opts.DialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, transport.Wrap("dial", fmt.Errorf("dial %s: %w (status %d)", opts.URL, err, resp.StatusCode))
		}
		return nil, transport.Wrap("dial", fmt.Errorf("dial %s: %w", opts.URL, err))
	}

	c := &Client{
		conn:         conn,
		writeTimeout: opts.WriteTimeout,
		logger:       log.WithComponent("transport.websocket"),
		pending:      make(map[string]chan Frame),
		events:       make(chan message.InboundEvent, inboundBuffer),
		done:         make(chan struct{}),
	}
	go c.readLoop()

	c.logger.Info("bridge connected", "url", opts.URL)
	return c, nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		f, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping invalid frame", "error", err)
			continue
		}

		switch f.Type {
		case FrameAck, FrameResolved:
			c.pendingMu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.pendingMu.Unlock()
			if !ok {
				c.logger.Debug("answer for unknown frame id", "id", f.ID, "type", f.Type)
				continue
			}
			ch <- f
		case FrameMessage:
			ev := message.InboundEvent{Sender: f.From, Text: f.Text, ReceivedAt: time.Now().UTC()}
			if f.At != nil {
				ev.ReceivedAt = f.At.UTC()
			}
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.readErr = err
		c.errMu.Unlock()
		close(c.done)
		c.conn.Close()
		if err != nil {
			c.logger.Warn("bridge connection closed", "error", err)
		}
	})
}

func (c *Client) closedErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr != nil {
		return fmt.Errorf("%w: %v", transport.ErrClosed, c.readErr)
	}
	return transport.ErrClosed
}

// roundTrip writes f with a fresh id and waits for the frame answering it.
func (c *Client) roundTrip(ctx context.Context, f Frame) (Frame, error) {
	f.ID = fmt.Sprintf("c-%d", c.nextID.Add(1))

	data, err := EncodeFrame(f)
	if err != nil {
		return Frame{}, err
	}

	ch := make(chan Frame, 1)
	c.pendingMu.Lock()
	c.pending[f.ID] = ch
	c.pendingMu.Unlock()
	forget := func() {
		c.pendingMu.Lock()
		delete(c.pending, f.ID)
		c.pendingMu.Unlock()
	}

	select {
	case <-c.done:
		forget()
		return Frame{}, c.closedErr()
	default:
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	err = c.conn.WriteMessage(gws.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return Frame{}, fmt.Errorf("write %s frame: %w", f.Type, err)
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		forget()
		return Frame{}, fmt.Errorf("timeout waiting for answer to %s frame %s", f.Type, f.ID)
	case <-ctx.Done():
		forget()
		return Frame{}, ctx.Err()
	case <-c.done:
		forget()
		return Frame{}, c.closedErr()
	}
}

func (c *Client) Send(ctx context.Context, dest transport.Destination, payload string) error {
	resp, err := c.roundTrip(ctx, Frame{Type: FrameSend, To: dest.ID, Text: payload})
	if err != nil {
		return transport.Wrap("send", err)
	}
	if resp.Type != FrameAck {
		return transport.Wrap("send", fmt.Errorf("unexpected %s frame in answer to send", resp.Type))
	}
	if !resp.OK {
		return transport.Wrap("send", fmt.Errorf("bridge rejected send: %s", resp.Error))
	}
	return nil
}

func (c *Client) Resolve(ctx context.Context, identifier string) (transport.Destination, error) {
	resp, err := c.roundTrip(ctx, Frame{Type: FrameResolve, Name: identifier})
	if err != nil {
		return transport.Destination{}, transport.Wrap("resolve", err)
	}
	if resp.Type != FrameResolved {
		return transport.Destination{}, transport.Wrap("resolve", fmt.Errorf("unexpected %s frame in answer to resolve", resp.Type))
	}
	if !resp.OK {
		if resp.Error != "" {
			return transport.Destination{}, transport.Wrap("resolve", fmt.Errorf("%w: %s", transport.ErrNotFound, resp.Error))
		}
		return transport.Destination{}, transport.Wrap("resolve", transport.ErrNotFound)
	}
	name := resp.Peer.Name
	if name == "" {
		name = identifier
	}
	return transport.Destination{ID: resp.Peer.ID, Identity: resp.Peer.Identity, Name: name}, nil
}

func (c *Client) Next(ctx context.Context) (message.InboundEvent, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.done:
		return message.InboundEvent{}, transport.Wrap("receive", c.closedErr())
	case <-ctx.Done():
		return message.InboundEvent{}, ctx.Err()
	}
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	c.writeMu.Lock()
	err := c.conn.WriteControl(gws.CloseMessage,
		gws.FormatCloseMessage(gws.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(nil)
	if err != nil && !errors.Is(err, gws.ErrCloseSent) {
		return transport.Wrap("close", err)
	}
	return nil
}
