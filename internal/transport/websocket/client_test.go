package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/courier/internal/log"
	"github.com/mattjoyce/courier/internal/transport"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

// fakeBridge answers send and resolve frames and lets tests push raw frames.
type fakeBridge struct {
	token      string
	peers      map[string]PeerInfo
	rejectWith string
	echo       bool

	mu        sync.Mutex
	conn      *gws.Conn
	sends     []Frame
	connected chan struct{}
}

func newFakeBridge(t *testing.T, b *fakeBridge) (*httptest.Server, string) {
	t.Helper()
	b.connected = make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (b *fakeBridge) serve(w http.ResponseWriter, r *http.Request) {
	if b.token != "" && r.Header.Get("Authorization") != "Bearer "+b.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := gws.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	close(b.connected)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Type {
		case FrameSend:
			b.mu.Lock()
			b.sends = append(b.sends, f)
			b.mu.Unlock()
			if b.rejectWith != "" {
				b.write(Frame{Type: FrameAck, ID: f.ID, Error: b.rejectWith})
				continue
			}
			b.write(Frame{Type: FrameAck, ID: f.ID, OK: true})
			if b.echo {
				b.write(Frame{Type: FrameMessage, From: "identity-" + f.To, Text: "re: " + f.Text})
			}
		case FrameResolve:
			peer, ok := b.peers[f.Name]
			if !ok {
				b.write(Frame{Type: FrameResolved, ID: f.ID, Error: "no such user"})
				continue
			}
			b.write(Frame{Type: FrameResolved, ID: f.ID, OK: true, Peer: &peer})
		}
	}
}

func (b *fakeBridge) write(f Frame) {
	data, _ := json.Marshal(f)
	b.writeRaw(string(data))
}

func (b *fakeBridge) writeRaw(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.conn.WriteMessage(gws.TextMessage, []byte(s))
}

func (b *fakeBridge) closeConn() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn.Close()
}

func dial(t *testing.T, url, token string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), Options{URL: url, Token: token, WriteTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func nextEvent(t *testing.T, c *Client) (string, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := c.Next(ctx)
	require.NoError(t, err)
	return ev.Sender, ev.Text
}

func TestDialRejectsBadToken(t *testing.T) {
	_, url := newFakeBridge(t, &fakeBridge{token: "secret"})

	_, err := Dial(context.Background(), Options{URL: url, Token: "wrong"})
	require.Error(t, err)
	var te *transport.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "dial", te.Op)
	assert.Contains(t, err.Error(), "401")
}

func TestDialRequiresURL(t *testing.T) {
	_, err := Dial(context.Background(), Options{})
	require.Error(t, err)
}

func TestResolve(t *testing.T) {
	_, url := newFakeBridge(t, &fakeBridge{
		token: "secret",
		peers: map[string]PeerInfo{"GrokAI": {ID: "777", Identity: "grok-777"}},
	})
	c := dial(t, url, "secret")

	dest, err := c.Resolve(context.Background(), "GrokAI")
	require.NoError(t, err)
	assert.Equal(t, transport.Destination{ID: "777", Identity: "grok-777", Name: "GrokAI"}, dest)

	_, err = c.Resolve(context.Background(), "nobody")
	assert.ErrorIs(t, err, transport.ErrNotFound)
	assert.Contains(t, err.Error(), "no such user")
}

func TestSendAndReceiveReply(t *testing.T) {
	b := &fakeBridge{echo: true}
	_, url := newFakeBridge(t, b)
	c := dial(t, url, "")

	require.NoError(t, c.Send(context.Background(), transport.Destination{ID: "777"}, "hello"))

	sender, text := nextEvent(t, c)
	assert.Equal(t, "identity-777", sender)
	assert.Equal(t, "re: hello", text)

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.sends, 1)
	assert.Equal(t, "777", b.sends[0].To)
	assert.Equal(t, "hello", b.sends[0].Text)
}

func TestSendRejected(t *testing.T) {
	_, url := newFakeBridge(t, &fakeBridge{rejectWith: "FLOOD_WAIT_30"})
	c := dial(t, url, "")

	err := c.Send(context.Background(), transport.Destination{ID: "777"}, "hello")
	require.Error(t, err)
	var te *transport.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "send", te.Op)
	assert.Contains(t, err.Error(), "FLOOD_WAIT_30")
}

func TestInvalidFramesAreDropped(t *testing.T) {
	b := &fakeBridge{}
	_, url := newFakeBridge(t, b)
	c := dial(t, url, "")
	<-b.connected

	b.writeRaw(`{"type":"message","text":"no sender"}`)
	b.writeRaw(`not json at all`)
	b.writeRaw(`{"type":"message","from":"GrokAI","text":"valid","at":"2026-03-04T05:06:07Z"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "valid", ev.Text)
	assert.Equal(t, time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC), ev.ReceivedAt)
}

func TestRemoteCloseEndsStream(t *testing.T) {
	b := &fakeBridge{}
	_, url := newFakeBridge(t, b)
	c := dial(t, url, "")
	<-b.connected

	b.closeConn()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Next(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrClosed), "got %v", err)

	err = c.Send(context.Background(), transport.Destination{ID: "1"}, "late")
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.NoError(t, c.Close())
}

func TestNextHonoursContext(t *testing.T) {
	_, url := newFakeBridge(t, &fakeBridge{})
	c := dial(t, url, "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseIsIdempotent(t *testing.T) {
	_, url := newFakeBridge(t, &fakeBridge{})
	c, err := Dial(context.Background(), Options{URL: url})
	require.NoError(t, err)

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	_, err = c.Next(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)
}
