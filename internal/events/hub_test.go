package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/courier/internal/message"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeAdmitted, map[string]string{"request_id": "r1"})

	select {
	case ev := <-ch:
		assert.Equal(t, int64(1), ev.ID)
		assert.Equal(t, TypeAdmitted, ev.Type)
		assert.JSONEq(t, `{"request_id":"r1"}`, string(ev.Data))
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHubRingOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(TypeSent, nil)
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{all[0].ID, all[1].ID, all[2].ID})

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)
	assert.JSONEq(t, `{}`, string(since[0].Data))
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(0)
	ch, cancel := h.Subscribe()
	assert.Equal(t, 1, h.Subscribers())

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, h.Subscribers())

	// Publishing with no subscribers still fills the ring.
	h.Publish(TypeStarted, SupervisorData{Peer: "GrokAI"})
	assert.Len(t, h.SnapshotSince(0), 1)
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(8)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			h.Publish(TypeSent, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestForRequest(t *testing.T) {
	req := message.New("ping", message.PriorityUrgent, 0)
	require.True(t, req.MarkQueued())

	d := ForRequest(req, nil, 3)
	assert.Equal(t, message.StateQueued, d.State)
	assert.Equal(t, 3, d.QueueDepth)
	assert.Nil(t, d.SentAt)

	require.True(t, req.MarkSent())
	o := message.Matched(message.InboundEvent{Sender: "GrokAI", Text: "pong"})
	d = ForRequest(req, &o, 0)
	assert.Equal(t, message.StateMatched, d.State)
	assert.Equal(t, "pong", d.Reply)
	require.NotNil(t, d.SentAt)
	assert.GreaterOrEqual(t, d.LatencyMS, int64(0))

	b, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"state":"matched"`)

	failed := message.SendFailed(errors.New("boom"))
	assert.Equal(t, "boom", ForRequest(req, &failed, 0).Error)
}

func TestTypeFor(t *testing.T) {
	assert.Equal(t, TypeMatched, TypeFor(message.StateMatched))
	assert.Equal(t, TypeTimedOut, TypeFor(message.StateTimedOut))
	assert.Equal(t, TypeSendFailed, TypeFor(message.StateSendFailed))
	assert.Equal(t, TypeCancelled, TypeFor(message.StateCancelled))
}
