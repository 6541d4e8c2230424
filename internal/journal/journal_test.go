package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/courier/internal/log"
	"github.com/mattjoyce/courier/internal/message"
	"github.com/mattjoyce/courier/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "courier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestAdmitSentComplete(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	req := message.New("hello", message.PriorityHigh, 0)
	require.NoError(t, s.Admit(ctx, req, "GrokAI"))

	rec, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StateQueued, rec.State)
	assert.Equal(t, message.PriorityHigh, rec.Priority)
	assert.Equal(t, "GrokAI", rec.Peer)
	assert.WithinDuration(t, req.SubmittedAt, rec.SubmittedAt, time.Microsecond)
	assert.Nil(t, rec.SentAt)

	sentAt := time.Now()
	require.NoError(t, s.MarkSent(ctx, req.ID, sentAt))
	rec, err = s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StateSent, rec.State)
	require.NotNil(t, rec.SentAt)

	o := message.Matched(message.InboundEvent{Sender: "GrokAI", Text: "hi back"})
	require.NoError(t, s.Complete(ctx, req.ID, sentAt, o))
	rec, err = s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StateMatched, rec.State)
	assert.Equal(t, "hi back", rec.ReplyText)
	assert.Equal(t, "GrokAI", rec.ReplySender)
	require.NotNil(t, rec.CompletedAt)
	assert.Empty(t, rec.LastError)

	// A late MarkSent must not regress a terminal row.
	require.NoError(t, s.MarkSent(ctx, req.ID, time.Now()))
	rec, err = s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StateMatched, rec.State)
}

func TestCompleteRecordsError(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	req := message.New("x", message.PriorityNormal, 0)
	require.NoError(t, s.Admit(ctx, req, "GrokAI"))
	require.NoError(t, s.Complete(ctx, req.ID, time.Time{}, message.SendFailed(errors.New("flood wait"))))

	rec, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StateSendFailed, rec.State)
	assert.Equal(t, "flood wait", rec.LastError)
	assert.Nil(t, rec.SentAt)
}

func TestGetNotFound(t *testing.T) {
	_, err := openStore(t).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		req := message.New("p", message.PriorityNormal, 0)
		req.SubmittedAt = time.Now().Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Admit(ctx, req, "GrokAI"))
		ids = append(ids, req.ID)
	}

	recs, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ids[2], recs[0].ID)
	assert.Equal(t, ids[1], recs[1].ID)
}

func TestRecoverOrphans(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	queued := message.New("queued", message.PriorityNormal, 0)
	sent := message.New("sent", message.PriorityNormal, 0)
	done := message.New("done", message.PriorityNormal, 0)
	for _, r := range []*message.Request{queued, sent, done} {
		require.NoError(t, s.Admit(ctx, r, "GrokAI"))
	}
	require.NoError(t, s.MarkSent(ctx, sent.ID, time.Now()))
	require.NoError(t, s.Complete(ctx, done.ID, time.Now(), message.TimedOut()))

	ids, err := s.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{queued.ID, sent.ID}, ids)

	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, message.StateCancelled, rec.State)
		assert.Equal(t, ErrOrphaned.Error(), rec.LastError)
	}
	rec, err := s.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StateTimedOut, rec.State)

	ids, err = s.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	old := message.New("old", message.PriorityNormal, 0)
	fresh := message.New("fresh", message.PriorityNormal, 0)
	open := message.New("open", message.PriorityNormal, 0)
	for _, r := range []*message.Request{old, fresh, open} {
		require.NoError(t, s.Admit(ctx, r, "GrokAI"))
	}
	stale := message.TimedOut()
	stale.CompletedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.Complete(ctx, old.ID, time.Time{}, stale))
	require.NoError(t, s.Complete(ctx, fresh.ID, time.Time{}, message.TimedOut()))

	n, err := s.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, fresh.ID)
	assert.NoError(t, err)
	_, err = s.Get(ctx, open.ID)
	assert.NoError(t, err)
}

func TestWriterAppliesInOrder(t *testing.T) {
	s := openStore(t)
	w := NewWriter(s)
	go w.Run(context.Background())

	req := message.New("async", message.PriorityUrgent, 0)
	w.Admitted(req, "GrokAI")
	req.MarkQueued()
	req.MarkSent()
	w.Sent(req)
	o := message.Matched(message.InboundEvent{Sender: "GrokAI", Text: "ok"})
	req.Complete(o)
	w.Completed(req, o)

	rejected := message.New("rejected", message.PriorityLow, 0)
	w.Admitted(rejected, "GrokAI")
	w.Rejected(rejected)

	w.Close()

	rec, err := s.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StateMatched, rec.State)
	assert.NotNil(t, rec.SentAt)
	assert.Equal(t, "ok", rec.ReplyText)

	_, err = s.Get(context.Background(), rejected.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Updates after Close are ignored; a second Close returns immediately.
	w.Admitted(message.New("late", message.PriorityNormal, 0), "GrokAI")
	w.Close()
}
