package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/courier/internal/journal"
	"github.com/mattjoyce/courier/internal/message"
	"github.com/mattjoyce/courier/internal/storage"
)

func openStore(t *testing.T) *journal.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "courier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return journal.New(db)
}

func matchedRequest(t *testing.T, store *journal.Store) *message.Request {
	t.Helper()
	ctx := context.Background()
	req := message.New("line one\nline two", message.PriorityUrgent, 0)
	require.NoError(t, store.Admit(ctx, req, "GrokAI"))

	sentAt := req.SubmittedAt.Add(250 * time.Millisecond)
	require.NoError(t, store.MarkSent(ctx, req.ID, sentAt))
	o := message.Matched(message.InboundEvent{Sender: "GrokAI", Text: "hello back"})
	o.CompletedAt = sentAt.Add(1500 * time.Millisecond)
	require.NoError(t, store.Complete(ctx, req.ID, sentAt, o))
	return req
}

func TestBuildReportRendersTimeline(t *testing.T) {
	store := openStore(t)
	req := matchedRequest(t, store)

	out, err := BuildReport(context.Background(), store, message.DefaultTiers(), req.ID)
	require.NoError(t, err)

	for _, want := range []string{
		"Request ID  : " + req.ID,
		"Priority    : urgent",
		"State       : matched",
		"(250ms queued)",
		"(1.5s after send)",
		"    line one\n    line two\n",
		"Reply from GrokAI",
		"    hello back",
	} {
		assert.Contains(t, out, want)
	}
}

func TestBuildJSONReport(t *testing.T) {
	store := openStore(t)
	req := matchedRequest(t, store)

	raw, err := BuildJSONReport(context.Background(), store, message.DefaultTiers(), req.ID)
	require.NoError(t, err)

	var r Report
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	assert.Equal(t, req.ID, r.RequestID)
	require.NotNil(t, r.QueueWaitMS)
	require.NotNil(t, r.ReplyLatencyMS)
	assert.Equal(t, int64(250), *r.QueueWaitMS)
	assert.Equal(t, int64(1500), *r.ReplyLatencyMS)
	assert.Equal(t, "hello back", r.ReplyText)
}

func TestBuildReportPendingAndFailed(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	queued := message.New("waiting", 15, 0)
	require.NoError(t, store.Admit(ctx, queued, "GrokAI"))
	out, err := BuildReport(ctx, store, message.DefaultTiers(), queued.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Priority    : 15")
	assert.Contains(t, out, "sent       : <pending>")

	failed := message.New("boom", message.PriorityLow, 0)
	require.NoError(t, store.Admit(ctx, failed, "GrokAI"))
	require.NoError(t, store.Complete(ctx, failed.ID, time.Time{}, message.SendFailed(errors.New("bridge unreachable"))))
	out, err = BuildReport(ctx, store, message.DefaultTiers(), failed.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "State       : send_failed")
	assert.Contains(t, out, "bridge unreachable")
}

func TestBuildReportNotFound(t *testing.T) {
	store := openStore(t)

	_, err := BuildReport(context.Background(), store, message.DefaultTiers(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"missing" not found`)

	_, err = BuildReport(context.Background(), store, message.DefaultTiers(), "  ")
	require.Error(t, err)
}

func TestRecent(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	assert.Equal(t, "No requests in journal.\n", FormatRecent(nil))

	first := matchedRequest(t, store)
	time.Sleep(2 * time.Millisecond)
	second := message.New("queued", message.PriorityLow, 0)
	require.NoError(t, store.Admit(ctx, second, "GrokAI"))

	list, err := Recent(ctx, store, message.DefaultTiers(), 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].RequestID)
	assert.Equal(t, first.ID, list[1].RequestID)
	assert.Equal(t, "hello back", list[1].Detail)

	table := FormatRecent(list)
	lines := strings.Split(strings.TrimSpace(table), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "REQUEST ID"))
	assert.Contains(t, lines[2], "matched")
}
