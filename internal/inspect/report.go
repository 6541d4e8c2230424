// Package inspect renders journal history for operators. It reads the SQLite
// journal directly, so it works whether or not a dispatcher is running.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/courier/internal/journal"
	"github.com/mattjoyce/courier/internal/message"
)

// Report is the structured JSON representation of one request's history.
type Report struct {
	RequestID   string     `json:"request_id"`
	Priority    string     `json:"priority"`
	State       string     `json:"state"`
	Peer        string     `json:"peer"`
	Payload     string     `json:"payload"`
	SubmittedAt time.Time  `json:"submitted_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// QueueWaitMS is the time between admission and send.
	QueueWaitMS *int64 `json:"queue_wait_ms,omitempty"`
	// ReplyLatencyMS is the time between send and completion.
	ReplyLatencyMS *int64 `json:"reply_latency_ms,omitempty"`
	ReplySender    string `json:"reply_sender,omitempty"`
	ReplyText      string `json:"reply_text,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Summary is one line of the recent-requests listing.
type Summary struct {
	RequestID   string    `json:"request_id"`
	Priority    string    `json:"priority"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
	Detail      string    `json:"detail,omitempty"`
}

func gatherReport(ctx context.Context, store *journal.Store, tiers message.Tiers, id string) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("request id is required")
	}
	rec, err := store.Get(ctx, id)
	if errors.Is(err, journal.ErrNotFound) {
		return nil, fmt.Errorf("request %q not found", id)
	}
	if err != nil {
		return nil, err
	}

	r := &Report{
		RequestID:   rec.ID,
		Priority:    tiers.Name(rec.Priority),
		State:       string(rec.State),
		Peer:        rec.Peer,
		Payload:     rec.Payload,
		SubmittedAt: rec.SubmittedAt,
		SentAt:      rec.SentAt,
		CompletedAt: rec.CompletedAt,
		ReplySender: rec.ReplySender,
		ReplyText:   rec.ReplyText,
		Error:       rec.LastError,
	}
	if rec.SentAt != nil {
		r.QueueWaitMS = millis(rec.SentAt.Sub(rec.SubmittedAt))
		if rec.CompletedAt != nil {
			r.ReplyLatencyMS = millis(rec.CompletedAt.Sub(*rec.SentAt))
		}
	}
	return r, nil
}

func millis(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}

// BuildReport renders a terminal-friendly history of one request.
func BuildReport(ctx context.Context, store *journal.Store, tiers message.Tiers, id string) (string, error) {
	r, err := gatherReport(ctx, store, tiers, id)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Request Report\n")
	fmt.Fprintf(&out, "Request ID  : %s\n", r.RequestID)
	fmt.Fprintf(&out, "Priority    : %s\n", r.Priority)
	fmt.Fprintf(&out, "State       : %s\n", r.State)
	fmt.Fprintf(&out, "Peer        : %s\n", r.Peer)
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Timeline\n")
	fmt.Fprintf(&out, "    submitted  : %s\n", formatTime(&r.SubmittedAt))
	fmt.Fprintf(&out, "    sent       : %s%s\n", formatTime(r.SentAt), formatDelta(r.QueueWaitMS, "queued"))
	fmt.Fprintf(&out, "    completed  : %s%s\n", formatTime(r.CompletedAt), formatDelta(r.ReplyLatencyMS, "after send"))
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Payload\n")
	writeIndented(&out, r.Payload)
	switch {
	case r.ReplySender != "" || r.ReplyText != "":
		fmt.Fprintf(&out, "Reply from %s\n", r.ReplySender)
		writeIndented(&out, r.ReplyText)
	case r.Error != "":
		fmt.Fprintf(&out, "Error\n")
		writeIndented(&out, r.Error)
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable report for one request.
func BuildJSONReport(ctx context.Context, store *journal.Store, tiers message.Tiers, id string) (string, error) {
	r, err := gatherReport(ctx, store, tiers, id)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// Recent summarizes up to limit requests, newest first.
func Recent(ctx context.Context, store *journal.Store, tiers message.Tiers, limit int) ([]Summary, error) {
	recs, err := store.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(recs))
	for _, rec := range recs {
		detail := rec.ReplyText
		if rec.LastError != "" {
			detail = rec.LastError
		}
		out = append(out, Summary{
			RequestID:   rec.ID,
			Priority:    tiers.Name(rec.Priority),
			State:       string(rec.State),
			SubmittedAt: rec.SubmittedAt,
			Detail:      detail,
		})
	}
	return out, nil
}

// FormatRecent renders summaries as aligned columns.
func FormatRecent(list []Summary) string {
	if len(list) == 0 {
		return "No requests in journal.\n"
	}
	var out strings.Builder
	fmt.Fprintf(&out, "%-36s  %-10s  %-11s  %-20s  %s\n", "REQUEST ID", "PRIORITY", "STATE", "SUBMITTED", "DETAIL")
	for _, s := range list {
		fmt.Fprintf(&out, "%-36s  %-10s  %-11s  %-20s  %s\n",
			s.RequestID, s.Priority, s.State, s.SubmittedAt.UTC().Format(time.RFC3339), oneLine(s.Detail, 60))
	}
	return out.String()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "<pending>"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatDelta(ms *int64, label string) string {
	if ms == nil {
		return ""
	}
	return fmt.Sprintf(" (%s %s)", time.Duration(*ms)*time.Millisecond, label)
}

func writeIndented(out *strings.Builder, text string) {
	if text == "" {
		fmt.Fprintf(out, "    <empty>\n")
		return
	}
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(out, "    %s\n", line)
	}
}

func oneLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
