package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/courier/internal/events"
	"github.com/mattjoyce/courier/internal/message"
)

// maxTracked bounds the requests the table remembers.
const maxTracked = 200

// RequestState tracks one request discovered from events.
type RequestState struct {
	ID          string
	Priority    message.Priority
	State       message.State
	SubmittedAt time.Time
	SentAt      time.Time
	CompletedAt time.Time
	Reply       string
	Error       string
}

// Duration is the time spent waiting so far, or the total once complete.
func (r *RequestState) Duration(now time.Time) time.Duration {
	start := r.SubmittedAt
	if !r.SentAt.IsZero() {
		start = r.SentAt
	}
	end := now
	if !r.CompletedAt.IsZero() {
		end = r.CompletedAt
	}
	if start.IsZero() || end.Before(start) {
		return 0
	}
	return end.Sub(start)
}

// updateRequestState folds a request.* event into requests.
func updateRequestState(requests map[string]*RequestState, e events.Event) {
	var data events.RequestData
	if err := json.Unmarshal(e.Data, &data); err != nil || data.RequestID == "" {
		return
	}

	r, ok := requests[data.RequestID]
	if !ok {
		if e.Type == events.TypeRejected {
			return
		}
		r = &RequestState{ID: data.RequestID}
		requests[data.RequestID] = r
	}

	r.Priority = data.Priority
	r.SubmittedAt = data.SubmittedAt
	if data.SentAt != nil {
		r.SentAt = *data.SentAt
	}

	switch e.Type {
	case events.TypeRejected:
		delete(requests, data.RequestID)
		return
	case events.TypeAdmitted:
		if r.State == "" {
			r.State = message.StateQueued
		}
	default:
		// Events can arrive out of order after a replay; never move backwards.
		if !r.State.Terminal() && data.State.Valid() {
			r.State = data.State
		}
	}
	if r.State.Terminal() && r.CompletedAt.IsZero() {
		r.CompletedAt = e.At
		r.Reply = data.Reply
		r.Error = data.Error
	}

	pruneRequests(requests)
}

// pruneRequests drops the oldest completed requests beyond maxTracked.
func pruneRequests(requests map[string]*RequestState) {
	if len(requests) <= maxTracked {
		return
	}
	done := make([]*RequestState, 0, len(requests))
	for _, r := range requests {
		if r.State.Terminal() {
			done = append(done, r)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].CompletedAt.Before(done[j].CompletedAt) })
	for _, r := range done {
		if len(requests) <= maxTracked {
			return
		}
		delete(requests, r.ID)
	}
}

// sortedRequests lists open requests first (by priority, then age) and
// completed ones after, newest first.
func sortedRequests(requests map[string]*RequestState) []*RequestState {
	out := make([]*RequestState, 0, len(requests))
	for _, r := range requests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.State.Terminal() != b.State.Terminal() {
			return !a.State.Terminal()
		}
		if !a.State.Terminal() {
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.CompletedAt.After(b.CompletedAt)
	})
	return out
}

func newRequestTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 10},
			{Title: "Priority", Width: 10},
			{Title: "State", Width: 12},
			{Title: "Wait", Width: 8},
			{Title: "Reply / Error", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func requestRows(requests map[string]*RequestState, now time.Time) []table.Row {
	list := sortedRequests(requests)
	rows := make([]table.Row, 0, len(list))
	for _, r := range list {
		detail := r.Reply
		if r.Error != "" {
			detail = r.Error
		}
		rows = append(rows, table.Row{
			shortID(r.ID),
			r.Priority.String(),
			string(r.State),
			formatDuration(r.Duration(now)),
			truncate(detail, 40),
		})
	}
	return rows
}

func renderRequests(t table.Model, open int, theme Theme, width int) string {
	title := theme.Title.Render(fmt.Sprintf("REQUESTS (%d open)", open))
	return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, title, t.View()))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
