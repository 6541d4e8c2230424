// Package journal keeps a durable history of requests and their outcomes in
// SQLite. The in-memory queue and correlator remain the source of truth while
// the process runs; the journal answers lookups for completed requests, and
// lets a restart account for requests that were in flight when the previous
// process died.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/courier/internal/message"
)

// ErrNotFound is returned by Get when no row exists for the id.
var ErrNotFound = errors.New("request not found in journal")

// ErrOrphaned is recorded on rows left unfinished by a previous process.
var ErrOrphaned = errors.New("orphaned by restart")

// Record is one journal row.
type Record struct {
	ID          string           `json:"request_id"`
	Payload     string           `json:"payload"`
	Priority    message.Priority `json:"priority"`
	State       message.State    `json:"state"`
	Peer        string           `json:"peer"`
	SubmittedAt time.Time        `json:"submitted_at"`
	SentAt      *time.Time       `json:"sent_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	ReplySender string           `json:"reply_sender,omitempty"`
	ReplyText   string           `json:"reply_text,omitempty"`
	LastError   string           `json:"error,omitempty"`
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Fixed-width so text comparison in SQL orders correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Admit inserts the row for a newly admitted request.
func (s *Store) Admit(ctx context.Context, req *message.Request, peer string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO request_log(id, payload, priority, state, peer, submitted_at)
VALUES(?, ?, ?, ?, ?, ?);
`, req.ID, req.Payload, int(req.Priority), string(message.StateQueued), peer, formatTime(req.SubmittedAt))
	if err != nil {
		return fmt.Errorf("journal admit %s: %w", req.ID, err)
	}
	return nil
}

// MarkSent records the send time. Rows already in a terminal state are left
// alone.
func (s *Store) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE request_log
SET state = ?, sent_at = ?
WHERE id = ? AND state IN (?, ?);
`, string(message.StateSent), formatTime(at), id, string(message.StateAdmitted), string(message.StateQueued))
	if err != nil {
		return fmt.Errorf("journal mark sent %s: %w", id, err)
	}
	return nil
}

// Complete records the terminal outcome.
func (s *Store) Complete(ctx context.Context, id string, sentAt time.Time, o message.Outcome) error {
	var sender, text string
	if o.Reply != nil {
		sender, text = o.Reply.Sender, o.Reply.Text
	}
	completedAt := o.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
UPDATE request_log
SET state = ?, sent_at = COALESCE(sent_at, ?), completed_at = ?, reply_sender = ?, reply_text = ?, last_error = ?
WHERE id = ?;
`, string(o.State), nullTime(sentAt), formatTime(completedAt), nullString(sender), nullString(text), nullString(o.ErrorText()), id)
	if err != nil {
		return fmt.Errorf("journal complete %s: %w", id, err)
	}
	return nil
}

// Forget deletes a row, used when admission is rolled back.
func (s *Store) Forget(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM request_log WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("journal forget %s: %w", id, err)
	}
	return nil
}

const selectColumns = `id, payload, priority, state, peer, submitted_at, sent_at, completed_at, reply_sender, reply_text, last_error`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r            Record
		priority     int
		state        string
		submittedAtS string
		sentAtS      sql.NullString
		completedAtS sql.NullString
		replySender  sql.NullString
		replyText    sql.NullString
		lastError    sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Payload, &priority, &state, &r.Peer, &submittedAtS,
		&sentAtS, &completedAtS, &replySender, &replyText, &lastError); err != nil {
		return nil, err
	}

	r.Priority = message.Priority(priority)
	r.State = message.State(state)
	if t, err := time.Parse(timeLayout, submittedAtS); err == nil {
		r.SubmittedAt = t
	}
	if sentAtS.Valid {
		if t, err := time.Parse(timeLayout, sentAtS.String); err == nil {
			r.SentAt = &t
		}
	}
	if completedAtS.Valid {
		if t, err := time.Parse(timeLayout, completedAtS.String); err == nil {
			r.CompletedAt = &t
		}
	}
	r.ReplySender = replySender.String
	r.ReplyText = replyText.String
	r.LastError = lastError.String
	return &r, nil
}

// Get returns the row for id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM request_log WHERE id = ?;`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journal get %s: %w", id, err)
	}
	return r, nil
}

// Recent returns up to limit rows, newest submission first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+selectColumns+`
FROM request_log
ORDER BY submitted_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal recent: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("journal recent scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecoverOrphans marks every non-terminal row cancelled. It must run before
// the current process admits anything. It returns the ids it recovered.
func (s *Store) RecoverOrphans(ctx context.Context) ([]string, error) {
	now := formatTime(time.Now())
	rows, err := s.db.QueryContext(ctx, `
UPDATE request_log
SET state = ?, completed_at = ?, last_error = ?
WHERE state IN (?, ?, ?)
RETURNING id;
`, string(message.StateCancelled), now, ErrOrphaned.Error(),
		string(message.StateAdmitted), string(message.StateQueued), string(message.StateSent))
	if err != nil {
		return nil, fmt.Errorf("journal recover orphans: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("journal recover orphans scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Prune deletes completed rows older than retention and returns the count.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-retention))
	res, err := s.db.ExecContext(ctx, `
DELETE FROM request_log
WHERE completed_at IS NOT NULL AND completed_at < ?;
`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal prune: %w", err)
	}
	return res.RowsAffected()
}

// Outcome rebuilds the terminal outcome of a completed row. ok is false while
// the row is still in flight.
func (r *Record) Outcome() (o message.Outcome, ok bool) {
	if !r.State.Terminal() {
		return message.Outcome{}, false
	}
	o.State = r.State
	if r.CompletedAt != nil {
		o.CompletedAt = *r.CompletedAt
	}
	if r.State == message.StateMatched {
		o.Reply = &message.InboundEvent{Sender: r.ReplySender, Text: r.ReplyText}
		if r.CompletedAt != nil {
			o.Reply.ReceivedAt = *r.CompletedAt
		}
	}
	if r.LastError != "" {
		o.Err = errors.New(r.LastError)
	}
	return o, true
}
