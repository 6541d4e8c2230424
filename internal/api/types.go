package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/courier/internal/journal"
	"github.com/mattjoyce/courier/internal/message"
)

// PriorityValue accepts either a tier name ("high") or an integer (25).
type PriorityValue string

func (p *PriorityValue) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*p = PriorityValue(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("priority must be a tier name or an integer")
	}
	*p = PriorityValue(strings.TrimSpace(s))
	return nil
}

func (p PriorityValue) MarshalJSON() ([]byte, error) {
	if _, err := strconv.Atoi(string(p)); err == nil {
		return []byte(p), nil
	}
	return json.Marshal(string(p))
}

// SubmitRequest is the JSON body for POST /requests.
type SubmitRequest struct {
	Payload  string        `json:"payload"`
	Priority PriorityValue `json:"priority,omitempty"`
	// Timeout is a Go duration string ("45s"); empty means the server default.
	Timeout string `json:"timeout,omitempty"`
}

// SubmitResponse is returned on successful admission.
type SubmitResponse struct {
	RequestID     string `json:"request_id"`
	Status        string `json:"status"`
	Priority      string `json:"priority"`
	PriorityValue int    `json:"priority_value"`
}

// RequestStatusResponse is returned by GET /requests/{id} and by a completed wait.
type RequestStatusResponse struct {
	RequestID   string     `json:"request_id"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	Payload     string     `json:"payload"`
	Peer        string     `json:"peer,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Reply       *Reply     `json:"reply,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type Reply struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// TimeoutResponse is returned with 202 when a wait gives up before the
// request completes.
type TimeoutResponse struct {
	RequestID       string `json:"request_id"`
	Status          string `json:"status"`
	TimeoutExceeded bool   `json:"timeout_exceeded"`
	Message         string `json:"message"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Peer          string `json:"peer"`
	QueueDepth    int    `json:"queue_depth"`
	InFlight      int    `json:"in_flight"`
	Pending       int    `json:"pending"`
	BreakerState  string `json:"breaker_state"`
	Error         string `json:"error,omitempty"`
}

func statusFromRecord(rec *journal.Record, tiers message.Tiers) RequestStatusResponse {
	resp := RequestStatusResponse{
		RequestID:   rec.ID,
		Status:      string(rec.State),
		Priority:    tiers.Name(rec.Priority),
		Payload:     rec.Payload,
		Peer:        rec.Peer,
		SubmittedAt: rec.SubmittedAt,
		SentAt:      rec.SentAt,
		CompletedAt: rec.CompletedAt,
		Error:       rec.LastError,
	}
	if rec.State == message.StateMatched {
		resp.Reply = &Reply{Sender: rec.ReplySender, Text: rec.ReplyText}
	}
	return resp
}
