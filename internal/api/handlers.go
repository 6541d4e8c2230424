package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/courier/internal/journal"
	"github.com/mattjoyce/courier/internal/queue"
	"github.com/mattjoyce/courier/internal/supervisor"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h := s.dispatcher.Health()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Peer:          h.Peer,
		QueueDepth:    h.QueueDepth,
		InFlight:      h.InFlight,
		Pending:       h.Pending,
		BreakerState:  h.BreakerState,
		Error:         h.LoopError,
	}
	status := http.StatusOK
	if !h.Running {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// handleSubmit handles POST /requests. With ?wait=true it holds the response
// until the request completes, like GET /requests/{id}/wait.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	priority, err := s.config.Tiers.Parse(string(req.Priority))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var opts supervisor.SubmitOptions
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "timeout must be a positive duration such as \"45s\"")
			return
		}
		opts.Timeout = d
	}

	id, err := s.dispatcher.Submit(req.Payload, priority, opts)
	switch {
	case err == nil:
	case errors.Is(err, supervisor.ErrEmptyPayload):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, queue.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusServiceUnavailable, "queue full, retry later")
		return
	case errors.Is(err, supervisor.ErrStopped):
		s.writeError(w, http.StatusServiceUnavailable, "dispatcher is shutting down")
		return
	default:
		s.logger.Error("failed to submit request", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit request")
		return
	}

	s.logger.Info("request submitted via API", "request_id", id, "priority", s.config.Tiers.Name(priority))

	if r.URL.Query().Get("wait") == "true" {
		s.wait(w, r, id)
		return
	}

	respondJSON(w, http.StatusAccepted, SubmitResponse{
		RequestID:     id,
		Status:        "queued",
		Priority:      s.config.Tiers.Name(priority),
		PriorityValue: int(priority),
	})
}

// handleGetRequest handles GET /requests/{id}
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.lookup(w, r, id)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.status(rec))
}

// handleWait handles GET /requests/{id}/wait?timeout=30s
func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.lookup(w, r, id); !ok {
		return
	}
	s.wait(w, r, id)
}

func (s *Server) wait(w http.ResponseWriter, r *http.Request, id string) {
	select {
	case s.waitSlots <- struct{}{}:
		defer func() { <-s.waitSlots }()
	default:
		s.logger.Warn("too many concurrent waits", "request_id", id)
		s.writeError(w, http.StatusServiceUnavailable, "too many concurrent waits, poll GET /requests/"+id+" instead")
		return
	}

	timeout := s.config.MaxWaitTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "timeout must be a positive duration")
			return
		}
		if d < timeout {
			timeout = d
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	_, err := s.dispatcher.Await(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
		status := "queued"
		if rec, lerr := s.dispatcher.Lookup(r.Context(), id); lerr == nil {
			status = string(rec.State)
		}
		respondJSON(w, http.StatusAccepted, TimeoutResponse{
			RequestID:       id,
			Status:          status,
			TimeoutExceeded: true,
			Message:         "Request still pending after timeout. Check /requests/" + id,
		})
		return
	}
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		if errors.Is(err, supervisor.ErrUnknownRequest) {
			s.writeError(w, http.StatusNotFound, "request not found")
			return
		}
		s.logger.Error("failed to wait for request", "request_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to wait for request")
		return
	}

	rec, ok := s.lookup(w, r, id)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.status(rec))
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request, id string) (*journal.Record, bool) {
	rec, err := s.dispatcher.Lookup(r.Context(), strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, supervisor.ErrUnknownRequest) {
			s.writeError(w, http.StatusNotFound, "request not found")
			return nil, false
		}
		s.logger.Error("failed to look up request", "request_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to look up request")
		return nil, false
	}
	return rec, true
}

func (s *Server) status(rec *journal.Record) RequestStatusResponse {
	resp := statusFromRecord(rec, s.config.Tiers)
	if dl, ok := s.dispatcher.Deadline(rec.ID); ok {
		resp.Deadline = &dl
	}
	return resp
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
