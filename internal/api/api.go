// Package api exposes the job intake and status HTTP surface described in
// spec.md §6, grounded on pkg/audio/webrtc/signaling.go's
// http.ServeMux-plus-PathValue handler style.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dubforge/retargetd/internal/jobstore"
	"github.com/dubforge/retargetd/internal/retargeterr"
	"github.com/dubforge/retargetd/internal/statuspub"
)

// Intake submits a transcreation id for processing and returns the id of
// the resulting job. Satisfied by *internal/intake.Intake.
type Intake interface {
	Submit(ctx context.Context, transcreationID string) (jobID string, err error)
}

// StatusSource resolves a point-in-time snapshot or a live stream for a job.
// Satisfied by *internal/statuspub.Publisher.
type StatusSource interface {
	Snapshot(ctx context.Context, jobID string) (statuspub.Snapshot, error)
	ServeEvents(w http.ResponseWriter, r *http.Request, jobID string) error
}

// Server serves the job intake and status endpoints.
type Server struct {
	intake Intake
	status StatusSource
}

// New creates a Server.
func New(intake Intake, status StatusSource) *Server {
	return &Server{intake: intake, status: status}
}

// Handler returns an http.Handler serving:
//
//	POST /jobs              — submit a transcreation for processing
//	GET  /jobs/{jobId}      — fetch current status
//	GET  /jobs/{jobId}/events — stream status updates over a websocket
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", s.handleSubmit)
	mux.HandleFunc("GET /jobs/{jobId}", s.handleStatus)
	mux.HandleFunc("GET /jobs/{jobId}/events", s.handleEvents)
	return mux
}

type submitRequest struct {
	TranscreationID string `json:"transcreationId"`
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TranscreationID == "" {
		http.Error(w, "transcreationId is required", http.StatusBadRequest)
		return
	}

	jobID, err := s.intake.Submit(r.Context(), req.TranscreationID)
	if err != nil {
		writeSubmitError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(submitResponse{JobID: jobID})
}

func writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case retargeterr.Is(err, retargeterr.KindNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case retargeterr.Is(err, retargeterr.KindPreconditionFailed):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("api: submit failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	snap, err := s.status.Snapshot(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) || errors.Is(err, statuspub.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		slog.Error("api: status fetch failed", "job_id", jobID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if err := s.status.ServeEvents(w, r, jobID); err != nil {
		if errors.Is(err, statuspub.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		slog.Warn("api: event stream ended", "job_id", jobID, "err", err)
	}
}
