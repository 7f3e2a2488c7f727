package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/VenkatGGG/testswarm/internal/jobstore"
	"github.com/VenkatGGG/testswarm/internal/scheduler"
	"github.com/VenkatGGG/testswarm/pkg/httpx"
)

const createJobScope = "jobs:create"

type createJobRequest struct {
	Description string   `json:"description"`
	Browsers    []string `json:"browsers"`
	Tests       []string `json:"tests"`
	Filter      string   `json:"filter,omitempty"`
	Snapshot    bool     `json:"snapshot,omitempty"`
}

type editJobRequest struct {
	Description string `json:"description"`
	// Browsers left out of the body keeps the current set.
	Browsers []string `json:"browsers"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	execute := func(w http.ResponseWriter) {
		job, err := s.jobs.Create(r.Context(), scheduler.CreateInput{
			Description: strings.TrimSpace(req.Description),
			Browsers:    req.Browsers,
			Tests:       req.Tests,
			Filter:      strings.TrimSpace(req.Filter),
			Snapshot:    req.Snapshot,
		})
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, map[string]string{"id": job.ID})
	}
	if s.handleIdempotentRequest(w, r, createJobScope, execute) {
		return
	}
	execute(w)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok, err := s.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !ok {
		s.writeServiceError(w, scheduler.ErrJobNotFound)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleEditJob(w http.ResponseWriter, r *http.Request) {
	var req editJobRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}

	job, err := s.jobs.Edit(r.Context(), mux.Vars(r)["id"], scheduler.EditInput{
		Description: strings.TrimSpace(req.Description),
		Browsers:    req.Browsers,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.jobs.Delete(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleRestartJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.jobs.Restart(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"id": id, "status": "restarted"})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var validation *scheduler.ValidationError
	switch {
	case errors.As(err, &validation):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", validation.Message)
	case errors.Is(err, scheduler.ErrJobNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not_found", scheduler.ErrJobNotFound.Error())
	case errors.Is(err, jobstore.ErrConflict):
		httpx.WriteError(w, http.StatusConflict, "conflict", "job was modified concurrently, retry the request")
	default:
		s.logger.Error("job request failed", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
