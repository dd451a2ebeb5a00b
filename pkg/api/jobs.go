package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stratoform/lattice/pkg/types"
)

type submitJobRequest struct {
	Scale        string                 `json:"scale" validate:"required"`
	CustomConfig *types.GeneratorConfig `json:"customConfig"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := s.decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.Queue.Submit(r.Context(), types.Scale(req.Scale), req.CustomConfig)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Queue.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, err := s.Queue.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	body := map[string]any{"job": job}
	if progress, ok, err := s.Queue.GetProgress(r.Context(), jobID); err == nil && ok {
		body["progress"] = progress
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Queue.Cancel(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleScales(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scales": s.Queue.Presets().Scales()})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Queue.QueueStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
