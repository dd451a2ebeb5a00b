package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stratoform/lattice/pkg/errdefs"
	"github.com/stratoform/lattice/pkg/log"
)

// errorPayload is the standardized error body.
type errorPayload struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// writeError classifies an error into the standardized payload.
// Validation and not-found reach the client verbatim; store and queue
// failures are logged with context and answered generically.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errdefs.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorPayload{Error: "not found", Details: err.Error()})
	case errdefs.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorPayload{Error: "validation failed", Details: err.Error()})
	case errors.Is(err, errdefs.ErrConflict), errors.Is(err, errdefs.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorPayload{Error: "conflict", Details: err.Error()})
	case errors.Is(err, errdefs.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorPayload{Error: "rate limit exceeded", Details: err.Error()})
	case errors.Is(err, errdefs.ErrCancelled):
		writeJSON(w, http.StatusConflict, errorPayload{Error: "cancelled", Details: err.Error()})
	default:
		log.Logger.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorPayload{Error: "internal error"})
	}
}

// decodeBody parses a JSON request body into dst and validates struct
// tags. A malformed body is a validation failure, not a server error.
func (s *Server) decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errdefs.Validationf("invalid request body: %v", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return errdefs.Validationf("%v", err)
	}
	return nil
}
