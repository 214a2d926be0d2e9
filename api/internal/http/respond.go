package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/runway/api/internal/domain"
	"github.com/splax/runway/api/internal/repository"
	"github.com/splax/runway/api/internal/service/auth"
	"github.com/splax/runway/api/internal/service/provision"
	"github.com/splax/runway/api/internal/service/rollback"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type sagaErrorBody struct {
	Error string              `json:"error"`
	RunID string              `json:"run_id,omitempty"`
	Steps []domain.StepResult `json:"steps"`
}

// writeSagaError reports a failed provisioning run with its step ledger.
func writeSagaError(w http.ResponseWriter, status int, runID string, err error, steps []domain.StepResult) {
	if steps == nil {
		steps = []domain.StepResult{}
	}
	writeJSON(w, status, sagaErrorBody{Error: err.Error(), RunID: runID, Steps: steps})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, provision.ErrFatalStep):
		return http.StatusInternalServerError
	case errors.Is(err, provision.ErrInvalidRequest),
		errors.Is(err, provision.ErrPreconditionMissing),
		errors.Is(err, repository.ErrInvalidArgument),
		errors.Is(err, rollback.ErrInsufficientHistory),
		errors.Is(err, auth.ErrLinkageMissing),
		errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
