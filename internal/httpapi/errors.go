package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"imgd/internal/jobs"
	"imgd/internal/manager"
	"imgd/internal/registry"
	"imgd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case manager.IsModelNotFound(err), registry.IsModelNotFound(err),
		jobs.IsJobNotFound(err), jobs.IsGenerationNotFound(err):
		return http.StatusNotFound
	case jobs.IsJobFinished(err), manager.IsNoProcess(err), manager.IsPortUnavailable(err):
		return http.StatusConflict
	case manager.IsReadyTimeout(err):
		return http.StatusGatewayTimeout
	case manager.IsExitedBeforeReady(err), manager.IsSpawnError(err):
		return http.StatusBadGateway
	case errors.Is(err, registry.ErrNoModel):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err.Error())
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
