package httpapi

import (
	"errors"
	"net/http"

	json "github.com/goccy/go-json"

	"inferd/internal/engine"
	"inferd/internal/pipeline"
	"inferd/pkg/types"
)

// statusClientClosed is reported for requests cancelled before completion.
const statusClientClosed = 499

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// classify maps a service error to a status code and a stable kind.
func classify(err error) (int, string) {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode(), "error"
	case engine.IsInvalidRequest(err):
		return http.StatusBadRequest, "invalid_request"
	case engine.IsInvalidConstraint(err):
		return http.StatusBadRequest, "invalid_constraint"
	case engine.IsUnsupportedModality(err):
		return http.StatusUnsupportedMediaType, "unsupported_modality"
	case engine.IsQueueFull(err):
		return http.StatusTooManyRequests, "queue_full"
	case engine.IsUnknownTag(err):
		return http.StatusNotFound, "unknown_request"
	case engine.IsPreprocessError(err):
		return http.StatusUnprocessableEntity, "preprocess"
	case engine.IsCacheExhausted(err):
		return http.StatusUnprocessableEntity, "cache_exhausted"
	case engine.IsConstraintError(err):
		return http.StatusUnprocessableEntity, "constraint"
	case engine.IsCancelled(err):
		return statusClientClosed, "cancelled"
	case engine.IsClosed(err), pipeline.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable, "unavailable"
	case engine.IsExecutionError(err):
		return http.StatusInternalServerError, "execution"
	}
	return http.StatusInternalServerError, "internal"
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status, Kind: kind})
}

// writeError classifies err and writes it. It returns the status used.
func writeError(w http.ResponseWriter, err error) int {
	status, kind := classify(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure(kind)
	}
	writeJSONError(w, status, kind, err.Error())
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
