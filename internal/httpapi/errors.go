package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"orchestd/internal/backend"
	"orchestd/internal/download"
	"orchestd/internal/memory"
	"orchestd/internal/orchestrator"
	"orchestd/internal/validate"
	"orchestd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusForError maps well-known service errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case orchestrator.IsModelNotFound(err):
		return http.StatusNotFound
	case orchestrator.IsTooBusy(err), orchestrator.IsDraining(err):
		return http.StatusTooManyRequests
	case memory.IsInsufficientMemory(err), download.IsInsufficientStorage(err):
		return http.StatusInsufficientStorage
	case backend.IsNoCompatibleBackend(err):
		return http.StatusUnprocessableEntity
	case backend.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable
	case validate.IsValidation(err):
		return http.StatusBadGateway
	}
	if he, ok := err.(HTTPError); ok {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusTooManyRequests {
		reason := "too_busy"
		if orchestrator.IsDraining(err) {
			reason = "draining"
		}
		IncrementBackpressure(reason)
		// A short retry hint keeps well-behaved clients from hammering.
		w.Header().Set("Retry-After", "1")
	}
	writeJSONError(w, status, err.Error())
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

func logRequestEnd(r *http.Request, op, model string, status int, start time.Time, err error) {
	if zlog == nil {
		return
	}
	ev := zlog.Info().Str("op", op).Str("model", model).Int("status", status).Dur("dur", time.Since(start))
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		ev = ev.Str("request_id", rid)
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("request end")
}
