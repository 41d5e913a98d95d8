// Package httpserver is the transport adapter: it parses requests, calls
// the job service, and maps domain outcomes to HTTP codes. No business
// logic lives here.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/medialens/inference/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the domain taxonomy onto transport codes. Anything
// outside the taxonomy is a 500 with a generic message so internal error
// text never leaks.
func writeError(w http.ResponseWriter, err error, details any) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	message := "internal error"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		code = "INVALID_ARGUMENT"
		message = err.Error()
	case errors.Is(err, domain.ErrAuthFailed):
		status = http.StatusUnauthorized
		code = "AUTH_FAILED"
		message = "authentication failed"
	case errors.Is(err, domain.ErrPermissionDenied):
		status = http.StatusForbidden
		code = "PERMISSION_DENIED"
		message = "permission denied"
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
		message = err.Error()
	case errors.Is(err, domain.ErrDuplicateJob):
		status = http.StatusConflict
		code = "DUPLICATE_JOB"
		message = err.Error()
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
		code = "CONFLICT"
		message = err.Error()
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: message, Details: details}})
}
