// Package httpserver exposes the orchestrator's HTTP surface: health,
// metrics, and task submission.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agyc/orchestrator/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error to an HTTP status and a JSON envelope,
// mirroring the orchestrator's original REST mapping: queue saturation is a
// client-retryable 429, task timeout is a 504, a dispatcher that is not
// ready or is shutting down is a 503 (ErrNoUsableAccount shares that
// mapping, though the router waits instead of returning it), and any other
// backend error is a 500.
func writeError(w http.ResponseWriter, err error, details interface{}) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
		code = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrQueueFull):
		status = http.StatusTooManyRequests
		code = "QUEUE_FULL"
	case errors.Is(err, domain.ErrTimeout):
		status = http.StatusGatewayTimeout
		code = "TASK_TIMEOUT"
	case errors.Is(err, domain.ErrNoUsableAccount), errors.Is(err, domain.ErrShutdown):
		status = http.StatusServiceUnavailable
		code = "NO_USABLE_ACCOUNT"
	case errors.Is(err, domain.ErrTaskBackend):
		status = http.StatusInternalServerError
		code = "TASK_BACKEND_ERROR"
	}
	writeJSON(w, status, errorEnvelope{Error: apiError{Code: code, Message: err.Error(), Details: details}})
}
