package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mind-engage/exam-engine/internal/exam"
	"github.com/mind-engage/exam-engine/internal/faststore"
)

// envelope is the uniform response shape: {status, data?, message?, fromCache?}.
type envelope struct {
	Status     string      `json:"status"`
	Data       interface{} `json:"data,omitempty"`
	Message    string      `json:"message,omitempty"`
	FromCache  *bool       `json:"fromCache,omitempty"`
	RetryAfter int         `json:"retryAfter,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(env)
}

func writeData(w http.ResponseWriter, code int, data interface{}) {
	writeJSON(w, code, envelope{Status: "success", Data: data})
}

func writeCached(w http.ResponseWriter, code int, data interface{}, fromCache bool) {
	writeJSON(w, code, envelope{Status: "success", Data: data, FromCache: &fromCache})
}

func writeMessage(w http.ResponseWriter, code int, data interface{}, message string) {
	writeJSON(w, code, envelope{Status: "success", Data: data, Message: message})
}

// writeError maps engine sentinels onto the HTTP taxonomy. Unknown errors
// surface as 500 without leaking internals.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, exam.ErrValidation),
		errors.Is(err, exam.ErrExamInactive),
		errors.Is(err, exam.ErrAttemptLimit),
		errors.Is(err, exam.ErrInsufficientQuestions),
		errors.Is(err, exam.ErrNotInProgress),
		errors.Is(err, exam.ErrConflict):
		writeJSON(w, http.StatusBadRequest, envelope{Status: "error", Message: err.Error()})
	case errors.Is(err, exam.ErrForbidden), errors.Is(err, exam.ErrNoAccess):
		writeJSON(w, http.StatusForbidden, envelope{Status: "error", Message: "forbidden"})
	case errors.Is(err, exam.ErrNotFound):
		writeJSON(w, http.StatusNotFound, envelope{Status: "error", Message: err.Error()})
	case errors.Is(err, faststore.ErrLockNotAcquired), errors.Is(err, exam.ErrAlreadyProcessing):
		writeJSON(w, http.StatusTooManyRequests, envelope{
			Status: "error", Message: "operation already in progress", RetryAfter: 2,
		})
	default:
		writeJSON(w, http.StatusInternalServerError, envelope{Status: "error", Message: "internal error"})
	}
}
