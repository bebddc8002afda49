package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/transfa/linked-account-service/internal/domain"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the kind and the offending field or id so clients can
// render a specific message.
type ErrorDetail struct {
	Kind              string `json:"kind"`
	Message           string `json:"message"`
	Entity            string `json:"entity,omitempty"`
	ID                string `json:"id,omitempty"`
	Field             string `json:"field,omitempty"`
	State             string `json:"state,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

var statusByKind = map[domain.ErrorKind]int{
	domain.KindValidation:     http.StatusBadRequest,
	domain.KindNotFound:       http.StatusNotFound,
	domain.KindInvalidState:   http.StatusConflict,
	domain.KindExpired:        http.StatusGone,
	domain.KindRateLimited:    http.StatusTooManyRequests,
	domain.KindInfrastructure: http.StatusServiceUnavailable,
}

// writeError renders err as a JSON error response.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	de, ok := domain.AsError(err)
	if !ok {
		logger.Error("unclassified error", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: ErrorDetail{
			Kind:    "internal_error",
			Message: "internal server error",
		}})
		return
	}

	status, ok := statusByKind[de.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	detail := ErrorDetail{
		Kind:    string(de.Kind),
		Message: de.Message,
		Entity:  de.Entity,
		ID:      de.ID,
		Field:   de.Field,
		State:   de.State,
	}
	if errors.Is(err, domain.ErrInfrastructure) {
		logger.Error("infrastructure failure", "op", de.Message, "error", de.Err)
		detail.Message = "service temporarily unavailable"
	}
	if de.RetryAfter > 0 {
		detail.RetryAfterSeconds = int(de.RetryAfter.Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(detail.RetryAfterSeconds))
	}

	writeJSON(w, status, ErrorBody{Error: detail})
}

func writeMessage(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Kind: kind, Message: message}})
}
