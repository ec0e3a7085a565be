package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-inbox/internal/model"
	"github.com/capitalize-ai/marketplace-inbox/internal/service"
	"github.com/capitalize-ai/marketplace-inbox/pkg/logger"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// decodeJSON reads a request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// sendFailure is the body of a failed send. The message stays in the
// thread as failed and can be retried by its provisional id.
type sendFailure struct {
	Error   string        `json:"error"`
	Message model.Message `json:"message"`
}

// writeEngineError maps engine errors to HTTP responses.
func writeEngineError(w http.ResponseWriter, log *logger.Logger, err error) {
	var status int
	switch {
	case errors.Is(err, model.ErrUnknownDomain),
		errors.Is(err, service.ErrInvalidContent),
		errors.Is(err, service.ErrInvalidDeepLink),
		errors.Is(err, service.ErrInvalidConversation):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrNoActiveConversation),
		errors.Is(err, service.ErrNotMounted),
		errors.Is(err, service.ErrNotRetryable):
		status = http.StatusConflict
	case errors.Is(err, service.ErrCancelled):
		status = http.StatusServiceUnavailable
	case errors.Is(err, service.ErrResolveFailed),
		errors.Is(err, service.ErrSendFailed),
		errors.Is(err, service.ErrFetchFailed):
		status = http.StatusBadGateway
	default:
		log.Error("unexpected inbox error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
