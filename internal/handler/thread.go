package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-inbox/internal/middleware"
	"github.com/capitalize-ai/marketplace-inbox/internal/model"
	"github.com/capitalize-ai/marketplace-inbox/internal/service"
)

type contentRequest struct {
	Content string `json:"content"`
}

// ThreadResponse is the open conversation with its merged thread.
type ThreadResponse struct {
	Conversation model.Conversation `json:"conversation"`
	Messages     []model.Message    `json:"messages"`
	Draft        string             `json:"draft"`
}

// Thread handles GET /api/v1/inbox/thread
func (h *InboxHandler) Thread(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.inbox.ActiveConversation()
	if !ok {
		writeEngineError(w, h.logger, service.ErrNoActiveConversation)
		return
	}

	messages := h.inbox.ActiveThread()
	if messages == nil {
		messages = []model.Message{}
	}
	writeJSON(w, http.StatusOK, ThreadResponse{
		Conversation: conv,
		Messages:     messages,
		Draft:        h.inbox.Draft(),
	})
}

// Send handles POST /api/v1/inbox/thread/messages
func (h *InboxHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// A client disconnect must not turn an in-flight send into a failure.
	msg, err := h.inbox.ComposeAndSend(context.WithoutCancel(r.Context()), req.Content)
	h.writeSendResult(w, r, msg, err)
}

// Retry handles POST /api/v1/inbox/thread/messages/{provisionalId}/retry
func (h *InboxHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.ValidateProvisionalID(chi.URLParam(r, "provisionalId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.inbox.RetryMessage(context.WithoutCancel(r.Context()), id)
	h.writeSendResult(w, r, msg, err)
}

// Discard handles DELETE /api/v1/inbox/thread/messages/{provisionalId}
func (h *InboxHandler) Discard(w http.ResponseWriter, r *http.Request) {
	id, err := middleware.ValidateProvisionalID(chi.URLParam(r, "provisionalId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.inbox.DiscardMessage(id); err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetDraft handles PUT /api/v1/inbox/thread/draft
func (h *InboxHandler) SetDraft(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.inbox.SetDraft(req.Content); err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *InboxHandler) writeSendResult(w http.ResponseWriter, r *http.Request, msg model.Message, err error) {
	if err == nil {
		writeJSON(w, http.StatusCreated, msg)
		return
	}

	var sendErr *service.SendError
	if errors.As(err, &sendErr) {
		h.logger.Error("message send failed",
			zap.String("provisional_id", sendErr.ProvisionalID.String()),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Error(sendErr.Err),
		)
		status := http.StatusBadGateway
		if errors.Is(err, service.ErrCancelled) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, sendFailure{Error: err.Error(), Message: msg})
		return
	}
	writeEngineError(w, h.logger, err)
}
