// Package handler provides the HTTP surface of the inbox engine.
package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-inbox/internal/middleware"
	"github.com/capitalize-ai/marketplace-inbox/internal/model"
	"github.com/capitalize-ai/marketplace-inbox/internal/service"
	"github.com/capitalize-ai/marketplace-inbox/pkg/logger"
)

// InboxHandler exposes the inbox entry points and observable state.
type InboxHandler struct {
	inbox  *service.Inbox
	logger *logger.Logger
}

// NewInboxHandler creates a new inbox handler.
func NewInboxHandler(inbox *service.Inbox, log *logger.Logger) *InboxHandler {
	return &InboxHandler{
		inbox:  inbox,
		logger: log.Component("handler"),
	}
}

type visibilityRequest struct {
	Visible *bool `json:"visible"`
}

type focusRequest struct {
	Focused *bool `json:"focused"`
}

type domainRequest struct {
	Domain string `json:"domain"`
}

type startRequest struct {
	CounterpartyID string `json:"counterparty_id"`
}

// StateResponse describes the session's navigation state.
type StateResponse struct {
	Mounted      bool                `json:"mounted"`
	ActiveDomain model.Domain        `json:"active_domain"`
	Active       *model.Conversation `json:"active_conversation,omitempty"`
}

// UnreadResponse is the badge state.
type UnreadResponse struct {
	Total   uint                  `json:"total"`
	Domains map[model.Domain]uint `json:"domains"`
}

// ConversationsResponse is one domain's conversation list.
type ConversationsResponse struct {
	Domain        model.Domain         `json:"domain"`
	Conversations []model.Conversation `json:"conversations"`
	Unread        uint                 `json:"unread"`
}

// CounterpartiesResponse is a directory search result.
type CounterpartiesResponse struct {
	Counterparties []model.Counterparty `json:"counterparties"`
}

func (h *InboxHandler) state() StateResponse {
	resp := StateResponse{
		Mounted:      h.inbox.Mounted(),
		ActiveDomain: h.inbox.ActiveDomain(),
	}
	if conv, ok := h.inbox.ActiveConversation(); ok {
		resp.Active = &conv
	}
	return resp
}

// State handles GET /api/v1/inbox/state
func (h *InboxHandler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state())
}

// Mount handles POST /api/v1/inbox/mount
func (h *InboxHandler) Mount(w http.ResponseWriter, r *http.Request) {
	if err := h.inbox.Mount(); err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.state())
}

// Unmount handles POST /api/v1/inbox/unmount
func (h *InboxHandler) Unmount(w http.ResponseWriter, r *http.Request) {
	h.inbox.Unmount()
	writeJSON(w, http.StatusOK, h.state())
}

// SetVisibility handles PUT /api/v1/inbox/visibility
func (h *InboxHandler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Visible == nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.inbox.SetVisible(*req.Visible)
	w.WriteHeader(http.StatusNoContent)
}

// SetFocus handles PUT /api/v1/inbox/focus
func (h *InboxHandler) SetFocus(w http.ResponseWriter, r *http.Request) {
	var req focusRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Focused == nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.inbox.SetFocused(*req.Focused)
	w.WriteHeader(http.StatusNoContent)
}

// SwitchDomain handles PUT /api/v1/inbox/domain
func (h *InboxHandler) SwitchDomain(w http.ResponseWriter, r *http.Request) {
	var req domainRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	domain, err := middleware.ValidateDomain(req.Domain)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.inbox.SwitchDomain(domain); err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.state())
}

// Unread handles GET /api/v1/inbox/unread
func (h *InboxHandler) Unread(w http.ResponseWriter, r *http.Request) {
	resp := UnreadResponse{Domains: make(map[model.Domain]uint)}
	for _, d := range model.Domains() {
		n := h.inbox.DomainUnread(d)
		resp.Domains[d] = n
		resp.Total += n
	}
	writeJSON(w, http.StatusOK, resp)
}

// Conversations handles GET /api/v1/inbox/domains/{domain}/conversations
func (h *InboxHandler) Conversations(w http.ResponseWriter, r *http.Request) {
	domain, err := middleware.ValidateDomain(chi.URLParam(r, "domain"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	list := h.inbox.Conversations(domain)
	if list == nil {
		list = []model.Conversation{}
	}
	writeJSON(w, http.StatusOK, ConversationsResponse{
		Domain:        domain,
		Conversations: list,
		Unread:        h.inbox.DomainUnread(domain),
	})
}

// Open handles POST /api/v1/inbox/domains/{domain}/conversations/{id}/open
func (h *InboxHandler) Open(w http.ResponseWriter, r *http.Request) {
	domain, err := middleware.ValidateDomain(chi.URLParam(r, "domain"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.inbox.OpenConversation(model.ConversationKey{Domain: domain, ID: id})
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Close handles POST /api/v1/inbox/close
func (h *InboxHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.inbox.CloseConversation()
	writeJSON(w, http.StatusOK, h.state())
}

// Start handles POST /api/v1/inbox/start
func (h *InboxHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateCounterpartyID(req.CounterpartyID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.inbox.StartConversationWith(r.Context(), strings.TrimSpace(req.CounterpartyID))
	if err != nil {
		h.logger.Warn("start conversation failed",
			zap.String("counterparty_id", req.CounterpartyID),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		writeEngineError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Counterparties handles GET /api/v1/inbox/counterparties?q=
func (h *InboxHandler) Counterparties(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if err := middleware.ValidateSearchQuery(query); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := h.inbox.SearchCounterparties(r.Context(), query)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	if list == nil {
		list = []model.Counterparty{}
	}
	writeJSON(w, http.StatusOK, CounterpartiesResponse{Counterparties: list})
}

// DeepLink handles POST /api/v1/inbox/deeplinks
func (h *InboxHandler) DeepLink(w http.ResponseWriter, r *http.Request) {
	var link model.DeepLink
	if err := decodeJSON(w, r, &link); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The link is handled once even if the caller stops waiting.
	conv, err := h.inbox.ActivateDeepLink(context.WithoutCancel(r.Context()), link)
	if err != nil {
		writeEngineError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}
