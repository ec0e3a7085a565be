// Package api provides the client for the marketplace messaging API.
package api

import (
	"context"
	"fmt"

	"github.com/capitalize-ai/marketplace-inbox/internal/model"
)

// MessagingAPI is the remote messaging API the inbox synchronizes against.
// Every operation is scoped to one domain.
type MessagingAPI interface {
	// ListConversations returns the domain's conversations.
	ListConversations(ctx context.Context, domain model.Domain) (model.ListConversationsResponse, error)

	// GetOrCreateConversation returns the conversation with a counterparty,
	// creating it server-side on first contact.
	GetOrCreateConversation(ctx context.Context, domain model.Domain, counterpartyID string) (model.Conversation, error)

	// GetMessages returns a conversation's messages.
	GetMessages(ctx context.Context, domain model.Domain, conversationID string) ([]model.Message, error)

	// SendMessage posts a user message and returns the persisted copy.
	SendMessage(ctx context.Context, domain model.Domain, conversationID, content string) (model.Message, error)

	// GetUnreadCount returns the domain's total unread messages.
	GetUnreadCount(ctx context.Context, domain model.Domain) (uint, error)

	// ListCounterparties returns counterparties matching query; empty query
	// returns the full directory.
	ListCounterparties(ctx context.Context, domain model.Domain, query string) ([]model.Counterparty, error)
}

// StatusError is returned when the API answers with a non-2xx status.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
}
