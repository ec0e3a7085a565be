package model

import (
	"time"
)

// Counterparty is the non-user participant of a conversation.
type Counterparty struct {
	ID          string `json:"id"`
	Domain      Domain `json:"domain"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Subtitle    string `json:"subtitle,omitempty"`
}

// Conversation represents a conversation with one counterparty.
type Conversation struct {
	ID                 string       `json:"id"`
	Domain             Domain       `json:"domain"`
	Counterparty       Counterparty `json:"counterparty"`
	LastMessagePreview string       `json:"last_message_preview,omitempty"`
	LastMessageAt      *time.Time   `json:"last_message_at,omitempty"`
	UnreadCount        uint         `json:"unread_count"`
}

// Key returns the conversation's cross-domain identity.
func (c Conversation) Key() ConversationKey {
	return ConversationKey{Domain: c.Domain, ID: c.ID}
}

// ListConversationsResponse is the result of a conversation list fetch.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`

	// AuthoritativeEmpty marks an empty response as "the domain has no
	// conversations" rather than "nothing returned yet".
	AuthoritativeEmpty bool `json:"authoritative_empty,omitempty"`
}
