package model

import (
	"time"
)

// EventType represents the type of inbox state change.
type EventType string

const (
	EventConversationsUpdated EventType = "conversations_updated"
	EventThreadUpdated        EventType = "thread_updated"
	EventUnreadUpdated        EventType = "unread_updated"
	EventDeliveryChanged      EventType = "delivery_changed"
	EventActiveChanged        EventType = "active_changed"
)

// InboxEvent notifies observers that part of the inbox state changed.
// Observers re-read the state they render; events carry no snapshots.
type InboxEvent struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Domain         Domain         `json:"domain,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	ProvisionalID  ProvisionalID  `json:"provisional_id,omitempty"`
	DeliveryState  DeliveryState  `json:"delivery_state,omitempty"`
	TotalUnread    *uint          `json:"total_unread,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// DeepLink is an externally supplied navigation hint. It names either a
// counterparty or a conversation within a domain.
type DeepLink struct {
	ActivationID   string `json:"activation_id,omitempty"`
	Domain         Domain `json:"domain"`
	CounterpartyID string `json:"counterparty_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Key identifies the activation for idempotency.
func (l DeepLink) Key() string {
	if l.ActivationID != "" {
		return "act:" + l.ActivationID
	}
	if l.ConversationID != "" {
		return "conv:" + string(l.Domain) + "/" + l.ConversationID
	}
	return "cp:" + string(l.Domain) + "/" + l.CounterpartyID
}
