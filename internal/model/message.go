package model

import (
	"strconv"
	"sync/atomic"
	"time"
)

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderUser         SenderType = "user"
	SenderCounterparty SenderType = "counterparty"
)

// DeliveryState tracks a message through the optimistic send flow.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// ProvisionalID is a client-generated message identity. It lives in its own
// type and its own field so it can never be mistaken for a server id.
type ProvisionalID uint64

var provisionalSeq atomic.Uint64

// NewProvisionalID returns a process-unique, monotonically increasing id.
func NewProvisionalID() ProvisionalID {
	return ProvisionalID(provisionalSeq.Add(1))
}

// ParseProvisionalID parses the decimal form produced by String.
func ParseProvisionalID(s string) (ProvisionalID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ProvisionalID(n), nil
}

func (p ProvisionalID) String() string {
	return strconv.FormatUint(uint64(p), 10)
}

// Message represents a message in a conversation thread.
type Message struct {
	// Identity. Exactly one of ID and ProvisionalID is set.
	ID             string        `json:"id,omitempty"`
	ProvisionalID  ProvisionalID `json:"provisional_id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	Domain         Domain        `json:"domain"`

	// Content
	SenderType SenderType `json:"sender_type"`
	Content    string     `json:"content"`

	// Timestamps. IssuedAt is the local time the send was issued.
	CreatedAt time.Time  `json:"created_at"`
	IssuedAt  *time.Time `json:"issued_at,omitempty"`

	IsRead        bool          `json:"is_read"`
	DeliveryState DeliveryState `json:"delivery_state"`

	// EchoID is the server id returned by a successful send, used as the
	// preferred dedup match for the server copy.
	EchoID string `json:"echo_id,omitempty"`
}

// IsLocal reports whether the message only exists on the client.
func (m Message) IsLocal() bool {
	return m.ProvisionalID != 0
}

// Key returns an identity that is unique across server and provisional ids.
func (m Message) Key() string {
	if m.IsLocal() {
		return "tmp:" + m.ProvisionalID.String()
	}
	return "srv:" + m.ID
}

// ConversationKey returns the key of the conversation the message belongs to.
func (m Message) ConversationKey() ConversationKey {
	return ConversationKey{Domain: m.Domain, ID: m.ConversationID}
}

// MessageLess orders messages by creation time. Ties go to server messages
// first (by id), then local messages by provisional id.
func MessageLess(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.IsLocal() != b.IsLocal() {
		return !a.IsLocal()
	}
	if a.IsLocal() {
		return a.ProvisionalID < b.ProvisionalID
	}
	return serverIDLess(a.ID, b.ID)
}

// serverIDLess compares ids numerically when both are integers. Integer ids
// sort before any other id; the rest compare as strings.
func serverIDLess(a, b string) bool {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return a < b
}
