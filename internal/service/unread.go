package service

import (
	"sync"

	"github.com/capitalize-ai/marketplace-inbox/internal/model"
	"github.com/capitalize-ai/marketplace-inbox/internal/store"
	"github.com/capitalize-ai/marketplace-inbox/pkg/metrics"
)

// UnreadReconciler owns the badge counts. It decides, per conversation,
// whether the server's unread count or the local one is shown.
type UnreadReconciler struct {
	conversations *store.ConversationStore

	mu      sync.RWMutex
	open    *model.ConversationKey
	focused bool
	offPage map[model.Domain]uint
}

// NewUnreadReconciler creates a reconciler with the view focused.
func NewUnreadReconciler(conversations *store.ConversationStore) *UnreadReconciler {
	return &UnreadReconciler{
		conversations: conversations,
		focused:       true,
		offPage:       make(map[model.Domain]uint),
	}
}

// Reconcile is the unread precedence rule: while key is the open conversation
// and the view is focused the local value (zero) wins, otherwise the server's.
func (u *UnreadReconciler) Reconcile(key model.ConversationKey, server uint) uint {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if u.suppressedLocked(key) {
		return 0
	}
	return server
}

// Suppressed reports whether server counts for key are currently ignored.
func (u *UnreadReconciler) Suppressed(key model.ConversationKey) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.suppressedLocked(key)
}

func (u *UnreadReconciler) suppressedLocked(key model.ConversationKey) bool {
	return u.focused && u.open != nil && *u.open == key
}

// Open marks key as the open conversation and zeroes its count immediately.
// Suppression is set before the count is cleared so a list merge running
// concurrently can only ever store zero afterwards.
func (u *UnreadReconciler) Open(key model.ConversationKey) {
	u.mu.Lock()
	u.open = &key
	u.mu.Unlock()

	u.conversations.SetUnread(key, 0)
}

// Leave lifts suppression. The count stays as is until the next list tick
// delivers a server value.
func (u *UnreadReconciler) Leave() {
	u.mu.Lock()
	u.open = nil
	u.mu.Unlock()
}

// MarkRead clears a conversation's count locally.
func (u *UnreadReconciler) MarkRead(key model.ConversationKey) {
	u.conversations.SetUnread(key, 0)
}

// SetFocused records view focus. Regaining focus re-reads the open
// conversation, so its count is cleared again.
func (u *UnreadReconciler) SetFocused(focused bool) {
	u.mu.Lock()
	u.focused = focused
	open := u.open
	u.mu.Unlock()

	if focused && open != nil {
		u.conversations.SetUnread(*open, 0)
	}
}

// SetServerTotal records the domain total reported by the server. listed is
// the sum of the last server counts of every stored conversation of the
// domain; any excess belongs to conversations the store does not hold.
func (u *UnreadReconciler) SetServerTotal(domain model.Domain, total, listed uint) {
	var excess uint
	if total > listed {
		excess = total - listed
	}

	u.mu.Lock()
	u.offPage[domain] = excess
	u.mu.Unlock()
}

// DomainUnread returns the badge count for one domain.
func (u *UnreadReconciler) DomainUnread(domain model.Domain) uint {
	listed := u.conversations.SumUnread(domain)

	u.mu.RLock()
	defer u.mu.RUnlock()
	return listed + u.offPage[domain]
}

// TotalUnread returns the combined badge count over all domains.
func (u *UnreadReconciler) TotalUnread() uint {
	var total uint
	for _, d := range model.Domains() {
		n := u.DomainUnread(d)
		metrics.UnreadMessages.WithLabelValues(string(d)).Set(float64(n))
		total += n
	}
	return total
}
