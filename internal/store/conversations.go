// Package store holds the inbox's in-memory conversation and message state.
package store

import (
	"sort"
	"sync"

	"github.com/capitalize-ai/marketplace-inbox/internal/model"
)

// UnreadFunc decides the unread count stored for a conversation given the
// count the server reported.
type UnreadFunc func(key model.ConversationKey, server uint) uint

// ConversationStore keeps one ordered conversation list per domain.
type ConversationStore struct {
	mu    sync.RWMutex
	lists map[model.Domain][]model.Conversation

	// server holds the last unread count the server reported per
	// conversation, before local suppression.
	server map[model.Domain]map[string]uint
}

// NewConversationStore creates an empty conversation store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		lists:  make(map[model.Domain][]model.Conversation),
		server: make(map[model.Domain]map[string]uint),
	}
}

// List returns a copy of the domain's ordered conversation list.
func (s *ConversationStore) List(domain model.Domain) []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.lists[domain]
	out := make([]model.Conversation, len(src))
	copy(out, src)
	return out
}

// Get returns a conversation by key.
func (s *ConversationStore) Get(key model.ConversationKey) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.lists[key.Domain] {
		if c.ID == key.ID {
			return c, true
		}
	}
	return model.Conversation{}, false
}

// FindByCounterparty returns the domain's conversation with a counterparty.
func (s *ConversationStore) FindByCounterparty(domain model.Domain, counterpartyID string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.lists[domain] {
		if c.Counterparty.ID == counterpartyID {
			return c, true
		}
	}
	return model.Conversation{}, false
}

// Insert adds a server-created conversation if it is not already known.
// Existing entries are never overwritten since list data may be fresher.
func (s *ConversationStore) Insert(conv model.Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[conv.Domain]
	for _, c := range list {
		if c.ID == conv.ID {
			return false
		}
	}
	list = append(list, conv)
	sortConversations(list)
	s.lists[conv.Domain] = list
	return true
}

// SetUnread overrides the stored unread count of one conversation.
func (s *ConversationStore) SetUnread(key model.ConversationKey, n uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[key.Domain]
	for i := range list {
		if list[i].ID == key.ID {
			list[i].UnreadCount = n
			return true
		}
	}
	return false
}

// SumUnread returns the sum of stored unread counts for a domain.
func (s *ConversationStore) SumUnread(domain model.Domain) uint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total uint
	for _, c := range s.lists[domain] {
		total += c.UnreadCount
	}
	return total
}

// SumServerUnread returns the sum of the last server-reported unread counts
// of every stored conversation of a domain, including the ones the latest
// response did not mention.
func (s *ConversationStore) SumServerUnread(domain model.Domain) uint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total uint
	for _, n := range s.server[domain] {
		total += n
	}
	return total
}

// Merge applies a list response to the domain and returns the new list.
// unread, when non-nil, is consulted for every incoming conversation while
// the store lock is held.
func (s *ConversationStore) Merge(domain model.Domain, resp model.ListConversationsResponse, unread UnreadFunc) []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(resp.Conversations) == 0 && resp.AuthoritativeEmpty {
		s.lists[domain] = nil
		delete(s.server, domain)
		return nil
	}

	server := s.server[domain]
	if server == nil {
		server = make(map[string]uint)
		s.server[domain] = server
	}

	incoming := make([]model.Conversation, 0, len(resp.Conversations))
	for _, c := range resp.Conversations {
		c.Domain = domain
		server[c.ID] = c.UnreadCount
		if unread != nil {
			c.UnreadCount = unread(c.Key(), c.UnreadCount)
		}
		incoming = append(incoming, c)
	}

	merged := MergeConversations(s.lists[domain], incoming)
	s.lists[domain] = merged

	out := make([]model.Conversation, len(merged))
	copy(out, merged)
	return out
}

// MergeConversations replaces existing conversations by id, keeps the ones
// the response did not mention, appends new ones in response order and
// re-sorts by last activity.
func MergeConversations(existing, incoming []model.Conversation) []model.Conversation {
	byID := make(map[string]model.Conversation, len(incoming))
	order := make([]string, 0, len(incoming))
	for _, c := range incoming {
		if _, dup := byID[c.ID]; !dup {
			order = append(order, c.ID)
		}
		byID[c.ID] = c
	}

	merged := make([]model.Conversation, 0, len(existing)+len(incoming))
	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		if repl, ok := byID[c.ID]; ok {
			merged = append(merged, repl)
		} else {
			merged = append(merged, c)
		}
		seen[c.ID] = true
	}
	for _, id := range order {
		if !seen[id] {
			merged = append(merged, byID[id])
		}
	}

	sortConversations(merged)
	return merged
}

// sortConversations orders by lastMessageAt descending. Conversations without
// activity go last. The sort is stable so equal entries keep their order.
func sortConversations(list []model.Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].LastMessageAt, list[j].LastMessageAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}
