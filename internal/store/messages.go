package store

import (
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/marketplace-inbox/internal/model"
)

type thread struct {
	messages []model.Message

	// firstSeen records when each server id was first applied locally.
	firstSeen map[string]time.Time
}

// MessageStore keeps one thread per conversation. Server and local messages
// of a conversation never leave that conversation's thread.
type MessageStore struct {
	mu      sync.RWMutex
	threads map[model.ConversationKey]*thread
	now     func() time.Time
}

// NewMessageStore creates an empty message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		threads: make(map[model.ConversationKey]*thread),
		now:     time.Now,
	}
}

func (s *MessageStore) threadLocked(key model.ConversationKey) *thread {
	t, ok := s.threads[key]
	if !ok {
		t = &thread{firstSeen: make(map[string]time.Time)}
		s.threads[key] = t
	}
	return t
}

// Thread returns a copy of the conversation's ordered messages.
func (s *MessageStore) Thread(key model.ConversationKey) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[key]
	if !ok {
		return nil
	}
	out := make([]model.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// AppendLocal inserts a local message into its conversation's thread.
func (s *MessageStore) AppendLocal(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threadLocked(msg.ConversationKey())
	t.messages = append(t.messages, msg)
	sortMessages(t.messages)
}

// FindLocal returns a local message by provisional id.
func (s *MessageStore) FindLocal(key model.ConversationKey, id model.ProvisionalID) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[key]
	if !ok {
		return model.Message{}, false
	}
	for _, m := range t.messages {
		if m.ProvisionalID == id {
			return m, true
		}
	}
	return model.Message{}, false
}

// UpdateLocal applies fn to a local message still present in the thread.
// It returns false if the message was already superseded or removed.
func (s *MessageStore) UpdateLocal(key model.ConversationKey, id model.ProvisionalID, fn func(*model.Message)) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[key]
	if !ok {
		return model.Message{}, false
	}
	for i := range t.messages {
		if t.messages[i].ProvisionalID == id {
			fn(&t.messages[i])
			return t.messages[i], true
		}
	}
	return model.Message{}, false
}

// RemoveLocal deletes a local message from the thread.
func (s *MessageStore) RemoveLocal(key model.ConversationKey, id model.ProvisionalID) (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[key]
	if !ok {
		return model.Message{}, false
	}
	for i, m := range t.messages {
		if m.ProvisionalID == id {
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
			return m, true
		}
	}
	return model.Message{}, false
}

// ApplyServer replaces the server part of a thread with an authoritative
// fetch, reconciling it with the thread's local messages. It returns the
// provisional ids superseded by server copies.
func (s *MessageStore) ApplyServer(key model.ConversationKey, server []model.Message, tolerance time.Duration) []model.ProvisionalID {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.threadLocked(key)

	var local []model.Message
	for _, m := range t.messages {
		if m.IsLocal() {
			local = append(local, m)
		}
	}

	incoming := make([]model.Message, 0, len(server))
	for _, m := range server {
		if m.ConversationID != key.ID {
			continue
		}
		m.Domain = key.Domain
		m.ProvisionalID = 0
		if m.DeliveryState == "" {
			m.DeliveryState = model.DeliverySent
		}
		incoming = append(incoming, m)
	}

	merged, superseded := ReconcileThread(incoming, local, t.firstSeen, tolerance)

	now := s.now()
	present := make(map[string]struct{}, len(incoming))
	for _, m := range incoming {
		present[m.ID] = struct{}{}
		if _, ok := t.firstSeen[m.ID]; !ok {
			t.firstSeen[m.ID] = now
		}
	}
	// Ids gone from the fetch for longer than tolerance can no longer match.
	for id, seen := range t.firstSeen {
		if _, ok := present[id]; !ok && now.Sub(seen) > tolerance {
			delete(t.firstSeen, id)
		}
	}
	t.messages = merged
	return superseded
}

// ReconcileThread merges an authoritative server thread with local messages.
//
// Each pending or sent local message is matched to at most one server
// message: the one carrying its send echo id, or else the first one from the
// same sender with equal content created within tolerance of the send. A
// server message that was already known before the local message was issued
// never matches. Matched local copies are dropped; failed ones never match.
func ReconcileThread(server, local []model.Message, firstSeen map[string]time.Time, tolerance time.Duration) ([]model.Message, []model.ProvisionalID) {
	merged := make([]model.Message, 0, len(server)+len(local))
	merged = append(merged, server...)

	pending := make([]model.Message, len(local))
	copy(pending, local)
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].ProvisionalID < pending[j].ProvisionalID
	})

	consumed := make([]bool, len(server))
	var superseded []model.ProvisionalID

	for _, lm := range pending {
		if lm.DeliveryState == model.DeliveryFailed {
			merged = append(merged, lm)
			continue
		}

		idx := matchServerCopy(server, consumed, lm, firstSeen, tolerance)
		if idx < 0 {
			merged = append(merged, lm)
			continue
		}
		consumed[idx] = true
		superseded = append(superseded, lm.ProvisionalID)
	}

	sortMessages(merged)
	return merged, superseded
}

func matchServerCopy(server []model.Message, consumed []bool, lm model.Message, firstSeen map[string]time.Time, tolerance time.Duration) int {
	if lm.EchoID != "" {
		for i, sm := range server {
			if !consumed[i] && sm.ID == lm.EchoID {
				return i
			}
		}
	}

	issued := lm.CreatedAt
	if lm.IssuedAt != nil {
		issued = *lm.IssuedAt
	}

	for i, sm := range server {
		if consumed[i] || sm.SenderType != lm.SenderType || sm.Content != lm.Content {
			continue
		}
		if seen, ok := firstSeen[sm.ID]; ok && seen.Before(issued) {
			continue
		}
		if absDuration(sm.CreatedAt.Sub(issued)) <= tolerance {
			return i
		}
	}
	return -1
}

func sortMessages(list []model.Message) {
	sort.SliceStable(list, func(i, j int) bool {
		return model.MessageLess(list[i], list[j])
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
