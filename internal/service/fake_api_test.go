package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/capitalize-ai/marketplace-inbox/internal/model"
	"github.com/capitalize-ai/marketplace-inbox/pkg/logger"
)

var errUnavailable = errors.New("service unavailable")

// fakeAPI is an in-memory MessagingAPI. The *Fn hooks, when set, replace the
// default behavior of an operation and receive the 1-based call number.
type fakeAPI struct {
	mu      sync.Mutex
	calls   map[string]int
	lists   map[model.Domain]model.ListConversationsResponse
	threads map[model.ConversationKey][]model.Message
	unread  map[model.Domain]uint
	people  map[model.Domain][]model.Counterparty
	created map[string]model.Conversation
	seq     int

	listFn   func(ctx context.Context, d model.Domain, call int) (model.ListConversationsResponse, error)
	createFn func(ctx context.Context, d model.Domain, cp string, call int) error
	threadFn func(ctx context.Context, key model.ConversationKey, call int) ([]model.Message, error)
	sendFn   func(ctx context.Context, key model.ConversationKey, content string, call int) error
	unreadFn func(ctx context.Context, d model.Domain, call int) (uint, error)
	peopleFn func(ctx context.Context, d model.Domain, query string, call int) error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		calls:   make(map[string]int),
		lists:   make(map[model.Domain]model.ListConversationsResponse),
		threads: make(map[model.ConversationKey][]model.Message),
		unread:  make(map[model.Domain]uint),
		people:  make(map[model.Domain][]model.Counterparty),
		created: make(map[string]model.Conversation),
	}
}

func (f *fakeAPI) record(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.calls[op]
}

func (f *fakeAPI) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAPI) setList(d model.Domain, list ...model.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[d] = model.ListConversationsResponse{Conversations: list}
}

func (f *fakeAPI) setThread(key model.ConversationKey, msgs ...model.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[key] = msgs
}

func (f *fakeAPI) ListConversations(ctx context.Context, d model.Domain) (model.ListConversationsResponse, error) {
	call := f.record("list:" + string(d))
	if f.listFn != nil {
		return f.listFn(ctx, d, call)
	}
	if err := ctx.Err(); err != nil {
		return model.ListConversationsResponse{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	resp := f.lists[d]
	resp.Conversations = append([]model.Conversation(nil), resp.Conversations...)
	return resp, nil
}

func (f *fakeAPI) GetOrCreateConversation(ctx context.Context, d model.Domain, cp string) (model.Conversation, error) {
	call := f.record("create:" + string(d) + "/" + cp)
	if f.createFn != nil {
		if err := f.createFn(ctx, d, cp, call); err != nil {
			return model.Conversation{}, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(d) + "/" + cp
	if conv, ok := f.created[key]; ok {
		return conv, nil
	}
	f.seq++
	conv := model.Conversation{
		ID:           fmt.Sprintf("conv-%d", f.seq),
		Domain:       d,
		Counterparty: model.Counterparty{ID: cp, Domain: d},
	}
	f.created[key] = conv
	return conv, nil
}

func (f *fakeAPI) GetMessages(ctx context.Context, d model.Domain, id string) ([]model.Message, error) {
	key := model.ConversationKey{Domain: d, ID: id}
	call := f.record("messages:" + key.String())
	if f.threadFn != nil {
		return f.threadFn(ctx, key, call)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.threads[key]...), nil
}

// SendMessage persists the message into the fake thread, so the next
// GetMessages returns it with a server id.
func (f *fakeAPI) SendMessage(ctx context.Context, d model.Domain, id, content string) (model.Message, error) {
	key := model.ConversationKey{Domain: d, ID: id}
	call := f.record("send:" + key.String())
	if f.sendFn != nil {
		if err := f.sendFn(ctx, key, content, call); err != nil {
			return model.Message{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	msg := model.Message{
		ID:             fmt.Sprintf("%d", 1000+f.seq),
		ConversationID: id,
		Domain:         d,
		SenderType:     model.SenderUser,
		Content:        content,
		CreatedAt:      time.Now(),
		IsRead:         true,
		DeliveryState:  model.DeliverySent,
	}
	f.threads[key] = append(f.threads[key], msg)
	return msg, nil
}

func (f *fakeAPI) GetUnreadCount(ctx context.Context, d model.Domain) (uint, error) {
	call := f.record("unread:" + string(d))
	if f.unreadFn != nil {
		return f.unreadFn(ctx, d, call)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread[d], nil
}

func (f *fakeAPI) ListCounterparties(ctx context.Context, d model.Domain, query string) ([]model.Counterparty, error) {
	call := f.record("people:" + string(d))
	if f.peopleFn != nil {
		if err := f.peopleFn(ctx, d, query, call); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Counterparty
	for _, cp := range f.people[d] {
		if query == "" || strings.Contains(strings.ToLower(cp.DisplayName), strings.ToLower(query)) {
			out = append(out, cp)
		}
	}
	return out, nil
}

func conversation(d model.Domain, id string, unread uint, at time.Time) model.Conversation {
	return model.Conversation{
		ID:            id,
		Domain:        d,
		Counterparty:  model.Counterparty{ID: "cp-" + id, Domain: d, DisplayName: "Counterparty " + id},
		LastMessageAt: &at,
		UnreadCount:   unread,
	}
}

func nopLogger() *logger.Logger {
	return logger.NewNop()
}
