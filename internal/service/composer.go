package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-inbox/internal/api"
	"github.com/capitalize-ai/marketplace-inbox/internal/model"
	"github.com/capitalize-ai/marketplace-inbox/internal/store"
	"github.com/capitalize-ai/marketplace-inbox/pkg/logger"
	"github.com/capitalize-ai/marketplace-inbox/pkg/metrics"
)

// MaxContentLength is the largest message body accepted, in bytes.
const MaxContentLength = 10000

// ValidateContent trims content and checks it can be sent.
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	switch {
	case content == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidContent)
	case !utf8.ValidString(content):
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidContent)
	case len(content) > MaxContentLength:
		return "", fmt.Errorf("%w: exceeds %d bytes", ErrInvalidContent, MaxContentLength)
	}
	return content, nil
}

// Composer sends user messages optimistically and keeps per-conversation
// drafts.
type Composer struct {
	api      api.MessagingAPI
	messages *store.MessageStore
	timeout  time.Duration
	now      func() time.Time
	logger   *logger.Logger
	emit     func(model.InboxEvent)

	mu     sync.Mutex
	drafts map[model.ConversationKey]string
}

// NewComposer creates a composer writing into messages.
func NewComposer(client api.MessagingAPI, messages *store.MessageStore, timeout time.Duration, log *logger.Logger, emit func(model.InboxEvent)) *Composer {
	if emit == nil {
		emit = func(model.InboxEvent) {}
	}
	return &Composer{
		api:      client,
		messages: messages,
		timeout:  timeout,
		now:      time.Now,
		logger:   log.Component("composer"),
		emit:     emit,
		drafts:   make(map[model.ConversationKey]string),
	}
}

// Send appends content to the thread as a pending message and delivers it.
//
// The pending message is visible before the request is made. On success it
// becomes sent and the draft is cleared; on failure it stays in the thread
// as failed and a *SendError is returned. The content is put back into the
// draft unless the user has typed something else meanwhile.
func (c *Composer) Send(ctx context.Context, key model.ConversationKey, content string) (model.Message, error) {
	content, err := ValidateContent(content)
	if err != nil {
		return model.Message{}, err
	}
	if key.IsZero() {
		return model.Message{}, ErrNoActiveConversation
	}

	issued := c.now()
	msg := model.Message{
		ProvisionalID:  model.NewProvisionalID(),
		ConversationID: key.ID,
		Domain:         key.Domain,
		SenderType:     model.SenderUser,
		Content:        content,
		CreatedAt:      issued,
		IssuedAt:       &issued,
		IsRead:         true,
		DeliveryState:  model.DeliveryPending,
	}
	c.messages.AppendLocal(msg)
	c.emitDelivery(key, msg.ProvisionalID, model.DeliveryPending)

	log := c.logger.With(
		zap.String("domain", string(key.Domain)),
		zap.String("conversation_id", key.ID),
		zap.Stringer("provisional_id", msg.ProvisionalID),
	)

	sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	echo, err := c.api.SendMessage(sendCtx, key.Domain, key.ID, content)
	if err != nil {
		updated, _ := c.messages.UpdateLocal(key, msg.ProvisionalID, func(m *model.Message) {
			m.DeliveryState = model.DeliveryFailed
		})
		c.restoreDraft(key, content)
		c.emitDelivery(key, msg.ProvisionalID, model.DeliveryFailed)

		err = classify(ErrSendFailed, err)
		if isCancelled(err) {
			metrics.MessagesSentTotal.WithLabelValues(string(key.Domain), "cancelled").Inc()
			log.Info("send cancelled")
		} else {
			metrics.MessagesSentTotal.WithLabelValues(string(key.Domain), "failed").Inc()
			log.Warn("send failed", zap.Error(err))
		}
		if updated.ProvisionalID == 0 {
			updated = msg
			updated.DeliveryState = model.DeliveryFailed
		}
		return updated, &SendError{ProvisionalID: msg.ProvisionalID, Err: err}
	}

	// A thread tick may already have replaced the local copy with the
	// server's; then there is nothing left to update.
	updated, ok := c.messages.UpdateLocal(key, msg.ProvisionalID, func(m *model.Message) {
		m.DeliveryState = model.DeliverySent
		m.EchoID = echo.ID
	})
	if !ok {
		updated = msg
		updated.DeliveryState = model.DeliverySent
		updated.EchoID = echo.ID
	}
	c.clearDraft(key, content)
	c.emitDelivery(key, msg.ProvisionalID, model.DeliverySent)

	metrics.MessagesSentTotal.WithLabelValues(string(key.Domain), "sent").Inc()
	log.Debug("message sent", zap.String("message_id", echo.ID))
	return updated, nil
}

// Retry re-sends a failed message. The failed entry is replaced by a new
// pending message with a fresh provisional id.
func (c *Composer) Retry(ctx context.Context, key model.ConversationKey, id model.ProvisionalID) (model.Message, error) {
	msg, ok := c.messages.FindLocal(key, id)
	if !ok {
		return model.Message{}, ErrMessageNotFound
	}
	if msg.DeliveryState != model.DeliveryFailed {
		return model.Message{}, ErrNotRetryable
	}
	if _, ok := c.messages.RemoveLocal(key, id); !ok {
		return model.Message{}, ErrMessageNotFound
	}
	return c.Send(ctx, key, msg.Content)
}

// Discard removes a failed message from the thread.
func (c *Composer) Discard(key model.ConversationKey, id model.ProvisionalID) error {
	msg, ok := c.messages.FindLocal(key, id)
	if !ok {
		return ErrMessageNotFound
	}
	if msg.DeliveryState != model.DeliveryFailed {
		return ErrNotRetryable
	}
	c.messages.RemoveLocal(key, id)
	c.emit(model.InboxEvent{Type: model.EventThreadUpdated, Domain: key.Domain, ConversationID: key.ID})
	return nil
}

// SetDraft stores the unsent text of a conversation.
func (c *Composer) SetDraft(key model.ConversationKey, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if text == "" {
		delete(c.drafts, key)
		return
	}
	c.drafts[key] = text
}

// Draft returns the unsent text of a conversation.
func (c *Composer) Draft(key model.ConversationKey) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drafts[key]
}

// clearDraft clears the draft unless the user has typed something else
// since sending.
func (c *Composer) clearDraft(key model.ConversationKey, sent string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.drafts[key]; ok && strings.TrimSpace(d) != sent {
		return
	}
	delete(c.drafts, key)
}

// restoreDraft puts failed content back into an empty draft. Text typed
// since sending is kept.
func (c *Composer) restoreDraft(key model.ConversationKey, failed string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d := strings.TrimSpace(c.drafts[key]); d != "" && d != failed {
		return
	}
	c.drafts[key] = failed
}

func (c *Composer) emitDelivery(key model.ConversationKey, id model.ProvisionalID, state model.DeliveryState) {
	c.emit(model.InboxEvent{
		Type:           model.EventDeliveryChanged,
		Domain:         key.Domain,
		ConversationID: key.ID,
		ProvisionalID:  id,
		DeliveryState:  state,
	})
}
