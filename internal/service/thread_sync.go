package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-inbox/internal/api"
	"github.com/capitalize-ai/marketplace-inbox/internal/model"
	"github.com/capitalize-ai/marketplace-inbox/internal/store"
	"github.com/capitalize-ai/marketplace-inbox/pkg/logger"
	"github.com/capitalize-ai/marketplace-inbox/pkg/metrics"
)

// ThreadSynchronizer refreshes the messages of one open conversation.
type ThreadSynchronizer struct {
	key       model.ConversationKey
	api       api.MessagingAPI
	messages  *store.MessageStore
	tolerance time.Duration
	timeout   time.Duration
	isActive  func(model.ConversationKey) bool
	logger    *logger.Logger
	emit      func(model.InboxEvent)

	guard latestGuard
}

// NewThreadSynchronizer creates a synchronizer for key. isActive reports
// whether key is still the open conversation; responses arriving after it
// turns false are dropped.
func NewThreadSynchronizer(
	key model.ConversationKey,
	client api.MessagingAPI,
	messages *store.MessageStore,
	tolerance, timeout time.Duration,
	isActive func(model.ConversationKey) bool,
	log *logger.Logger,
	emit func(model.InboxEvent),
) *ThreadSynchronizer {
	if isActive == nil {
		isActive = func(model.ConversationKey) bool { return true }
	}
	if emit == nil {
		emit = func(model.InboxEvent) {}
	}
	return &ThreadSynchronizer{
		key:       key,
		api:       client,
		messages:  messages,
		tolerance: tolerance,
		timeout:   timeout,
		isActive:  isActive,
		logger: log.Component("thread-sync").With(
			zap.String("domain", string(key.Domain)),
			zap.String("conversation_id", key.ID),
		),
		emit: emit,
	}
}

// Key returns the synchronized conversation.
func (s *ThreadSynchronizer) Key() model.ConversationKey {
	return s.key
}

// Refresh fetches the thread, drops local copies of messages the server now
// returns and merges the rest.
func (s *ThreadSynchronizer) Refresh(ctx context.Context) ([]model.Message, error) {
	seq := s.guard.begin()
	start := time.Now()
	domain := string(s.key.Domain)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	server, err := s.api.GetMessages(ctx, s.key.Domain, s.key.ID)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		err = classify(ErrFetchFailed, err)
		outcome := "failed"
		if isCancelled(err) {
			outcome = "cancelled"
			s.logger.Debug("thread refresh cancelled")
		} else {
			s.logger.Warn("thread refresh failed", zap.Error(err))
		}
		metrics.RecordSync("thread", domain, outcome, time.Since(start).Seconds())
		return nil, err
	}

	var (
		superseded []model.ProvisionalID
		left       bool
	)
	applied := s.guard.apply(seq, func() {
		if !s.isActive(s.key) {
			left = true
			return
		}
		superseded = s.messages.ApplyServer(s.key, server, s.tolerance)
	})
	if !applied || left {
		metrics.RecordSync("thread", domain, "stale", time.Since(start).Seconds())
		s.logger.Debug("stale thread response discarded", zap.Uint64("seq", seq), zap.Bool("left", left))
		return nil, ErrCancelled
	}

	metrics.RecordSync("thread", domain, "applied", time.Since(start).Seconds())
	if n := len(superseded); n > 0 {
		metrics.DedupTotal.WithLabelValues(domain).Add(float64(n))
		for _, id := range superseded {
			s.emit(model.InboxEvent{
				Type:           model.EventDeliveryChanged,
				Domain:         s.key.Domain,
				ConversationID: s.key.ID,
				ProvisionalID:  id,
				DeliveryState:  model.DeliverySent,
			})
		}
	}
	s.emit(model.InboxEvent{Type: model.EventThreadUpdated, Domain: s.key.Domain, ConversationID: s.key.ID})

	return s.messages.Thread(s.key), nil
}
