package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/marketplace-inbox/internal/api"
	"github.com/capitalize-ai/marketplace-inbox/internal/model"
	"github.com/capitalize-ai/marketplace-inbox/internal/store"
	"github.com/capitalize-ai/marketplace-inbox/pkg/logger"
	"github.com/capitalize-ai/marketplace-inbox/pkg/metrics"
)

// ListSynchronizer refreshes one domain's conversation list.
type ListSynchronizer struct {
	domain        model.Domain
	api           api.MessagingAPI
	conversations *store.ConversationStore
	unread        *UnreadReconciler
	timeout       time.Duration
	logger        *logger.Logger
	emit          func(model.InboxEvent)

	guard latestGuard
}

// NewListSynchronizer creates the list synchronizer of a domain.
func NewListSynchronizer(
	domain model.Domain,
	client api.MessagingAPI,
	conversations *store.ConversationStore,
	unread *UnreadReconciler,
	timeout time.Duration,
	log *logger.Logger,
	emit func(model.InboxEvent),
) *ListSynchronizer {
	if emit == nil {
		emit = func(model.InboxEvent) {}
	}
	return &ListSynchronizer{
		domain:        domain,
		api:           client,
		conversations: conversations,
		unread:        unread,
		timeout:       timeout,
		logger:        log.Component("list-sync").With(zap.String("domain", string(domain))),
		emit:          emit,
	}
}

// Domain returns the synchronized domain.
func (s *ListSynchronizer) Domain() model.Domain {
	return s.domain
}

// Refresh fetches the conversation list and the domain unread total and
// merges them into the store. A response older than one already applied is
// discarded and reported as ErrCancelled.
func (s *ListSynchronizer) Refresh(ctx context.Context) ([]model.Conversation, error) {
	seq := s.guard.begin()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		resp     model.ListConversationsResponse
		total    uint
		hasTotal bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		resp, err = s.api.ListConversations(gctx, s.domain)
		return err
	})
	g.Go(func() error {
		n, err := s.api.GetUnreadCount(gctx, s.domain)
		if err != nil {
			// The previous off-page count stays in effect.
			s.logger.Debug("unread count fetch failed", zap.Error(err))
			return nil
		}
		total, hasTotal = n, true
		return nil
	})

	if err := g.Wait(); err != nil {
		err = classify(ErrFetchFailed, err)
		s.record(start, err)
		return nil, err
	}

	var merged []model.Conversation
	applied := s.guard.apply(seq, func() {
		merged = s.conversations.Merge(s.domain, resp, s.unread.Reconcile)
		if hasTotal {
			s.unread.SetServerTotal(s.domain, total, s.conversations.SumServerUnread(s.domain))
		}
	})
	if !applied {
		metrics.RecordSync("list", string(s.domain), "stale", time.Since(start).Seconds())
		s.logger.Debug("stale conversation list discarded", zap.Uint64("seq", seq))
		return nil, ErrCancelled
	}

	metrics.RecordSync("list", string(s.domain), "applied", time.Since(start).Seconds())
	s.emit(model.InboxEvent{Type: model.EventConversationsUpdated, Domain: s.domain})
	badge := s.unread.TotalUnread()
	s.emit(model.InboxEvent{Type: model.EventUnreadUpdated, Domain: s.domain, TotalUnread: &badge})
	return merged, nil
}

func (s *ListSynchronizer) record(start time.Time, err error) {
	outcome := "failed"
	if isCancelled(err) {
		outcome = "cancelled"
		s.logger.Debug("conversation list refresh cancelled")
	} else {
		s.logger.Warn("conversation list refresh failed", zap.Error(err))
	}
	metrics.RecordSync("list", string(s.domain), outcome, time.Since(start).Seconds())
}
