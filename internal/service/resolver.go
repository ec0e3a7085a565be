package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/marketplace-inbox/internal/api"
	"github.com/capitalize-ai/marketplace-inbox/internal/model"
	"github.com/capitalize-ai/marketplace-inbox/internal/store"
	"github.com/capitalize-ai/marketplace-inbox/pkg/logger"
	"github.com/capitalize-ai/marketplace-inbox/pkg/metrics"
)

// Resolver maps (domain, counterparty) to a stable conversation, creating it
// server-side on first contact.
type Resolver struct {
	api           api.MessagingAPI
	conversations *store.ConversationStore
	timeout       time.Duration
	logger        *logger.Logger

	inflight singleflight.Group
}

// NewResolver creates a conversation resolver.
func NewResolver(client api.MessagingAPI, conversations *store.ConversationStore, timeout time.Duration, log *logger.Logger) *Resolver {
	return &Resolver{
		api:           client,
		conversations: conversations,
		timeout:       timeout,
		logger:        log.Component("resolver"),
	}
}

// Resolve returns the conversation with counterpartyID in domain.
//
// Concurrent calls for the same key share one in-flight request and receive
// the same result. A caller giving up does not cancel the shared request.
// On failure nothing is cached and the call may be retried.
func (r *Resolver) Resolve(ctx context.Context, domain model.Domain, counterpartyID string) (model.Conversation, error) {
	counterpartyID = strings.TrimSpace(counterpartyID)
	if !domain.Valid() {
		return model.Conversation{}, fmt.Errorf("%w: %w", ErrResolveFailed, model.ErrUnknownDomain)
	}
	if counterpartyID == "" {
		return model.Conversation{}, fmt.Errorf("%w: empty counterparty id", ErrResolveFailed)
	}

	if conv, ok := r.conversations.FindByCounterparty(domain, counterpartyID); ok {
		return conv, nil
	}

	key := string(domain) + "/" + counterpartyID
	ch := r.inflight.DoChan(key, func() (any, error) {
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		conv, err := r.api.GetOrCreateConversation(reqCtx, domain, counterpartyID)
		if err != nil {
			metrics.ResolvesTotal.WithLabelValues(string(domain), "failed").Inc()
			return nil, err
		}
		conv.Domain = domain
		conv.Counterparty.Domain = domain
		if conv.Counterparty.ID == "" {
			conv.Counterparty.ID = counterpartyID
		}

		if !r.conversations.Insert(conv) {
			if existing, ok := r.conversations.Get(conv.Key()); ok {
				conv = existing
			}
		}

		metrics.ResolvesTotal.WithLabelValues(string(domain), "resolved").Inc()
		r.logger.Info("conversation resolved",
			zap.String("domain", string(domain)),
			zap.String("counterparty_id", counterpartyID),
			zap.String("conversation_id", conv.ID),
		)
		return conv, nil
	})

	select {
	case <-ctx.Done():
		return model.Conversation{}, classify(ErrResolveFailed, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			r.logger.Warn("conversation resolve failed",
				zap.String("domain", string(domain)),
				zap.String("counterparty_id", counterpartyID),
				zap.Error(res.Err),
			)
			return model.Conversation{}, fmt.Errorf("%w: %w", ErrResolveFailed, res.Err)
		}
		return res.Val.(model.Conversation), nil
	}
}
