package api

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/marketplace-inbox/internal/model"
	"github.com/capitalize-ai/marketplace-inbox/pkg/logger"
	"github.com/capitalize-ai/marketplace-inbox/pkg/tracing"
)

// Config holds REST client configuration.
type Config struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	RateLimit float64 // requests per second, <= 0 disables throttling
	RateBurst int
}

// Client implements MessagingAPI over REST.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  *logger.Logger
}

type errorBody struct {
	Error string `json:"error"`
}

type messagesBody struct {
	Messages []model.Message `json:"messages"`
}

type unreadBody struct {
	Count uint `json:"count"`
}

type counterpartiesBody struct {
	Counterparties []model.Counterparty `json:"counterparties"`
}

type createConversationBody struct {
	CounterpartyID string `json:"counterparty_id"`
}

type sendMessageBody struct {
	Content string `json:"content"`
}

// NewClient creates a REST messaging client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(cfg.Timeout)
	if cfg.Token != "" {
		httpClient.SetAuthToken(cfg.Token)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		tracer:  tracing.Tracer("marketplace-inbox/api"),
		logger:  log.Component("api"),
	}
}

// ListConversations implements MessagingAPI.
func (c *Client) ListConversations(ctx context.Context, domain model.Domain) (model.ListConversationsResponse, error) {
	var out model.ListConversationsResponse
	err := c.do(ctx, "list_conversations", domain, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).
			SetPathParam("domain", string(domain)).
			Get("/{domain}/conversations")
	})
	if err != nil {
		return model.ListConversationsResponse{}, err
	}
	for i := range out.Conversations {
		out.Conversations[i].Domain = domain
		out.Conversations[i].Counterparty.Domain = domain
	}
	return out, nil
}

// GetOrCreateConversation implements MessagingAPI.
func (c *Client) GetOrCreateConversation(ctx context.Context, domain model.Domain, counterpartyID string) (model.Conversation, error) {
	var out model.Conversation
	err := c.do(ctx, "get_or_create_conversation", domain, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).
			SetPathParam("domain", string(domain)).
			SetBody(&createConversationBody{CounterpartyID: counterpartyID}).
			Post("/{domain}/conversations")
	})
	if err != nil {
		return model.Conversation{}, err
	}
	out.Domain = domain
	out.Counterparty.Domain = domain
	return out, nil
}

// GetMessages implements MessagingAPI.
func (c *Client) GetMessages(ctx context.Context, domain model.Domain, conversationID string) ([]model.Message, error) {
	var out messagesBody
	err := c.do(ctx, "get_messages", domain, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).
			SetPathParams(map[string]string{
				"domain": string(domain),
				"id":     conversationID,
			}).
			Get("/{domain}/conversations/{id}/messages")
	})
	if err != nil {
		return nil, err
	}
	for i := range out.Messages {
		out.Messages[i].Domain = domain
		if out.Messages[i].ConversationID == "" {
			out.Messages[i].ConversationID = conversationID
		}
	}
	return out.Messages, nil
}

// SendMessage implements MessagingAPI.
func (c *Client) SendMessage(ctx context.Context, domain model.Domain, conversationID, content string) (model.Message, error) {
	var out model.Message
	err := c.do(ctx, "send_message", domain, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).
			SetPathParams(map[string]string{
				"domain": string(domain),
				"id":     conversationID,
			}).
			SetBody(&sendMessageBody{Content: content}).
			Post("/{domain}/conversations/{id}/messages")
	})
	if err != nil {
		return model.Message{}, err
	}
	out.Domain = domain
	if out.ConversationID == "" {
		out.ConversationID = conversationID
	}
	return out, nil
}

// GetUnreadCount implements MessagingAPI.
func (c *Client) GetUnreadCount(ctx context.Context, domain model.Domain) (uint, error) {
	var out unreadBody
	err := c.do(ctx, "get_unread_count", domain, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).
			SetPathParam("domain", string(domain)).
			Get("/{domain}/unread-count")
	})
	if err != nil {
		return 0, err
	}
	return out.Count, nil
}

// ListCounterparties implements MessagingAPI.
func (c *Client) ListCounterparties(ctx context.Context, domain model.Domain, query string) ([]model.Counterparty, error) {
	var out counterpartiesBody
	err := c.do(ctx, "list_counterparties", domain, func(r *resty.Request) (*resty.Response, error) {
		r.SetResult(&out).SetPathParam("domain", string(domain))
		if query != "" {
			r.SetQueryParam("q", query)
		}
		return r.Get("/{domain}/counterparties")
	})
	if err != nil {
		return nil, err
	}
	for i := range out.Counterparties {
		out.Counterparties[i].Domain = domain
	}
	return out.Counterparties, nil
}

// do throttles, traces and executes one request.
func (c *Client) do(ctx context.Context, op string, domain model.Domain, send func(*resty.Request) (*resty.Response, error)) error {
	ctx, span := c.tracer.Start(ctx, "inbox.api."+op,
		trace.WithAttributes(attribute.String("inbox.domain", string(domain))),
	)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limiter")
		return fmt.Errorf("%s: %w", op, err)
	}

	start := time.Now()
	resp, err := send(c.http.R().SetContext(ctx).SetError(&errorBody{}))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", op, err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode()))
	c.logger.Debug("api request completed",
		zap.String("op", op),
		zap.String("domain", string(domain)),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.IsError() {
		statusErr := &StatusError{Op: op, StatusCode: resp.StatusCode()}
		if body, ok := resp.Error().(*errorBody); ok && body != nil {
			statusErr.Message = body.Error
		}
		span.SetStatus(codes.Error, statusErr.Error())
		return statusErr
	}
	return nil
}
