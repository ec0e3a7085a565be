package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-inbox/internal/model"
	"github.com/capitalize-ai/marketplace-inbox/pkg/metrics"
)

const (
	// StreamName is the name of the inbox events stream.
	StreamName = "INBOX"

	// SubjectPrefix is the prefix for all inbox subjects.
	SubjectPrefix = "inbox"

	// globalSubject carries events not scoped to a domain.
	globalSubject = "all"
)

// EventStream publishes inbox events to JetStream and reads them back.
type EventStream struct {
	client *Client
	maxAge time.Duration
}

// NewEventStream creates an event stream. Events older than maxAge are
// discarded by the server.
func NewEventStream(client *Client, maxAge time.Duration) *EventStream {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &EventStream{client: client, maxAge: maxAge}
}

// EnsureStream ensures the inbox stream exists with proper configuration.
func (s *EventStream) EnsureStream(ctx context.Context) error {
	js := s.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      s.maxAge,
		MaxBytes:    1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Discard:     jetstream.DiscardOld,
		Description: "Inbox synchronization events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	s.client.logger.Info("created stream", zap.String("stream", StreamName))
	return nil
}

// EventSubject returns the subject for an event.
func EventSubject(domain model.Domain, eventType model.EventType) string {
	scope := string(domain)
	if scope == "" {
		scope = globalSubject
	}
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, scope, eventType)
}

// DomainFilter returns the filter subject for all events of a domain.
// An empty domain matches every event.
func DomainFilter(domain model.Domain) string {
	if domain == "" {
		return SubjectPrefix + ".>"
	}
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, domain)
}

// PublishEvent publishes an event to JetStream.
func (s *EventStream) PublishEvent(ctx context.Context, event *model.InboxEvent) error {
	subject := EventSubject(event.Domain, event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(string(event.Type), "error").Inc()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := s.client.JetStream().Publish(ctx, subject, data, jetstream.WithMsgID(event.ID)); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(string(event.Type), "error").Inc()
		return fmt.Errorf("failed to publish event: %w", err)
	}

	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type), "ok").Inc()
	return nil
}

// RecentEvents returns up to limit of the newest events for a domain, oldest
// first.
func (s *EventStream) RecentEvents(ctx context.Context, domain model.Domain, limit int) ([]model.InboxEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	js := s.client.JetStream()

	stream, err := js.Stream(ctx, StreamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{DomainFilter(domain)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	// Start near the tail; a filtered domain may need more than limit messages.
	if last := info.State.LastSeq; last > uint64(limit)*4 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = last - uint64(limit)*4 + 1
	}

	consumer, err := js.OrderedConsumer(ctx, StreamName, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit*4, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}

	var events []model.InboxEvent
	for msg := range batch.Messages() {
		var evt model.InboxEvent
		if err := json.Unmarshal(msg.Data(), &evt); err != nil {
			s.client.logger.Debug("skipping malformed event", zap.String("subject", msg.Subject()), zap.Error(err))
			continue
		}
		events = append(events, evt)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, fmt.Errorf("batch error: %w", err)
	}

	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}
