package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-inbox/internal/model"
	"github.com/capitalize-ai/marketplace-inbox/pkg/logger"
)

// EventSink receives every inbox event, e.g. to forward it to a broker.
type EventSink interface {
	PublishEvent(ctx context.Context, event *model.InboxEvent) error
}

const (
	sinkQueueSize      = 256
	sinkPublishTimeout = 2 * time.Second
)

// notifier fans inbox events out to in-process subscribers and the sink.
// Slow subscribers miss events instead of blocking the engine.
type notifier struct {
	logger *logger.Logger

	mu     sync.RWMutex
	subs   map[int]chan model.InboxEvent
	nextID int

	sink     EventSink
	sinkCh   chan model.InboxEvent
	sinkDone chan struct{}
	closed   bool
}

func newNotifier(sink EventSink, log *logger.Logger) *notifier {
	n := &notifier{
		logger: log,
		subs:   make(map[int]chan model.InboxEvent),
		sink:   sink,
	}
	if sink != nil {
		n.sinkCh = make(chan model.InboxEvent, sinkQueueSize)
		n.sinkDone = make(chan struct{})
		go n.pump()
	}
	return n
}

func (n *notifier) subscribe(buffer int) (<-chan model.InboxEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan model.InboxEvent, buffer)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
}

func (n *notifier) emit(evt model.InboxEvent) {
	evt.ID = uuid.Must(uuid.NewV7()).String()
	evt.CreatedAt = time.Now()

	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, ch := range n.subs {
		select {
		case ch <- evt:
		default:
			n.logger.Debug("subscriber lagging, event dropped", zap.String("type", string(evt.Type)))
		}
	}

	if n.sinkCh == nil || n.closed {
		return
	}
	select {
	case n.sinkCh <- evt:
	default:
		n.logger.Warn("event sink queue full, event dropped", zap.String("type", string(evt.Type)))
	}
}

func (n *notifier) pump() {
	defer close(n.sinkDone)
	for evt := range n.sinkCh {
		ctx, cancel := context.WithTimeout(context.Background(), sinkPublishTimeout)
		if err := n.sink.PublishEvent(ctx, &evt); err != nil {
			n.logger.Warn("failed to publish inbox event", zap.String("type", string(evt.Type)), zap.Error(err))
		}
		cancel()
	}
}

// close stops the sink pump after draining queued events.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed || n.sinkCh == nil {
		n.closed = true
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.sinkCh)
	n.mu.Unlock()

	<-n.sinkDone
}
