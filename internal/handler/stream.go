package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-inbox/internal/middleware"
	"github.com/capitalize-ai/marketplace-inbox/internal/model"
	"github.com/capitalize-ai/marketplace-inbox/internal/service"
	"github.com/capitalize-ai/marketplace-inbox/pkg/logger"
	"github.com/capitalize-ai/marketplace-inbox/pkg/metrics"
)

const maxReplay = 500

// EventReplayer returns recently published inbox events.
type EventReplayer interface {
	RecentEvents(ctx context.Context, domain model.Domain, limit int) ([]model.InboxEvent, error)
}

// StreamHandler streams inbox events over SSE.
type StreamHandler struct {
	inbox     *service.Inbox
	replay    EventReplayer
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler. replay may be nil when no
// event stream is configured.
func NewStreamHandler(inbox *service.Inbox, replay EventReplayer, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &StreamHandler{
		inbox:     inbox,
		replay:    replay,
		heartbeat: heartbeat,
		logger:    log.Component("stream"),
	}
}

// ConnectedEvent is the first event of every stream.
type ConnectedEvent struct {
	ActiveDomain model.Domain `json:"active_domain"`
	TotalUnread  uint         `json:"total_unread"`
}

// ReplayCompleteEvent marks the end of replayed events.
type ReplayCompleteEvent struct {
	EventCount int `json:"event_count"`
}

// HeartbeatEvent keeps idle connections open.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent reports a stream-level failure.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Stream handles GET /api/v1/inbox/stream
// Supports ?domain= to filter and ?replay=N to resend recent events first.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var filter model.Domain
	if s := r.URL.Query().Get("domain"); s != "" {
		d, err := middleware.ValidateDomain(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter = d
	}

	var replay int
	if s := r.URL.Query().Get("replay"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid replay count")
			return
		}
		replay = min(n, maxReplay)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	// The server write timeout does not apply to long-lived streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before replaying so no event falls between the two.
	events, unsubscribe := h.inbox.Subscribe()
	defer unsubscribe()

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.WithSession(middleware.GetCorrelationID(ctx), middleware.GetUserID(ctx))

	_ = sendSSEEvent(w, flusher, "connected", &ConnectedEvent{
		ActiveDomain: h.inbox.ActiveDomain(),
		TotalUnread:  h.inbox.TotalUnread(),
	})

	if replay > 0 && h.replay != nil {
		replayed, err := h.replay.RecentEvents(ctx, filter, replay)
		if err != nil {
			log.Warn("failed to replay events", zap.Error(err))
			_ = sendSSEEvent(w, flusher, "error", &ErrorEvent{
				Code:    "replay_error",
				Message: "Failed to replay events",
			})
		}
		for _, evt := range replayed {
			_ = sendSSEEvent(w, flusher, string(evt.Type), evt)
		}
		_ = sendSSEEvent(w, flusher, "replay_complete", &ReplayCompleteEvent{EventCount: len(replayed)})
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case evt, ok := <-events:
			if !ok {
				return
			}
			if filter != "" && evt.Domain != "" && evt.Domain != filter {
				continue
			}
			if err := sendSSEEvent(w, flusher, string(evt.Type), evt); err != nil {
				log.Debug("SSE write failed", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", &HeartbeatEvent{Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
