package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukepan/chat-rooms-server/internal/config"
	"github.com/dukepan/chat-rooms-server/internal/metrics"
	"github.com/dukepan/chat-rooms-server/internal/models"
	"github.com/dukepan/chat-rooms-server/internal/utils"
)

const lifecycleQueueCapacity = 256

// ChatHistoryPager fetches one page of durable chat messages.
type ChatHistoryPager interface {
	GetChatHistoryPage(ctx context.Context, roomID uuid.UUID, query models.PaginationQuery) (*models.ChatHistoryPage, error)
}

// SessionHistoryPager fetches one page of completed sessions.
type SessionHistoryPager interface {
	GetSessionHistoryPage(ctx context.Context, roomID uuid.UUID, query models.PaginationQuery) (*models.SessionHistoryPage, error)
}

type queuedEvent struct {
	url     string
	payload any
}

// Dispatcher POSTs callback events as JSON with fixed-delay retries. Room and
// user lifecycle events go through a buffered queue drained by a worker
// goroutine so actors and handlers never block on HTTP; sync and history
// pushes are delivered synchronously by their own loops.
type Dispatcher struct {
	cfg    *config.Config
	logger *utils.Logger
	client *http.Client
	events chan queuedEvent
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewDispatcher(cfg *config.Config, logger *utils.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{
			Timeout: time.Duration(cfg.CallbackTimeoutSeconds) * time.Second,
		},
		events: make(chan queuedEvent, lifecycleQueueCapacity),
		done:   make(chan struct{}),
	}
}

// Start launches the lifecycle delivery worker.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop drains nothing: queued events that have not been delivered yet are
// dropped, consistent with the at-most-once callback contract.
func (d *Dispatcher) Stop() {
	close(d.done)
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.events:
			if err := d.deliver(context.Background(), ev.url, ev.payload); err != nil {
				d.logger.Error(context.Background(), "lifecycle callback failed: %v", err)
			}
		case <-d.done:
			return
		}
	}
}

// enqueue queues a lifecycle event without blocking; a full queue drops the
// event with a log line.
func (d *Dispatcher) enqueue(url string, payload any) {
	if url == "" {
		return
	}
	select {
	case d.events <- queuedEvent{url: url, payload: payload}:
	default:
		d.logger.Error(context.Background(), "callback queue full, dropping event for %s", url)
	}
}

// EnqueueRoomCreated emits a room_created event to the room event callback.
func (d *Dispatcher) EnqueueRoomCreated(roomID uuid.UUID, roomName string, adminUserIDs []string) {
	d.enqueue(d.cfg.RoomEventCallbackURL, RoomCreatedEvent{
		EventType:    EventRoomCreated,
		RoomID:       roomID,
		RoomName:     roomName,
		AdminUserIDs: adminUserIDs,
		Timestamp:    time.Now().Unix(),
	})
}

// EnqueueRoomClosed emits a room_closed event carrying the room's final stats.
func (d *Dispatcher) EnqueueRoomClosed(roomID uuid.UUID, finalStats models.RoomStats) {
	d.enqueue(d.cfg.RoomEventCallbackURL, RoomClosedEvent{
		EventType:  EventRoomClosed,
		RoomID:     roomID,
		FinalStats: finalStats,
		Timestamp:  time.Now().Unix(),
	})
}

// RoomUserJoined emits a user_joined event. Called by room actors; never blocks.
func (d *Dispatcher) RoomUserJoined(roomID uuid.UUID, userID string) {
	d.enqueue(d.cfg.RoomEventCallbackURL, UserJoinedEvent{
		EventType: EventUserJoined,
		RoomID:    roomID,
		UserID:    userID,
		Timestamp: time.Now().Unix(),
	})
}

// RoomUserLeft emits a user_left event. Called by room actors; never blocks.
func (d *Dispatcher) RoomUserLeft(roomID uuid.UUID, userID string) {
	d.enqueue(d.cfg.RoomEventCallbackURL, UserLeftEvent{
		EventType: EventUserLeft,
		RoomID:    roomID,
		UserID:    userID,
		Timestamp: time.Now().Unix(),
	})
}

// SendDataSync pushes a full room snapshot to the data callback.
func (d *Dispatcher) SendDataSync(ctx context.Context, payload *models.DataSyncPayload) error {
	return d.deliver(ctx, d.cfg.DataCallbackURL, payload)
}

// SendPeriodicSync pushes a room's basic info to the periodic sync callback.
func (d *Dispatcher) SendPeriodicSync(ctx context.Context, info models.RoomBasicInfo) error {
	return d.deliver(ctx, d.cfg.PeriodicSyncCallbackURL, PeriodicSyncEvent{
		EventType: EventPeriodicSync,
		RoomInfo:  info,
		Timestamp: time.Now().Unix(),
	})
}

// StreamChatHistory pages through a room's durable chat messages and POSTs
// each page as a chat_history_batch event. The last page carries
// is_last_batch; an empty history sends nothing.
func (d *Dispatcher) StreamChatHistory(ctx context.Context, pager ChatHistoryPager, roomID uuid.UUID) error {
	if d.cfg.ChatHistoryCallbackURL == "" {
		return nil
	}
	for page := uint32(1); ; page++ {
		p, err := pager.GetChatHistoryPage(ctx, roomID, models.PaginationQuery{
			Page:  page,
			Limit: d.cfg.ChatHistoryBatchSize,
		})
		if err != nil {
			return fmt.Errorf("failed to load chat history page %d: %w", page, err)
		}
		if len(p.Records) == 0 {
			return nil
		}
		ev := ChatHistoryBatchEvent{
			EventType:   EventChatHistoryBatch,
			RoomID:      roomID,
			BatchID:     fmt.Sprintf("chat_%s_%d", roomID, page),
			Messages:    p.Records,
			IsLastBatch: !p.Pagination.HasNext,
			Timestamp:   time.Now().Unix(),
		}
		if err := d.deliver(ctx, d.cfg.ChatHistoryCallbackURL, ev); err != nil {
			return err
		}
		if !p.Pagination.HasNext {
			return nil
		}
	}
}

// StreamSessionHistory pages through a room's completed sessions and POSTs
// each page as a session_history_batch event.
func (d *Dispatcher) StreamSessionHistory(ctx context.Context, pager SessionHistoryPager, roomID uuid.UUID) error {
	if d.cfg.SessionHistoryCallbackURL == "" {
		return nil
	}
	for page := uint32(1); ; page++ {
		p, err := pager.GetSessionHistoryPage(ctx, roomID, models.PaginationQuery{
			Page:  page,
			Limit: d.cfg.SessionHistoryBatchSize,
		})
		if err != nil {
			return fmt.Errorf("failed to load session history page %d: %w", page, err)
		}
		if len(p.Records) == 0 {
			return nil
		}
		ev := SessionHistoryBatchEvent{
			EventType:   EventSessionHistoryBatch,
			RoomID:      roomID,
			BatchID:     fmt.Sprintf("session_%s_%d", roomID, page),
			Sessions:    p.Records,
			IsLastBatch: !p.Pagination.HasNext,
			Timestamp:   time.Now().Unix(),
		}
		if err := d.deliver(ctx, d.cfg.SessionHistoryCallbackURL, ev); err != nil {
			return err
		}
		if !p.Pagination.HasNext {
			return nil
		}
	}
}

// deliver POSTs the payload to url, retrying with a fixed delay. Any 2xx
// status counts as delivered. An empty url disables the event family.
func (d *Dispatcher) deliver(ctx context.Context, url string, payload any) error {
	if url == "" {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode callback payload: %w", err)
	}

	retryDelay := time.Duration(d.cfg.CallbackRetryDelaySeconds) * time.Second
	var lastErr error
	for attempt := uint32(0); attempt <= d.cfg.CallbackMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				metrics.CallbackDeliveries.WithLabelValues("failure").Inc()
				return ctx.Err()
			}
		}
		if lastErr = d.post(ctx, url, body); lastErr == nil {
			metrics.CallbackDeliveries.WithLabelValues("success").Inc()
			return nil
		}
		d.logger.Debug(ctx, "callback attempt %d to %s failed: %v", attempt+1, url, lastErr)
	}

	metrics.CallbackDeliveries.WithLabelValues("failure").Inc()
	return fmt.Errorf("callback to %s exhausted retries: %w", url, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(d.cfg.CallbackTimeoutSeconds)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
