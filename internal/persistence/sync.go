package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukepan/chat-rooms-server/internal/callback"
	"github.com/dukepan/chat-rooms-server/internal/config"
	"github.com/dukepan/chat-rooms-server/internal/models"
	"github.com/dukepan/chat-rooms-server/internal/utils"
)

// SyncStore is the durable side of the sync engine.
type SyncStore interface {
	GetDataForSync(ctx context.Context, roomID uuid.UUID, details models.RoomDetails) (*models.DataSyncPayload, error)
	GetRoomBasicInfo(ctx context.Context, roomID uuid.UUID) (*models.RoomBasicInfo, error)
	GetChatHistoryPage(ctx context.Context, roomID uuid.UUID, query models.PaginationQuery) (*models.ChatHistoryPage, error)
	GetSessionHistoryPage(ctx context.Context, roomID uuid.UUID, query models.PaginationQuery) (*models.SessionHistoryPage, error)
}

// RoomSource is the live side: the registry of running room actors.
type RoomSource interface {
	RoomIDs() []uuid.UUID
	QueryRoomDetails(ctx context.Context, roomID uuid.UUID) (models.RoomDetails, error)
	ConnectionsInRoom(roomID uuid.UUID) uint32
}

const syncQueryTimeout = 30 * time.Second

// SyncEngine runs the periodic push loops: full data sync snapshots, basic
// room info for the periodic sync callback, and the chat/session history
// batch streams, each on its own configured interval.
type SyncEngine struct {
	store      SyncStore
	rooms      RoomSource
	dispatcher *callback.Dispatcher
	cfg        *config.Config
	logger     *utils.Logger
	done       chan struct{}
	wg         sync.WaitGroup
}

func NewSyncEngine(store SyncStore, rooms RoomSource, dispatcher *callback.Dispatcher, cfg *config.Config, logger *utils.Logger) *SyncEngine {
	return &SyncEngine{
		store:      store,
		rooms:      rooms,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start launches the push loops for every callback family that has a URL.
func (s *SyncEngine) Start() {
	if s.cfg.DataCallbackURL != "" || s.cfg.PeriodicSyncCallbackURL != "" {
		s.loop(time.Duration(s.cfg.SyncIntervalSeconds)*time.Second, s.runPeriodicSync)
	}
	if s.cfg.ChatHistoryCallbackURL != "" {
		s.loop(time.Duration(s.cfg.ChatHistoryBatchIntervalSeconds)*time.Second, s.runChatHistorySync)
	}
	if s.cfg.SessionHistoryCallbackURL != "" {
		s.loop(time.Duration(s.cfg.SessionHistoryBatchIntervalSeconds)*time.Second, s.runSessionHistorySync)
	}
}

// Stop signals the loops and waits for them; a push already in flight
// finishes its current room.
func (s *SyncEngine) Stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *SyncEngine) loop(interval time.Duration, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn(context.Background())
			case <-s.done:
				return
			}
		}
	}()
}

func (s *SyncEngine) runPeriodicSync(ctx context.Context) {
	s.SyncAllRooms(ctx)
	if s.cfg.PeriodicSyncCallbackURL == "" {
		return
	}
	for _, roomID := range s.rooms.RoomIDs() {
		info, err := s.store.GetRoomBasicInfo(ctx, roomID)
		if err != nil {
			s.logger.Error(ctx, "periodic sync: failed to load room %s info: %v", roomID, err)
			continue
		}
		info.CurrentConnections = s.rooms.ConnectionsInRoom(roomID)
		if err := s.dispatcher.SendPeriodicSync(ctx, *info); err != nil {
			s.logger.Error(ctx, "periodic sync push for room %s failed: %v", roomID, err)
		}
	}
}

func (s *SyncEngine) runChatHistorySync(ctx context.Context) {
	for _, roomID := range s.rooms.RoomIDs() {
		if err := s.dispatcher.StreamChatHistory(ctx, s.store, roomID); err != nil {
			s.logger.Error(ctx, "chat history stream for room %s failed: %v", roomID, err)
		}
	}
}

func (s *SyncEngine) runSessionHistorySync(ctx context.Context) {
	for _, roomID := range s.rooms.RoomIDs() {
		if err := s.dispatcher.StreamSessionHistory(ctx, s.store, roomID); err != nil {
			s.logger.Error(ctx, "session history stream for room %s failed: %v", roomID, err)
		}
	}
}

// SyncAllRooms pushes a data sync snapshot for every live room concurrently.
func (s *SyncEngine) SyncAllRooms(ctx context.Context) {
	if s.cfg.DataCallbackURL == "" {
		return
	}
	var wg sync.WaitGroup
	for _, roomID := range s.rooms.RoomIDs() {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if err := s.SyncRoom(ctx, id); err != nil {
				s.logger.Error(ctx, "data sync for room %s failed: %v", id, err)
			}
		}(roomID)
	}
	wg.Wait()
}

// SyncRoom snapshots one room's live stats plus its durable history and
// pushes the combined payload to the data callback.
func (s *SyncEngine) SyncRoom(ctx context.Context, roomID uuid.UUID) error {
	payload, err := s.buildPayload(ctx, roomID)
	if err != nil {
		return err
	}
	return s.dispatcher.SendDataSync(ctx, payload)
}

// SyncRoomWithDetails is used on room close, when the actor is already gone
// and its final details were captured beforehand.
func (s *SyncEngine) SyncRoomWithDetails(ctx context.Context, details models.RoomDetails) error {
	payload, err := s.store.GetDataForSync(ctx, details.RoomID, details)
	if err != nil {
		return err
	}
	return s.dispatcher.SendDataSync(ctx, payload)
}

// GetAllSyncData builds the pull-side snapshot for every live room.
func (s *SyncEngine) GetAllSyncData(ctx context.Context) ([]models.DataSyncPayload, error) {
	roomIDs := s.rooms.RoomIDs()
	payloads := make([]models.DataSyncPayload, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		payload, err := s.buildPayload(ctx, roomID)
		if err != nil {
			s.logger.Error(ctx, "skipping room %s in sync snapshot: %v", roomID, err)
			continue
		}
		payloads = append(payloads, *payload)
	}
	return payloads, nil
}

func (s *SyncEngine) buildPayload(ctx context.Context, roomID uuid.UUID) (*models.DataSyncPayload, error) {
	queryCtx, cancel := context.WithTimeout(ctx, syncQueryTimeout)
	defer cancel()

	details, err := s.rooms.QueryRoomDetails(queryCtx, roomID)
	if err != nil {
		return nil, err
	}
	return s.store.GetDataForSync(queryCtx, roomID, details)
}
