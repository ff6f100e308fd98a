package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dukepan/chat-rooms-server/internal/callback"
	"github.com/dukepan/chat-rooms-server/internal/cache"
	"github.com/dukepan/chat-rooms-server/internal/config"
	"github.com/dukepan/chat-rooms-server/internal/db"
	"github.com/dukepan/chat-rooms-server/internal/models"
	"github.com/dukepan/chat-rooms-server/internal/persistence"
	"github.com/dukepan/chat-rooms-server/internal/rooms"
	"github.com/dukepan/chat-rooms-server/internal/utils"
)

const statsQueryTimeout = 5 * time.Second

// Server holds the handler dependencies for the management surface and the
// WebSocket endpoint.
type Server struct {
	cfg        *config.Config
	logger     *utils.Logger
	db         *db.Database
	cache      *cache.Cache
	registry   *rooms.Registry
	sync       *persistence.SyncEngine
	dispatcher *callback.Dispatcher
}

func NewServer(cfg *config.Config, logger *utils.Logger, database *db.Database, presence *cache.Cache, registry *rooms.Registry, syncEngine *persistence.SyncEngine, dispatcher *callback.Dispatcher) *Server {
	return &Server{
		cfg:        cfg,
		logger:     logger,
		db:         database,
		cache:      presence,
		registry:   registry,
		sync:       syncEngine,
		dispatcher: dispatcher,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, req *http.Request) {
	var body models.CreateRoomRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		utils.RespondAppError(w, utils.BadRequest("invalid request body"))
		return
	}
	if body.RoomName == "" {
		utils.RespondAppError(w, utils.BadRequest("room_name is required"))
		return
	}

	roomID := uuid.New()
	createdAt := time.Now().Unix()
	if err := s.db.CreateRoom(req.Context(), roomID, body.RoomName, createdAt, body.AdminUserIDs); err != nil {
		s.logger.Error(req.Context(), "failed to persist room %s: %v", roomID, err)
		utils.RespondAppError(w, utils.Internal("failed to create room"))
		return
	}
	if err := s.registry.Open(roomID, body.RoomName, body.AdminUserIDs, nil); err != nil {
		s.logger.Error(req.Context(), "failed to start room %s: %v", roomID, err)
		utils.RespondAppError(w, utils.Internal("failed to create room"))
		return
	}

	s.dispatcher.EnqueueRoomCreated(roomID, body.RoomName, body.AdminUserIDs)
	if s.cfg.DataCallbackURL != "" {
		go func() {
			if err := s.sync.SyncRoom(context.Background(), roomID); err != nil {
				s.logger.Error(context.Background(), "initial sync for room %s failed: %v", roomID, err)
			}
		}()
	}

	utils.RespondJSON(w, http.StatusCreated, models.CreateRoomResponse{
		RoomID:       roomID,
		WebsocketURL: fmt.Sprintf("/ws/rooms/%s", roomID),
	})
}

func (s *Server) handleListRooms(w http.ResponseWriter, req *http.Request) {
	roomIDs := s.registry.RoomIDs()
	details := make([]models.RoomDetails, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		ctx, cancel := context.WithTimeout(req.Context(), statsQueryTimeout)
		d, err := s.registry.QueryRoomDetails(ctx, roomID)
		cancel()
		if err != nil {
			// room closed between snapshot and query
			continue
		}
		details = append(details, d)
	}
	utils.RespondJSON(w, http.StatusOK, details)
}

func (s *Server) handleListRoomsBasic(w http.ResponseWriter, req *http.Request) {
	roomIDs := s.registry.RoomIDs()
	infos := make([]models.RoomBasicInfo, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		info, err := s.db.GetRoomBasicInfo(req.Context(), roomID)
		if err != nil {
			s.logger.Error(req.Context(), "failed to load basic info for room %s: %v", roomID, err)
			continue
		}
		info.CurrentConnections = s.registry.ConnectionsInRoom(roomID)
		infos = append(infos, *info)
	}
	utils.RespondJSON(w, http.StatusOK, infos)
}

func (s *Server) handleCloseRoom(w http.ResponseWriter, req *http.Request) {
	roomID, ok := s.roomIDFromPath(w, req)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), statsQueryTimeout)
	details, err := s.registry.QueryRoomDetails(ctx, roomID)
	cancel()
	if err != nil {
		utils.RespondAppError(w, utils.NotFound("room not found"))
		return
	}

	if !s.registry.Close(roomID) {
		utils.RespondAppError(w, utils.NotFound("room not found"))
		return
	}

	s.dispatcher.EnqueueRoomClosed(roomID, details.RoomStats)
	if s.cfg.DataCallbackURL != "" {
		go func() {
			if err := s.sync.SyncRoomWithDetails(context.Background(), details); err != nil {
				s.logger.Error(context.Background(), "final sync for room %s failed: %v", roomID, err)
			}
		}()
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetAdmins(w http.ResponseWriter, req *http.Request) {
	roomID, ok := s.roomIDFromPath(w, req)
	if !ok {
		return
	}
	var body models.ResetAdminsRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		utils.RespondAppError(w, utils.BadRequest("invalid request body"))
		return
	}

	handle, found := s.registry.Lookup(roomID)
	if !found {
		utils.RespondAppError(w, utils.NotFound("room not found"))
		return
	}
	if err := s.db.ReplaceRoomAdmins(req.Context(), roomID, body.AdminUserIDs); err != nil {
		s.logger.Error(req.Context(), "failed to persist admins for room %s: %v", roomID, err)
		utils.RespondAppError(w, utils.Internal("failed to update admins"))
		return
	}
	handle.SendControl(models.ControlMessage{Kind: models.ControlResetAdmins, Admins: body.AdminUserIDs})
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUnbanUser(w http.ResponseWriter, req *http.Request) {
	roomID, ok := s.roomIDFromPath(w, req)
	if !ok {
		return
	}
	userID := req.PathValue("user_id")
	if userID == "" {
		utils.RespondAppError(w, utils.BadRequest("user_id is required"))
		return
	}

	handle, found := s.registry.Lookup(roomID)
	if !found {
		utils.RespondAppError(w, utils.NotFound("room not found"))
		return
	}
	// Durable delete first, then the in-memory unban on the control port.
	if err := s.db.DeleteRoomBan(req.Context(), roomID, userID); err != nil {
		s.logger.Error(req.Context(), "failed to delete ban for %s in room %s: %v", userID, roomID, err)
		utils.RespondAppError(w, utils.Internal("failed to unban user"))
		return
	}
	handle.SendControl(models.ControlMessage{Kind: models.ControlUnbanUser, UserID: userID})
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, req *http.Request) {
	roomID, ok := s.roomIDFromPath(w, req)
	if !ok {
		return
	}
	page, err := s.db.GetChatHistoryPage(req.Context(), roomID, paginationFromQuery(req))
	if err != nil {
		s.logger.Error(req.Context(), "failed to load chat history for room %s: %v", roomID, err)
		utils.RespondAppError(w, utils.Internal("failed to load chat history"))
		return
	}
	utils.RespondJSON(w, http.StatusOK, page)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, req *http.Request) {
	roomID, ok := s.roomIDFromPath(w, req)
	if !ok {
		return
	}
	page, err := s.db.GetSessionHistoryPage(req.Context(), roomID, paginationFromQuery(req))
	if err != nil {
		s.logger.Error(req.Context(), "failed to load session history for room %s: %v", roomID, err)
		utils.RespondAppError(w, utils.Internal("failed to load session history"))
		return
	}
	utils.RespondJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetSync(w http.ResponseWriter, req *http.Request) {
	payloads, err := s.sync.GetAllSyncData(req.Context())
	if err != nil {
		utils.RespondAppError(w, utils.Internal("failed to build sync snapshot"))
		return
	}
	utils.RespondJSON(w, http.StatusOK, payloads)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, req *http.Request) {
	go s.sync.SyncAllRooms(context.Background())
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "sync triggered"})
}

func (s *Server) roomIDFromPath(w http.ResponseWriter, req *http.Request) (uuid.UUID, bool) {
	roomID, err := uuid.Parse(req.PathValue("room_id"))
	if err != nil {
		utils.RespondAppError(w, utils.BadRequest("invalid room id"))
		return uuid.Nil, false
	}
	return roomID, true
}

func paginationFromQuery(req *http.Request) models.PaginationQuery {
	q := req.URL.Query()
	return models.PaginationQuery{
		Page:  uint32(parseUintParam(q.Get("page"))),
		Limit: uint32(parseUintParam(q.Get("limit"))),
		From:  int64(parseUintParam(q.Get("from"))),
		To:    int64(parseUintParam(q.Get("to"))),
	}
}

func parseUintParam(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
