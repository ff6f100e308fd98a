package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dukepan/chat-rooms-server/internal/rooms"
	"github.com/dukepan/chat-rooms-server/internal/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(req *http.Request) bool {
		return true
	},
}

// handleWebSocket upgrades GET /ws/rooms/{room_id}?user_id=... and runs the
// session until the socket or the room goes away. The user_id is taken at
// face value; there is no authentication on the upgrade.
func (s *Server) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	roomID, err := uuid.Parse(req.PathValue("room_id"))
	if err != nil {
		utils.RespondAppError(w, utils.BadRequest("invalid room id"))
		return
	}
	userID := req.URL.Query().Get("user_id")
	if userID == "" {
		utils.RespondAppError(w, utils.BadRequest("user_id is required"))
		return
	}

	release, ok := s.registry.AcquireConnectionSlot()
	if !ok {
		utils.RespondAppError(w, utils.ServiceUnavailable("connection limit reached"))
		return
	}
	defer release()

	handle, found := s.registry.Lookup(roomID)
	if !found {
		utils.RespondAppError(w, utils.NotFound("room not found"))
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written its error response.
		s.logger.Debug(req.Context(), "websocket upgrade failed: %v", err)
		return
	}

	// The request context dies with this handler; socket tasks outlive the
	// upgrade response, so presence work uses its own context.
	rooms.ServeConnection(context.Background(), conn, handle, userID, s.logger, s.cache)
}
