package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukepan/chat-rooms-server/internal/middleware"
)

// Routes assembles the full HTTP surface: the API-key-guarded management
// plane, the unauthenticated WebSocket upgrade and the Prometheus scrape
// endpoint, all wrapped with request-id and tracing middleware.
func (s *Server) Routes() http.Handler {
	management := http.NewServeMux()
	management.HandleFunc("GET /management/health", s.handleHealth)
	management.HandleFunc("POST /management/rooms", s.handleCreateRoom)
	management.HandleFunc("GET /management/rooms", s.handleListRooms)
	management.HandleFunc("GET /management/rooms/basic", s.handleListRoomsBasic)
	management.HandleFunc("DELETE /management/rooms/{room_id}", s.handleCloseRoom)
	management.HandleFunc("PUT /management/rooms/{room_id}/admins", s.handleResetAdmins)
	management.HandleFunc("DELETE /management/rooms/{room_id}/bans/{user_id}", s.handleUnbanUser)
	management.HandleFunc("GET /management/rooms/{room_id}/chat-history", s.handleChatHistory)
	management.HandleFunc("GET /management/rooms/{room_id}/session-history", s.handleSessionHistory)
	management.HandleFunc("GET /management/sync", s.handleGetSync)
	management.HandleFunc("POST /management/sync", s.handleTriggerSync)

	root := http.NewServeMux()
	root.Handle("/management/", middleware.APIKeyMiddleware(s.cfg.AdminAPIKey, management))
	root.HandleFunc("GET /ws/rooms/{room_id}", s.handleWebSocket)
	root.Handle("GET /metrics", promhttp.Handler())

	return middleware.RequestIDMiddleware(middleware.TracingMiddleware(root))
}
