package callback

import (
	"github.com/dukepan/chat-rooms-server/internal/models"
	"github.com/google/uuid"
)

// Event type tags carried in the event_type field of every callback payload.
const (
	EventRoomCreated         = "room_created"
	EventRoomClosed          = "room_closed"
	EventUserJoined          = "user_joined"
	EventUserLeft            = "user_left"
	EventChatHistoryBatch    = "chat_history_batch"
	EventSessionHistoryBatch = "session_history_batch"
	EventPeriodicSync        = "periodic_sync"
)

type RoomCreatedEvent struct {
	EventType    string    `json:"event_type"`
	RoomID       uuid.UUID `json:"room_id"`
	RoomName     string    `json:"room_name"`
	AdminUserIDs []string  `json:"admin_user_ids"`
	Timestamp    int64     `json:"timestamp"`
}

type RoomClosedEvent struct {
	EventType  string           `json:"event_type"`
	RoomID     uuid.UUID        `json:"room_id"`
	FinalStats models.RoomStats `json:"final_stats"`
	Timestamp  int64            `json:"timestamp"`
}

type UserJoinedEvent struct {
	EventType string    `json:"event_type"`
	RoomID    uuid.UUID `json:"room_id"`
	UserID    string    `json:"user_id"`
	Timestamp int64     `json:"timestamp"`
}

type UserLeftEvent struct {
	EventType string    `json:"event_type"`
	RoomID    uuid.UUID `json:"room_id"`
	UserID    string    `json:"user_id"`
	Timestamp int64     `json:"timestamp"`
}

// ChatHistoryBatchEvent is one page of durable chat messages. BatchID is
// "chat_<room_id>_<page>"; IsLastBatch marks the final page of the stream.
type ChatHistoryBatchEvent struct {
	EventType   string                    `json:"event_type"`
	RoomID      uuid.UUID                 `json:"room_id"`
	BatchID     string                    `json:"batch_id"`
	Messages    []models.ChatHistoryEntry `json:"messages"`
	IsLastBatch bool                      `json:"is_last_batch"`
	Timestamp   int64                     `json:"timestamp"`
}

// SessionHistoryBatchEvent is one page of completed sessions, with
// "session_<room_id>_<page>" batch ids.
type SessionHistoryBatchEvent struct {
	EventType   string                       `json:"event_type"`
	RoomID      uuid.UUID                    `json:"room_id"`
	BatchID     string                       `json:"batch_id"`
	Sessions    []models.SessionHistoryEntry `json:"sessions"`
	IsLastBatch bool                         `json:"is_last_batch"`
	Timestamp   int64                        `json:"timestamp"`
}

type PeriodicSyncEvent struct {
	EventType string               `json:"event_type"`
	RoomInfo  models.RoomBasicInfo `json:"room_info"`
	Timestamp int64                `json:"timestamp"`
}
