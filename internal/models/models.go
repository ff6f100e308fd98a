package models

import (
	"time"

	"github.com/google/uuid"
)

// RoomStats holds the running counters owned by a room actor.
type RoomStats struct {
	CurrentUsers uint32 `json:"current_users"`
	PeakUsers    uint32 `json:"peak_users"`
	TotalJoins   uint64 `json:"total_joins"`
}

// RoomDetails is the snapshot returned by a stats query.
type RoomDetails struct {
	RoomID       uuid.UUID `json:"room_id"`
	RoomName     string    `json:"room_name"`
	AdminUserIDs []string  `json:"admin_user_ids"`
	StartTime    int64     `json:"start_time"`
	RoomStats
}

// RoomBasicInfo is the durable room row joined with the live connection count.
type RoomBasicInfo struct {
	RoomID             uuid.UUID `json:"room_id"`
	RoomName           string    `json:"room_name"`
	AdminUserIDs       []string  `json:"admin_user_ids"`
	CurrentConnections uint32    `json:"current_connections"`
	CreatedAt          int64     `json:"created_at"`
	LastActivity       int64     `json:"last_activity"`
}

// ChatHistoryEntry is one persisted chat message.
type ChatHistoryEntry struct {
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// SessionHistoryEntry is one completed room session.
type SessionHistoryEntry struct {
	UserID          string `json:"user_id"`
	JoinTime        int64  `json:"join_time"`
	LeaveTime       int64  `json:"leave_time"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// DataSyncPayload is the combined snapshot pushed to the legacy data callback.
type DataSyncPayload struct {
	RoomID       uuid.UUID `json:"room_id"`
	AdminUserIDs []string  `json:"admin_user_ids"`
	StartTime    int64     `json:"start_time"`
	RoomStats
	ChatHistory    []ChatHistoryEntry    `json:"chat_history"`
	SessionHistory []SessionHistoryEntry `json:"session_history"`
}

// InternalMessage is a unit of work on a room actor's inbound ports.
// Sender is only set for UserJoined; the actor takes ownership of it.
type InternalMessage struct {
	ConnID  uuid.UUID
	UserID  string
	RoomID  uuid.UUID
	Content ClientMessage
	Sender  chan Frame
}

// DbWriteKind discriminates persistence write commands.
type DbWriteKind int

const (
	WriteUserJoined DbWriteKind = iota
	WriteUserLeft
	WriteChatMessage
	WriteBanUser
	WriteUnbanUser
)

// DbWriteCommand is one unit of write-behind work for the persistence writer.
// JoinedAt carries the monotonic join instant so UserLeft durations are
// immune to wall-clock adjustments.
type DbWriteCommand struct {
	Kind     DbWriteKind
	RoomID   uuid.UUID
	UserID   string
	Content  string
	JoinedAt time.Time
}

// ControlKind discriminates control-plane messages to a room actor.
type ControlKind int

const (
	ControlResetAdmins ControlKind = iota
	ControlUnbanUser
)

// ControlMessage mutates a room actor's admin or ban state.
type ControlMessage struct {
	Kind   ControlKind
	Admins []string
	UserID string
}

// StatsQuery asks a room actor for its current details. Reply must be
// buffered (capacity 1) so the actor never blocks answering.
type StatsQuery struct {
	Reply chan RoomDetails
}

// Management API payloads.

type CreateRoomRequest struct {
	RoomName     string   `json:"room_name"`
	AdminUserIDs []string `json:"admin_user_ids"`
}

type CreateRoomResponse struct {
	RoomID       uuid.UUID `json:"room_id"`
	WebsocketURL string    `json:"websocket_url"`
}

type ResetAdminsRequest struct {
	AdminUserIDs []string `json:"admin_user_ids"`
}

// PaginationQuery carries the paging parameters of the history endpoints.
// From/To filter on the row timestamp (seconds since epoch); zero means
// unbounded.
type PaginationQuery struct {
	Page  uint32
	Limit uint32
	From  int64
	To    int64
}

type PaginationInfo struct {
	CurrentPage  uint32 `json:"current_page"`
	TotalPages   uint32 `json:"total_pages"`
	TotalRecords uint64 `json:"total_records"`
	PageSize     uint32 `json:"page_size"`
	HasNext      bool   `json:"has_next"`
	HasPrev      bool   `json:"has_prev"`
}

type ChatHistoryPage struct {
	RoomID     uuid.UUID          `json:"room_id"`
	Records    []ChatHistoryEntry `json:"records"`
	Pagination PaginationInfo     `json:"pagination"`
}

type SessionHistoryPage struct {
	RoomID     uuid.UUID             `json:"room_id"`
	Records    []SessionHistoryEntry `json:"records"`
	Pagination PaginationInfo        `json:"pagination"`
}
