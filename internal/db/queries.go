package db

import (
	"context"
	"fmt"
	"time"

	"github.com/dukepan/chat-rooms-server/internal/models"
	"github.com/google/uuid"
)

// Migrate creates the schema if it does not exist yet.
func (db *Database) Migrate(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at BIGINT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS room_admins (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (room_id, user_id)
		);
		CREATE TABLE IF NOT EXISTS room_bans (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (room_id, user_id)
		);
		CREATE TABLE IF NOT EXISTS chat_history (
			id BIGSERIAL PRIMARY KEY,
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS room_sessions (
			id BIGSERIAL PRIMARY KEY,
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			join_time BIGINT NOT NULL,
			leave_time BIGINT,
			duration_seconds BIGINT
		);
		CREATE INDEX IF NOT EXISTS idx_chat_history_room_id ON chat_history(room_id);
		CREATE INDEX IF NOT EXISTS idx_chat_history_created_at ON chat_history(created_at);
		CREATE INDEX IF NOT EXISTS idx_room_sessions_room_id ON room_sessions(room_id);
		CREATE INDEX IF NOT EXISTS idx_room_sessions_join_time ON room_sessions(join_time);
	`)
	return err
}

// CreateRoom inserts the room row and its initial admin set in one transaction.
func (db *Database) CreateRoom(ctx context.Context, roomID uuid.UUID, name string, createdAt int64, adminUserIDs []string) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO rooms (id, name, created_at) VALUES ($1, $2, $3)`,
		roomID.String(), name, createdAt,
	); err != nil {
		return err
	}
	for _, adminID := range adminUserIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO room_admins (room_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			roomID.String(), adminID,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ReplaceRoomAdmins swaps the durable admin set for a room.
func (db *Database) ReplaceRoomAdmins(ctx context.Context, roomID uuid.UUID, adminUserIDs []string) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM room_admins WHERE room_id = $1`, roomID.String()); err != nil {
		return err
	}
	for _, adminID := range adminUserIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO room_admins (room_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			roomID.String(), adminID,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// DeleteRoomBan removes a durable ban. The in-memory unban travels separately
// on the room's control port.
func (db *Database) DeleteRoomBan(ctx context.Context, roomID uuid.UUID, userID string) error {
	_, err := db.Exec(ctx,
		`DELETE FROM room_bans WHERE room_id = $1 AND user_id = $2`,
		roomID.String(), userID,
	)
	return err
}

// LoadAdminsForRoom returns the persisted admin set for a room.
func (db *Database) LoadAdminsForRoom(ctx context.Context, roomID uuid.UUID) ([]string, error) {
	return db.loadUserSet(ctx, `SELECT user_id FROM room_admins WHERE room_id = $1`, roomID)
}

// LoadBansForRoom returns the persisted ban set for a room.
func (db *Database) LoadBansForRoom(ctx context.Context, roomID uuid.UUID) ([]string, error) {
	return db.loadUserSet(ctx, `SELECT user_id FROM room_bans WHERE room_id = $1`, roomID)
}

func (db *Database) loadUserSet(ctx context.Context, query string, roomID uuid.UUID) ([]string, error) {
	rows, err := db.Query(ctx, query, roomID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, rows.Err()
}

// GetRoomBasicInfo returns the durable room row with its admin set and the
// timestamp of the latest chat message. CurrentConnections is left zero; the
// caller fills it from the room actor.
func (db *Database) GetRoomBasicInfo(ctx context.Context, roomID uuid.UUID) (*models.RoomBasicInfo, error) {
	var name string
	var createdAt int64
	err := db.QueryRow(ctx,
		`SELECT name, created_at FROM rooms WHERE id = $1`,
		roomID.String(),
	).Scan(&name, &createdAt)
	if err != nil {
		return nil, err
	}

	admins, err := db.LoadAdminsForRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	lastActivity := createdAt
	err = db.QueryRow(ctx,
		`SELECT COALESCE(MAX(created_at), $2) FROM chat_history WHERE room_id = $1`,
		roomID.String(), createdAt,
	).Scan(&lastActivity)
	if err != nil {
		return nil, err
	}

	return &models.RoomBasicInfo{
		RoomID:       roomID,
		RoomName:     name,
		AdminUserIDs: admins,
		CreatedAt:    createdAt,
		LastActivity: lastActivity,
	}, nil
}

// GetChatHistoryPage returns one page of chat history, newest first.
func (db *Database) GetChatHistoryPage(ctx context.Context, roomID uuid.UUID, query models.PaginationQuery) (*models.ChatHistoryPage, error) {
	page, limit := normalizePage(query, 1000, 10000)
	where, args := historyFilter("created_at", roomID, query)

	var totalRecords int64
	err := db.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM chat_history WHERE %s`, where), args...,
	).Scan(&totalRecords)
	if err != nil {
		return nil, err
	}

	dataQuery := fmt.Sprintf(
		`SELECT user_id, content, created_at FROM chat_history WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2,
	)
	args = append(args, int64(limit), int64((page-1)*limit))

	rows, err := db.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]models.ChatHistoryEntry, 0, limit)
	for rows.Next() {
		var entry models.ChatHistoryEntry
		if err := rows.Scan(&entry.UserID, &entry.Content, &entry.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &models.ChatHistoryPage{
		RoomID:     roomID,
		Records:    records,
		Pagination: paginate(page, limit, totalRecords),
	}, nil
}

// GetSessionHistoryPage returns one page of completed sessions, newest first.
func (db *Database) GetSessionHistoryPage(ctx context.Context, roomID uuid.UUID, query models.PaginationQuery) (*models.SessionHistoryPage, error) {
	page, limit := normalizePage(query, 500, 5000)
	where, args := historyFilter("join_time", roomID, query)
	where += " AND leave_time IS NOT NULL"

	var totalRecords int64
	err := db.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM room_sessions WHERE %s`, where), args...,
	).Scan(&totalRecords)
	if err != nil {
		return nil, err
	}

	dataQuery := fmt.Sprintf(
		`SELECT user_id, join_time, leave_time, duration_seconds FROM room_sessions WHERE %s ORDER BY join_time DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2,
	)
	args = append(args, int64(limit), int64((page-1)*limit))

	rows, err := db.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]models.SessionHistoryEntry, 0, limit)
	for rows.Next() {
		var entry models.SessionHistoryEntry
		if err := rows.Scan(&entry.UserID, &entry.JoinTime, &entry.LeaveTime, &entry.DurationSeconds); err != nil {
			return nil, err
		}
		records = append(records, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &models.SessionHistoryPage{
		RoomID:     roomID,
		Records:    records,
		Pagination: paginate(page, limit, totalRecords),
	}, nil
}

// GetDataForSync dumps a room's full chat and session history joined with a
// live stats snapshot.
func (db *Database) GetDataForSync(ctx context.Context, roomID uuid.UUID, details models.RoomDetails) (*models.DataSyncPayload, error) {
	chatRows, err := db.Query(ctx,
		`SELECT user_id, content, created_at FROM chat_history WHERE room_id = $1 ORDER BY created_at`,
		roomID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer chatRows.Close()

	var chatHistory []models.ChatHistoryEntry
	for chatRows.Next() {
		var entry models.ChatHistoryEntry
		if err := chatRows.Scan(&entry.UserID, &entry.Content, &entry.CreatedAt); err != nil {
			return nil, err
		}
		chatHistory = append(chatHistory, entry)
	}
	if err := chatRows.Err(); err != nil {
		return nil, err
	}

	sessionRows, err := db.Query(ctx,
		`SELECT user_id, join_time, leave_time, duration_seconds FROM room_sessions WHERE room_id = $1 AND leave_time IS NOT NULL ORDER BY join_time`,
		roomID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer sessionRows.Close()

	var sessionHistory []models.SessionHistoryEntry
	for sessionRows.Next() {
		var entry models.SessionHistoryEntry
		if err := sessionRows.Scan(&entry.UserID, &entry.JoinTime, &entry.LeaveTime, &entry.DurationSeconds); err != nil {
			return nil, err
		}
		sessionHistory = append(sessionHistory, entry)
	}
	if err := sessionRows.Err(); err != nil {
		return nil, err
	}

	return &models.DataSyncPayload{
		RoomID:         details.RoomID,
		AdminUserIDs:   details.AdminUserIDs,
		StartTime:      details.StartTime,
		RoomStats:      details.RoomStats,
		ChatHistory:    chatHistory,
		SessionHistory: sessionHistory,
	}, nil
}

// WriteBatch applies a batch of write commands in one transaction.
func (db *Database) WriteBatch(ctx context.Context, commands []models.DbWriteCommand) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now().Unix()
	for _, cmd := range commands {
		switch cmd.Kind {
		case models.WriteUserJoined:
			_, err = tx.Exec(ctx,
				`INSERT INTO room_sessions (room_id, user_id, join_time) VALUES ($1, $2, $3)`,
				cmd.RoomID.String(), cmd.UserID, now,
			)
		case models.WriteUserLeft:
			// The actor guarantees at most one open session per (room, user);
			// the newest-row subquery covers a late duplicate, which then
			// updates zero rows.
			duration := int64(time.Since(cmd.JoinedAt).Seconds())
			_, err = tx.Exec(ctx,
				`UPDATE room_sessions SET leave_time = $1, duration_seconds = $2
				 WHERE id = (SELECT id FROM room_sessions
				             WHERE room_id = $3 AND user_id = $4 AND leave_time IS NULL
				             ORDER BY join_time DESC, id DESC LIMIT 1)`,
				now, duration, cmd.RoomID.String(), cmd.UserID,
			)
		case models.WriteChatMessage:
			_, err = tx.Exec(ctx,
				`INSERT INTO chat_history (room_id, user_id, content, created_at) VALUES ($1, $2, $3, $4)`,
				cmd.RoomID.String(), cmd.UserID, cmd.Content, now,
			)
		case models.WriteBanUser:
			_, err = tx.Exec(ctx,
				`INSERT INTO room_bans (room_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				cmd.RoomID.String(), cmd.UserID,
			)
		case models.WriteUnbanUser:
			_, err = tx.Exec(ctx,
				`DELETE FROM room_bans WHERE room_id = $1 AND user_id = $2`,
				cmd.RoomID.String(), cmd.UserID,
			)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func normalizePage(query models.PaginationQuery, defaultLimit, maxLimit uint32) (page, limit uint32) {
	page = query.Page
	if page == 0 {
		page = 1
	}
	limit = query.Limit
	if limit == 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return page, limit
}

func historyFilter(timeColumn string, roomID uuid.UUID, query models.PaginationQuery) (string, []interface{}) {
	where := "room_id = $1"
	args := []interface{}{roomID.String()}
	if query.From > 0 {
		args = append(args, query.From)
		where += fmt.Sprintf(" AND %s >= $%d", timeColumn, len(args))
	}
	if query.To > 0 {
		args = append(args, query.To)
		where += fmt.Sprintf(" AND %s <= $%d", timeColumn, len(args))
	}
	return where, args
}

func paginate(page, limit uint32, totalRecords int64) models.PaginationInfo {
	totalPages := uint32((totalRecords + int64(limit) - 1) / int64(limit))
	return models.PaginationInfo{
		CurrentPage:  page,
		TotalPages:   totalPages,
		TotalRecords: uint64(totalRecords),
		PageSize:     limit,
		HasNext:      page < totalPages,
		HasPrev:      page > 1,
	}
}
