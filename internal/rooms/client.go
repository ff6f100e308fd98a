package rooms

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dukepan/chat-rooms-server/internal/cache"
	"github.com/dukepan/chat-rooms-server/internal/models"
	"github.com/dukepan/chat-rooms-server/internal/utils"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 4096
	outboundCapacity = 10
)

// client bridges one WebSocket to a room actor: a reader that decodes and
// forwards frames and a writer that drains the outbound channel the actor
// fans out to. Writes to the socket are serialized with a mutex because the
// reader answers Ping frames directly.
type client struct {
	conn    *websocket.Conn
	handle  *Handle
	connID  uuid.UUID
	userID  string
	inbox   chan models.Frame
	writeMu sync.Mutex
	logger  *utils.Logger
}

// ServeConnection runs a socket's session against a room until either side
// goes away. The caller has already upgraded the socket and claimed a
// connection slot; this function blocks until teardown.
func ServeConnection(ctx context.Context, conn *websocket.Conn, handle *Handle, userID string, logger *utils.Logger, presence *cache.Cache) {
	c := &client{
		conn:   conn,
		handle: handle,
		connID: uuid.New(),
		userID: userID,
		inbox:  make(chan models.Frame, outboundCapacity),
		logger: logger,
	}
	defer conn.Close()

	// The actor takes ownership of the inbox sender at join time and closes
	// it when the connection is evicted or the room shuts down.
	joined := handle.SendNormal(models.InternalMessage{
		ConnID:  c.connID,
		UserID:  userID,
		RoomID:  handle.RoomID,
		Content: models.UserJoined{},
		Sender:  c.inbox,
	})
	if !joined {
		c.writeFrame(models.ErrorFrame("room closed"))
		return
	}

	if err := presence.SetUserPresence(ctx, userID, cache.PresenceState{
		Status:      "online",
		LastSeen:    time.Now(),
		CurrentRoom: handle.RoomID,
	}); err != nil {
		logger.Error(ctx, "failed to record presence for %s: %v", userID, err)
	}
	defer func() {
		if err := presence.DeleteUserPresence(context.Background(), userID); err != nil {
			logger.Error(context.Background(), "failed to clear presence for %s: %v", userID, err)
		}
	}()

	go c.writePump()
	c.readPump()

	// Reader is done; tell the actor. A false return just means the room is
	// already gone, which implies the session is closed anyway.
	handle.SendNormal(models.InternalMessage{
		ConnID:  c.connID,
		UserID:  userID,
		RoomID:  handle.RoomID,
		Content: models.UserLeft{},
	})
}

// readPump consumes the socket until EOF or a transport error. Frames that
// fail to decode are dropped; Ping is answered locally and never forwarded.
func (c *client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug(context.Background(), "socket %s read error: %v", c.connID, err)
			}
			return
		}
		msg, err := models.ParseClientFrame(data)
		if err != nil {
			c.logger.Debug(context.Background(), "dropping bad frame from %s: %v", c.connID, err)
			continue
		}
		if ping, ok := msg.(models.Ping); ok {
			if !c.writeFrame(models.PongFrame(ping.Timestamp)) {
				return
			}
			continue
		}
		if !c.handle.SendNormal(models.InternalMessage{
			ConnID:  c.connID,
			UserID:  c.userID,
			RoomID:  c.handle.RoomID,
			Content: msg,
		}) {
			return
		}
	}
}

// writePump drains the inbox into the socket and keeps the connection alive
// with protocol-level pings. Exits when the actor closes the inbox or a
// write fails; either way it closes the socket, which unblocks the reader.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case frame, ok := <-c.inbox:
			if !ok {
				c.writeMu.Lock()
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				c.writeMu.Unlock()
				return
			}
			if !c.writeFrame(frame) {
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *client) writeFrame(frame models.Frame) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame) == nil
}
