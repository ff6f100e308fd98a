package rooms

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukepan/chat-rooms-server/internal/config"
	"github.com/dukepan/chat-rooms-server/internal/metrics"
	"github.com/dukepan/chat-rooms-server/internal/models"
	"github.com/dukepan/chat-rooms-server/internal/utils"
)

// normalSlice bounds how many consecutive normal-priority messages the actor
// processes before re-checking the priority ports, so a chat flood cannot
// starve control traffic or stats queries.
const normalSlice = 200

// joinNotifyDelay coalesces a burst of joins into a single RoomStats
// broadcast.
const joinNotifyDelay = time.Second

type connState struct {
	send     chan models.Frame
	userID   string
	joinedAt time.Time
	isAdmin  bool
}

// actor is the single owner of one room's live state. Only its goroutine
// touches these fields; everything else talks to it through the handle.
type actor struct {
	handle   *Handle
	roomName string
	// seconds since epoch; reported in details snapshots
	startTime int64

	conns     map[uuid.UUID]*connState
	userConns map[string]uuid.UUID
	admins    map[string]struct{}
	banned    map[string]struct{}
	muted     map[string]struct{}
	stats     models.RoomStats

	// per-user wall-clock send instants for the rate limit
	lastMessageAt map[string]int64
	rateInterval  int64

	pendingJoinNotify bool
	joinTimer         <-chan time.Time
	notifyDelay       time.Duration

	writer chan<- models.DbWriteCommand
	sink   LifecycleSink
	logger *utils.Logger
}

func newActor(handle *Handle, roomName string, admins, bans []string, writer chan models.DbWriteCommand, cfg *config.Config, logger *utils.Logger, sink LifecycleSink) *actor {
	a := &actor{
		handle:        handle,
		roomName:      roomName,
		startTime:     time.Now().Unix(),
		conns:         make(map[uuid.UUID]*connState),
		userConns:     make(map[string]uuid.UUID),
		admins:        make(map[string]struct{}, len(admins)),
		banned:        make(map[string]struct{}, len(bans)),
		muted:         make(map[string]struct{}),
		lastMessageAt: make(map[string]int64),
		rateInterval:  cfg.UserMessageIntervalSecs,
		notifyDelay:   joinNotifyDelay,
		writer:        writer,
		sink:          sink,
		logger:        logger,
	}
	for _, id := range admins {
		a.admins[id] = struct{}{}
	}
	for _, id := range bans {
		a.banned[id] = struct{}{}
	}
	return a
}

// run is the actor loop. Priority ports (high, control, stats) are polled
// before every blocking wait and between normal messages, giving them strict
// precedence up to the slice boundary.
func (a *actor) run() {
	defer a.shutdown()
	for {
		if a.pollPriority() {
			continue
		}
		select {
		case <-a.handle.done:
			return
		case msg := <-a.handle.highPrio:
			a.handleInternal(msg)
		case ctrl := <-a.handle.control:
			a.handleControl(ctrl)
		case query := <-a.handle.stats:
			a.handleStatsQuery(query)
		case <-a.joinTimer:
			a.fireJoinNotify()
		case msg := <-a.handle.normalPrio:
			a.handleInternal(msg)
			a.drainNormal()
		}
	}
}

// pollPriority services at most one waiting priority message.
func (a *actor) pollPriority() bool {
	select {
	case msg := <-a.handle.highPrio:
		a.handleInternal(msg)
		return true
	case ctrl := <-a.handle.control:
		a.handleControl(ctrl)
		return true
	case query := <-a.handle.stats:
		a.handleStatsQuery(query)
		return true
	default:
		return false
	}
}

// drainNormal greedily pulls buffered normal traffic up to the slice,
// yielding early when priority traffic arrives.
func (a *actor) drainNormal() {
	for processed := 1; processed < normalSlice; processed++ {
		if a.pollPriority() {
			return
		}
		select {
		case msg := <-a.handle.normalPrio:
			a.handleInternal(msg)
		default:
			return
		}
	}
}

// shutdown broadcasts a final stats snapshot, closes the remaining sessions
// and hands the writer its last commands before releasing it.
func (a *actor) shutdown() {
	a.broadcast(models.RoomStatsFrame(a.stats.CurrentUsers, a.stats.PeakUsers))
	for connID, conn := range a.conns {
		a.writer <- models.DbWriteCommand{
			Kind:     models.WriteUserLeft,
			RoomID:   a.handle.RoomID,
			UserID:   conn.userID,
			JoinedAt: conn.joinedAt,
		}
		a.notifyUserLeft(conn.userID)
		close(conn.send)
		delete(a.conns, connID)
	}
	a.refuseBufferedJoins()
	close(a.writer)
	a.logger.Info(context.Background(), "room %s (%q) shut down", a.handle.RoomID, a.roomName)
}

// refuseBufferedJoins empties the message ports after the room has closed.
// A join that raced into a buffer before done fired still gets the room-closed
// error and a closed channel, so its socket never waits on a dead room.
func (a *actor) refuseBufferedJoins() {
	for {
		select {
		case msg := <-a.handle.normalPrio:
			a.refuseJoin(msg)
		case msg := <-a.handle.highPrio:
			a.refuseJoin(msg)
		default:
			return
		}
	}
}

func (a *actor) refuseJoin(msg models.InternalMessage) {
	if _, isJoin := msg.Content.(models.UserJoined); !isJoin || msg.Sender == nil {
		return
	}
	trySend(msg.Sender, models.ErrorFrame("room closed"))
	close(msg.Sender)
}

func (a *actor) handleInternal(msg models.InternalMessage) {
	switch content := msg.Content.(type) {
	case models.UserJoined:
		a.handleJoin(msg)
	case models.UserLeft:
		a.handleLeave(msg)
	case models.SendMessage:
		a.handleChat(msg, content)
	case models.KickUser:
		a.handleKick(msg, content)
	case models.MuteUser:
		a.handleMute(msg, content)
	case models.CustomEvent:
		a.handleCustomEvent(msg, content)
	case models.Ping:
		// answered by the connection handler, never forwarded
	}
}

func (a *actor) handleJoin(msg models.InternalMessage) {
	sender := msg.Sender
	if sender == nil {
		return
	}
	if _, isBanned := a.banned[msg.UserID]; isBanned {
		trySend(sender, models.ErrorFrame("you have been kicked from this room and cannot rejoin"))
		close(sender)
		return
	}

	// One live connection per user id: a newer session displaces the older,
	// which also closes the older session's durable row.
	if oldConnID, exists := a.userConns[msg.UserID]; exists {
		old := a.conns[oldConnID]
		a.evict(oldConnID, models.YouAreKickedFrame())
		a.writer <- models.DbWriteCommand{
			Kind:     models.WriteUserLeft,
			RoomID:   a.handle.RoomID,
			UserID:   msg.UserID,
			JoinedAt: old.joinedAt,
		}
		a.notifyUserLeft(msg.UserID)
	}

	_, isAdmin := a.admins[msg.UserID]
	_, isMuted := a.muted[msg.UserID]
	trySend(sender, models.WelcomeInfoFrame(msg.UserID, isMuted))

	a.conns[msg.ConnID] = &connState{
		send:     sender,
		userID:   msg.UserID,
		joinedAt: time.Now(),
		isAdmin:  isAdmin,
	}
	a.userConns[msg.UserID] = msg.ConnID

	a.stats.CurrentUsers++
	a.stats.TotalJoins++
	if a.stats.CurrentUsers > a.stats.PeakUsers {
		a.stats.PeakUsers = a.stats.CurrentUsers
	}

	a.writer <- models.DbWriteCommand{
		Kind:   models.WriteUserJoined,
		RoomID: a.handle.RoomID,
		UserID: msg.UserID,
	}
	a.notifyUserJoined(msg.UserID)
	a.scheduleJoinNotify()
}

func (a *actor) handleLeave(msg models.InternalMessage) {
	conn, ok := a.conns[msg.ConnID]
	if !ok {
		// stale leave from a displaced connection
		return
	}
	delete(a.conns, msg.ConnID)
	if a.userConns[conn.userID] == msg.ConnID {
		delete(a.userConns, conn.userID)
	}
	if a.stats.CurrentUsers > 0 {
		a.stats.CurrentUsers--
	}

	a.writer <- models.DbWriteCommand{
		Kind:     models.WriteUserLeft,
		RoomID:   a.handle.RoomID,
		UserID:   conn.userID,
		JoinedAt: conn.joinedAt,
	}
	a.notifyUserLeft(conn.userID)
	close(conn.send)
}

func (a *actor) handleChat(msg models.InternalMessage, chat models.SendMessage) {
	conn, ok := a.conns[msg.ConnID]
	if !ok {
		return
	}
	if _, isMuted := a.muted[conn.userID]; isMuted {
		trySend(conn.send, models.YouAreMutedFrame())
		return
	}
	now := time.Now().Unix()
	if !conn.isAdmin && a.rateInterval > 0 {
		if elapsed := now - a.lastMessageAt[conn.userID]; elapsed < a.rateInterval {
			remaining := a.rateInterval - elapsed
			trySend(conn.send, models.ErrorFrame(fmt.Sprintf("sending too fast, try again in %d seconds", remaining)))
			return
		}
	}
	a.lastMessageAt[conn.userID] = now

	a.writer <- models.DbWriteCommand{
		Kind:    models.WriteChatMessage,
		RoomID:  a.handle.RoomID,
		UserID:  conn.userID,
		Content: chat.Content,
	}
	a.broadcast(models.MessageFrame(conn.userID, chat.Content, conn.isAdmin))
}

func (a *actor) handleKick(msg models.InternalMessage, kick models.KickUser) {
	caller, ok := a.conns[msg.ConnID]
	if !ok || !caller.isAdmin {
		return
	}
	a.banned[kick.UserID] = struct{}{}
	a.writer <- models.DbWriteCommand{
		Kind:   models.WriteBanUser,
		RoomID: a.handle.RoomID,
		UserID: kick.UserID,
	}

	targetConnID, connected := a.userConns[kick.UserID]
	if !connected {
		return
	}
	target := a.conns[targetConnID]
	a.evict(targetConnID, models.YouAreKickedFrame())
	a.writer <- models.DbWriteCommand{
		Kind:     models.WriteUserLeft,
		RoomID:   a.handle.RoomID,
		UserID:   kick.UserID,
		JoinedAt: target.joinedAt,
	}
	a.notifyUserLeft(kick.UserID)
}

func (a *actor) handleMute(msg models.InternalMessage, mute models.MuteUser) {
	caller, ok := a.conns[msg.ConnID]
	if !ok || !caller.isAdmin {
		return
	}
	a.muted[mute.UserID] = struct{}{}
}

func (a *actor) handleCustomEvent(msg models.InternalMessage, event models.CustomEvent) {
	caller, ok := a.conns[msg.ConnID]
	if !ok || !caller.isAdmin {
		return
	}
	a.broadcast(models.CustomEventFrame(event.EventType, event.Payload))
}

func (a *actor) handleControl(ctrl models.ControlMessage) {
	switch ctrl.Kind {
	case models.ControlResetAdmins:
		// Cached is_admin snapshots on live connections keep their join-time
		// value; a promoted user gains powers on the next connect.
		a.admins = make(map[string]struct{}, len(ctrl.Admins))
		for _, id := range ctrl.Admins {
			a.admins[id] = struct{}{}
		}
	case models.ControlUnbanUser:
		// The durable delete already happened on the management side; only
		// the in-memory set needs updating here.
		delete(a.banned, ctrl.UserID)
	}
}

func (a *actor) handleStatsQuery(query models.StatsQuery) {
	admins := make([]string, 0, len(a.admins))
	for id := range a.admins {
		admins = append(admins, id)
	}
	details := models.RoomDetails{
		RoomID:       a.handle.RoomID,
		RoomName:     a.roomName,
		AdminUserIDs: admins,
		StartTime:    a.startTime,
		RoomStats:    a.stats,
	}
	// reply channel is buffered; never block the actor on a gone caller
	select {
	case query.Reply <- details:
	default:
	}
}

// evict removes a connection, notifies it and closes its outbound channel.
// The victim's socket tasks observe the close and tear down.
func (a *actor) evict(connID uuid.UUID, notice models.Frame) {
	conn, ok := a.conns[connID]
	if !ok {
		return
	}
	delete(a.conns, connID)
	if a.userConns[conn.userID] == connID {
		delete(a.userConns, conn.userID)
	}
	if a.stats.CurrentUsers > 0 {
		a.stats.CurrentUsers--
	}
	trySend(conn.send, notice)
	close(conn.send)
}

// scheduleJoinNotify arms the debounce timer if it is not already running.
func (a *actor) scheduleJoinNotify() {
	a.pendingJoinNotify = true
	if a.joinTimer == nil {
		a.joinTimer = time.After(a.notifyDelay)
	}
}

func (a *actor) fireJoinNotify() {
	a.joinTimer = nil
	if !a.pendingJoinNotify {
		return
	}
	a.pendingJoinNotify = false
	a.broadcast(models.RoomStatsFrame(a.stats.CurrentUsers, a.stats.PeakUsers))
}

// broadcast fans a frame out to every connection without blocking: a full
// outbound buffer marks the peer as slow and the frame is dropped for it.
func (a *actor) broadcast(frame models.Frame) {
	for _, conn := range a.conns {
		select {
		case conn.send <- frame:
			metrics.MessagesBroadcast.Inc()
		default:
			metrics.BroadcastDrops.Inc()
		}
	}
}

func (a *actor) notifyUserJoined(userID string) {
	if a.sink != nil {
		a.sink.RoomUserJoined(a.handle.RoomID, userID)
	}
}

func (a *actor) notifyUserLeft(userID string) {
	if a.sink != nil {
		a.sink.RoomUserLeft(a.handle.RoomID, userID)
	}
}

func trySend(ch chan models.Frame, frame models.Frame) {
	select {
	case ch <- frame:
	default:
	}
}
