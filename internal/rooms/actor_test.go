package rooms

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukepan/chat-rooms-server/internal/config"
	"github.com/dukepan/chat-rooms-server/internal/models"
	"github.com/dukepan/chat-rooms-server/internal/utils"
)

const testWait = 2 * time.Second

// startTestActor runs an actor with a shortened join-notify window and a
// captured writer channel.
func startTestActor(t *testing.T, cfg *config.Config, admins, bans []string) (*Handle, chan models.DbWriteCommand) {
	t.Helper()
	handle := newHandle(uuid.New())
	writerCh := make(chan models.DbWriteCommand, 256)
	a := newActor(handle, "test-room", admins, bans, writerCh, cfg, utils.NewLogger("error"), nil)
	a.notifyDelay = 50 * time.Millisecond
	go a.run()
	t.Cleanup(func() {
		select {
		case <-handle.done:
		default:
			close(handle.done)
		}
	})
	return handle, writerCh
}

func join(t *testing.T, h *Handle, userID string) (uuid.UUID, chan models.Frame) {
	t.Helper()
	connID := uuid.New()
	inbox := make(chan models.Frame, 32)
	require.True(t, h.SendNormal(models.InternalMessage{
		ConnID:  connID,
		UserID:  userID,
		RoomID:  h.RoomID,
		Content: models.UserJoined{},
		Sender:  inbox,
	}))
	frame := recvFrame(t, inbox)
	require.Equal(t, models.FrameWelcomeInfo, frame.Type)
	return connID, inbox
}

func send(t *testing.T, h *Handle, connID uuid.UUID, userID string, content models.ClientMessage) {
	t.Helper()
	require.True(t, h.SendNormal(models.InternalMessage{
		ConnID:  connID,
		UserID:  userID,
		RoomID:  h.RoomID,
		Content: content,
	}))
}

// recvFrame returns the next frame, skipping the debounced RoomStats
// broadcasts that can interleave with any test's traffic.
func recvFrame(t *testing.T, inbox chan models.Frame) models.Frame {
	t.Helper()
	deadline := time.After(testWait)
	for {
		select {
		case frame, ok := <-inbox:
			require.True(t, ok, "channel closed while expecting a frame")
			if frame.Type == models.FrameRoomStats {
				continue
			}
			return frame
		case <-deadline:
			t.Fatal("timed out waiting for frame")
			return models.Frame{}
		}
	}
}

func expectClosed(t *testing.T, inbox chan models.Frame) {
	t.Helper()
	deadline := time.After(testWait)
	for {
		select {
		case _, ok := <-inbox:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel was not closed")
		}
	}
}

// expectNoFrame asserts silence for a while; RoomStats broadcasts from the
// join-notify debounce do not count.
func expectNoFrame(t *testing.T, inbox chan models.Frame) {
	t.Helper()
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case frame, ok := <-inbox:
			if !ok {
				t.Fatal("channel closed while expecting silence")
			}
			if frame.Type == models.FrameRoomStats {
				continue
			}
			t.Fatalf("unexpected frame %s", frame.Type)
		case <-deadline:
			return
		}
	}
}

func queryDetails(t *testing.T, h *Handle) models.RoomDetails {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	defer cancel()
	details, err := h.Query(ctx)
	require.NoError(t, err)
	return details
}

func drainWrites(writerCh chan models.DbWriteCommand) []models.DbWriteCommand {
	var commands []models.DbWriteCommand
	for {
		select {
		case cmd := <-writerCh:
			commands = append(commands, cmd)
		case <-time.After(100 * time.Millisecond):
			return commands
		}
	}
}

func TestJoinUpdatesStats(t *testing.T) {
	cfg := &config.Config{}
	handle, writerCh := startTestActor(t, cfg, nil, nil)

	join(t, handle, "alice")
	join(t, handle, "bob")

	details := queryDetails(t, handle)
	assert.Equal(t, uint32(2), details.CurrentUsers)
	assert.Equal(t, uint32(2), details.PeakUsers)
	assert.Equal(t, uint64(2), details.TotalJoins)
	assert.Equal(t, "test-room", details.RoomName)

	writes := drainWrites(writerCh)
	require.Len(t, writes, 2)
	assert.Equal(t, models.WriteUserJoined, writes[0].Kind)
	assert.Equal(t, "alice", writes[0].UserID)
}

func TestLeaveClosesSession(t *testing.T) {
	cfg := &config.Config{}
	handle, writerCh := startTestActor(t, cfg, nil, nil)

	connID, inbox := join(t, handle, "alice")
	send(t, handle, connID, "alice", models.UserLeft{})

	// the actor closes the outbound channel once the leave is processed
	expectClosed(t, inbox)

	details := queryDetails(t, handle)
	assert.Equal(t, uint32(0), details.CurrentUsers)
	assert.Equal(t, uint32(1), details.PeakUsers)

	writes := drainWrites(writerCh)
	require.Len(t, writes, 2)
	assert.Equal(t, models.WriteUserLeft, writes[1].Kind)
	assert.False(t, writes[1].JoinedAt.IsZero(), "leave must carry the join instant")
}

func TestDuplicateSessionDisplacement(t *testing.T) {
	cfg := &config.Config{}
	handle, writerCh := startTestActor(t, cfg, nil, nil)

	_, firstInbox := join(t, handle, "carol")
	_, secondInbox := join(t, handle, "carol")

	frame := recvFrame(t, firstInbox)
	assert.Equal(t, models.FrameYouAreKicked, frame.Type)
	expectClosed(t, firstInbox)

	details := queryDetails(t, handle)
	assert.Equal(t, uint32(1), details.CurrentUsers, "net delta of a displacement is +1")
	assert.Equal(t, uint64(2), details.TotalJoins)

	// joined, left (displaced), joined again: the old session gets closed
	writes := drainWrites(writerCh)
	require.Len(t, writes, 3)
	assert.Equal(t, models.WriteUserJoined, writes[0].Kind)
	assert.Equal(t, models.WriteUserLeft, writes[1].Kind)
	assert.Equal(t, "carol", writes[1].UserID)
	assert.False(t, writes[1].JoinedAt.IsZero(), "displaced session must carry its join instant")
	assert.Equal(t, models.WriteUserJoined, writes[2].Kind)

	// the second session stays usable
	expectNoFrame(t, secondInbox)
}

func TestStaleLeaveFromDisplacedConnectionIsIgnored(t *testing.T) {
	cfg := &config.Config{}
	handle, _ := startTestActor(t, cfg, nil, nil)

	oldConnID, _ := join(t, handle, "carol")
	join(t, handle, "carol")

	// The displaced socket's reader eventually synthesizes its UserLeft.
	send(t, handle, oldConnID, "carol", models.UserLeft{})

	details := queryDetails(t, handle)
	assert.Equal(t, uint32(1), details.CurrentUsers)
}

func TestBannedUserCannotJoin(t *testing.T) {
	cfg := &config.Config{}
	handle, _ := startTestActor(t, cfg, nil, []string{"mallory"})

	inbox := make(chan models.Frame, 32)
	require.True(t, handle.SendNormal(models.InternalMessage{
		ConnID:  uuid.New(),
		UserID:  "mallory",
		RoomID:  handle.RoomID,
		Content: models.UserJoined{},
		Sender:  inbox,
	}))

	frame := recvFrame(t, inbox)
	assert.Equal(t, models.FrameError, frame.Type)
	expectClosed(t, inbox)

	details := queryDetails(t, handle)
	assert.Equal(t, uint32(0), details.CurrentUsers)
}

func TestChatBroadcastReachesEveryone(t *testing.T) {
	cfg := &config.Config{}
	handle, writerCh := startTestActor(t, cfg, []string{"alice"}, nil)

	aliceConn, aliceInbox := join(t, handle, "alice")
	_, bobInbox := join(t, handle, "bob")

	send(t, handle, aliceConn, "alice", models.SendMessage{Content: "hello"})

	for _, inbox := range []chan models.Frame{aliceInbox, bobInbox} {
		frame := recvFrame(t, inbox)
		require.Equal(t, models.FrameMessage, frame.Type)
		var payload struct {
			From    string `json:"from"`
			Content string `json:"content"`
			IsAdmin bool   `json:"is_admin"`
		}
		require.NoError(t, json.Unmarshal(frame.Payload, &payload))
		assert.Equal(t, "alice", payload.From)
		assert.Equal(t, "hello", payload.Content)
		assert.True(t, payload.IsAdmin)
	}

	writes := drainWrites(writerCh)
	var chat []models.DbWriteCommand
	for _, w := range writes {
		if w.Kind == models.WriteChatMessage {
			chat = append(chat, w)
		}
	}
	require.Len(t, chat, 1)
	assert.Equal(t, "hello", chat[0].Content)
}

func TestKickBansAndEvicts(t *testing.T) {
	cfg := &config.Config{}
	handle, writerCh := startTestActor(t, cfg, []string{"alice"}, nil)

	aliceConn, _ := join(t, handle, "alice")
	_, bobInbox := join(t, handle, "bob")

	send(t, handle, aliceConn, "alice", models.KickUser{UserID: "bob"})

	frame := recvFrame(t, bobInbox)
	assert.Equal(t, models.FrameYouAreKicked, frame.Type)
	expectClosed(t, bobInbox)

	details := queryDetails(t, handle)
	assert.Equal(t, uint32(1), details.CurrentUsers)

	// rejoin attempt is locked out
	rejoin := make(chan models.Frame, 32)
	require.True(t, handle.SendNormal(models.InternalMessage{
		ConnID:  uuid.New(),
		UserID:  "bob",
		RoomID:  handle.RoomID,
		Content: models.UserJoined{},
		Sender:  rejoin,
	}))
	assert.Equal(t, models.FrameError, recvFrame(t, rejoin).Type)
	expectClosed(t, rejoin)

	writes := drainWrites(writerCh)
	kinds := make([]models.DbWriteKind, 0, len(writes))
	for _, w := range writes {
		kinds = append(kinds, w.Kind)
	}
	assert.Contains(t, kinds, models.WriteBanUser)
	assert.Contains(t, kinds, models.WriteUserLeft)
}

func TestNonAdminKickIsSilentlyDropped(t *testing.T) {
	cfg := &config.Config{}
	handle, _ := startTestActor(t, cfg, nil, nil)

	bobConn, bobInbox := join(t, handle, "bob")
	_, carolInbox := join(t, handle, "carol")

	send(t, handle, bobConn, "bob", models.KickUser{UserID: "carol"})

	details := queryDetails(t, handle)
	assert.Equal(t, uint32(2), details.CurrentUsers)
	expectNoFrame(t, carolInbox)
	expectNoFrame(t, bobInbox)
}

func TestMuteBlocksSender(t *testing.T) {
	cfg := &config.Config{}
	handle, writerCh := startTestActor(t, cfg, []string{"alice"}, nil)

	aliceConn, aliceInbox := join(t, handle, "alice")
	bobConn, bobInbox := join(t, handle, "bob")

	// muting twice is the same as once
	send(t, handle, aliceConn, "alice", models.MuteUser{UserID: "bob"})
	send(t, handle, aliceConn, "alice", models.MuteUser{UserID: "bob"})

	send(t, handle, bobConn, "bob", models.SendMessage{Content: "silenced"})

	assert.Equal(t, models.FrameYouAreMuted, recvFrame(t, bobInbox).Type)
	expectNoFrame(t, aliceInbox)

	for _, w := range drainWrites(writerCh) {
		assert.NotEqual(t, models.WriteChatMessage, w.Kind, "muted message must not persist")
	}
}

func TestRateLimitOnNonAdmins(t *testing.T) {
	cfg := &config.Config{UserMessageIntervalSecs: 5}
	handle, writerCh := startTestActor(t, cfg, []string{"alice"}, nil)

	aliceConn, aliceInbox := join(t, handle, "alice")
	danConn, danInbox := join(t, handle, "dan")

	send(t, handle, danConn, "dan", models.SendMessage{Content: "first"})
	assert.Equal(t, models.FrameMessage, recvFrame(t, danInbox).Type)
	assert.Equal(t, models.FrameMessage, recvFrame(t, aliceInbox).Type)

	send(t, handle, danConn, "dan", models.SendMessage{Content: "second"})
	frame := recvFrame(t, danInbox)
	require.Equal(t, models.FrameError, frame.Type)
	var payload struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Contains(t, payload.Message, "seconds")
	expectNoFrame(t, aliceInbox)

	// admins are exempt
	send(t, handle, aliceConn, "alice", models.SendMessage{Content: "a1"})
	send(t, handle, aliceConn, "alice", models.SendMessage{Content: "a2"})
	assert.Equal(t, models.FrameMessage, recvFrame(t, aliceInbox).Type)
	assert.Equal(t, models.FrameMessage, recvFrame(t, aliceInbox).Type)

	var persisted []string
	for _, w := range drainWrites(writerCh) {
		if w.Kind == models.WriteChatMessage {
			persisted = append(persisted, w.Content)
		}
	}
	assert.Equal(t, []string{"first", "a1", "a2"}, persisted)
}

func TestCustomEventAdminOnly(t *testing.T) {
	cfg := &config.Config{}
	handle, _ := startTestActor(t, cfg, []string{"alice"}, nil)

	aliceConn, aliceInbox := join(t, handle, "alice")
	bobConn, bobInbox := join(t, handle, "bob")

	send(t, handle, bobConn, "bob", models.CustomEvent{EventType: "poll", Payload: json.RawMessage(`{}`)})
	expectNoFrame(t, aliceInbox)

	send(t, handle, aliceConn, "alice", models.CustomEvent{EventType: "poll", Payload: json.RawMessage(`{"q":1}`)})
	for _, inbox := range []chan models.Frame{aliceInbox, bobInbox} {
		frame := recvFrame(t, inbox)
		assert.Equal(t, models.FrameCustomEvent, frame.Type)
	}
}

func TestResetAdminsKeepsConnectionSnapshots(t *testing.T) {
	cfg := &config.Config{}
	handle, _ := startTestActor(t, cfg, []string{"alice"}, nil)

	bobConn, _ := join(t, handle, "bob")
	_, carolInbox := join(t, handle, "carol")

	require.True(t, handle.SendControl(models.ControlMessage{
		Kind:   models.ControlResetAdmins,
		Admins: []string{"bob"},
	}))

	details := queryDetails(t, handle)
	assert.ElementsMatch(t, []string{"bob"}, details.AdminUserIDs)

	// bob joined before the promotion; the cached snapshot still denies him
	send(t, handle, bobConn, "bob", models.KickUser{UserID: "carol"})
	expectNoFrame(t, carolInbox)
	assert.Equal(t, uint32(2), queryDetails(t, handle).CurrentUsers)
}

func TestUnbanAllowsRejoin(t *testing.T) {
	cfg := &config.Config{}
	handle, _ := startTestActor(t, cfg, nil, []string{"bob"})

	require.True(t, handle.SendControl(models.ControlMessage{
		Kind:   models.ControlUnbanUser,
		UserID: "bob",
	}))

	join(t, handle, "bob")
	assert.Equal(t, uint32(1), queryDetails(t, handle).CurrentUsers)
}

func TestPingHasNoActorSideEffects(t *testing.T) {
	cfg := &config.Config{}
	handle, writerCh := startTestActor(t, cfg, nil, nil)

	connID, inbox := join(t, handle, "alice")
	drainWrites(writerCh)

	send(t, handle, connID, "alice", models.Ping{Timestamp: 99})

	expectNoFrame(t, inbox)
	assert.Empty(t, drainWrites(writerCh))
	assert.Equal(t, uint32(1), queryDetails(t, handle).CurrentUsers)
}

func TestJoinNotifyDebounce(t *testing.T) {
	cfg := &config.Config{}
	handle, _ := startTestActor(t, cfg, nil, nil)

	inboxes := make([]chan models.Frame, 0, 10)
	for i := 0; i < 10; i++ {
		_, inbox := join(t, handle, "user-"+uuid.NewString())
		inboxes = append(inboxes, inbox)
	}

	// One burst of joins produces exactly one RoomStats broadcast within
	// the quiescent window.
	statsSeen := 0
	var last struct {
		CurrentUsers uint32 `json:"current_users"`
		PeakUsers    uint32 `json:"peak_users"`
	}
	deadline := time.After(500 * time.Millisecond)
collect:
	for {
		select {
		case frame := <-inboxes[0]:
			require.Equal(t, models.FrameRoomStats, frame.Type)
			require.NoError(t, json.Unmarshal(frame.Payload, &last))
			statsSeen++
		case <-deadline:
			break collect
		}
	}
	assert.Equal(t, 1, statsSeen)
	assert.Equal(t, uint32(10), last.CurrentUsers)
}

func TestStatsQueryAnsweredUnderNormalFlood(t *testing.T) {
	cfg := &config.Config{}
	handle, writerCh := startTestActor(t, cfg, nil, nil)

	connID, inbox := join(t, handle, "flooder")
	go func() {
		for range inbox {
			// keep the outbound channel drained
		}
	}()
	go func() {
		for range writerCh {
			// keep the writer channel drained so chat writes never block
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			if !handle.SendNormal(models.InternalMessage{
				ConnID:  connID,
				UserID:  "flooder",
				RoomID:  handle.RoomID,
				Content: models.SendMessage{Content: "spam"},
			}) {
				return
			}
		}
	}()

	details := queryDetails(t, handle)
	assert.Equal(t, uint32(1), details.CurrentUsers)
	<-done
}

func TestShutdownClosesRemainingConnections(t *testing.T) {
	cfg := &config.Config{}
	handle, writerCh := startTestActor(t, cfg, nil, nil)

	_, aliceInbox := join(t, handle, "alice")
	_, bobInbox := join(t, handle, "bob")
	drainWrites(writerCh)

	close(handle.done)

	// final RoomStats, then the outbound channels close
	sawStats := false
	for frame := range aliceInbox {
		if frame.Type == models.FrameRoomStats {
			sawStats = true
		}
	}
	assert.True(t, sawStats)
	expectClosed(t, bobInbox)

	// remaining sessions are closed and the writer channel released
	var leftUsers []string
	for cmd := range writerCh {
		if cmd.Kind == models.WriteUserLeft {
			leftUsers = append(leftUsers, cmd.UserID)
		}
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, leftUsers)
}
