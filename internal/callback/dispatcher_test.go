package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukepan/chat-rooms-server/internal/config"
	"github.com/dukepan/chat-rooms-server/internal/models"
	"github.com/dukepan/chat-rooms-server/internal/utils"
)

type webhook struct {
	mu       sync.Mutex
	statuses []int
	bodies   []map[string]any
	calls    int
	server   *httptest.Server
}

// newWebhook answers successive POSTs with the given statuses; the last
// status repeats once exhausted.
func newWebhook(t *testing.T, statuses ...int) *webhook {
	w := &webhook{statuses: statuses}
	w.server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		w.mu.Lock()
		defer w.mu.Unlock()
		var body map[string]any
		if err := json.NewDecoder(req.Body).Decode(&body); err == nil {
			w.bodies = append(w.bodies, body)
		}
		status := w.statuses[min(w.calls, len(w.statuses)-1)]
		w.calls++
		rw.WriteHeader(status)
	}))
	t.Cleanup(w.server.Close)
	return w
}

func (w *webhook) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func (w *webhook) body(i int) map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bodies[i]
}

func testConfig() *config.Config {
	return &config.Config{
		CallbackMaxRetries:        2,
		CallbackRetryDelaySeconds: 0,
		CallbackTimeoutSeconds:    5,
		ChatHistoryBatchSize:      2,
		SessionHistoryBatchSize:   2,
	}
}

func testDispatcher(cfg *config.Config) *Dispatcher {
	return NewDispatcher(cfg, utils.NewLogger("error"))
}

func TestDeliverRetriesUntilSuccess(t *testing.T) {
	hook := newWebhook(t, http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK)
	cfg := testConfig()
	d := testDispatcher(cfg)

	err := d.deliver(context.Background(), hook.server.URL, map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, 3, hook.callCount())
}

func TestDeliverDropsAfterExhaustingRetries(t *testing.T) {
	hook := newWebhook(t, http.StatusInternalServerError)
	cfg := testConfig()
	d := testDispatcher(cfg)

	err := d.deliver(context.Background(), hook.server.URL, map[string]string{"k": "v"})
	require.Error(t, err)
	// max_retries=2 means three attempts total
	assert.Equal(t, 3, hook.callCount())
}

func TestDeliverAcceptsAny2xx(t *testing.T) {
	hook := newWebhook(t, http.StatusAccepted)
	d := testDispatcher(testConfig())

	require.NoError(t, d.deliver(context.Background(), hook.server.URL, map[string]string{}))
	assert.Equal(t, 1, hook.callCount())
}

func TestEmptyURLDisablesDelivery(t *testing.T) {
	d := testDispatcher(testConfig())
	assert.NoError(t, d.deliver(context.Background(), "", map[string]string{"k": "v"}))
}

func TestLifecycleEventsCarryTags(t *testing.T) {
	hook := newWebhook(t, http.StatusOK)
	cfg := testConfig()
	cfg.RoomEventCallbackURL = hook.server.URL
	d := testDispatcher(cfg)
	d.Start()
	defer d.Stop()

	roomID := uuid.New()
	d.EnqueueRoomCreated(roomID, "lobby", []string{"a"})
	d.RoomUserJoined(roomID, "b")
	d.RoomUserLeft(roomID, "b")
	d.EnqueueRoomClosed(roomID, models.RoomStats{CurrentUsers: 0, PeakUsers: 2, TotalJoins: 5})

	require.Eventually(t, func() bool { return hook.callCount() == 4 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, EventRoomCreated, hook.body(0)["event_type"])
	assert.Equal(t, EventUserJoined, hook.body(1)["event_type"])
	assert.Equal(t, EventUserLeft, hook.body(2)["event_type"])
	assert.Equal(t, EventRoomClosed, hook.body(3)["event_type"])
	assert.Equal(t, roomID.String(), hook.body(0)["room_id"])
}

type fakeChatPager struct {
	pages []models.ChatHistoryPage
}

func (f *fakeChatPager) GetChatHistoryPage(ctx context.Context, roomID uuid.UUID, q models.PaginationQuery) (*models.ChatHistoryPage, error) {
	if int(q.Page) > len(f.pages) {
		return &models.ChatHistoryPage{RoomID: roomID}, nil
	}
	page := f.pages[q.Page-1]
	return &page, nil
}

func TestStreamChatHistoryTagsBatches(t *testing.T) {
	hook := newWebhook(t, http.StatusOK)
	cfg := testConfig()
	cfg.ChatHistoryCallbackURL = hook.server.URL
	d := testDispatcher(cfg)

	roomID := uuid.New()
	pager := &fakeChatPager{pages: []models.ChatHistoryPage{
		{
			RoomID:     roomID,
			Records:    []models.ChatHistoryEntry{{UserID: "a", Content: "1"}, {UserID: "a", Content: "2"}},
			Pagination: models.PaginationInfo{CurrentPage: 1, TotalPages: 2, HasNext: true},
		},
		{
			RoomID:     roomID,
			Records:    []models.ChatHistoryEntry{{UserID: "b", Content: "3"}},
			Pagination: models.PaginationInfo{CurrentPage: 2, TotalPages: 2, HasNext: false},
		},
	}}

	require.NoError(t, d.StreamChatHistory(context.Background(), pager, roomID))
	require.Equal(t, 2, hook.callCount())

	first, second := hook.body(0), hook.body(1)
	assert.Equal(t, EventChatHistoryBatch, first["event_type"])
	assert.Equal(t, fmt.Sprintf("chat_%s_1", roomID), first["batch_id"])
	assert.Equal(t, false, first["is_last_batch"])
	assert.Equal(t, fmt.Sprintf("chat_%s_2", roomID), second["batch_id"])
	assert.Equal(t, true, second["is_last_batch"])
}

func TestStreamChatHistorySkipsEmptyRooms(t *testing.T) {
	hook := newWebhook(t, http.StatusOK)
	cfg := testConfig()
	cfg.ChatHistoryCallbackURL = hook.server.URL
	d := testDispatcher(cfg)

	pager := &fakeChatPager{}
	require.NoError(t, d.StreamChatHistory(context.Background(), pager, uuid.New()))
	assert.Equal(t, 0, hook.callCount())
}
