package rooms

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dukepan/chat-rooms-server/internal/config"
	"github.com/dukepan/chat-rooms-server/internal/metrics"
	"github.com/dukepan/chat-rooms-server/internal/models"
	"github.com/dukepan/chat-rooms-server/internal/persistence"
	"github.com/dukepan/chat-rooms-server/internal/utils"
)

// Port capacities for a room's inbound channels.
const (
	highPrioCapacity   = 100
	normalPrioCapacity = 100
	controlCapacity    = 32
	statsCapacity      = 32
)

// Handle is the message-passing surface of one running room actor. Senders
// never touch the actor's state directly; closing done tells both the actor
// and every producer that the room is gone.
type Handle struct {
	RoomID uuid.UUID

	highPrio   chan models.InternalMessage
	normalPrio chan models.InternalMessage
	control    chan models.ControlMessage
	stats      chan models.StatsQuery
	done       chan struct{}
}

func newHandle(roomID uuid.UUID) *Handle {
	return &Handle{
		RoomID:     roomID,
		highPrio:   make(chan models.InternalMessage, highPrioCapacity),
		normalPrio: make(chan models.InternalMessage, normalPrioCapacity),
		control:    make(chan models.ControlMessage, controlCapacity),
		stats:      make(chan models.StatsQuery, statsCapacity),
		done:       make(chan struct{}),
	}
}

// closed reports whether the room has been shut down. Checked before every
// send: a buffered port would otherwise accept traffic from a dead room's
// producers nondeterministically.
func (h *Handle) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// SendNormal enqueues ordinary chat and presence traffic. Blocks while the
// port is full (socket back-pressure); returns false once the room is closed.
func (h *Handle) SendNormal(msg models.InternalMessage) bool {
	if h.closed() {
		return false
	}
	select {
	case h.normalPrio <- msg:
		return true
	case <-h.done:
		return false
	}
}

// SendHigh enqueues latency-sensitive traffic ahead of the normal port.
func (h *Handle) SendHigh(msg models.InternalMessage) bool {
	if h.closed() {
		return false
	}
	select {
	case h.highPrio <- msg:
		return true
	case <-h.done:
		return false
	}
}

// SendControl enqueues an admin or ban mutation from the management surface.
func (h *Handle) SendControl(msg models.ControlMessage) bool {
	if h.closed() {
		return false
	}
	select {
	case h.control <- msg:
		return true
	case <-h.done:
		return false
	}
}

// Query asks the actor for a details snapshot and waits for the reply.
func (h *Handle) Query(ctx context.Context) (models.RoomDetails, error) {
	reply := make(chan models.RoomDetails, 1)
	select {
	case h.stats <- models.StatsQuery{Reply: reply}:
	case <-h.done:
		return models.RoomDetails{}, fmt.Errorf("room %s is closed", h.RoomID)
	case <-ctx.Done():
		return models.RoomDetails{}, ctx.Err()
	}

	select {
	case details := <-reply:
		return details, nil
	case <-h.done:
		return models.RoomDetails{}, fmt.Errorf("room %s closed before replying", h.RoomID)
	case <-ctx.Done():
		return models.RoomDetails{}, ctx.Err()
	}
}

// Done is closed when the room has been shut down.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// LifecycleSink receives user presence transitions from room actors. All
// methods must be non-blocking; a nil sink disables the events.
type LifecycleSink interface {
	RoomUserJoined(roomID uuid.UUID, userID string)
	RoomUserLeft(roomID uuid.UUID, userID string)
}

// Registry is the process-wide map of live rooms plus the global connection
// counter. The mutex guards only map lookups and mutations, never I/O or
// sends on a room's own channels.
type Registry struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]*Handle

	connections atomic.Int64

	cfg    *config.Config
	logger *utils.Logger
	store  persistence.BatchStore
	sink   LifecycleSink
	wg     sync.WaitGroup
}

func NewRegistry(cfg *config.Config, logger *utils.Logger, store persistence.BatchStore, sink LifecycleSink) *Registry {
	return &Registry{
		rooms:  make(map[uuid.UUID]*Handle),
		cfg:    cfg,
		logger: logger,
		store:  store,
		sink:   sink,
	}
}

// Open starts a room actor and its persistence writer. The admin and ban sets
// are the durable snapshots loaded by the caller.
func (r *Registry) Open(roomID uuid.UUID, roomName string, admins, bans []string) error {
	handle := newHandle(roomID)

	r.mu.Lock()
	if _, exists := r.rooms[roomID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("room %s already exists", roomID)
	}
	r.rooms[roomID] = handle
	r.mu.Unlock()

	writer := persistence.NewWriter(r.store, r.logger)
	writer.Start()

	actor := newActor(handle, roomName, admins, bans, writer.Commands(), r.cfg, r.logger, r.sink)

	metrics.ActiveRooms.Inc()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		actor.run()
		writer.Wait()
		metrics.ActiveRooms.Dec()
	}()

	r.logger.Info(context.Background(), "room %s (%q) opened with %d admins", roomID, roomName, len(admins))
	return nil
}

// Lookup returns the handle of a live room.
func (r *Registry) Lookup(roomID uuid.UUID) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.rooms[roomID]
	return handle, ok
}

// RoomIDs snapshots the ids of all live rooms.
func (r *Registry) RoomIDs() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}

// Close removes the room from the map and signals its actor to shut down.
// The actor drains its ports, closes remaining sockets and flushes the
// writer before exiting.
func (r *Registry) Close(roomID uuid.UUID) bool {
	r.mu.Lock()
	handle, ok := r.rooms[roomID]
	if ok {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	close(handle.done)
	return true
}

// CloseAll shuts down every room and waits for all actors and writers to
// finish flushing. Used on process shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.rooms))
	for id, handle := range r.rooms {
		handles = append(handles, handle)
		delete(r.rooms, id)
	}
	r.mu.Unlock()

	for _, handle := range handles {
		close(handle.done)
	}
	r.wg.Wait()
}

// QueryRoomDetails fetches a stats snapshot from a live room actor.
func (r *Registry) QueryRoomDetails(ctx context.Context, roomID uuid.UUID) (models.RoomDetails, error) {
	handle, ok := r.Lookup(roomID)
	if !ok {
		return models.RoomDetails{}, fmt.Errorf("room %s not found", roomID)
	}
	return handle.Query(ctx)
}

// ConnectionsInRoom returns a room's current user count, zero if the room is
// gone or slow to answer.
func (r *Registry) ConnectionsInRoom(roomID uuid.UUID) uint32 {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	details, err := r.QueryRoomDetails(ctx, roomID)
	if err != nil {
		return 0
	}
	return details.CurrentUsers
}

// AcquireConnectionSlot claims one slot against the global connection cap.
// The returned release is idempotent and must be called on every exit path.
func (r *Registry) AcquireConnectionSlot() (release func(), ok bool) {
	for {
		current := r.connections.Load()
		if current >= int64(r.cfg.MaxConnections) {
			return nil, false
		}
		if r.connections.CompareAndSwap(current, current+1) {
			metrics.ActiveConnections.Inc()
			var once sync.Once
			return func() {
				once.Do(func() {
					r.connections.Add(-1)
					metrics.ActiveConnections.Dec()
				})
			}, true
		}
	}
}

// ConnectionCount returns the number of live connections across all rooms.
func (r *Registry) ConnectionCount() int64 {
	return r.connections.Load()
}
