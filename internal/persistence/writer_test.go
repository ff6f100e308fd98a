package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukepan/chat-rooms-server/internal/models"
	"github.com/dukepan/chat-rooms-server/internal/utils"
)

type fakeStore struct {
	mu      sync.Mutex
	batches [][]models.DbWriteCommand
	err     error
}

func (f *fakeStore) WriteBatch(ctx context.Context, commands []models.DbWriteCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	batch := make([]models.DbWriteCommand, len(commands))
	copy(batch, commands)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeStore) snapshot() [][]models.DbWriteCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]models.DbWriteCommand, len(f.batches))
	copy(out, f.batches)
	return out
}

func testLogger() *utils.Logger {
	return utils.NewLogger("error")
}

func chatCommand(roomID uuid.UUID, user, content string) models.DbWriteCommand {
	return models.DbWriteCommand{
		Kind:    models.WriteChatMessage,
		RoomID:  roomID,
		UserID:  user,
		Content: content,
	}
}

func TestWriterCoalescesIntoOneBatch(t *testing.T) {
	store := &fakeStore{}
	writer := NewWriter(store, testLogger())
	roomID := uuid.New()

	// Queue everything before starting so the first receive finds a full
	// buffer and the greedy drain coalesces it into a single batch.
	for i := 0; i < 10; i++ {
		writer.Commands() <- chatCommand(roomID, "u", "m")
	}
	writer.Start()
	close(writer.Commands())
	writer.Wait()

	batches := store.snapshot()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 10)
}

func TestWriterSplitsAtBatchLimit(t *testing.T) {
	store := &fakeStore{}
	writer := NewWriter(store, testLogger())
	roomID := uuid.New()

	for i := 0; i < maxBatchSize+30; i++ {
		writer.Commands() <- chatCommand(roomID, "u", "m")
	}
	writer.Start()
	close(writer.Commands())
	writer.Wait()

	batches := store.snapshot()
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], maxBatchSize)
	assert.Len(t, batches[1], 30)
}

func TestWriterFlushesOnClose(t *testing.T) {
	store := &fakeStore{}
	writer := NewWriter(store, testLogger())
	writer.Start()

	writer.Commands() <- chatCommand(uuid.New(), "u", "last words")
	close(writer.Commands())

	done := make(chan struct{})
	go func() {
		writer.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not exit after channel close")
	}

	batches := store.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, "last words", batches[0][0].Content)
}

func TestWriterDiscardsFailedBatch(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	writer := NewWriter(store, testLogger())
	writer.Start()

	writer.Commands() <- chatCommand(uuid.New(), "u", "lost")

	// A later batch still goes through once the store recovers.
	time.Sleep(500 * time.Millisecond)
	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()

	writer.Commands() <- chatCommand(uuid.New(), "u", "kept")
	close(writer.Commands())
	writer.Wait()

	batches := store.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, "kept", batches[0][0].Content)
}

func TestWriterIdlesWithoutCommands(t *testing.T) {
	store := &fakeStore{}
	writer := NewWriter(store, testLogger())
	writer.Start()

	// Several empty wait cycles must not produce empty batches.
	time.Sleep(3 * firstCommandWait)
	close(writer.Commands())
	writer.Wait()

	assert.Empty(t, store.snapshot())
}
