package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/dukepan/chat-rooms-server/internal/metrics"
	"github.com/dukepan/chat-rooms-server/internal/models"
	"github.com/dukepan/chat-rooms-server/internal/utils"
)

const (
	queueCapacity    = 1024
	maxBatchSize     = 100
	firstCommandWait = 200 * time.Millisecond
	batchTimeout     = 10 * time.Second
)

// BatchStore commits a batch of write commands in a single transaction.
type BatchStore interface {
	WriteBatch(ctx context.Context, commands []models.DbWriteCommand) error
}

// Writer is the write-behind consumer for one room. It coalesces the command
// stream into bounded transactional batches: block (briefly) for the first
// command, then greedily drain until the batch is full or the queue empties.
// A failed batch is logged and discarded.
type Writer struct {
	store  BatchStore
	logger *utils.Logger
	queue  chan models.DbWriteCommand
	wg     sync.WaitGroup
}

// NewWriter creates a writer with its own bounded input queue.
func NewWriter(store BatchStore, logger *utils.Logger) *Writer {
	return &Writer{
		store:  store,
		logger: logger,
		queue:  make(chan models.DbWriteCommand, queueCapacity),
	}
}

// Commands returns the input queue. The producing room actor owns the send
// side and closes it on shutdown; the writer flushes what remains and exits.
func (w *Writer) Commands() chan models.DbWriteCommand {
	return w.queue
}

// Start begins the writer's batch processing loop.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.run()
}

// Wait blocks until the writer has flushed and exited. Only meaningful after
// the command channel has been closed.
func (w *Writer) Wait() {
	w.wg.Wait()
}

func (w *Writer) run() {
	defer w.wg.Done()

	batch := make([]models.DbWriteCommand, 0, maxBatchSize)
	for {
		open := true
		select {
		case cmd, ok := <-w.queue:
			if !ok {
				open = false
				break
			}
			batch = append(batch, cmd)
		case <-time.After(firstCommandWait):
		}

	drain:
		for open && len(batch) < maxBatchSize {
			select {
			case cmd, ok := <-w.queue:
				if !ok {
					open = false
					break drain
				}
				batch = append(batch, cmd)
			default:
				break drain
			}
		}

		if len(batch) > 0 {
			w.writeBatch(batch)
			batch = batch[:0]
		}
		if !open {
			return
		}
	}
}

// writeBatch commits one batch. Failures are logged and the batch dropped;
// the room actor is never blocked on a retry.
func (w *Writer) writeBatch(batch []models.DbWriteCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), batchTimeout)
	defer cancel()

	if err := w.store.WriteBatch(ctx, batch); err != nil {
		metrics.BatchesFailed.Inc()
		w.logger.Error(ctx, "discarding write batch of %d commands: %v", len(batch), err)
		return
	}
	metrics.BatchesWritten.Inc()
}
