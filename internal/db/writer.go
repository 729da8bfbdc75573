package db

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tracker-relay/internal/models"
	"tracker-relay/internal/observability"
)

// PositionStore is the subset of Database the Writer needs.
type PositionStore interface {
	InsertPosition(ctx context.Context, u models.PositionUpdate) (int64, error)
	PruneDevice(ctx context.Context, deviceID string, keep int) (int64, error)
}

// Writer appends updates to a PositionStore from a single goroutine.
// Enqueue never blocks: a full queue drops the update.
type Writer struct {
	store     PositionStore
	retention int
	logger    *slog.Logger
	metrics   *observability.Metrics

	queue chan models.PositionUpdate
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

const writeTimeout = 5 * time.Second

// NewWriter creates a Writer with a queue of queueSize. retention > 0 prunes
// each device to that many rows after every append.
func NewWriter(store PositionStore, queueSize, retention int, logger *slog.Logger, metrics *observability.Metrics) *Writer {
	if queueSize <= 0 {
		queueSize = 1
	}
	w := &Writer{
		store:     store,
		retention: retention,
		logger:    logger.With("component", "store-writer"),
		metrics:   metrics,
		queue:     make(chan models.PositionUpdate, queueSize),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue schedules u for persistence. It reports false when the update
// was dropped.
func (w *Writer) Enqueue(u models.PositionUpdate) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.queue <- u:
		return true
	default:
		w.metrics.StoreDropped.Inc()
		w.logger.Warn("store queue full, dropping position", "device_id", u.DeviceID)
		return false
	}
}

// Close stops accepting updates and waits until the queue is drained or ctx
// is done.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for u := range w.queue {
		w.write(u)
	}
}

func (w *Writer) write(u models.PositionUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if _, err := w.store.InsertPosition(ctx, u); err != nil {
		w.metrics.StoreErrors.Inc()
		w.logger.Error("store append failed", "device_id", u.DeviceID, "error", err)
		return
	}
	if w.retention <= 0 {
		return
	}
	n, err := w.store.PruneDevice(ctx, u.DeviceID, w.retention)
	if err != nil {
		w.logger.Warn("store prune failed", "device_id", u.DeviceID, "error", err)
		return
	}
	if n > 0 {
		w.logger.Debug("pruned history", "device_id", u.DeviceID, "removed", n)
	}
}
