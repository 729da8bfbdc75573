// Package hub fans accepted position updates out to live subscribers.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tracker-relay/internal/models"
	"tracker-relay/internal/observability"

	"github.com/google/uuid"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("hub closed")

// SnapshotSource provides the current latest-position table.
type SnapshotSource interface {
	Snapshot() []models.PositionUpdate
}

// Subscriber is one live connection. Its outbound messages are read from
// Messages until the channel is closed by the hub.
type Subscriber struct {
	ID          string
	ConnectedAt time.Time

	send chan []byte
}

// Messages returns the outbound message stream. It is closed when the
// subscriber is removed.
func (s *Subscriber) Messages() <-chan []byte {
	return s.send
}

// Options configures a Hub.
type Options struct {
	HeartbeatInterval time.Duration
	// BufferSize is the per-subscriber outbound queue. A subscriber whose
	// queue is full when a message is sent is dropped.
	BufferSize int
	Now        func() time.Time
}

// Hub is the set of connected subscribers.
type Hub struct {
	source  SnapshotSource
	logger  *slog.Logger
	metrics *observability.Metrics
	opts    Options

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool
}

// New creates a hub reading snapshots from source.
func New(source SnapshotSource, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		source:  source,
		logger:  logger.With("component", "hub"),
		metrics: metrics,
		opts:    opts,
		subs:    make(map[*Subscriber]struct{}),
	}
}

func (h *Hub) nowMillis() int64 {
	return h.opts.Now().UnixMilli()
}

// Subscribe registers a new subscriber and queues the init snapshot as its
// first message.
func (h *Hub) Subscribe() (*Subscriber, error) {
	sub := &Subscriber{
		ID:          uuid.NewString(),
		ConnectedAt: h.opts.Now(),
		send:        make(chan []byte, h.opts.BufferSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	// Snapshot and registration happen under the hub lock so no broadcast
	// can slip in between them.
	msg, err := Encode(newInit(h.source.Snapshot(), h.nowMillis()))
	if err != nil {
		return nil, err
	}
	sub.send <- msg
	h.subs[sub] = struct{}{}
	h.metrics.Subscribers.Set(float64(len(h.subs)))

	h.logger.Info("subscriber joined", "subscriber", sub.ID, "subscribers", len(h.subs))
	return sub, nil
}

// Unsubscribe removes sub. Removing an unknown or already removed
// subscriber is a no-op.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removeLocked(sub) {
		h.logger.Info("subscriber left", "subscriber", sub.ID, "subscribers", len(h.subs))
	}
}

func (h *Hub) removeLocked(sub *Subscriber) bool {
	if _, ok := h.subs[sub]; !ok {
		return false
	}
	delete(h.subs, sub)
	close(sub.send)
	h.metrics.Subscribers.Set(float64(len(h.subs)))
	return true
}

// Broadcast sends an update message to every subscriber.
func (h *Hub) Broadcast(u models.PositionUpdate) {
	h.broadcast(newUpdate(u, h.nowMillis()))
}

// Heartbeat sends a heartbeat message to every subscriber.
func (h *Hub) Heartbeat() {
	h.broadcast(newHeartbeat(h.nowMillis()))
}

func (h *Hub) broadcast(msg ServerMessage) {
	data, err := Encode(msg)
	if err != nil {
		h.logger.Error("encode message", "type", msg.MessageType(), "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		h.offerLocked(sub, data)
	}
}

// offerLocked queues data for sub without blocking, dropping sub when its
// queue is full.
func (h *Hub) offerLocked(sub *Subscriber, data []byte) {
	select {
	case sub.send <- data:
	default:
		h.removeLocked(sub)
		h.metrics.BroadcastDropped.Inc()
		h.logger.Warn("dropping slow subscriber", "subscriber", sub.ID)
	}
}

// Send queues msg for a single subscriber.
func (h *Hub) Send(sub *Subscriber, msg ServerMessage) {
	data, err := Encode(msg)
	if err != nil {
		h.logger.Error("encode message", "type", msg.MessageType(), "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		h.offerLocked(sub, data)
	}
}

// HandleClientMessage answers ping with pong and request_positions with a
// fresh snapshot. Anything else is ignored.
func (h *Hub) HandleClientMessage(sub *Subscriber, data []byte) {
	switch ParseClientMessage(data) {
	case ClientPing:
		h.Send(sub, newPong(h.nowMillis()))
	case ClientRequestPositions:
		h.Send(sub, newInit(h.source.Snapshot(), h.nowMillis()))
	default:
		h.logger.Debug("ignoring client message", "subscriber", sub.ID, "bytes", len(data))
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Run sends heartbeats until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Heartbeat()
		}
	}
}

// Close removes every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		h.removeLocked(sub)
	}
}
