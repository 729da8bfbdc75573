// Package cache mirrors latest positions into Redis for other consumers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tracker-relay/internal/models"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "tracker:pos:"

// Key returns the Redis key holding deviceID's latest position.
func Key(deviceID string) string {
	return keyPrefix + deviceID
}

// Mirror writes accepted updates to Redis from a background goroutine.
// Writes are best-effort: failures are logged and forgotten.
type Mirror struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	queue chan models.PositionUpdate
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewMirror connects to addr and verifies it with a PING.
func NewMirror(ctx context.Context, addr string, ttl time.Duration, logger *slog.Logger) (*Mirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newMirror(rdb, ttl, logger), nil
}

func newMirror(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Mirror {
	m := &Mirror{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.With("component", "redis-mirror"),
		queue:  make(chan models.PositionUpdate, 256),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// Enqueue schedules u for mirroring. It reports false if the update was
// dropped.
func (m *Mirror) Enqueue(u models.PositionUpdate) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.queue <- u:
		return true
	default:
		m.logger.Warn("mirror queue full, dropping position", "device_id", u.DeviceID)
		return false
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	for u := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.SavePosition(ctx, u); err != nil {
			m.logger.Error("redis SET failed", "device_id", u.DeviceID, "error", err)
		}
		cancel()
	}
}

// SavePosition writes u synchronously.
func (m *Mirror) SavePosition(ctx context.Context, u models.PositionUpdate) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, Key(u.DeviceID), data, m.ttl).Err()
}

// GetPosition reads the mirrored position for deviceID.
func (m *Mirror) GetPosition(ctx context.Context, deviceID string) (models.PositionUpdate, bool, error) {
	var u models.PositionUpdate
	data, err := m.rdb.Get(ctx, Key(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return u, false, nil
	}
	if err != nil {
		return u, false, err
	}
	if err := json.Unmarshal(data, &u); err != nil {
		return u, false, fmt.Errorf("decode mirrored position: %w", err)
	}
	return u, true, nil
}

// Close drains pending writes and closes the client.
func (m *Mirror) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()

	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.rdb.Close()
}
