// Package registry holds the latest accepted position for every device.
package registry

import (
	"sync"
	"time"

	"tracker-relay/internal/models"
)

// Registry maps device id to its most recent update. Last writer wins by
// server receipt time, whichever transport delivered the update.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]models.PositionUpdate
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{devices: make(map[string]models.PositionUpdate)}
}

// Upsert inserts or replaces the entry for u.DeviceID. An update received
// before the stored one is ignored and Upsert reports false.
func (r *Registry) Upsert(u models.PositionUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.devices[u.DeviceID]; ok && u.ReceivedAt < cur.ReceivedAt {
		return false
	}
	r.devices[u.DeviceID] = u
	return true
}

// Get returns the entry for deviceID.
func (r *Registry) Get(deviceID string) (models.PositionUpdate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.devices[deviceID]
	return u, ok
}

// Snapshot returns a copy of all entries in no particular order.
func (r *Registry) Snapshot() []models.PositionUpdate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.PositionUpdate, 0, len(r.devices))
	for _, u := range r.devices {
		out = append(out, u)
	}
	return out
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Counts returns the total device count and how many of them are online
// at now for the given window.
func (r *Registry) Counts(now time.Time, window time.Duration) (total, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.devices {
		if u.Online(now, window) {
			online++
		}
	}
	return len(r.devices), online
}
