package ingest

import (
	"time"

	"tracker-relay/internal/models"
	"tracker-relay/internal/registry"
)

// SubscriberCounter reports the number of live subscribers.
type SubscriberCounter interface {
	Count() int
}

// ConnectionStatus reports whether the broker bridge is subscribed.
type ConnectionStatus interface {
	Connected() bool
}

// Aggregator computes stats fresh on every call.
type Aggregator struct {
	registry *registry.Registry
	hub      SubscriberCounter
	broker   ConnectionStatus
	window   time.Duration
	now      func() time.Time
}

// NewAggregator creates an Aggregator. broker may be nil when the bridge is
// disabled.
func NewAggregator(reg *registry.Registry, hub SubscriberCounter, broker ConnectionStatus, window time.Duration) *Aggregator {
	return &Aggregator{registry: reg, hub: hub, broker: broker, window: window, now: time.Now}
}

// Window returns the online window.
func (a *Aggregator) Window() time.Duration {
	return a.window
}

// Now returns the aggregator's current time.
func (a *Aggregator) Now() time.Time {
	return a.now()
}

// Stats returns counts as of now.
func (a *Aggregator) Stats() models.Stats {
	total, online := a.registry.Counts(a.now(), a.window)
	return models.Stats{
		Devices:         total,
		OnlineDevices:   online,
		Subscribers:     a.hub.Count(),
		BrokerConnected: a.BrokerConnected(),
	}
}

// BrokerConnected reports the broker bridge state.
func (a *Aggregator) BrokerConnected() bool {
	return a.broker != nil && a.broker.Connected()
}
