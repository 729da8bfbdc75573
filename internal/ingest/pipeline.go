// Package ingest is the single place where accepted updates reach the
// registry, the position store and the fan-out hub.
package ingest

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"tracker-relay/internal/models"
	"tracker-relay/internal/observability"
	"tracker-relay/internal/parser"
	"tracker-relay/internal/registry"
)

// Queue accepts updates for asynchronous processing without blocking.
type Queue interface {
	Enqueue(u models.PositionUpdate) bool
}

// Broadcaster delivers updates to live subscribers.
type Broadcaster interface {
	Broadcast(u models.PositionUpdate)
}

// Pipeline normalises raw reports and applies their downstream effects.
// Ingest and Accept are safe for concurrent use.
type Pipeline struct {
	normalizer *parser.Normalizer
	registry   *registry.Registry
	store      Queue
	hub        Broadcaster
	mirror     Queue
	logger     *slog.Logger
	metrics    *observability.Metrics

	// mu orders upsert, mirror and broadcast. Enqueue and Broadcast never
	// block, so holding it is short.
	mu sync.Mutex
}

// Config wires the pipeline's collaborators. Mirror may be nil.
type Config struct {
	Normalizer *parser.Normalizer
	Registry   *registry.Registry
	Store      Queue
	Hub        Broadcaster
	Mirror     Queue
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Normalizer == nil {
		cfg.Normalizer = parser.NewNormalizer()
	}
	return &Pipeline{
		normalizer: cfg.Normalizer,
		registry:   cfg.Registry,
		store:      cfg.Store,
		hub:        cfg.Hub,
		mirror:     cfg.Mirror,
		logger:     cfg.Logger.With("component", "ingest"),
		metrics:    cfg.Metrics,
	}
}

// Ingest normalises raw and, if valid, accepts it. A validation failure
// leaves all shared state untouched.
func (p *Pipeline) Ingest(raw models.RawReport, transport string) (models.PositionUpdate, error) {
	u, err := p.normalizer.Normalize(raw, transport)
	if err != nil {
		reason := "invalid"
		var verr *parser.ValidationError
		if errors.As(err, &verr) {
			reason = string(verr.Kind)
		}
		p.metrics.ReportsRejected.WithLabelValues(transport, reason).Inc()
		return u, err
	}
	p.Accept(u)
	return u, nil
}

// Accept applies the downstream effects of an update. They are
// independent: a dropped store write does not stop the broadcast.
//
// History is append-only, so every update is stored. The mirror and the
// hub only see updates that won the registry upsert, and they see them in
// the order the registry applied them.
func (p *Pipeline) Accept(u models.PositionUpdate) {
	start := time.Now()
	defer p.metrics.ObserveAccept(start)

	if !p.store.Enqueue(u) {
		p.logger.Warn("position not persisted", "device_id", u.DeviceID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.ReportsAccepted.WithLabelValues(u.Source).Inc()
	if !p.registry.Upsert(u) {
		// A concurrent accept with a later receipt time already won.
		p.logger.Debug("stale update not mirrored or broadcast", "device_id", u.DeviceID, "received_at", u.ReceivedAt)
		return
	}
	if p.mirror != nil {
		p.mirror.Enqueue(u)
	}
	p.hub.Broadcast(u)
}
