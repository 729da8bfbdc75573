// Package broker subscribes to device topics on an MQTT broker and feeds
// decoded reports into the ingest pipeline.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"tracker-relay/internal/models"
	"tracker-relay/internal/observability"
	"tracker-relay/internal/parser"
)

// State is the bridge connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MessageHandler receives every message on the subscribed topic filter.
type MessageHandler func(topic string, payload []byte)

// Transport is a broker connection. Connect registers onLost, which the
// transport calls at most once per connection when it drops unexpectedly.
type Transport interface {
	Connect(ctx context.Context, onLost func(error)) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Disconnect()
}

// Ingester is the accept path the bridge feeds.
type Ingester interface {
	Ingest(raw models.RawReport, transport string) (models.PositionUpdate, error)
}

// Options configures a Bridge.
type Options struct {
	// Topic is a filter ending in "/+"; the last level is the device id.
	Topic          string
	ReconnectDelay time.Duration
}

// Bridge owns the subscribe/reconnect cycle.
type Bridge struct {
	transport Transport
	ingester  Ingester
	opts      Options
	prefix    string
	logger    *slog.Logger
	metrics   *observability.Metrics

	state atomic.Int32
}

// New creates a bridge. The topic filter must end in "/+".
func New(t Transport, ing Ingester, opts Options, logger *slog.Logger, metrics *observability.Metrics) (*Bridge, error) {
	if !strings.HasSuffix(opts.Topic, "/+") || strings.ContainsAny(strings.TrimSuffix(opts.Topic, "/+"), "+#") {
		return nil, fmt.Errorf("topic %q must be of the form <prefix>/+", opts.Topic)
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	return &Bridge{
		transport: t,
		ingester:  ing,
		opts:      opts,
		prefix:    strings.TrimSuffix(opts.Topic, "+"),
		logger:    logger.With("component", "broker"),
		metrics:   metrics,
	}, nil
}

// State returns the current connection state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Connected reports whether the bridge holds a live subscription.
func (b *Bridge) Connected() bool {
	return b.State() == Subscribed
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
	if s == Subscribed {
		b.metrics.BrokerConnected.Set(1)
	} else {
		b.metrics.BrokerConnected.Set(0)
	}
}

// Run connects, subscribes and reconnects after a fixed delay until ctx is
// done. It always leaves the transport disconnected when it returns.
func (b *Bridge) Run(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			b.metrics.BrokerReconnects.Inc()
		}

		err := b.session(ctx)
		b.transport.Disconnect()
		b.setState(Disconnected)

		if ctx.Err() != nil {
			b.logger.Info("broker bridge stopped")
			return
		}
		b.logger.Warn("broker connection ended, reconnecting",
			"error", err, "delay", b.opts.ReconnectDelay.String())

		timer := time.NewTimer(b.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			b.logger.Info("broker bridge stopped")
			return
		case <-timer.C:
		}
	}
}

// session runs one connect/subscribe cycle and blocks until the connection
// is lost or ctx is done.
func (b *Bridge) session(ctx context.Context) error {
	b.setState(Connecting)

	lost := make(chan error, 1)
	onLost := func(err error) {
		select {
		case lost <- err:
		default:
		}
	}
	if err := b.transport.Connect(ctx, onLost); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := b.transport.Subscribe(ctx, b.opts.Topic, b.HandleMessage); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.opts.Topic, err)
	}

	b.setState(Subscribed)
	b.logger.Info("subscribed", "topic", b.opts.Topic)

	select {
	case err := <-lost:
		return fmt.Errorf("connection lost: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeviceID extracts the device id from a topic matching the filter.
func (b *Bridge) DeviceID(topic string) (string, bool) {
	if !strings.HasPrefix(topic, b.prefix) {
		return "", false
	}
	id := topic[len(b.prefix):]
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// HandleMessage decodes one broker message and ingests it. Bad messages are
// logged and dropped.
func (b *Bridge) HandleMessage(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic handling broker message", "topic", topic, "panic", r)
		}
	}()

	deviceID, ok := b.DeviceID(topic)
	if !ok {
		b.logger.Warn("dropping message on unexpected topic", "topic", topic)
		return
	}

	var raw models.RawReport
	if err := json.Unmarshal(payload, &raw); err != nil || raw == nil {
		b.metrics.ReportsRejected.WithLabelValues(parser.TransportMQTT, "malformed").Inc()
		b.logger.Warn("dropping malformed payload", "topic", topic, "error", err)
		return
	}
	// The topic names the device, not the payload.
	raw["device_id"] = deviceID

	if _, err := b.ingester.Ingest(raw, parser.TransportMQTT); err != nil {
		b.logger.Warn("dropping invalid report", "device_id", deviceID, "error", err)
	}
}
