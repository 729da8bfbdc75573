package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"tracker-relay/internal/models"
	"tracker-relay/internal/observability"
	"tracker-relay/internal/registry"
)

func newTestHub(t *testing.T, reg *registry.Registry, opts Options) *Hub {
	t.Helper()
	h := New(reg, opts, observability.Discard(), observability.NewMetrics())
	t.Cleanup(h.Close)
	return h
}

func next(t *testing.T, sub *Subscriber) map[string]any {
	t.Helper()
	select {
	case data, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func assertEmpty(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case data := <-sub.Messages():
		t.Fatalf("unexpected message %s", data)
	default:
	}
}

func TestSubscribeSendsInitSnapshot(t *testing.T) {
	reg := registry.New()
	reg.Upsert(models.PositionUpdate{DeviceID: "d1", Lat: 1, Lng: 2, ReceivedAt: 10})
	reg.Upsert(models.PositionUpdate{DeviceID: "d2", Lat: 3, Lng: 4, ReceivedAt: 11})
	h := newTestHub(t, reg, Options{})

	sub, err := h.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	msg := next(t, sub)
	if msg["type"] != "init" {
		t.Fatalf("first message type = %v", msg["type"])
	}
	positions, _ := msg["positions"].([]any)
	if len(positions) != 2 {
		t.Errorf("init has %d positions, want 2", len(positions))
	}
	if _, ok := msg["timestamp"].(float64); !ok {
		t.Error("init missing timestamp")
	}
	if sub.ID == "" {
		t.Error("subscriber id not assigned")
	}
}

func TestInitWithEmptyRegistryHasEmptyList(t *testing.T) {
	h := newTestHub(t, registry.New(), Options{})
	sub, _ := h.Subscribe()
	msg := next(t, sub)
	positions, ok := msg["positions"].([]any)
	if !ok || len(positions) != 0 {
		t.Errorf("positions = %#v, want empty list", msg["positions"])
	}
}

func TestBroadcastReachesEverySubscriberOnce(t *testing.T) {
	h := newTestHub(t, registry.New(), Options{})
	subs := make([]*Subscriber, 3)
	for i := range subs {
		subs[i], _ = h.Subscribe()
		next(t, subs[i]) // init
	}

	h.Broadcast(models.PositionUpdate{DeviceID: "d9", Lat: 5, Lng: 6, Source: "mqtt"})

	for _, sub := range subs {
		msg := next(t, sub)
		if msg["type"] != "update" {
			t.Fatalf("type = %v, want update", msg["type"])
		}
		data := msg["data"].(map[string]any)
		if data["device_id"] != "d9" || data["source"] != "mqtt" {
			t.Errorf("unexpected payload %v", data)
		}
		assertEmpty(t, sub)
	}
}

func TestUnsubscribeIsIdempotentAndStopsDelivery(t *testing.T) {
	h := newTestHub(t, registry.New(), Options{})
	a, _ := h.Subscribe()
	b, _ := h.Subscribe()
	next(t, a)
	next(t, b)

	h.Unsubscribe(a)
	h.Unsubscribe(a)
	if h.Count() != 1 {
		t.Fatalf("count = %d, want 1", h.Count())
	}

	h.Broadcast(models.PositionUpdate{DeviceID: "d1"})
	if _, ok := <-a.Messages(); ok {
		t.Error("removed subscriber still received a message")
	}
	if msg := next(t, b); msg["type"] != "update" {
		t.Errorf("remaining subscriber got %v", msg["type"])
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := newTestHub(t, registry.New(), Options{BufferSize: 2})
	slow, _ := h.Subscribe() // init occupies one slot
	fast, _ := h.Subscribe()

	for i := 0; i < 5; i++ {
		h.Broadcast(models.PositionUpdate{DeviceID: "d"})
		// Keep the fast subscriber drained.
		for len(fast.send) > 0 {
			<-fast.send
		}
	}

	if h.Count() != 1 {
		t.Fatalf("count = %d, want 1 (slow dropped)", h.Count())
	}
	drained := 0
	for range slow.Messages() {
		drained++
	}
	if drained != 2 {
		t.Errorf("slow subscriber had %d queued messages, want 2", drained)
	}
}

func TestClientMessages(t *testing.T) {
	reg := registry.New()
	h := newTestHub(t, reg, Options{})
	sub, _ := h.Subscribe()
	next(t, sub)

	h.HandleClientMessage(sub, []byte(`{"type":"ping"}`))
	if msg := next(t, sub); msg["type"] != "pong" {
		t.Errorf("ping answered with %v", msg["type"])
	}

	reg.Upsert(models.PositionUpdate{DeviceID: "late"})
	h.HandleClientMessage(sub, []byte(`{"type":"request_positions"}`))
	msg := next(t, sub)
	if msg["type"] != "init" || len(msg["positions"].([]any)) != 1 {
		t.Errorf("request_positions answered with %v", msg)
	}

	h.HandleClientMessage(sub, []byte(`not json`))
	h.HandleClientMessage(sub, []byte(`{"type":"subscribe_all"}`))
	assertEmpty(t, sub)
	if h.Count() != 1 {
		t.Error("unknown client message removed the subscriber")
	}
}

func TestRunSendsHeartbeats(t *testing.T) {
	h := newTestHub(t, registry.New(), Options{HeartbeatInterval: 10 * time.Millisecond})
	sub, _ := h.Subscribe()
	next(t, sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	msg := next(t, sub)
	if msg["type"] != "heartbeat" {
		t.Errorf("type = %v, want heartbeat", msg["type"])
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCloseRejectsNewSubscribers(t *testing.T) {
	h := New(registry.New(), Options{}, observability.Discard(), observability.NewMetrics())
	sub, _ := h.Subscribe()
	h.Close()

	if _, err := h.Subscribe(); err != ErrClosed {
		t.Errorf("subscribe after close: %v", err)
	}
	<-sub.Messages() // init
	if _, ok := <-sub.Messages(); ok {
		t.Error("subscriber channel should be closed")
	}
	h.Unsubscribe(sub)
}

func TestParseClientMessage(t *testing.T) {
	cases := map[string]ClientKind{
		`{"type":"ping"}`:              ClientPing,
		`{"type":"request_positions"}`: ClientRequestPositions,
		`{"type":"PING"}`:              ClientUnknown,
		`[]`:                           ClientUnknown,
		``:                             ClientUnknown,
	}
	for in, want := range cases {
		if got := ParseClientMessage([]byte(in)); got != want {
			t.Errorf("ParseClientMessage(%q) = %v, want %v", in, got, want)
		}
	}
}
