package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tracker-relay/internal/db"
	"tracker-relay/internal/hub"
	"tracker-relay/internal/ingest"
	"tracker-relay/internal/models"
	"tracker-relay/internal/observability"
	"tracker-relay/internal/registry"

	"github.com/gorilla/websocket"
)

const testToken = "s3cret"

type testEnv struct {
	server   *Server
	registry *registry.Registry
	database *db.Database
	writer   *db.Writer
	hub      *hub.Hub
}

func newTestEnv(t *testing.T, limit int) *testEnv {
	t.Helper()
	logger := observability.Discard()
	metrics := observability.NewMetrics()

	database, err := db.New(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	writer := db.NewWriter(database, 64, 0, logger, metrics)
	reg := registry.New()
	h := hub.New(reg, hub.Options{}, logger, metrics)
	pipeline := ingest.New(ingest.Config{Registry: reg, Store: writer, Hub: h, Logger: logger, Metrics: metrics})

	srv := NewServer(Options{
		Ingester:    pipeline,
		Positions:   reg,
		History:     database,
		Stats:       ingest.NewAggregator(reg, h, nil, time.Minute),
		Limiter:     NewFixedWindowLimiter(limit, time.Minute),
		DeviceToken: testToken,
		Realtime:    hub.NewWSHandler(h, nil, logger),
		Metrics:     metrics.Handler(),
		Logger:      logger,
	})

	env := &testEnv{server: srv, registry: reg, database: database, writer: writer, hub: h}
	t.Cleanup(func() {
		h.Close()
		writer.Close(context.Background())
		database.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("X-Device-Token", token)
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

// flush waits until everything queued so far is persisted.
func (e *testEnv) flush(t *testing.T) {
	t.Helper()
	if err := e.writer.Close(context.Background()); err != nil {
		t.Fatalf("flush writer: %v", err)
	}
}

func TestTrackAcceptsValidReport(t *testing.T) {
	env := newTestEnv(t, 100)
	rec := env.do(t, "POST", "/track", testToken,
		`{"device_id":"d1","lat":40.7128,"lng":-74.0060,"speed":45,"sats":10}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	body := decode(t, rec)
	if body["status"] != "ok" || body["device_id"] != "d1" {
		t.Errorf("unexpected body %v", body)
	}

	got, ok := env.registry.Get("d1")
	if !ok {
		t.Fatal("d1 not in registry")
	}
	if got.Lat != 40.7128 || got.Lng != -74.0060 || got.Speed != 45 || got.Satellites != 10 || got.Source != "http" {
		t.Errorf("registry entry %+v", got)
	}
	if got.ReceivedAt == 0 || int64(body["timestamp"].(float64)) != got.ReceivedAt {
		t.Errorf("response timestamp %v, received_at %d", body["timestamp"], got.ReceivedAt)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type %q", ct)
	}
}

func TestTrackRejectsInvalidCoordinate(t *testing.T) {
	env := newTestEnv(t, 100)
	rec := env.do(t, "POST", "/track", testToken, `{"device_id":"d1","lat":95,"lng":0}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if decode(t, rec)["error"] != "InvalidCoordinate" {
		t.Errorf("body %s", rec.Body)
	}
	if env.registry.Len() != 0 {
		t.Error("registry changed")
	}
}

func TestTrackRejectsMissingFieldsAndBadJSON(t *testing.T) {
	env := newTestEnv(t, 100)
	rec := env.do(t, "POST", "/track", testToken, `{"lat":1,"lng":2}`)
	if rec.Code != http.StatusBadRequest || decode(t, rec)["error"] != "MissingField" {
		t.Errorf("missing device: %d %s", rec.Code, rec.Body)
	}
	rec = env.do(t, "POST", "/track", testToken, `{"device_id":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad json: %d", rec.Code)
	}
	rec = env.do(t, "POST", "/track", testToken, `[1,2]`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("array body: %d", rec.Code)
	}
}

func TestTrackUnauthorizedIsGeneric(t *testing.T) {
	env := newTestEnv(t, 100)
	wrong := env.do(t, "POST", "/track", "nope", `{"device_id":"d1","lat":1,"lng":1}`)
	missing := env.do(t, "POST", "/track", "", `{"device_id":"d1","lat":1,"lng":1}`)

	for _, rec := range []*httptest.ResponseRecorder{wrong, missing} {
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d", rec.Code)
		}
	}
	if wrong.Body.String() != missing.Body.String() {
		t.Errorf("401 bodies differ: %q vs %q", wrong.Body, missing.Body)
	}
	if env.registry.Len() != 0 {
		t.Error("unauthorized report reached the registry")
	}
}

func TestTrackRateLimited(t *testing.T) {
	env := newTestEnv(t, 2)
	for i := 0; i < 2; i++ {
		if rec := env.do(t, "POST", "/track", testToken, `{"device_id":"d1","lat":1,"lng":1}`); rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
	// The throttle is global: another device shares the same budget.
	rec := env.do(t, "POST", "/track", testToken, `{"device_id":"d2","lat":1,"lng":1}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if _, ok := env.registry.Get("d2"); ok {
		t.Error("throttled report reached the registry")
	}
}

func TestTwoPostsSecondWins(t *testing.T) {
	env := newTestEnv(t, 100)
	env.do(t, "POST", "/track", testToken, `{"device_id":"d1","lat":1,"lng":1}`)
	env.do(t, "POST", "/track", testToken, `{"device_id":"d1","lat":2,"lng":2}`)

	rec := env.do(t, "GET", "/positions", "", "")
	body := decode(t, rec)
	if body["count"].(float64) != 1 {
		t.Fatalf("count = %v", body["count"])
	}
	pos := body["positions"].([]any)[0].(map[string]any)
	if pos["lat"].(float64) != 2 {
		t.Errorf("registry holds %v, want second post", pos)
	}
}

func TestPositionsEndpoints(t *testing.T) {
	env := newTestEnv(t, 100)
	rec := env.do(t, "GET", "/positions", "", "")
	if body := decode(t, rec); body["count"].(float64) != 0 || body["positions"] == nil {
		t.Errorf("empty positions body %v", body)
	}

	env.registry.Upsert(models.PositionUpdate{DeviceID: "d1", Lat: 3, Lng: 4, ReceivedAt: time.Now().UnixMilli()})
	rec = env.do(t, "GET", "/positions/d1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if body := decode(t, rec); body["online"] != true {
		t.Errorf("d1 should be online: %v", body)
	}
	if rec := env.do(t, "GET", "/positions/ghost", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown device status %d", rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t, 100)
	for i := 0; i < 5; i++ {
		env.do(t, "POST", "/track", testToken, `{"device_id":"h1","lat":1,"lng":1}`)
	}
	env.flush(t)

	rec := env.do(t, "GET", "/history/h1?limit=3", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	body := decode(t, rec)
	if body["count"].(float64) != 3 || body["device_id"] != "h1" {
		t.Errorf("history body %v", body)
	}

	if rec := env.do(t, "GET", "/history/h1?limit=abc", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status %d", rec.Code)
	}
	if rec := env.do(t, "GET", "/history/none", "", ""); decode(t, rec)["count"].(float64) != 0 {
		t.Errorf("unknown device history %s", rec.Body)
	}
}

func TestStatsAndHealth(t *testing.T) {
	env := newTestEnv(t, 100)
	env.do(t, "POST", "/track", testToken, `{"device_id":"d1","lat":1,"lng":1}`)
	env.registry.Upsert(models.PositionUpdate{DeviceID: "old", ReceivedAt: 1})

	stats := decode(t, env.do(t, "GET", "/stats", "", ""))
	if stats["devices"].(float64) != 2 || stats["online_devices"].(float64) != 1 {
		t.Errorf("stats %v", stats)
	}
	if stats["broker_connected"] != false || stats["online_window_ms"].(float64) != 60000 {
		t.Errorf("stats %v", stats)
	}

	health := decode(t, env.do(t, "GET", "/health", "", ""))
	if health["status"] != "healthy" || health["devices"].(float64) != 2 {
		t.Errorf("health %v", health)
	}
	if _, ok := health["uptime_seconds"]; !ok {
		t.Error("health missing uptime")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, 100)
	env.do(t, "POST", "/track", testToken, `{"device_id":"d1","lat":1,"lng":1}`)
	rec := env.do(t, "GET", "/metrics", "", "")
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("tracker_reports_accepted_total")) {
		t.Errorf("metrics: %d", rec.Code)
	}
}

func TestWebSocketThroughRouter(t *testing.T) {
	env := newTestEnv(t, 100)
	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() map[string]any {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg map[string]any
		json.Unmarshal(data, &msg)
		return msg
	}
	if msg := read(); msg["type"] != "init" {
		t.Fatalf("first message %v", msg)
	}

	req, _ := http.NewRequest("POST", ts.URL+"/track", strings.NewReader(`{"device_id":"live","lat":1,"lng":2}`))
	req.Header.Set("X-Device-Token", testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	msg := read()
	if msg["type"] != "update" || msg["data"].(map[string]any)["device_id"] != "live" {
		t.Errorf("unexpected message %v", msg)
	}
}
