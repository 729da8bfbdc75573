package cache

import (
	"context"
	"testing"
	"time"

	"tracker-relay/internal/models"
	"tracker-relay/internal/observability"

	"github.com/redis/go-redis/v9"
)

func TestKey(t *testing.T) {
	if got := Key("d1"); got != "tracker:pos:d1" {
		t.Errorf("Key = %q", got)
	}
}

func TestNewMirrorFailsWithoutRedis(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := NewMirror(ctx, "127.0.0.1:1", time.Minute, observability.Discard()); err == nil {
		t.Fatal("expected ping failure")
	}
}

func TestMirrorSurvivesUnreachableRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	m := newMirror(rdb, time.Minute, observability.Discard())

	for i := 0; i < 3; i++ {
		if !m.Enqueue(models.PositionUpdate{DeviceID: "d1"}) {
			t.Fatalf("enqueue %d dropped", i)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if m.Enqueue(models.PositionUpdate{DeviceID: "d1"}) {
		t.Error("enqueue after close should be dropped")
	}
}

func TestGetPositionReportsUnreachableRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	m := newMirror(rdb, time.Minute, observability.Discard())
	defer m.Close(context.Background())

	_, ok, err := m.GetPosition(context.Background(), "d1")
	if err == nil || ok {
		t.Fatalf("GetPosition = %v, %v; want a connection error", ok, err)
	}
}
