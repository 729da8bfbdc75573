package api

import (
	"testing"
	"time"
)

func TestFixedWindowLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewFixedWindowLimiter(3, time.Minute)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow(); !ok {
			t.Fatalf("call %d rejected", i)
		}
	}
	ok, retry := l.Allow()
	if ok {
		t.Fatal("fourth call allowed")
	}
	if retry != time.Minute {
		t.Errorf("retry = %v, want 1m", retry)
	}

	now = now.Add(45 * time.Second)
	if _, retry := l.Allow(); retry != 15*time.Second {
		t.Errorf("retry = %v, want 15s", retry)
	}

	now = now.Add(15 * time.Second)
	if ok, _ := l.Allow(); !ok {
		t.Error("new window should allow")
	}
}
