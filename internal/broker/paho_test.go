package broker

import (
	"context"
	"testing"
	"time"
)

func TestPahoDisconnectAfterAbandonedConnect(t *testing.T) {
	p := NewPahoTransport(PahoOptions{
		Broker:         "tcp://127.0.0.1:1",
		ClientID:       "tracker-relay-test",
		ConnectTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Connect(ctx, func(error) {}); err == nil {
		t.Fatal("expected connect to fail")
	}

	done := make(chan struct{})
	go func() {
		p.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Disconnect did not return")
	}
	if p.client != nil {
		t.Error("client should be released after Disconnect")
	}
	// A second call is a no-op.
	p.Disconnect()
}

func TestPahoSubscribeRequiresConnection(t *testing.T) {
	p := NewPahoTransport(PahoOptions{Broker: "tcp://127.0.0.1:1"})
	if err := p.Subscribe(context.Background(), "track/+", func(string, []byte) {}); err == nil {
		t.Fatal("expected error before Connect")
	}
}
