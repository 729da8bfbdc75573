package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PahoOptions configures the MQTT connection.
type PahoOptions struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	TLS            bool
}

// PahoTransport implements Transport with the Eclipse Paho client. The
// client's own reconnect logic is disabled; Bridge drives reconnects.
type PahoTransport struct {
	opts   PahoOptions
	client mqtt.Client
}

// NewPahoTransport creates an unconnected transport.
func NewPahoTransport(opts PahoOptions) *PahoTransport {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &PahoTransport{opts: opts}
}

var errTokenTimeout = errors.New("timed out waiting for broker")

func (p *PahoTransport) Connect(ctx context.Context, onLost func(error)) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.opts.Broker)
	opts.SetClientID(p.opts.ClientID)
	if p.opts.Username != "" {
		opts.SetUsername(p.opts.Username)
		opts.SetPassword(p.opts.Password)
	}
	if p.opts.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(p.opts.ConnectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		onLost(err)
	})

	p.client = mqtt.NewClient(opts)
	if err := p.wait(ctx, p.client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", p.opts.Broker, err)
	}
	return nil
}

func (p *PahoTransport) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	if p.client == nil {
		return errors.New("not connected")
	}
	token := p.client.Subscribe(topic, 0, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Topic(), m.Payload())
	})
	return p.wait(ctx, token)
}

func (p *PahoTransport) Disconnect() {
	if p.client == nil {
		return
	}
	// A connect token may still be pending after wait gave up; Disconnect
	// stops it from completing into a live session.
	p.client.Disconnect(250)
	p.client = nil
}

func (p *PahoTransport) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(p.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errTokenTimeout
	}
}
