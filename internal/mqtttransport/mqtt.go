// Package mqtttransport is a thin wrapper around Eclipse Paho that
// implements the Publisher/Subscriber collaborator interfaces the
// dispatcher and connection-state packages depend on.
package mqtttransport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/MrWong99/aiaclient/internal/message"
)

// Config configures a [Transport].
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	QoS            byte
	TLSInsecure    bool

	// TopicNames maps the logical message.Topic values to concrete MQTT
	// topic strings.
	TopicNames map[message.Topic]string
}

// Transport wraps a Paho client, exposing Connect/Disconnect (satisfying
// connection.Broker) and Publish/Subscribe (satisfying the dispatcher and
// sequencer feed collaborator interfaces).
type Transport struct {
	cfg Config

	mu     sync.RWMutex
	client paho.Client
	topics map[message.Topic]string
}

// New creates a Transport. Call Connect before Publish/Subscribe.
func New(cfg Config) *Transport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.QoS == 0 || cfg.QoS > 2 {
		cfg.QoS = 1
	}
	return &Transport{cfg: cfg, topics: cfg.TopicNames}
}

func (t *Transport) buildOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(t.cfg.BrokerURL)
	opts.SetClientID(t.cfg.ClientID)
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetKeepAlive(t.cfg.KeepAlive)
	opts.SetAutoReconnect(false) // reconnection is owned by internal/connection.Reconnector

	if len(t.cfg.BrokerURL) >= 6 && (t.cfg.BrokerURL[:6] == "ssl://" || t.cfg.BrokerURL[:6] == "tls://") {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if roots, err := x509.SystemCertPool(); err == nil && roots != nil {
			tlsCfg.RootCAs = roots
		}
		tlsCfg.InsecureSkipVerify = t.cfg.TLSInsecure
		opts.SetTLSConfig(tlsCfg)
	}
	return opts
}

// Connect dials the broker. It satisfies internal/connection.Broker.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil && t.client.IsConnectionOpen() {
		return nil
	}

	client := paho.NewClient(t.buildOptions())
	token := client.Connect()

	deadline := t.cfg.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < deadline {
			deadline = remaining
		}
	}

	if ok := token.WaitTimeout(deadline); !ok {
		return fmt.Errorf("mqtttransport: connect timeout after %s", deadline)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtttransport: connect: %w", err)
	}

	t.client = client
	return nil
}

// Disconnect closes the connection. It satisfies internal/connection.Broker.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Disconnect(250)
		t.client = nil
	}
	return nil
}

// Publish sends frame on the MQTT topic mapped from topic. It satisfies
// internal/dispatcher.Publisher.
func (t *Transport) Publish(topic message.Topic, frame []byte) error {
	t.mu.RLock()
	client := t.client
	name, ok := t.topics[topic]
	t.mu.RUnlock()

	if !ok {
		return fmt.Errorf("mqtttransport: no MQTT topic name configured for %s", topic)
	}
	if client == nil || !client.IsConnectionOpen() {
		return fmt.Errorf("mqtttransport: not connected")
	}

	token := client.Publish(name, t.cfg.QoS, false, frame)
	token.Wait()
	return token.Error()
}

// InboundHandler receives raw payload bytes for one inbound MQTT message on
// the given logical topic.
type InboundHandler func(topic message.Topic, payload []byte)

// Subscribe registers handler for every topic in t.topics, dispatching each
// inbound MQTT message to the matching logical message.Topic.
func (t *Transport) Subscribe(handler InboundHandler) error {
	t.mu.RLock()
	client := t.client
	topics := t.topics
	t.mu.RUnlock()

	if client == nil {
		return fmt.Errorf("mqtttransport: not connected")
	}

	for logical, name := range topics {
		logical := logical
		token := client.Subscribe(name, t.cfg.QoS, func(_ paho.Client, m paho.Message) {
			payload := append([]byte(nil), m.Payload()...)
			handler(logical, payload)
		})
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("mqtttransport: subscribe %s: %w", name, token.Error())
		}
	}
	return nil
}

// Connected reports whether the underlying client currently holds an open
// connection.
func (t *Transport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client != nil && t.client.IsConnectionOpen()
}
