package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTT relays messages through an external MQTT broker on a single topic.
// Messages are handed to the subscriber in arrival order.
type MQTT struct {
	client mqtt.Client
	topic  string

	mu      sync.Mutex
	handler func([]byte)
	failed  chan error
}

// NewMQTT connects to brokerURL (for example tcp://broker:1883). username
// and password may be empty for brokers that allow anonymous clients; an
// instance's embedded broker expects a bearer token as the password.
//
// The client reconnects on its own. Every reconnect renews the topic
// subscription, since a clean session forgets it.
func NewMQTT(brokerURL, clientID, topic, username, password string) (*MQTT, error) {
	if topic == "" {
		topic = DefaultChannel
	}
	m := &MQTT{topic: topic}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(10 * time.Second).
		SetConnectTimeout(5 * time.Second).
		SetOnConnectHandler(m.resubscribe)
	if username != "" || password != "" {
		opts = opts.SetUsername(username).SetPassword(password)
	}

	m.client = mqtt.NewClient(opts)
	if token := m.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt relay connect %s: %w", brokerURL, token.Error())
	}
	return m, nil
}

func (m *MQTT) Publish(ctx context.Context, payload []byte) error {
	token := m.client.Publish(m.topic, 0, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt relay publish: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe delivers every message on the topic to handler until ctx is
// done. It returns an error when the subscription cannot be renewed after a
// reconnect, so the caller can subscribe again.
func (m *MQTT) Subscribe(ctx context.Context, handler func([]byte)) error {
	failed := make(chan error, 1)
	m.mu.Lock()
	m.handler = handler
	m.failed = failed
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.handler = nil
		m.failed = nil
		m.mu.Unlock()
	}()

	if err := m.subscribe(handler); err != nil {
		return err
	}

	select {
	case err := <-failed:
		return err
	case <-ctx.Done():
	}
	if t := m.client.Unsubscribe(m.topic); t.WaitTimeout(time.Second) && t.Error() != nil {
		return fmt.Errorf("mqtt relay unsubscribe %s: %w", m.topic, t.Error())
	}
	return nil
}

func (m *MQTT) subscribe(handler func([]byte)) error {
	token := m.client.Subscribe(m.topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt relay subscribe %s: %w", m.topic, token.Error())
	}
	return nil
}

// resubscribe runs on every (re)connect. It is a no-op while nobody is
// subscribed.
func (m *MQTT) resubscribe(mqtt.Client) {
	m.mu.Lock()
	handler, failed := m.handler, m.failed
	m.mu.Unlock()
	if handler == nil {
		return
	}
	if err := m.subscribe(handler); err != nil {
		select {
		case failed <- err:
		default:
		}
	}
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
