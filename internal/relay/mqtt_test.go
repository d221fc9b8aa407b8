package relay

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"campuswatch/presence-server/internal/mqttbroker"
)

func startBrokerAt(t *testing.T, addr string) *mqttbroker.Broker {
	t.Helper()
	b := mqttbroker.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	var err error
	// The previous listener on addr may take a moment to release it.
	for i := 0; i < 50; i++ {
		if _, err = b.Start(addr); err == nil {
			t.Cleanup(func() { _ = b.Stop() })
			return b
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("start broker on %s: %v", addr, err)
	return nil
}

// waitDelivery publishes payload from the broker side until the relay
// hands it to the subscriber or the deadline passes.
func waitDelivery(b *mqttbroker.Broker, topic string, got <-chan []byte, payload string, within time.Duration) bool {
	deadline := time.After(within)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		_ = b.Publish(topic, []byte(payload))
		select {
		case p := <-got:
			if string(p) == payload {
				return true
			}
		case <-tick.C:
		case <-deadline:
			return false
		}
	}
}

func TestMQTTSubscriptionSurvivesBrokerRestart(t *testing.T) {
	first := startBrokerAt(t, "127.0.0.1:0")
	addr := first.Addr().String()

	bus, err := NewMQTT("tcp://"+addr, "relay-test", "relay-restart", "", "")
	if err != nil {
		t.Fatalf("NewMQTT: %v", err)
	}
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan []byte, 64)
	done := make(chan error, 1)
	go func() {
		done <- bus.Subscribe(ctx, func(p []byte) {
			select {
			case got <- p:
			default:
			}
		})
	}()

	if !waitDelivery(first, "relay-restart", got, "before", 3*time.Second) {
		t.Fatal("no delivery before the restart")
	}

	if err := first.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	second := startBrokerAt(t, addr)

	if !waitDelivery(second, "relay-restart", got, "after", 20*time.Second) {
		t.Fatal("subscription was not renewed after the broker came back")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
}

func TestMQTTDeliversInPublishOrder(t *testing.T) {
	b := startBrokerAt(t, "127.0.0.1:0")

	bus, err := NewMQTT("tcp://"+b.Addr().String(), "relay-order", "relay-order", "", "")
	if err != nil {
		t.Fatalf("NewMQTT: %v", err)
	}
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan []byte, 256)
	go func() {
		_ = bus.Subscribe(ctx, func(p []byte) { got <- p })
	}()

	if !waitDelivery(b, "relay-order", got, "ready", 3*time.Second) {
		t.Fatal("subscription never became active")
	}

	const n = 100
	for i := 0; i < n; i++ {
		_ = b.Publish("relay-order", []byte(strconv.Itoa(i)))
	}

	next := 0
	timeout := time.After(5 * time.Second)
	for next < n {
		select {
		case p := <-got:
			if string(p) == "ready" {
				continue
			}
			if string(p) != strconv.Itoa(next) {
				t.Fatalf("message %d arrived as %q", next, p)
			}
			next++
		case <-timeout:
			t.Fatalf("received %d of %d messages", next, n)
		}
	}
}
