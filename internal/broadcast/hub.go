// Package broadcast fans location events out to live subscribers and, when a
// relay bus is configured, to the other instances of the service.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"campuswatch/presence-server/internal/metrics"
	"campuswatch/presence-server/internal/model"
	"campuswatch/presence-server/internal/relay"
)

const defaultOutboxSize = 256

// Sink receives events for one subscriber. Deliver must not block; a sink
// that cannot keep up should return an error and drop the event.
type Sink interface {
	Deliver(model.Event) error
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(model.Event) error

func (f SinkFunc) Deliver(ev model.Event) error { return f(ev) }

// State is the presence view the hub snapshots for new subscribers and
// updates with records relayed from other instances.
type State interface {
	Snapshot() []model.LocationRecord
	Apply(model.LocationRecord) bool
}

// Handle identifies a registered subscriber.
type Handle string

// Option customizes a Hub.
type Option func(*Hub)

// WithRelay forwards every published record to bus and applies records
// other instances publish there.
func WithRelay(bus relay.Bus) Option {
	return func(h *Hub) { h.bus = bus }
}

// WithOrigin overrides the instance identifier stamped on relayed records.
func WithOrigin(origin string) Option {
	return func(h *Hub) { h.origin = origin }
}

// WithOutboxSize bounds the queue of records waiting for the relay.
func WithOutboxSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.outbox = make(chan model.LocationRecord, n)
		}
	}
}

// Hub is the subscriber registry. Registration, snapshot delivery and
// fan-out share one mutex, so a subscriber sees its snapshot before any
// location event and never misses an event published after it registered.
type Hub struct {
	logger *slog.Logger
	state  State

	mu   sync.Mutex
	subs map[Handle]Sink

	bus    relay.Bus
	origin string
	outbox chan model.LocationRecord
}

// New constructs a hub over state.
func New(state State, logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger: logger,
		state:  state,
		subs:   make(map[Handle]Sink),
		bus:    relay.Local{},
		origin: uuid.NewString(),
		outbox: make(chan model.LocationRecord, defaultOutboxSize),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Origin is the identifier this instance stamps on relayed records.
func (h *Hub) Origin() string { return h.origin }

// Subscribe registers sink and hands it a snapshot of the current state.
// If the snapshot cannot be delivered the sink is not registered.
func (h *Hub) Subscribe(sink Sink) (Handle, error) {
	if sink == nil {
		return "", errors.New("nil sink")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	snapshot := model.SnapshotEvent(h.state.Snapshot())
	if err := h.deliver(sink, snapshot); err != nil {
		return "", fmt.Errorf("deliver snapshot: %w", err)
	}
	id := Handle(uuid.NewString())
	h.subs[id] = sink
	metrics.Subscribers.Set(float64(len(h.subs)))
	return id, nil
}

// Unsubscribe removes the subscriber. Unknown or already removed handles
// are ignored.
func (h *Hub) Unsubscribe(id Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return
	}
	delete(h.subs, id)
	metrics.Subscribers.Set(float64(len(h.subs)))
}

// Len counts registered subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish delivers a location event for rec to every local subscriber and
// queues rec for the relay. A failing subscriber never affects the others
// or the caller.
func (h *Hub) Publish(rec model.LocationRecord) {
	h.fanOut(model.LocationEvent(rec))

	select {
	case h.outbox <- rec.Clone():
	default:
		metrics.RelayErrorsTotal.WithLabelValues("outbox_full").Inc()
		h.logger.Warn("relay outbox full, dropping record", "user", rec.ActorID)
	}
}

func (h *Hub) fanOut(ev model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sink := range h.subs {
		if err := h.deliver(sink, ev); err != nil {
			metrics.DeliveryFailuresTotal.Inc()
			h.logger.Debug("subscriber delivery failed", "subscriber", string(id), "error", err)
		}
	}
}

func (h *Hub) deliver(sink Sink, ev model.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("subscriber panic", "panic", r)
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	metrics.DeliveriesTotal.Inc()
	return sink.Deliver(ev)
}

// Run pumps the relay until ctx is done: queued records go out on the bus
// and records from other instances are applied and fanned out locally.
// Subscription failures are retried with exponential backoff.
func (h *Hub) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.drainOutbox(ctx)
	}()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		if err := h.bus.Subscribe(ctx, h.handleRelayed); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("relay subscription ended")
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		metrics.RelayErrorsTotal.WithLabelValues("subscribe").Inc()
		h.logger.Warn("relay subscription failed, retrying", "error", err, "wait", wait)
	})

	wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (h *Hub) drainOutbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-h.outbox:
			payload, err := relay.Encode(relay.Envelope{Origin: h.origin, Record: rec})
			if err != nil {
				metrics.RelayErrorsTotal.WithLabelValues("encode").Inc()
				h.logger.Error("relay encode failed", "user", rec.ActorID, "error", err)
				continue
			}
			pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err = h.bus.Publish(pubCtx, payload)
			cancel()
			if err != nil {
				metrics.RelayErrorsTotal.WithLabelValues("publish").Inc()
				h.logger.Warn("relay publish failed", "user", rec.ActorID, "error", err)
				continue
			}
			metrics.RelayPublishedTotal.Inc()
		}
	}
}

func (h *Hub) handleRelayed(payload []byte) {
	env, err := relay.Decode(payload)
	if err != nil {
		metrics.RelayErrorsTotal.WithLabelValues("decode").Inc()
		h.logger.Debug("dropping relay message", "error", err)
		return
	}
	if env.Origin == h.origin {
		return
	}
	metrics.RelayReceivedTotal.Inc()
	if !h.state.Apply(env.Record) {
		return
	}
	h.fanOut(model.LocationEvent(env.Record))
}
