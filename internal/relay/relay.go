// Package relay carries location events between service instances that
// serve the same deployment. Delivery is best effort: a missing or broken
// backend only costs cross-instance freshness, never local fan-out.
package relay

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"campuswatch/presence-server/internal/model"
)

// DefaultChannel is the channel or topic name shared by all instances.
const DefaultChannel = "location-updates"

// Bus is a process-external publish/subscribe channel.
type Bus interface {
	// Publish sends one opaque message to every other subscriber.
	Publish(ctx context.Context, payload []byte) error
	// Subscribe invokes handler for every inbound message and blocks until
	// ctx is done or the subscription fails.
	Subscribe(ctx context.Context, handler func([]byte)) error
	Close() error
}

// Envelope is the relay wire message.
type Envelope struct {
	Origin string               `cbor:"1,keyasint"`
	Record model.LocationRecord `cbor:"2,keyasint"`
}

// Encode serializes env as CBOR.
func Encode(env Envelope) ([]byte, error) {
	b, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode relay envelope: %w", err)
	}
	return b, nil
}

// Decode parses a CBOR relay message.
func Decode(payload []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode relay envelope: %w", err)
	}
	if env.Origin == "" || env.Record.ActorID == "" {
		return Envelope{}, fmt.Errorf("decode relay envelope: missing origin or actor")
	}
	return env, nil
}

// Local is the single-process Bus: publishes go nowhere and Subscribe just
// waits for shutdown.
type Local struct{}

func (Local) Publish(context.Context, []byte) error { return nil }

func (Local) Subscribe(ctx context.Context, _ func([]byte)) error {
	<-ctx.Done()
	return nil
}

func (Local) Close() error { return nil }
