// Package bus defines the publish/subscribe abstraction over whatever
// message transport carries wire.Value traffic between distributed
// units and their plugins: Kafka in production (internal/bus/kafka),
// an in-process channel bus in tests and the default CLI mode
// (internal/bus/memory).
package bus

import (
	"context"

	"ias/internal/wire"
)

// Handler receives a batch of values delivered together off the
// transport (one Kafka poll, one in-memory flush).
type Handler func(values []wire.Value)

// Publisher sends values onto the bus.
type Publisher interface {
	// Publish sends a single value. Implementations may batch
	// internally but must not silently drop a publish; failures are
	// returned as an *apperr.Error with CodeBusPublishFailed.
	Publish(ctx context.Context, v wire.Value) error
	Close() error
}

// Subscriber receives values from the bus for a fixed set of topics.
type Subscriber interface {
	// Subscribe registers handler to be called with values arriving on
	// any of topics. Subscribe returns once the subscription is
	// established; delivery happens on a background goroutine until
	// ctx is cancelled or Close is called.
	Subscribe(ctx context.Context, topics []string, handler Handler) error
	Close() error
}

// PubSub is the combined capability most components need: a DU both
// publishes its outputs and subscribes to its external inputs.
type PubSub interface {
	Publisher
	Subscriber
}
