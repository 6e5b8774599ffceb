package messaging

import (
	"context"
)

// ====================================================================================
// This file defines the broker-facing contracts for the gateway's data plane.
// Implementations exist for Google Cloud Pub/Sub (this package) and MQTT
// (pkg/mqttbroker); the gateway core depends only on these interfaces.
// ====================================================================================

// MessageConsumer defines the contract for an inbound message source.
// It is responsible for fetching messages and handing them off to the pipeline.
type MessageConsumer interface {
	// Messages returns a read-only channel from which the gateway's
	// processing loop feeder will receive messages.
	Messages() <-chan Message
	// Subscribe registers interest in a topic (or, for sources without
	// topic-level subscription, a named subscription) at the given
	// quality-of-service level. Safe to call after Start.
	Subscribe(ctx context.Context, topic string, qos byte) error
	// Start begins the consumption process.
	Start(ctx context.Context) error
	// Stop gracefully ceases message consumption and waits for background tasks to finish.
	Stop(ctx context.Context) error
	// Done returns a channel that is closed when the consumer has completely shut down.
	Done() <-chan struct{}
}

// MessagePublisher defines the contract for the outbound side of the data
// plane. The output router uses it to publish result messages.
type MessagePublisher interface {
	// Publish sends a payload to a topic with the given properties.
	// ContentType, when known, travels as a property.
	Publish(ctx context.Context, topic string, payload []byte, properties map[string]string) error
	// Stop flushes any buffered messages and releases broker resources.
	Stop(ctx context.Context) error
}
