package messaging

import (
	"time"
)

// NackOutcome tells the broker client what a negative acknowledgment means
// for the message's onward routing.
type NackOutcome string

const (
	// NackRejected signals a transient failure: the broker may redeliver the
	// message through its normal retry path.
	NackRejected NackOutcome = "rejected"

	// NackFailed signals a permanent failure: the broker should route the
	// message to a dead-letter path if one is configured.
	NackFailed NackOutcome = "failed"
)

// Message is the canonical, internal representation of an inbound broker
// event flowing through the gateway. It is read-only once delivered to the
// processing pipeline; only the Ack/Nack handles carry side effects.
type Message struct {
	// ID is the unique identifier for the message from the source broker.
	ID string

	// Topic is the broker topic the message arrived on.
	Topic string

	// Payload is the raw byte content of the message.
	Payload []byte

	// Properties holds the broker's key/value metadata (user properties,
	// correlation IDs, identity claims).
	Properties map[string]string

	// PublishTime is the timestamp when the message was originally published.
	PublishTime time.Time

	// Ack signals that processing succeeded and the message can be
	// permanently removed from the source.
	Ack func()

	// Nack signals that processing failed. The outcome tells the broker
	// client whether the message should be retried or dead-lettered; clients
	// for brokers without that distinction may ignore it.
	Nack func(outcome NackOutcome)
}

// AckNoop and NackNoop satisfy the Message handles for sources whose
// acknowledgment is settled at the protocol level (e.g. MQTT QoS 0).
func AckNoop()               {}
func NackNoop(_ NackOutcome) {}
