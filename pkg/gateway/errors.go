package gateway

import (
	"errors"
)

var (
	// ErrDataPlaneUnavailable indicates a lifecycle ordering error: the data
	// plane was asked to subscribe before being started, or was started in
	// test mode. It is fatal, not recoverable.
	ErrDataPlaneUnavailable = errors.New("data plane unavailable: inbound broker client is not connected")

	// ErrAuthenticationFailed indicates a message carried no usable identity
	// and no default identity is configured, or identity extraction itself
	// failed. Extraction failure never falls through to the default.
	ErrAuthenticationFailed = errors.New("authentication failed: no usable identity")

	// ErrTranslationFailed indicates an expression error while building the
	// invocation parts for a message.
	ErrTranslationFailed = errors.New("failed to translate message into a task submission")

	// ErrQueueFull is the backpressure signal returned by Enqueue when the
	// processing queue is at capacity. It must surface upstream as a
	// delivery failure, never a silent drop.
	ErrQueueFull = errors.New("processing queue is full")
)
