package gateway_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-event-gateway/pkg/gateway"
	"github.com/illmade-knight/go-event-gateway/pkg/messaging"
)

func TestProcessingLoop_FIFOBeforeSentinel(t *testing.T) {
	var mu sync.Mutex
	var order []string
	loop := gateway.NewProcessingLoop(10, func(_ context.Context, msg *messaging.Message) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, msg.ID)
	}, zerolog.Nop())

	require.NoError(t, loop.Enqueue(&messaging.Message{ID: "m1"}))
	require.NoError(t, loop.Enqueue(&messaging.Message{ID: "m2"}))
	loop.Shutdown()

	go loop.Run(context.Background())

	select {
	case <-loop.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after sentinel")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"m1", "m2"}, order, "queued messages dispatch exactly once, in order, before the sentinel")
	assert.Equal(t, int64(2), loop.Processed())
}

func TestProcessingLoop_EnqueueNilIsNoop(t *testing.T) {
	loop := gateway.NewProcessingLoop(1, func(context.Context, *messaging.Message) {}, zerolog.Nop())
	require.NoError(t, loop.Enqueue(nil))
	require.NoError(t, loop.Enqueue(&messaging.Message{ID: "m1"}), "nil enqueue must not consume capacity")
}

func TestProcessingLoop_QueueFull(t *testing.T) {
	loop := gateway.NewProcessingLoop(1, func(context.Context, *messaging.Message) {}, zerolog.Nop())

	require.NoError(t, loop.Enqueue(&messaging.Message{ID: "m1"}))
	err := loop.Enqueue(&messaging.Message{ID: "m2"})
	assert.ErrorIs(t, err, gateway.ErrQueueFull)
}

func TestProcessingLoop_ShutdownFlagWithFullQueue(t *testing.T) {
	// The queue is full, so the sentinel cannot be pushed; the loop must
	// still exit via the shutdown flag after draining.
	var mu sync.Mutex
	var order []string
	loop := gateway.NewProcessingLoop(2, func(_ context.Context, msg *messaging.Message) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, msg.ID)
	}, zerolog.Nop())

	require.NoError(t, loop.Enqueue(&messaging.Message{ID: "m1"}))
	require.NoError(t, loop.Enqueue(&messaging.Message{ID: "m2"}))
	loop.Shutdown()

	go loop.Run(context.Background())

	select {
	case <-loop.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit via shutdown flag")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"m1", "m2"}, order)
}

func TestProcessingLoop_ContextCancellation(t *testing.T) {
	loop := gateway.NewProcessingLoop(1, func(context.Context, *messaging.Message) {}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	cancel()

	select {
	case <-loop.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on context cancellation")
	}
}

func TestProcessingLoop_PanicContainment(t *testing.T) {
	var mu sync.Mutex
	var dispatched []string
	loop := gateway.NewProcessingLoop(10, func(_ context.Context, msg *messaging.Message) {
		mu.Lock()
		dispatched = append(dispatched, msg.ID)
		mu.Unlock()
		if msg.ID == "bad" {
			panic("handler exploded")
		}
	}, zerolog.Nop())

	require.NoError(t, loop.Enqueue(&messaging.Message{ID: "bad"}))
	require.NoError(t, loop.Enqueue(&messaging.Message{ID: "good"}))
	loop.Shutdown()

	go loop.Run(context.Background())

	select {
	case <-loop.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not survive a dispatch panic")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"bad", "good"}, dispatched, "a panicking message must not stop the loop")
}
