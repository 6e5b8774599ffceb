package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-event-gateway/pkg/messaging"
)

const (
	defaultQueueCapacity = 1000
	popTimeout           = 1 * time.Second
)

// Dispatch handles one inbound message. Errors and panics are contained by
// the loop; a bad message never terminates processing.
type Dispatch func(ctx context.Context, msg *messaging.Message)

// ProcessingLoop is the gateway's single logical consumer: a bounded FIFO
// queue fed by the broker's delivery path and drained by one dispatch
// goroutine. Messages are dispatched strictly in arrival order and never
// concurrently; concurrency, if any, belongs to the execution engine.
type ProcessingLoop struct {
	queue        chan *messaging.Message // nil element is the shutdown sentinel
	dispatch     Dispatch
	logger       zerolog.Logger
	shuttingDown atomic.Bool
	processed    atomic.Int64
	doneChan     chan struct{}
	stopOnce     sync.Once
}

// NewProcessingLoop creates a loop with the given dispatch function. A
// non-positive capacity gets the default of 1000.
func NewProcessingLoop(capacity int, dispatch Dispatch, logger zerolog.Logger) *ProcessingLoop {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &ProcessingLoop{
		queue:    make(chan *messaging.Message, capacity),
		dispatch: dispatch,
		logger:   logger.With().Str("component", "ProcessingLoop").Logger(),
		doneChan: make(chan struct{}),
	}
}

// Enqueue hands a message to the loop without blocking. A full queue is a
// backpressure signal: ErrQueueFull is returned so the delivery path can
// fail the delivery upstream instead of silently dropping the message.
func (l *ProcessingLoop) Enqueue(msg *messaging.Message) error {
	if msg == nil {
		return nil
	}
	select {
	case l.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown requests a graceful exit. The shutdown flag covers the case where
// the sentinel cannot be queued because the queue is full; the loop
// re-checks the flag on every pop timeout.
func (l *ProcessingLoop) Shutdown() {
	l.shuttingDown.Store(true)
	select {
	case l.queue <- nil:
	default:
	}
}

// Done returns a channel closed when the loop has exited.
func (l *ProcessingLoop) Done() <-chan struct{} { return l.doneChan }

// Processed returns the number of real messages dispatched. The sentinel is
// never counted.
func (l *ProcessingLoop) Processed() int64 { return l.processed.Load() }

// Run executes the loop until a sentinel, a shutdown request, or context
// cancellation. Exit is always graceful: no error or panic escapes,
// including under external cancellation, which is treated as a normal
// shutdown path.
func (l *ProcessingLoop) Run(ctx context.Context) {
	defer l.stopOnce.Do(func() { close(l.doneChan) })
	l.logger.Info().Msg("Processing loop started.")

	timer := time.NewTimer(popTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(popTimeout)

		select {
		case msg := <-l.queue:
			if msg == nil {
				// Sentinel: unconditional shutdown, no completion
				// accounting for the sentinel itself.
				l.logger.Info().Msg("Shutdown sentinel received, exiting processing loop.")
				return
			}
			l.safeDispatch(ctx, msg)
			l.processed.Add(1)
		case <-timer.C:
			if l.shuttingDown.Load() {
				l.logger.Info().Msg("Shutdown flag set, exiting processing loop.")
				return
			}
		case <-ctx.Done():
			l.logger.Info().Msg("Context cancelled, exiting processing loop.")
			return
		}
	}
}

// safeDispatch contains dispatch failures so one bad message cannot
// terminate the loop.
func (l *ProcessingLoop) safeDispatch(ctx context.Context, msg *messaging.Message) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Str("msg_id", msg.ID).Str("topic", msg.Topic).Msg("Recovered from panic in handler dispatch.")
		}
	}()
	l.dispatch(ctx, msg)
}
