package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-event-gateway/pkg/messaging"
	"github.com/illmade-knight/go-event-gateway/pkg/observability"
	"github.com/illmade-knight/go-event-gateway/pkg/taskengine"
)

// Service wires the data plane, processing loop, translator, acknowledgment
// engine, execution engine, and output router into the running gateway.
type Service struct {
	cfg        *Config
	dataPlane  *DataPlaneManager
	loop       *ProcessingLoop
	translator *Translator
	ackEngine  *AckPolicyEngine
	engine     taskengine.Engine
	router     *OutputRouter
	logger     zerolog.Logger

	// submissions maps task IDs to their originating handler so completions
	// can be routed. Entries are removed on completion.
	mu          sync.Mutex
	submissions map[string]*HandlerConfig

	loopWg   sync.WaitGroup
	feedWg   sync.WaitGroup
	stopOnce sync.Once
}

// NewService assembles a gateway Service. The output router may be nil when
// the gateway publishes no results (test mode without a publisher).
func NewService(
	cfg *Config,
	dataPlane *DataPlaneManager,
	loop *ProcessingLoop,
	translator *Translator,
	ackEngine *AckPolicyEngine,
	engine taskengine.Engine,
	router *OutputRouter,
	logger zerolog.Logger,
) (*Service, error) {
	if cfg == nil || dataPlane == nil || loop == nil || translator == nil || ackEngine == nil || engine == nil {
		return nil, fmt.Errorf("cfg, dataPlane, loop, translator, ackEngine, and engine are all required")
	}
	return &Service{
		cfg:         cfg,
		dataPlane:   dataPlane,
		loop:        loop,
		translator:  translator,
		ackEngine:   ackEngine,
		engine:      engine,
		router:      router,
		logger:      logger.With().Str("service", "Gateway").Logger(),
		submissions: make(map[string]*HandlerConfig),
	}, nil
}

// NewDefaultService builds a Service with the standard loop, translator and
// ack engine over the given collaborators.
func NewDefaultService(
	cfg *Config,
	dataPlane *DataPlaneManager,
	translator *Translator,
	engine taskengine.Engine,
	router *OutputRouter,
	logger zerolog.Logger,
) (*Service, error) {
	ackEngine := NewAckPolicyEngine(cfg, logger)
	// The loop's dispatch closes over the service pointer; the loop only
	// runs once Start is called, by which point svc is assigned.
	var svc *Service
	loop := NewProcessingLoop(defaultQueueCapacity, func(ctx context.Context, msg *messaging.Message) {
		svc.Dispatch(ctx, msg)
	}, logger)
	svc, err := NewService(cfg, dataPlane, loop, translator, ackEngine, engine, router, logger)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// Loop exposes the processing loop, primarily for the broker feeder and
// tests.
func (s *Service) Loop() *ProcessingLoop { return s.loop }

// AckEngine exposes the acknowledgment policy engine.
func (s *Service) AckEngine() *AckPolicyEngine { return s.ackEngine }

// Start brings up the data plane, subscribes, and runs the processing loop
// and the broker feeder.
func (s *Service) Start(ctx context.Context) error {
	if err := s.dataPlane.Start(ctx); err != nil {
		return err
	}
	if consumer := s.dataPlane.Consumer(); consumer != nil {
		if err := s.dataPlane.InitializeAndSubscribe(ctx); err != nil {
			s.dataPlane.Stop(ctx)
			return err
		}
		s.feedWg.Add(1)
		go s.feed(consumer)
	}

	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		s.loop.Run(ctx)
	}()

	s.logger.Info().Msg("Gateway service started.")
	return nil
}

// feed pumps messages from the broker client's delivery channel into the
// bounded processing queue. A full queue surfaces as a delivery failure: the
// message is nacked for redelivery rather than silently dropped.
func (s *Service) feed(consumer messaging.MessageConsumer) {
	defer s.feedWg.Done()
	for msg := range consumer.Messages() {
		m := msg
		observability.RecordMessageReceived(m.Topic)
		if err := s.loop.Enqueue(&m); err != nil {
			observability.RecordQueueRejection()
			s.logger.Warn().Err(err).Str("msg_id", m.ID).Str("topic", m.Topic).Msg("Processing queue full, Nacking message for redelivery.")
			m.Nack(messaging.NackRejected)
		}
	}
}

// Dispatch is the per-message pipeline: handler lookup, translation,
// acknowledgment policy, and engine submission. It is invoked by the
// processing loop strictly in FIFO order.
func (s *Service) Dispatch(ctx context.Context, msg *messaging.Message) {
	handler := s.cfg.HandlerForTopic(msg.Topic)
	if handler == nil {
		// Not this gateway's concern; no settlement either way.
		observability.RecordDispatch("", "no_handler")
		s.logger.Debug().Str("topic", msg.Topic).Str("msg_id", msg.ID).Msg("No handler matches topic, ignoring message.")
		return
	}

	translation, err := s.translator.Translate(ctx, msg, handler)
	if err != nil {
		status := "translation_failed"
		if errors.Is(err, ErrAuthenticationFailed) {
			status = "auth_failed"
		}
		observability.RecordDispatch(handler.Name, status)
		s.logger.Warn().Err(err).Str("handler", handler.Name).Str("msg_id", msg.ID).Msg("Failed to translate message.")
		// No task ID exists yet; a deferred-capable message is settled as a
		// failure here, a non-deferred one is dropped as not-applicable.
		s.ackEngine.NackIfDeferred(msg, handler)
		return
	}
	if translation == nil {
		observability.RecordDispatch(handler.Name, "no_handler")
		return
	}

	deferred := s.ackEngine.IsDeferred(handler)

	// The engine completes asynchronously, so the submission record and the
	// deferred context must both exist before Submit can let a fast task
	// race its own completion past them. The gateway therefore assigns the
	// task ID itself and registers everything up front.
	taskID := uuid.NewString()
	s.mu.Lock()
	s.submissions[taskID] = handler
	s.mu.Unlock()
	if deferred {
		s.ackEngine.TrackDeferred(taskID, msg, handler)
		observability.SetDeferredPending(s.ackEngine.PendingCount())
	}

	if _, err := s.engine.Submit(ctx, taskengine.Submission{
		TaskID:      taskID,
		Target:      translation.Target,
		Parts:       translation.Parts,
		Context:     translation.Context,
		DeferredAck: deferred,
	}); err != nil {
		// A rejected submission produces no completion; unwind the
		// registration and settle the message as a failure.
		observability.RecordDispatch(handler.Name, "submit_failed")
		s.logger.Error().Err(err).Str("handler", handler.Name).Str("msg_id", msg.ID).Msg("Failed to submit task to execution engine.")
		s.mu.Lock()
		delete(s.submissions, taskID)
		s.mu.Unlock()
		if deferred {
			s.ackEngine.Settle(taskID, false)
			observability.SetDeferredPending(s.ackEngine.PendingCount())
		} else {
			msg.Nack(s.ackEngine.ResolvePolicy(handler).NackOutcome)
		}
		return
	}

	if !deferred {
		msg.Ack()
	}
	observability.RecordDispatch(handler.Name, "submitted")
	s.logger.Debug().Str("handler", handler.Name).Str("task_id", taskID).Bool("deferred", deferred).Msg("Message dispatched to execution engine.")
}

// OnTaskCompletion settles the deferred acknowledgment for the task and
// routes its result. Register it with the execution engine's completion
// notification.
func (s *Service) OnTaskCompletion(completion taskengine.Completion) {
	s.mu.Lock()
	handler, ok := s.submissions[completion.TaskID]
	if ok {
		delete(s.submissions, completion.TaskID)
	}
	s.mu.Unlock()

	s.ackEngine.Settle(completion.TaskID, completion.Success)
	observability.SetDeferredPending(s.ackEngine.PendingCount())

	if !ok {
		s.logger.Warn().Str("task_id", completion.TaskID).Msg("Completion for unknown task, nothing to route.")
		return
	}
	if s.router == nil {
		return
	}
	if err := s.router.Route(context.Background(), handler, completion); err != nil {
		s.logger.Error().Err(err).Str("task_id", completion.TaskID).Str("handler", handler.Name).Msg("Failed to route task result.")
	}
}

// Stop shuts the gateway down: the loop drains and exits, any still-pending
// deferred acknowledgments are force-settled as failures, and the data plane
// is torn down.
func (s *Service) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping gateway service...")

		// Drain the loop first so every already-queued message is dispatched
		// before the sentinel takes effect.
		s.loop.Shutdown()
		loopDone := make(chan struct{})
		go func() {
			s.loopWg.Wait()
			close(loopDone)
		}()
		select {
		case <-loopDone:
		case <-ctx.Done():
			s.logger.Warn().Err(ctx.Err()).Msg("Timeout waiting for processing loop to drain.")
		}

		s.ackEngine.NackAllPendingDeferred("gateway shutdown")
		observability.SetDeferredPending(0)

		// Stopping the data plane closes the consumer channel, which lets
		// the feeder exit.
		s.dataPlane.Stop(ctx)
		feedDone := make(chan struct{})
		go func() {
			s.feedWg.Wait()
			close(feedDone)
		}()
		select {
		case <-feedDone:
		case <-ctx.Done():
			s.logger.Warn().Err(ctx.Err()).Msg("Timeout waiting for broker feeder to exit.")
		}
		s.logger.Info().Msg("Gateway service stopped.")
	})
}
