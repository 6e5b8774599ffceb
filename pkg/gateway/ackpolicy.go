package gateway

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-event-gateway/pkg/messaging"
	"github.com/illmade-knight/go-event-gateway/pkg/observability"
)

// AckMode selects when an inbound message is acknowledged.
type AckMode string

const (
	// AckOnReceive acknowledges immediately after successful translation and
	// submission.
	AckOnReceive AckMode = "on_receive"
	// AckOnCompletion defers acknowledgment until the submitted task settles.
	AckOnCompletion AckMode = "on_completion"
)

// FailureAction selects what settlement failure does to the inbound message.
type FailureAction string

const (
	FailureAck  FailureAction = "ack"
	FailureNack FailureAction = "nack"
)

// Hard defaults, the bottom of the resolution order.
const (
	defaultAckTimeout = 300 * time.Second
)

// AckPolicy is a fully resolved, per-message acknowledgment policy.
type AckPolicy struct {
	Mode        AckMode
	Timeout     time.Duration
	OnFailure   FailureAction
	NackOutcome messaging.NackOutcome
}

// SettlementRecord describes one settlement for the audit hook.
type SettlementRecord struct {
	TaskID    string
	Handler   string
	Success   bool
	Outcome   string // "ack", "nack_rejected", "nack_failed"
	Reason    string
	Deferred  bool
	CreatedAt time.Time
	SettledAt time.Time
}

// SettlementHook observes settlements, e.g. for audit storage. It runs on
// the settling goroutine and must not block.
type SettlementHook func(SettlementRecord)

// deferredAck tracks one un-acknowledged message awaiting task settlement.
// An entry is settled at most once: settlement removes it from the tracking
// map, and a removed entry cannot be settled again.
type deferredAck struct {
	msg       *messaging.Message
	handler   string
	taskID    string
	policy    AckPolicy
	timer     *time.Timer
	createdAt time.Time
}

// AckPolicyEngine resolves acknowledgment policies and tracks deferred
// acknowledgments through to settlement.
type AckPolicyEngine struct {
	defaults  *AckPolicyConfig // gateway-level; may be nil
	anyDefers bool             // precomputed once from the immutable handler list
	logger    zerolog.Logger
	hooks     []SettlementHook

	mu      sync.Mutex
	pending map[string]*deferredAck
}

// NewAckPolicyEngine builds the engine from the immutable gateway
// configuration. Whether any handler ever defers is computed here, once.
func NewAckPolicyEngine(cfg *Config, logger zerolog.Logger) *AckPolicyEngine {
	e := &AckPolicyEngine{
		defaults: cfg.DefaultAckPolicy,
		logger:   logger.With().Str("component", "AckPolicyEngine").Logger(),
		pending:  make(map[string]*deferredAck),
	}
	for i := range cfg.Handlers {
		if e.ResolvePolicy(&cfg.Handlers[i]).Mode == AckOnCompletion {
			e.anyDefers = true
			break
		}
	}
	return e
}

// AddSettlementHook installs an observer for settlements. Hooks must be
// added before the engine starts tracking messages.
func (e *AckPolicyEngine) AddSettlementHook(hook SettlementHook) {
	e.hooks = append(e.hooks, hook)
}

func (e *AckPolicyEngine) notify(rec SettlementRecord) {
	observability.RecordSettlement(rec.Handler, rec.Outcome)
	for _, hook := range e.hooks {
		hook(rec)
	}
}

// ResolvePolicy merges the handler-level override over the gateway-level
// default over the hard defaults, field by field. A handler may override a
// single field and inherit the rest.
func (e *AckPolicyEngine) ResolvePolicy(handler *HandlerConfig) AckPolicy {
	policy := AckPolicy{
		Mode:        AckOnReceive,
		Timeout:     defaultAckTimeout,
		OnFailure:   FailureNack,
		NackOutcome: messaging.NackRejected,
	}
	apply := func(cfg *AckPolicyConfig) {
		if cfg == nil {
			return
		}
		if cfg.Mode != nil {
			policy.Mode = AckMode(*cfg.Mode)
		}
		if cfg.TimeoutSeconds != nil {
			policy.Timeout = time.Duration(*cfg.TimeoutSeconds) * time.Second
		}
		if cfg.OnFailure != nil {
			if cfg.OnFailure.Action != nil {
				policy.OnFailure = FailureAction(*cfg.OnFailure.Action)
			}
			if cfg.OnFailure.NackOutcome != nil {
				policy.NackOutcome = messaging.NackOutcome(*cfg.OnFailure.NackOutcome)
			}
		}
	}
	apply(e.defaults)
	if handler != nil {
		apply(handler.AcknowledgmentPolicy)
	}
	return policy
}

// IsDeferred reports whether the handler's resolved policy defers
// acknowledgment until task completion.
func (e *AckPolicyEngine) IsDeferred(handler *HandlerConfig) bool {
	return e.ResolvePolicy(handler).Mode == AckOnCompletion
}

// TrackDeferred records an un-acknowledged message against its task ID and
// arms the per-task timeout timer. The message must not have been
// acknowledged by the caller.
func (e *AckPolicyEngine) TrackDeferred(taskID string, msg *messaging.Message, handler *HandlerConfig) {
	ctx := &deferredAck{
		msg:       msg,
		handler:   handler.Name,
		taskID:    taskID,
		policy:    e.ResolvePolicy(handler),
		createdAt: time.Now().UTC(),
	}
	// The context must be visible in pending before the timer can fire, or a
	// zero/tiny timeout would find nothing to settle and leak the context.
	e.mu.Lock()
	e.pending[taskID] = ctx
	ctx.timer = time.AfterFunc(ctx.policy.Timeout, func() {
		e.logger.Warn().Str("task_id", taskID).Str("handler", ctx.handler).Msg("Deferred acknowledgment timed out, settling as failure.")
		e.settle(taskID, false, "timeout")
	})
	e.mu.Unlock()
	e.logger.Debug().Str("task_id", taskID).Str("handler", handler.Name).Msg("Deferred acknowledgment armed.")
}

// Settle resolves the deferred acknowledgment for a task. It is idempotent:
// a second call for the same task ID performs no native ack or nack.
func (e *AckPolicyEngine) Settle(taskID string, success bool) {
	e.settle(taskID, success, "completion")
}

// PendingCount returns the number of live deferred contexts.
func (e *AckPolicyEngine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *AckPolicyEngine) settle(taskID string, success bool, reason string) {
	e.mu.Lock()
	ctx, ok := e.pending[taskID]
	if ok {
		delete(e.pending, taskID)
	}
	e.mu.Unlock()
	if !ok {
		// Already settled by the racing path (completion vs timeout vs
		// shutdown sweep). Treated as success, not an error.
		return
	}

	ctx.timer.Stop()
	outcome := e.applyOutcome(ctx.msg, ctx.policy, success)
	e.logger.Debug().Str("task_id", taskID).Str("handler", ctx.handler).Str("outcome", outcome).Str("reason", reason).Msg("Deferred acknowledgment settled.")

	e.notify(SettlementRecord{
		TaskID:    taskID,
		Handler:   ctx.handler,
		Success:   success,
		Outcome:   outcome,
		Reason:    reason,
		Deferred:  true,
		CreatedAt: ctx.createdAt,
		SettledAt: time.Now().UTC(),
	})
}

// applyOutcome performs the native ack or nack for a settlement and returns
// the outcome label.
func (e *AckPolicyEngine) applyOutcome(msg *messaging.Message, policy AckPolicy, success bool) string {
	if success {
		msg.Ack()
		return "ack"
	}
	if policy.OnFailure == FailureAck {
		msg.Ack()
		return "ack"
	}
	msg.Nack(policy.NackOutcome)
	return "nack_" + string(policy.NackOutcome)
}

// NackIfDeferred handles translation or submission failures that occur
// before a task ID exists. When the applicable policy defers (the handler's
// policy, or the gateway default when the handler is unknown), the message
// is negative-acknowledged immediately per the resolved failure policy.
// Otherwise this is a no-op and the caller owns the message's fate.
func (e *AckPolicyEngine) NackIfDeferred(msg *messaging.Message, handler *HandlerConfig) {
	policy := e.ResolvePolicy(handler)
	if policy.Mode != AckOnCompletion {
		return
	}
	outcome := e.applyOutcome(msg, policy, false)
	e.logger.Debug().Str("outcome", outcome).Msg("Deferred-capable message failed before submission, settled immediately.")
}

// NackAllPendingDeferred force-settles every live deferred context as a
// failure so no message is left permanently unacknowledged at shutdown.
// When no configured handler ever defers, this is a cheap no-op.
func (e *AckPolicyEngine) NackAllPendingDeferred(reason string) {
	if !e.anyDefers {
		return
	}

	e.mu.Lock()
	live := make([]*deferredAck, 0, len(e.pending))
	for _, ctx := range e.pending {
		live = append(live, ctx)
	}
	e.pending = make(map[string]*deferredAck)
	e.mu.Unlock()

	for _, ctx := range live {
		ctx.timer.Stop()
		outcome := e.applyOutcome(ctx.msg, ctx.policy, false)
		e.logger.Warn().Str("task_id", ctx.taskID).Str("handler", ctx.handler).Str("reason", reason).Str("outcome", outcome).Msg("Force-settled pending deferred acknowledgment.")
		e.notify(SettlementRecord{
			TaskID:    ctx.taskID,
			Handler:   ctx.handler,
			Success:   false,
			Outcome:   outcome,
			Reason:    reason,
			Deferred:  true,
			CreatedAt: ctx.createdAt,
			SettledAt: time.Now().UTC(),
		})
	}
}
