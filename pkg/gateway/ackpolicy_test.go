package gateway_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-event-gateway/pkg/gateway"
	"github.com/illmade-knight/go-event-gateway/pkg/messaging"
)

func deferringConfig(handlers ...gateway.HandlerConfig) *gateway.Config {
	return &gateway.Config{Handlers: handlers}
}

func deferredHandler(name string) gateway.HandlerConfig {
	return gateway.HandlerConfig{
		Name:          name,
		Subscriptions: []gateway.Subscription{{Topic: "in/" + name}},
		AcknowledgmentPolicy: &gateway.AckPolicyConfig{
			Mode: strPtr("on_completion"),
		},
	}
}

func TestResolvePolicy_HardDefaults(t *testing.T) {
	engine := gateway.NewAckPolicyEngine(&gateway.Config{}, zerolog.Nop())

	policy := engine.ResolvePolicy(&gateway.HandlerConfig{Name: "bare"})
	assert.Equal(t, gateway.AckOnReceive, policy.Mode)
	assert.Equal(t, 300*time.Second, policy.Timeout)
	assert.Equal(t, gateway.FailureNack, policy.OnFailure)
	assert.Equal(t, messaging.NackRejected, policy.NackOutcome)
}

func TestResolvePolicy_FieldWiseMerge(t *testing.T) {
	// The gateway default sets the mode; the handler overrides only the
	// timeout. The resolved policy must combine both with hard defaults
	// filling in the rest.
	cfg := &gateway.Config{
		DefaultAckPolicy: &gateway.AckPolicyConfig{Mode: strPtr("on_completion")},
		Handlers: []gateway.HandlerConfig{{
			Name:                 "h1",
			Subscriptions:        []gateway.Subscription{{Topic: "in/h1"}},
			AcknowledgmentPolicy: &gateway.AckPolicyConfig{TimeoutSeconds: intPtr(60)},
		}},
	}
	engine := gateway.NewAckPolicyEngine(cfg, zerolog.Nop())

	policy := engine.ResolvePolicy(&cfg.Handlers[0])
	assert.Equal(t, gateway.AckOnCompletion, policy.Mode, "mode inherited from the gateway default")
	assert.Equal(t, 60*time.Second, policy.Timeout, "timeout overridden by the handler")
	assert.Equal(t, gateway.FailureNack, policy.OnFailure, "failure action from hard defaults")
	assert.Equal(t, messaging.NackRejected, policy.NackOutcome)
}

func TestResolvePolicy_HandlerOverridesGatewayDefault(t *testing.T) {
	cfg := &gateway.Config{
		DefaultAckPolicy: &gateway.AckPolicyConfig{
			Mode:           strPtr("on_completion"),
			TimeoutSeconds: intPtr(120),
		},
		Handlers: []gateway.HandlerConfig{{
			Name:                 "h1",
			Subscriptions:        []gateway.Subscription{{Topic: "in/h1"}},
			AcknowledgmentPolicy: &gateway.AckPolicyConfig{Mode: strPtr("on_receive")},
		}},
	}
	engine := gateway.NewAckPolicyEngine(cfg, zerolog.Nop())

	policy := engine.ResolvePolicy(&cfg.Handlers[0])
	assert.Equal(t, gateway.AckOnReceive, policy.Mode)
	assert.Equal(t, 120*time.Second, policy.Timeout, "unset handler fields inherit the gateway default")
}

func TestSettle_AckOnSuccess(t *testing.T) {
	handler := deferredHandler("h1")
	engine := gateway.NewAckPolicyEngine(deferringConfig(handler), zerolog.Nop())

	rec := &ackRecorder{}
	msg := rec.message("m1", "in/h1", nil)
	engine.TrackDeferred("task-1", msg, &handler)
	require.Equal(t, 1, engine.PendingCount())

	engine.Settle("task-1", true)
	assert.Equal(t, 1, rec.ackCount())
	assert.Equal(t, 0, rec.nackCount())
	assert.Equal(t, 0, engine.PendingCount())
}

func TestSettle_Idempotent(t *testing.T) {
	handler := deferredHandler("h1")
	engine := gateway.NewAckPolicyEngine(deferringConfig(handler), zerolog.Nop())

	rec := &ackRecorder{}
	msg := rec.message("m1", "in/h1", nil)
	engine.TrackDeferred("task-1", msg, &handler)

	engine.Settle("task-1", true)
	engine.Settle("task-1", false)
	engine.Settle("task-1", true)

	assert.Equal(t, 1, rec.ackCount(), "a second settle performs no native acknowledgment")
	assert.Equal(t, 0, rec.nackCount())
}

func TestSettle_UnknownTaskIsNoop(t *testing.T) {
	engine := gateway.NewAckPolicyEngine(deferringConfig(deferredHandler("h1")), zerolog.Nop())
	assert.NotPanics(t, func() { engine.Settle("never-tracked", true) })
}

func TestSettle_FailureNackOutcome(t *testing.T) {
	handler := deferredHandler("h1")
	handler.AcknowledgmentPolicy.OnFailure = &gateway.FailurePolicyConfig{
		Action:      strPtr("nack"),
		NackOutcome: strPtr("failed"),
	}
	engine := gateway.NewAckPolicyEngine(deferringConfig(handler), zerolog.Nop())

	rec := &ackRecorder{}
	msg := rec.message("m1", "in/h1", nil)
	engine.TrackDeferred("task-1", msg, &handler)

	engine.Settle("task-1", false)
	assert.Equal(t, 0, rec.ackCount())
	require.Equal(t, 1, rec.nackCount())
	assert.Equal(t, messaging.NackFailed, rec.lastNack(), "the configured nack outcome reaches the broker client")
}

func TestSettle_FailureAckAction(t *testing.T) {
	handler := deferredHandler("h1")
	handler.AcknowledgmentPolicy.OnFailure = &gateway.FailurePolicyConfig{Action: strPtr("ack")}
	engine := gateway.NewAckPolicyEngine(deferringConfig(handler), zerolog.Nop())

	rec := &ackRecorder{}
	msg := rec.message("m1", "in/h1", nil)
	engine.TrackDeferred("task-1", msg, &handler)

	engine.Settle("task-1", false)
	assert.Equal(t, 1, rec.ackCount(), "on_failure action ack discards the failed message")
	assert.Equal(t, 0, rec.nackCount())
}

func TestTrackDeferred_Timeout(t *testing.T) {
	handler := deferredHandler("h1")
	zero := 0
	handler.AcknowledgmentPolicy.TimeoutSeconds = &zero
	engine := gateway.NewAckPolicyEngine(deferringConfig(handler), zerolog.Nop())

	rec := &ackRecorder{}
	msg := rec.message("m1", "in/h1", nil)
	engine.TrackDeferred("task-1", msg, &handler)

	require.Eventually(t, func() bool {
		return rec.nackCount() == 1
	}, 2*time.Second, 10*time.Millisecond, "the timeout timer settles the task as a failure")
	assert.Equal(t, 0, engine.PendingCount())

	// A late completion after the timeout is the losing side of the race.
	engine.Settle("task-1", true)
	assert.Equal(t, 0, rec.ackCount())
}

func TestNackIfDeferred(t *testing.T) {
	deferred := deferredHandler("deferred")
	immediate := gateway.HandlerConfig{
		Name:          "immediate",
		Subscriptions: []gateway.Subscription{{Topic: "in/immediate"}},
	}
	engine := gateway.NewAckPolicyEngine(deferringConfig(deferred, immediate), zerolog.Nop())

	rec := &ackRecorder{}
	engine.NackIfDeferred(rec.message("m1", "in/deferred", nil), &deferred)
	assert.Equal(t, 1, rec.nackCount(), "deferred-capable failures before a task ID settle immediately")

	rec2 := &ackRecorder{}
	engine.NackIfDeferred(rec2.message("m2", "in/immediate", nil), &immediate)
	assert.Equal(t, 0, rec2.nackCount(), "non-deferred handlers leave the message to the caller")
	assert.Equal(t, 0, rec2.ackCount())
}

func TestNackAllPendingDeferred_NoDefersConfigured(t *testing.T) {
	// No handler defers, so the shutdown sweep must be a no-op even if
	// called repeatedly.
	cfg := deferringConfig(gateway.HandlerConfig{
		Name:          "h1",
		Subscriptions: []gateway.Subscription{{Topic: "in/h1"}},
	})
	engine := gateway.NewAckPolicyEngine(cfg, zerolog.Nop())

	assert.NotPanics(t, func() {
		engine.NackAllPendingDeferred("shutdown")
		engine.NackAllPendingDeferred("shutdown")
	})
}

func TestNackAllPendingDeferred_SweepsPending(t *testing.T) {
	handler := deferredHandler("h1")
	engine := gateway.NewAckPolicyEngine(deferringConfig(handler), zerolog.Nop())

	rec := &ackRecorder{}
	engine.TrackDeferred("task-1", rec.message("m1", "in/h1", nil), &handler)
	engine.TrackDeferred("task-2", rec.message("m2", "in/h1", nil), &handler)
	require.Equal(t, 2, engine.PendingCount())

	engine.NackAllPendingDeferred("gateway shutdown")
	assert.Equal(t, 2, rec.nackCount(), "every pending deferred context is force-settled as a failure")
	assert.Equal(t, 0, engine.PendingCount())

	// The sweep settled everything; a later completion finds nothing.
	engine.Settle("task-1", true)
	assert.Equal(t, 0, rec.ackCount())
}

func TestSettlementHooks(t *testing.T) {
	handler := deferredHandler("h1")
	engine := gateway.NewAckPolicyEngine(deferringConfig(handler), zerolog.Nop())

	var mu sync.Mutex
	var records []gateway.SettlementRecord
	engine.AddSettlementHook(func(rec gateway.SettlementRecord) {
		mu.Lock()
		defer mu.Unlock()
		records = append(records, rec)
	})

	rec := &ackRecorder{}
	engine.TrackDeferred("task-1", rec.message("m1", "in/h1", nil), &handler)
	engine.Settle("task-1", true)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, records, 1)
	assert.Equal(t, "task-1", records[0].TaskID)
	assert.Equal(t, "h1", records[0].Handler)
	assert.True(t, records[0].Success)
	assert.Equal(t, "ack", records[0].Outcome)
	assert.Equal(t, "completion", records[0].Reason)
	assert.True(t, records[0].Deferred)
	assert.False(t, records[0].SettledAt.Before(records[0].CreatedAt))
}
