package gateway_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-event-gateway/pkg/gateway"
)

const sampleConfigYAML = `
default_acknowledgment_policy:
  mode: on_completion
  timeout_seconds: 120

handlers:
  - name: telemetry
    subscriptions:
      - topic: devices/+/telemetry
        qos: 1
    input_expression: "input.payload:reading"
    target_agent_name: analyzer
    user_identity_expression: "input.properties:device_id"
    default_user_identity: unknown-device
    acknowledgment_policy:
      timeout_seconds: 60
      on_failure:
        action: nack
        nack_outcome: failed
    on_success: replies

  - name: commands
    subscriptions:
      - topic: devices/+/commands
        qos: 2

output_handlers:
  - name: replies
    topic_expression: "replies/{{ task.id }}"
    payload_expression: "{{ result }}"
    payload_format: json
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := gateway.LoadConfig(writeConfigFile(t, sampleConfigYAML))
	require.NoError(t, err)

	require.NotNil(t, cfg.DefaultAckPolicy)
	assert.Equal(t, "on_completion", *cfg.DefaultAckPolicy.Mode)

	require.Len(t, cfg.Handlers, 2)
	h := cfg.Handlers[0]
	assert.Equal(t, "telemetry", h.Name)
	assert.Equal(t, byte(1), h.Subscriptions[0].QoS)
	require.NotNil(t, h.AcknowledgmentPolicy)
	assert.Equal(t, 60, *h.AcknowledgmentPolicy.TimeoutSeconds)
	require.NotNil(t, h.AcknowledgmentPolicy.OnFailure)
	assert.Equal(t, "failed", *h.AcknowledgmentPolicy.OnFailure.NackOutcome)

	require.Len(t, cfg.OutputHandlers, 1)
	assert.Equal(t, "replies", cfg.OutputHandlers[0].Name)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := gateway.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_DuplicateHandlerName(t *testing.T) {
	cfg := &gateway.Config{
		Handlers: []gateway.HandlerConfig{
			{Name: "dup", Subscriptions: []gateway.Subscription{{Topic: "a"}}},
			{Name: "dup", Subscriptions: []gateway.Subscription{{Topic: "b"}}},
		},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidate_MissingSubscriptions(t *testing.T) {
	cfg := &gateway.Config{Handlers: []gateway.HandlerConfig{{Name: "h1"}}}
	assert.Error(t, cfg.Validate())
}

func TestValidate_UnknownOutputReference(t *testing.T) {
	cfg := &gateway.Config{
		Handlers: []gateway.HandlerConfig{{
			Name:          "h1",
			Subscriptions: []gateway.Subscription{{Topic: "a"}},
			OnSuccess:     "ghost",
		}},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidate_OutputHandlerNeedsTopicExpression(t *testing.T) {
	cfg := &gateway.Config{
		OutputHandlers: []gateway.OutputHandlerConfig{{Name: "out"}},
	}
	assert.Error(t, cfg.Validate())
}

func TestSubscriptionTopics_DedupAndMaxQoS(t *testing.T) {
	cfg := &gateway.Config{
		Handlers: []gateway.HandlerConfig{
			{Name: "h1", Subscriptions: []gateway.Subscription{
				{Topic: "shared/topic", QoS: 0},
				{Topic: "only/h1", QoS: 1},
			}},
			{Name: "h2", Subscriptions: []gateway.Subscription{
				{Topic: "shared/topic", QoS: 2},
			}},
		},
	}

	subs := cfg.SubscriptionTopics()
	require.Len(t, subs, 2)
	assert.Equal(t, "shared/topic", subs[0].Topic, "first-seen order is preserved")
	assert.Equal(t, byte(2), subs[0].QoS, "a shared topic gets the highest requested QoS")
	assert.Equal(t, "only/h1", subs[1].Topic)
}

func TestHandlerForTopic_FirstMatchWins(t *testing.T) {
	cfg := &gateway.Config{
		Handlers: []gateway.HandlerConfig{
			{Name: "wild", Subscriptions: []gateway.Subscription{{Topic: "devices/+/telemetry"}}},
			{Name: "exact", Subscriptions: []gateway.Subscription{{Topic: "devices/garden/telemetry"}}},
		},
	}

	h := cfg.HandlerForTopic("devices/garden/telemetry")
	require.NotNil(t, h)
	assert.Equal(t, "wild", h.Name)

	assert.Nil(t, cfg.HandlerForTopic("unrelated/topic"))
}
