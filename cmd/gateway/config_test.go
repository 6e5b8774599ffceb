package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAppConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "service.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppConfig_MQTT(t *testing.T) {
	cfg, err := LoadAppConfig(writeAppConfig(t, `
service_name: test-gateway
log_level: debug
http_port: ":9090"
gateway_config: handlers.yaml
broker:
  kind: mqtt
  mqtt:
    broker_url: "tls://broker.example.com:8883"
    publish_qos: 1
`))
	require.NoError(t, err)

	assert.Equal(t, "test-gateway", cfg.ServiceName)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.HTTPPort)
	assert.Equal(t, "handlers.yaml", cfg.GatewayConfig)
	assert.Equal(t, BrokerMQTT, cfg.Broker.Kind)
	require.NotNil(t, cfg.Broker.MQTT)
	assert.Equal(t, "tls://broker.example.com:8883", cfg.Broker.MQTT.BrokerURL)
	assert.Equal(t, byte(1), cfg.Broker.MQTT.PublishQoS)
}

func TestLoadAppConfig_Defaults(t *testing.T) {
	cfg, err := LoadAppConfig(writeAppConfig(t, `
broker:
  kind: mqtt
  mqtt:
    broker_url: "tcp://localhost:1883"
`))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.HTTPPort)
	assert.Equal(t, "event-gateway", cfg.ServiceName)
	assert.Equal(t, "gateway.yaml", cfg.GatewayConfig)
	assert.Equal(t, "ack_settlements", cfg.Audit.TableID)
	assert.Equal(t, 50, cfg.Audit.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.AuditFlushInterval())
}

func TestLoadAppConfig_PubsubRequiresProject(t *testing.T) {
	_, err := LoadAppConfig(writeAppConfig(t, `
broker:
  kind: pubsub
`))
	assert.Error(t, err)

	cfg, err := LoadAppConfig(writeAppConfig(t, `
project_id: my-project
broker:
  kind: pubsub
`))
	require.NoError(t, err)
	assert.Equal(t, BrokerPubsub, cfg.Broker.Kind)
}

func TestLoadAppConfig_MQTTRequiresURL(t *testing.T) {
	_, err := LoadAppConfig(writeAppConfig(t, `
broker:
  kind: mqtt
`))
	assert.Error(t, err)
}

func TestLoadAppConfig_UnknownBrokerKind(t *testing.T) {
	_, err := LoadAppConfig(writeAppConfig(t, `
broker:
  kind: kafka
`))
	assert.Error(t, err)
}

func TestLoadAppConfig_GCPFeaturesRequireProject(t *testing.T) {
	_, err := LoadAppConfig(writeAppConfig(t, `
broker:
  kind: mqtt
  mqtt:
    broker_url: "tcp://localhost:1883"
audit:
  dataset_id: audit
`))
	assert.Error(t, err)
}
