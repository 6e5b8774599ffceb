package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/illmade-knight/go-event-gateway/pkg/microservice"
)

// BrokerKind selects the data-plane broker implementation.
const (
	BrokerMQTT   = "mqtt"
	BrokerPubsub = "pubsub"
)

// MQTTConfig holds the YAML-visible subset of the MQTT client configuration.
// Credentials come from the MQTT_USERNAME and MQTT_PASSWORD environment
// variables, never from the file.
type MQTTConfig struct {
	BrokerURL      string `yaml:"broker_url"`
	ClientIDPrefix string `yaml:"client_id_prefix"`
	CACertFile     string `yaml:"ca_cert_file"`
	ClientCertFile string `yaml:"client_cert_file"`
	ClientKeyFile  string `yaml:"client_key_file"`
	PublishQoS     byte   `yaml:"publish_qos"`
}

// PubsubConfig holds Google Pub/Sub data-plane settings. The project and
// credentials come from the service-level config.
type PubsubConfig struct {
	MaxOutstandingMessages int `yaml:"max_outstanding_messages"`
	NumGoroutines          int `yaml:"num_goroutines"`
}

// BrokerConfig selects and configures the data plane.
type BrokerConfig struct {
	Kind   string        `yaml:"kind"`
	MQTT   *MQTTConfig   `yaml:"mqtt"`
	Pubsub *PubsubConfig `yaml:"pubsub"`
}

// EngineConfig configures the in-process execution engine.
type EngineConfig struct {
	NumWorkers int `yaml:"num_workers"`
	QueueSize  int `yaml:"queue_size"`
}

// OutputConfig configures result publication and artifact offloading.
type OutputConfig struct {
	InlinePayloadLimit int    `yaml:"inline_payload_limit"`
	ArtifactBucket     string `yaml:"artifact_bucket"`
	ArtifactPrefix     string `yaml:"artifact_prefix"`
}

// AuditConfig configures the BigQuery settlement audit trail. An empty
// dataset disables auditing.
type AuditConfig struct {
	DatasetID            string `yaml:"dataset_id"`
	TableID              string `yaml:"table_id"`
	BatchSize            int    `yaml:"batch_size"`
	FlushIntervalSeconds int    `yaml:"flush_interval_seconds"`
}

// IdentityConfig configures principal verification. An empty collection
// disables verification; an empty redis_addr skips the cache tier.
type IdentityConfig struct {
	RedisAddr           string `yaml:"redis_addr"`
	FirestoreCollection string `yaml:"firestore_collection"`
	CacheTTLSeconds     int    `yaml:"cache_ttl_seconds"`
}

// AppConfig is the full service configuration for the gateway binary.
type AppConfig struct {
	microservice.BaseConfig `yaml:",inline"`

	// GatewayConfig is the path to the handler configuration file.
	GatewayConfig string `yaml:"gateway_config"`

	Broker   BrokerConfig   `yaml:"broker"`
	Engine   EngineConfig   `yaml:"engine"`
	Output   OutputConfig   `yaml:"output"`
	Audit    AuditConfig    `yaml:"audit"`
	Identity IdentityConfig `yaml:"identity"`
}

// LoadAppConfig reads and validates the service configuration file.
func LoadAppConfig(path string) (*AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service config %s: %w", path, err)
	}
	cfg := &AppConfig{}
	cfg.LogLevel = "info"
	cfg.HTTPPort = ":8080"
	cfg.ServiceName = "event-gateway"
	cfg.GatewayConfig = "gateway.yaml"
	cfg.Broker.Kind = BrokerMQTT
	cfg.Audit.BatchSize = 50
	cfg.Audit.TableID = "ack_settlements"
	cfg.Audit.FlushIntervalSeconds = 10

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse service config %s: %w", path, err)
	}

	switch cfg.Broker.Kind {
	case BrokerMQTT:
		if cfg.Broker.MQTT == nil || cfg.Broker.MQTT.BrokerURL == "" {
			return nil, fmt.Errorf("broker kind %q requires broker.mqtt.broker_url", BrokerMQTT)
		}
	case BrokerPubsub:
		if cfg.ProjectID == "" {
			return nil, fmt.Errorf("broker kind %q requires project_id", BrokerPubsub)
		}
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
	if (cfg.Audit.DatasetID != "" || cfg.Identity.FirestoreCollection != "" || cfg.Output.ArtifactBucket != "") && cfg.ProjectID == "" {
		return nil, fmt.Errorf("audit, identity and artifact storage all require project_id")
	}
	return cfg, nil
}

// AuditFlushInterval returns the configured flush interval as a duration.
func (c *AppConfig) AuditFlushInterval() time.Duration {
	return time.Duration(c.Audit.FlushIntervalSeconds) * time.Second
}
