package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-event-gateway/pkg/messaging"
)

// ConsumerFactory builds and starts nothing; it only constructs the inbound
// broker client. The manager owns the client lifecycle.
type ConsumerFactory func(ctx context.Context) (messaging.MessageConsumer, error)

// PublisherFactory constructs the outbound broker client.
type PublisherFactory func(ctx context.Context) (messaging.MessagePublisher, error)

// DataPlaneConfig holds configuration for the data-plane lifecycle manager.
type DataPlaneConfig struct {
	// TestMode skips all network activity: Start sets no broker handles and
	// returns immediately, so downstream logic can be validated without a
	// live broker.
	TestMode bool
}

// DataPlaneManager owns the broker clients for the gateway's inbound data
// plane, as distinct from any control-plane connection. It starts and stops
// them and computes the de-duplicated subscription set from handler
// configuration.
type DataPlaneManager struct {
	cfg              DataPlaneConfig
	gatewayCfg       *Config
	consumerFactory  ConsumerFactory
	publisherFactory PublisherFactory
	logger           zerolog.Logger

	mu        sync.Mutex
	started   bool
	consumer  messaging.MessageConsumer
	publisher messaging.MessagePublisher
}

// NewDataPlaneManager creates a DataPlaneManager. The factories are invoked
// lazily in Start so construction never touches the network.
func NewDataPlaneManager(
	cfg DataPlaneConfig,
	gatewayCfg *Config,
	consumerFactory ConsumerFactory,
	publisherFactory PublisherFactory,
	logger zerolog.Logger,
) *DataPlaneManager {
	return &DataPlaneManager{
		cfg:              cfg,
		gatewayCfg:       gatewayCfg,
		consumerFactory:  consumerFactory,
		publisherFactory: publisherFactory,
		logger:           logger.With().Str("component", "DataPlaneManager").Logger(),
	}
}

// Start connects the inbound and outbound broker clients. It is idempotent:
// a second call is a no-op. In test mode no broker handles are set.
func (m *DataPlaneManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		m.logger.Debug().Msg("Data plane already started.")
		return nil
	}
	if m.cfg.TestMode {
		m.started = true
		m.logger.Info().Msg("Data plane started in test mode; no broker connections made.")
		return nil
	}

	consumer, err := m.consumerFactory(ctx)
	if err != nil {
		return fmt.Errorf("failed to create inbound broker client: %w", err)
	}
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start inbound broker client: %w", err)
	}

	publisher, err := m.publisherFactory(ctx)
	if err != nil {
		_ = consumer.Stop(ctx)
		return fmt.Errorf("failed to create outbound broker client: %w", err)
	}

	m.consumer = consumer
	m.publisher = publisher
	m.started = true
	m.logger.Info().Msg("Data plane started.")
	return nil
}

// InitializeAndSubscribe subscribes the inbound client to the de-duplicated
// union of all handler subscription topics. Calling it before Start, or
// after a test-mode Start, is a lifecycle ordering error.
func (m *DataPlaneManager) InitializeAndSubscribe(ctx context.Context) error {
	m.mu.Lock()
	consumer := m.consumer
	m.mu.Unlock()
	if consumer == nil {
		return ErrDataPlaneUnavailable
	}

	for _, sub := range m.gatewayCfg.SubscriptionTopics() {
		if err := consumer.Subscribe(ctx, sub.Topic, sub.QoS); err != nil {
			return fmt.Errorf("failed to subscribe to topic %s: %w", sub.Topic, err)
		}
		m.logger.Info().Str("topic", sub.Topic).Uint8("qos", sub.QoS).Msg("Subscribed to inbound topic.")
	}
	return nil
}

// Consumer returns the inbound client, or nil before Start / in test mode.
func (m *DataPlaneManager) Consumer() messaging.MessageConsumer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumer
}

// Publisher returns the outbound client, or nil before Start / in test mode.
func (m *DataPlaneManager) Publisher() messaging.MessagePublisher {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publisher
}

// lazyPublisher resolves the manager's outbound client at publish time, so
// components built before Start can hold a stable publisher reference.
type lazyPublisher struct {
	manager *DataPlaneManager
}

// DeferredPublisher returns a publisher that delegates to the manager's
// current outbound client. Publishing before Start, or in test mode, fails
// with ErrDataPlaneUnavailable.
func DeferredPublisher(manager *DataPlaneManager) messaging.MessagePublisher {
	return &lazyPublisher{manager: manager}
}

func (p *lazyPublisher) Publish(ctx context.Context, topic string, payload []byte, properties map[string]string) error {
	publisher := p.manager.Publisher()
	if publisher == nil {
		return ErrDataPlaneUnavailable
	}
	return publisher.Publish(ctx, topic, payload, properties)
}

// Stop is a no-op; the manager owns the underlying client lifecycle.
func (p *lazyPublisher) Stop(_ context.Context) error { return nil }

// Stop tears down the broker clients. It is idempotent and tolerates
// cleanup failures: any error from the underlying clients is logged and
// swallowed, and internal references are always cleared so repeated calls
// are safe.
func (m *DataPlaneManager) Stop(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		m.logger.Debug().Msg("Data plane was never started; nothing to stop.")
		return
	}

	if m.consumer != nil {
		if err := m.consumer.Stop(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("Error stopping inbound broker client, continuing shutdown.")
		}
	}
	if m.publisher != nil {
		if err := m.publisher.Stop(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("Error stopping outbound broker client, continuing shutdown.")
		}
	}
	m.consumer = nil
	m.publisher = nil
	m.started = false
	m.logger.Info().Msg("Data plane stopped.")
}
