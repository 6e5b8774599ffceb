package mqttbroker

import (
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-event-gateway/pkg/messaging"
)

// Publisher implements messaging.MessagePublisher over a dedicated MQTT
// connection. MQTT 3.1.1 carries no user properties, so the properties map
// is dropped at publish time.
type Publisher struct {
	pahoClient mqtt.Client
	cfg        *ClientConfig
	qos        byte
	logger     zerolog.Logger
}

var _ messaging.MessagePublisher = (*Publisher)(nil)

// NewPublisher creates and connects a new Publisher.
func NewPublisher(cfg *ClientConfig, qos byte, logger zerolog.Logger) (*Publisher, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	opts, err := newClientOptions(cfg, false)
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		cfg:    cfg,
		qos:    qos,
		logger: logger.With().Str("component", "MqttPublisher").Logger(),
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.logger.Error().Err(err).Msg("Publisher lost MQTT connection.")
	})
	p.pahoClient = mqtt.NewClient(opts)

	if token := p.pahoClient.Connect(); token.WaitTimeout(cfg.ConnectTimeout) && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect MQTT publisher: %w", token.Error())
	}
	p.logger.Info().Str("broker", cfg.BrokerURL).Msg("MQTT publisher connected.")
	return p, nil
}

// Publish sends a payload to a topic, waiting for the broker's confirmation
// within the context's deadline.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte, _ map[string]string) error {
	token := p.pahoClient.Publish(topic, p.qos, false, payload)

	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish to MQTT topic %s: %w", topic, err)
		}
		p.logger.Debug().Str("topic", topic).Msg("Message published successfully.")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish to MQTT topic %s cancelled: %w", topic, ctx.Err())
	}
}

// Stop disconnects the publisher.
func (p *Publisher) Stop(_ context.Context) error {
	if p.pahoClient != nil && p.pahoClient.IsConnected() {
		p.pahoClient.Disconnect(500) // 500ms grace period
		p.logger.Info().Msg("MQTT publisher disconnected.")
	}
	return nil
}
