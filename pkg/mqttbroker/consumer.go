package mqttbroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-event-gateway/pkg/messaging"
)

// Consumer implements messaging.MessageConsumer over an MQTT connection.
// Acks are manual so the gateway's acknowledgment policy engine, not the
// Paho client, decides when a message is settled.
type Consumer struct {
	pahoClient mqtt.Client
	cfg        *ClientConfig
	logger     zerolog.Logger
	outputChan chan messaging.Message
	doneChan   chan struct{}

	mu            sync.Mutex
	subscriptions map[string]byte
	runCtx        context.Context
	runCancel     context.CancelFunc
	stopOnce      sync.Once
}

// NewConsumer creates a new Consumer. It does not connect until Start is called.
func NewConsumer(cfg *ClientConfig, logger zerolog.Logger) (*Consumer, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	return &Consumer{
		cfg:           cfg,
		logger:        logger.With().Str("component", "MqttConsumer").Logger(),
		outputChan:    make(chan messaging.Message, 1000),
		doneChan:      make(chan struct{}),
		subscriptions: make(map[string]byte),
	}, nil
}

// Messages returns the read-only channel from which messages can be consumed.
func (c *Consumer) Messages() <-chan messaging.Message { return c.outputChan }

// Start connects to the broker. Existing subscriptions are re-established on
// every (re)connect.
func (c *Consumer) Start(ctx context.Context) error {
	c.runCtx, c.runCancel = context.WithCancel(ctx)

	opts, err := newClientOptions(c.cfg, true)
	if err != nil {
		return err
	}
	opts.SetDefaultPublishHandler(c.handleIncomingMessage)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("Paho client connected to MQTT broker.")
		c.resubscribe(client)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Error().Err(err).Msg("Paho client lost MQTT connection.")
	})
	c.pahoClient = mqtt.NewClient(opts)

	c.logger.Info().Msg("Attempting to connect to MQTT broker...")
	if token := c.pahoClient.Connect(); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		c.logger.Error().Err(token.Error()).Msg("Failed to connect to MQTT broker on startup. The Paho client will continue to retry in the background.")
	} else if token.Error() == nil {
		c.logger.Info().Msg("Initial connection to MQTT broker successful.")
	}

	go func() {
		<-c.runCtx.Done()
		_ = c.Stop(context.Background())
	}()
	return nil
}

// Subscribe adds a topic subscription at the given QoS. Duplicates are
// ignored; the subscription survives reconnects.
func (c *Consumer) Subscribe(_ context.Context, topic string, qos byte) error {
	c.mu.Lock()
	if _, ok := c.subscriptions[topic]; ok {
		c.mu.Unlock()
		return nil
	}
	c.subscriptions[topic] = qos
	client := c.pahoClient
	c.mu.Unlock()

	if client == nil || !client.IsConnected() {
		// Deferred to the OnConnect handler.
		return nil
	}
	token := client.Subscribe(topic, qos, nil)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to MQTT topic %s: %w", topic, token.Error())
	}
	c.logger.Info().Str("topic", topic).Uint8("qos", qos).Msg("Successfully subscribed to MQTT topic.")
	return nil
}

// resubscribe re-establishes all registered subscriptions after a connect.
func (c *Consumer) resubscribe(client mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]byte, len(c.subscriptions))
	for topic, qos := range c.subscriptions {
		subs[topic] = qos
	}
	c.mu.Unlock()

	for topic, qos := range subs {
		token := client.Subscribe(topic, qos, nil)
		go func(topic string, token mqtt.Token) {
			if token.WaitTimeout(5*time.Second) && token.Error() != nil {
				c.logger.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe to MQTT topic.")
			} else {
				c.logger.Info().Str("topic", topic).Msg("Successfully subscribed to MQTT topic.")
			}
		}(topic, token)
	}
}

// handleIncomingMessage converts MQTT messages to the gateway's canonical
// format. With auto-ack disabled the Ack handle completes the QoS flow;
// Nack deliberately does nothing so the broker redelivers on session resume.
func (c *Consumer) handleIncomingMessage(_ mqtt.Client, msg mqtt.Message) {
	c.logger.Debug().Str("topic", msg.Topic()).Msg("Received MQTT message")
	payloadCopy := make([]byte, len(msg.Payload()))
	copy(payloadCopy, msg.Payload())

	consumed := messaging.Message{
		ID:          fmt.Sprintf("%d", msg.MessageID()),
		Topic:       msg.Topic(),
		Payload:     payloadCopy,
		Properties:  map[string]string{"mqtt_topic": msg.Topic()},
		PublishTime: time.Now().UTC(),
		Ack:         msg.Ack,
		Nack: func(outcome messaging.NackOutcome) {
			c.logger.Debug().Str("topic", msg.Topic()).Str("outcome", string(outcome)).Msg("MQTT message left un-acknowledged for broker redelivery.")
		},
	}

	select {
	case c.outputChan <- consumed:
	case <-c.runCtx.Done():
		c.logger.Warn().Str("topic", msg.Topic()).Msg("Consumer is shutting down, dropping MQTT message.")
	}
}

// Stop gracefully ceases message consumption.
func (c *Consumer) Stop(_ context.Context) error {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping MqttConsumer...")
		if c.runCancel != nil {
			c.runCancel()
		}
		if c.pahoClient != nil && c.pahoClient.IsConnected() {
			c.mu.Lock()
			topics := make([]string, 0, len(c.subscriptions))
			for topic := range c.subscriptions {
				topics = append(topics, topic)
			}
			c.mu.Unlock()
			if len(topics) > 0 {
				if token := c.pahoClient.Unsubscribe(topics...); token.WaitTimeout(2*time.Second) && token.Error() != nil {
					c.logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe from MQTT topics.")
				}
			}
			c.pahoClient.Disconnect(500) // 500ms grace period
			c.logger.Info().Msg("Paho MQTT client disconnected.")
		}
		close(c.outputChan)
		close(c.doneChan)
		c.logger.Info().Msg("MqttConsumer stopped.")
	})
	return nil
}

// Done returns a channel that is closed when the consumer has fully stopped.
func (c *Consumer) Done() <-chan struct{} { return c.doneChan }

// IsConnected returns the connection status of the underlying Paho client.
// This is useful for integration tests to wait until the consumer is ready.
func (c *Consumer) IsConnected() bool {
	return c.pahoClient != nil && c.pahoClient.IsConnected()
}
