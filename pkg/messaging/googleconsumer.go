package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// --- Google Cloud Pub/Sub Consumer Implementation ---

// GooglePubsubConsumerConfig holds configuration for the Pub/Sub consumer.
// Each Subscribe call names a Pub/Sub subscription ID; Pub/Sub has no
// topic-level subscribe so the QoS argument is ignored.
type GooglePubsubConsumerConfig struct {
	ProjectID                 string
	MaxOutstandingMessages    int
	NumGoroutines             int
	SubscriptionExistsTimeout time.Duration
}

// NewGooglePubsubConsumerDefaults provides a config with sensible defaults.
func NewGooglePubsubConsumerDefaults(projectID string) *GooglePubsubConsumerConfig {
	return &GooglePubsubConsumerConfig{
		ProjectID:                 projectID,
		MaxOutstandingMessages:    100,
		NumGoroutines:             5,
		SubscriptionExistsTimeout: 20 * time.Second,
	}
}

// GooglePubsubConsumer implements MessageConsumer over one or more Pub/Sub
// subscriptions, multiplexing them onto a single output channel.
type GooglePubsubConsumer struct {
	client     *pubsub.Client
	cfg        *GooglePubsubConsumerConfig
	logger     zerolog.Logger
	outputChan chan Message
	doneChan   chan struct{}

	mu        sync.Mutex
	started   bool
	runCtx    context.Context
	runCancel context.CancelFunc
	receivers map[string]struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewGooglePubsubConsumer creates a new GooglePubsubConsumer. It does not
// begin receiving until Start is called.
func NewGooglePubsubConsumer(cfg *GooglePubsubConsumerConfig, client *pubsub.Client, logger zerolog.Logger) (*GooglePubsubConsumer, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil for consumer")
	}
	return &GooglePubsubConsumer{
		client:     client,
		cfg:        cfg,
		logger:     logger.With().Str("component", "GooglePubsubConsumer").Logger(),
		outputChan: make(chan Message, cfg.MaxOutstandingMessages),
		doneChan:   make(chan struct{}),
		receivers:  make(map[string]struct{}),
	}, nil
}

// Messages returns the read-only channel from which messages can be consumed.
func (c *GooglePubsubConsumer) Messages() <-chan Message { return c.outputChan }

// Start marks the consumer ready to receive. Receive goroutines are launched
// per subscription by Subscribe.
func (c *GooglePubsubConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	c.runCtx, c.runCancel = context.WithCancel(ctx)
	c.started = true
	c.logger.Info().Msg("Pub/Sub consumer started.")
	return nil
}

// Subscribe validates the named subscription exists and launches a Receive
// goroutine for it. Duplicate subscriptions are ignored.
func (c *GooglePubsubConsumer) Subscribe(ctx context.Context, subscriptionID string, _ byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return fmt.Errorf("consumer not started; cannot subscribe to %s", subscriptionID)
	}
	if _, ok := c.receivers[subscriptionID]; ok {
		return nil
	}

	sub := c.client.Subscription(subscriptionID)
	existsCtx, cancel := context.WithTimeout(ctx, c.cfg.SubscriptionExistsTimeout)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if err != nil {
		return fmt.Errorf("failed to check for subscription %s: %w", subscriptionID, err)
	}
	if !exists {
		return fmt.Errorf("pubsub subscription %s does not exist", subscriptionID)
	}

	sub.ReceiveSettings.MaxOutstandingMessages = c.cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = c.cfg.NumGoroutines

	c.receivers[subscriptionID] = struct{}{}
	c.wg.Add(1)
	go c.receive(sub, subscriptionID)
	c.logger.Info().Str("subscription_id", subscriptionID).Msg("Listening for messages.")
	return nil
}

// receive runs the blocking Receive call for one subscription.
func (c *GooglePubsubConsumer) receive(sub *pubsub.Subscription, subscriptionID string) {
	defer c.wg.Done()
	err := sub.Receive(c.runCtx, func(_ context.Context, msg *pubsub.Message) {
		payloadCopy := make([]byte, len(msg.Data))
		copy(payloadCopy, msg.Data)

		consumed := Message{
			ID:          msg.ID,
			Topic:       subscriptionID,
			Payload:     payloadCopy,
			Properties:  msg.Attributes,
			PublishTime: msg.PublishTime,
			Ack:         msg.Ack,
			// Pub/Sub has a single nack primitive; dead-letter routing is a
			// property of the subscription, so the outcome is dropped here.
			Nack: func(_ NackOutcome) { msg.Nack() },
		}

		select {
		case c.outputChan <- consumed:
		case <-c.runCtx.Done():
			msg.Nack()
			c.logger.Warn().Str("msg_id", msg.ID).Msg("Consumer stopping, Nacking message due to shutdown.")
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error().Err(err).Str("subscription_id", subscriptionID).Msg("Pub/Sub Receive call exited with error.")
	}
}

// Stop gracefully ceases message consumption across all subscriptions.
func (c *GooglePubsubConsumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping Pub/Sub consumer...")
		c.mu.Lock()
		if c.runCancel != nil {
			c.runCancel()
		}
		c.mu.Unlock()

		waitDone := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(waitDone)
		}()
		select {
		case <-waitDone:
			c.logger.Info().Msg("All Receive goroutines stopped.")
		case <-ctx.Done():
			err = ctx.Err()
			c.logger.Error().Err(err).Msg("Timeout waiting for Receive goroutines to stop.")
		}
		close(c.outputChan)
		close(c.doneChan)
	})
	return err
}

// Done returns a channel that is closed when the consumer has fully stopped.
func (c *GooglePubsubConsumer) Done() <-chan struct{} { return c.doneChan }
