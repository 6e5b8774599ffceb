package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// GooglePubsubPublisherConfig holds configuration for the Pub/Sub publisher.
type GooglePubsubPublisherConfig struct {
	BatchSize                  int           // Corresponds to Pub/Sub's CountThreshold.
	BatchDelay                 time.Duration // Corresponds to Pub/Sub's DelayThreshold.
	TopicExistsTimeout         time.Duration
	PublishConfirmationTimeout time.Duration
}

// NewGooglePubsubPublisherDefaults provides a config with sensible defaults.
func NewGooglePubsubPublisherDefaults() *GooglePubsubPublisherConfig {
	return &GooglePubsubPublisherConfig{
		BatchSize:                  100,
		BatchDelay:                 100 * time.Millisecond,
		TopicExistsTimeout:         15 * time.Second,
		PublishConfirmationTimeout: 20 * time.Second,
	}
}

// GooglePubsubPublisher implements MessagePublisher on Google Cloud Pub/Sub.
// It caches topic handles per topic ID and leverages the client's built-in
// batching via PublishSettings.
type GooglePubsubPublisher struct {
	client *pubsub.Client
	cfg    *GooglePubsubPublisherConfig
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewGooglePubsubPublisher creates a new GooglePubsubPublisher.
func NewGooglePubsubPublisher(cfg *GooglePubsubPublisherConfig, client *pubsub.Client, logger zerolog.Logger) (*GooglePubsubPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil for publisher")
	}
	return &GooglePubsubPublisher{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "GooglePubsubPublisher").Logger(),
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// Publish sends a single message and waits for the broker's confirmation.
func (p *GooglePubsubPublisher) Publish(ctx context.Context, topicID string, payload []byte, properties map[string]string) error {
	topic, err := p.topic(ctx, topicID)
	if err != nil {
		return err
	}

	res := topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: properties,
	})

	getCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishConfirmationTimeout)
	defer cancel()
	msgID, err := res.Get(getCtx)
	if err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topicID, err)
	}
	p.logger.Debug().Str("topic_id", topicID).Str("pubsub_msg_id", msgID).Msg("Message published successfully.")
	return nil
}

// topic returns a cached topic handle, validating existence on first use.
func (p *GooglePubsubPublisher) topic(ctx context.Context, topicID string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[topicID]; ok {
		return t, nil
	}

	t := p.client.Topic(topicID)
	t.PublishSettings.DelayThreshold = p.cfg.BatchDelay
	t.PublishSettings.CountThreshold = p.cfg.BatchSize

	existsCtx, cancel := context.WithTimeout(ctx, p.cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := t.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", topicID)
	}

	p.topics[topicID] = t
	return t, nil
}

// Stop flushes buffered messages and stops all topic handles, respecting the
// context's deadline.
func (p *GooglePubsubPublisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	topics := make([]*pubsub.Topic, 0, len(p.topics))
	for _, t := range p.topics {
		topics = append(topics, t)
	}
	p.topics = make(map[string]*pubsub.Topic)
	p.mu.Unlock()

	stopDone := make(chan struct{})
	go func() {
		for _, t := range topics {
			t.Stop()
		}
		close(stopDone)
	}()
	select {
	case <-stopDone:
		p.logger.Info().Msg("Pub/Sub publisher stopped.")
		return nil
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for Pub/Sub topics to flush and stop.")
		return ctx.Err()
	}
}
