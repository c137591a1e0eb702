// Package pubsub contains the Google Cloud Pub/Sub adapters: a generic
// producer, the collaborator command consumer and resource bootstrap helpers.
package pubsub

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// topicPublisher is the subset of *pubsub.Publisher the producer uses.
type topicPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// Producer publishes raw payloads to one topic and waits for the server ack.
type Producer struct {
	topic  topicPublisher
	logger zerolog.Logger
}

// NewProducer wraps a topic publisher.
func NewProducer(topic topicPublisher, logger zerolog.Logger) (*Producer, error) {
	if topic == nil {
		return nil, fmt.Errorf("topic publisher cannot be nil")
	}
	return &Producer{
		topic:  topic,
		logger: logger.With().Str("component", "PubsubProducer").Logger(),
	}, nil
}

// Publish sends data with attrs and returns the server assigned message ID.
// Every message carries a client generated "id" attribute for deduplication.
func (p *Producer) Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	attributes := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		attributes[k] = v
	}
	if _, ok := attributes["id"]; !ok {
		attributes["id"] = uuid.NewString()
	}

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attributes})
	serverID, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}
	p.logger.Debug().Str("msg_id", serverID).Str("id", attributes["id"]).Msg("Published message.")
	return serverID, nil
}
