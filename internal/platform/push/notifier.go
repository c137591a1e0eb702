// Package push tells an external push service that a user has new queued
// notifications while offline.
package push

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

const (
	defaultTitle = "New notification"
	defaultBody  = "You have a new notification."
)

// EventProducer publishes a message to the push topic.
type EventProducer interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error)
}

// PubSubNotifier implements events.PushNotifier over a message bus.
type PubSubNotifier struct {
	producer EventProducer
	logger   zerolog.Logger
}

type pushRequest struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	Sequence int64  `json:"sequence"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

func NewPubSubNotifier(producer EventProducer, logger zerolog.Logger) (*PubSubNotifier, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer cannot be nil")
	}
	return &PubSubNotifier{
		producer: producer,
		logger:   logger.With().Str("component", "PubSubNotifier").Logger(),
	}, nil
}

// NotifyOffline publishes a push request for a queued notification. Title and
// body come from the notification payload when present.
func (n *PubSubNotifier) NotifyOffline(ctx context.Context, queued events.QueuedNotification) error {
	if queued.UserID == "" {
		return fmt.Errorf("NotifyOffline failed: notification has no user")
	}

	request := pushRequest{
		Type:     string(events.EventNotification),
		UserID:   queued.UserID,
		Sequence: queued.Sequence,
		Title:    defaultTitle,
		Body:     defaultBody,
	}
	var content struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if err := json.Unmarshal(queued.Payload, &content); err == nil {
		if content.Title != "" {
			request.Title = content.Title
		}
		if content.Body != "" {
			request.Body = content.Body
		}
	}

	payloadBytes, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal push request: %w", err)
	}

	msgID, err := n.producer.Publish(ctx, payloadBytes, map[string]string{"userId": queued.UserID})
	if err != nil {
		return fmt.Errorf("failed to publish push request: %w", err)
	}

	n.logger.Debug().Str("user", queued.UserID).Int64("sequence", queued.Sequence).Str("msg_id", msgID).Msg("Published push request.")
	return nil
}
