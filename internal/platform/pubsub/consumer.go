package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

// SubscriptionReceiver is the subset of *pubsub.Subscriber the consumer uses.
type SubscriptionReceiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// CommandApplier executes a decoded collaborator command.
type CommandApplier interface {
	Apply(ctx context.Context, cmd events.Command) error
}

type disposition int

const (
	ack disposition = iota
	nack
)

// CommandConsumer pulls collaborator commands from a subscription and applies
// them. Malformed or invalid commands are acked and dropped; transient
// failures are nacked for redelivery.
type CommandConsumer struct {
	sub      SubscriptionReceiver
	applier  CommandApplier
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewCommandConsumer wires a consumer to its subscription and applier.
func NewCommandConsumer(sub SubscriptionReceiver, applier CommandApplier, logger zerolog.Logger) (*CommandConsumer, error) {
	if sub == nil {
		return nil, fmt.Errorf("subscription cannot be nil")
	}
	if applier == nil {
		return nil, fmt.Errorf("command applier cannot be nil")
	}
	return &CommandConsumer{
		sub:      sub,
		applier:  applier,
		validate: validator.New(),
		logger:   logger.With().Str("component", "CommandConsumer").Logger(),
	}, nil
}

// Run receives until ctx is cancelled.
func (c *CommandConsumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("Command consumer started.")
	err := c.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.process(ctx, msg.ID, msg.Data) == ack {
			msg.Ack()
			return
		}
		msg.Nack()
	})
	c.logger.Info().Msg("Command consumer stopped.")
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("command subscription receive failed: %w", err)
	}
	return nil
}

func (c *CommandConsumer) process(ctx context.Context, msgID string, data []byte) disposition {
	log := c.logger.With().Str("msg_id", msgID).Logger()

	var cmd events.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		log.Error().Err(err).Msg("Poison command. Dropping.")
		return ack
	}
	if err := c.validate.Struct(cmd); err != nil {
		log.Error().Err(err).Str("kind", string(cmd.Kind)).Msg("Invalid command. Dropping.")
		return ack
	}

	if err := c.applier.Apply(ctx, cmd); err != nil {
		if errors.Is(err, events.ErrValidation) || errors.Is(err, events.ErrInvalidTopic) || errors.Is(err, events.ErrUnauthorized) {
			log.Error().Err(err).Str("kind", string(cmd.Kind)).Msg("Command rejected. Dropping.")
			return ack
		}
		log.Warn().Err(err).Str("kind", string(cmd.Kind)).Msg("Command failed. Requesting redelivery.")
		return nack
	}
	log.Debug().Str("kind", string(cmd.Kind)).Msg("Command applied.")
	return ack
}
