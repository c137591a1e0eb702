package pubsub

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TopicName is the fully qualified topic resource name.
func TopicName(projectID, topicID string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
}

// SubscriptionName is the fully qualified subscription resource name.
func SubscriptionName(projectID, subID string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID)
}

// EnsureTopic creates the topic if it does not exist.
func EnsureTopic(ctx context.Context, client *pubsub.Client, projectID, topicID string, logger zerolog.Logger) error {
	name := TopicName(projectID, topicID)
	_, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: name})
	if err == nil {
		return nil
	}
	if status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to get topic %s: %w", name, err)
	}
	logger.Info().Str("topic", name).Msg("Topic not found, creating it...")
	if _, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: name}); err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("failed to create topic %s: %w", name, err)
	}
	return nil
}

// EnsureSubscription creates the pull subscription on topicID if it does not
// exist and returns its resource name.
func EnsureSubscription(ctx context.Context, client *pubsub.Client, projectID, topicID, subID string, logger zerolog.Logger) (string, error) {
	subPath := SubscriptionName(projectID, subID)
	sub, err := client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: subPath})
	if err == nil {
		return sub.Name, nil
	}
	if status.Code(err) != codes.NotFound {
		return "", fmt.Errorf("failed to get subscription %s: %w", subPath, err)
	}

	logger.Info().Str("subscription", subPath).Msg("Subscription not found, creating it...")
	sub, err = client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:               subPath,
		Topic:              TopicName(projectID, topicID),
		AckDeadlineSeconds: 10,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create subscription %s: %w", subPath, err)
	}
	return sub.Name, nil
}
