// Package queue contains the durable notification queue backends.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/internal/queue"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// RedisStore implements queue.Store using two keys per user:
//  1. `notifications:seq:{user}`: the sequence counter (INCR).
//  2. `notifications:queue:{user}`: a sorted set of notifications scored by sequence.
//
// Append and Drain each run inside MULTI/EXEC.
type RedisStore struct {
	client   redisClient
	capacity int
	logger   zerolog.Logger
}

// NewRedisStore is the constructor for the RedisStore.
func NewRedisStore(client redisClient, capacity int, logger zerolog.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	return &RedisStore{
		client:   client,
		capacity: capacity,
		logger:   logger.With().Str("component", "RedisStore").Logger(),
	}, nil
}

// Append implements queue.Store.
func (s *RedisStore) Append(ctx context.Context, userID string, payload json.RawMessage, createdAt time.Time) (events.QueuedNotification, error) {
	log := s.logger.With().Str("user", userID).Logger()

	seq, err := s.client.Incr(ctx, seqKey(userID)).Result()
	if err != nil {
		log.Error().Err(err).Msg("Failed to allocate notification sequence")
		return events.QueuedNotification{}, fmt.Errorf("%w: redis incr: %w", events.ErrStoreUnavailable, err)
	}

	n := events.QueuedNotification{
		UserID:    userID,
		Sequence:  seq,
		Payload:   payload,
		CreatedAt: createdAt.UTC(),
	}
	member, err := json.Marshal(n)
	if err != nil {
		return events.QueuedNotification{}, fmt.Errorf("failed to marshal redis notification: %w", err)
	}

	key := queueKey(userID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(seq), Member: member})
		// Keep only the highest `capacity` scores.
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-s.capacity-1))
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to append notification")
		return events.QueuedNotification{}, fmt.Errorf("%w: redis append: %w", events.ErrStoreUnavailable, err)
	}

	log.Debug().Int64("sequence", seq).Msg("Queued notification")
	return n, nil
}

// Drain implements queue.Store.
func (s *RedisStore) Drain(ctx context.Context, userID string) ([]events.QueuedNotification, error) {
	log := s.logger.With().Str("user", userID).Logger()
	key := queueKey(userID)

	var rangeCmd *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.ZRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to drain notification queue")
		return nil, fmt.Errorf("%w: redis drain: %w", events.ErrStoreUnavailable, err)
	}

	members := rangeCmd.Val()
	items := make([]events.QueuedNotification, 0, len(members))
	for _, m := range members {
		var n events.QueuedNotification
		if err := json.Unmarshal([]byte(m), &n); err != nil {
			// The member is already deleted; skip it rather than fail the drain.
			log.Error().Err(err).Msg("Dropping poison notification from redis queue")
			continue
		}
		items = append(items, n)
	}
	if len(items) > 0 {
		log.Debug().Int("count", len(items)).Msg("Drained notification queue")
	}
	return items, nil
}

// Len implements queue.Store.
func (s *RedisStore) Len(ctx context.Context, userID string) (int, error) {
	n, err := s.client.ZCard(ctx, queueKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: redis zcard: %w", events.ErrStoreUnavailable, err)
	}
	return int(n), nil
}

func seqKey(userID string) string {
	return "notifications:seq:" + userID
}

func queueKey(userID string) string {
	return "notifications:queue:" + userID
}

var _ queue.Store = (*RedisStore)(nil)
