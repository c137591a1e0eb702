package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

// FallbackStore writes to a primary store and falls back to a secondary one
// when the primary fails. Drains read both, so nothing written to either is
// stranded. Each store caps its own queue, so the merged drain is cut back to
// the most recent capacity entries.
type FallbackStore struct {
	primary   Store
	secondary Store
	capacity  int
	logger    zerolog.Logger
}

// NewFallbackStore creates a new composite store.
func NewFallbackStore(primary, secondary Store, capacity int, logger zerolog.Logger) (*FallbackStore, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary store cannot be nil")
	}
	if secondary == nil {
		return nil, fmt.Errorf("secondary store cannot be nil")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	return &FallbackStore{
		primary:   primary,
		secondary: secondary,
		capacity:  capacity,
		logger:    logger.With().Str("component", "FallbackStore").Logger(),
	}, nil
}

// Append tries the primary store, then the secondary.
func (f *FallbackStore) Append(ctx context.Context, userID string, payload json.RawMessage, createdAt time.Time) (events.QueuedNotification, error) {
	n, err := f.primary.Append(ctx, userID, payload, createdAt)
	if err == nil {
		return n, nil
	}
	f.logger.Error().Err(err).Str("user", userID).Msg("Primary store append failed. Falling back to secondary store.")

	n, errSecondary := f.secondary.Append(ctx, userID, payload, createdAt)
	if errSecondary != nil {
		f.logger.Error().Err(errSecondary).Str("user", userID).Msg("Primary and secondary store append failed.")
		return events.QueuedNotification{}, errors.Join(err, errSecondary)
	}
	return n, nil
}

type drainResult struct {
	items []events.QueuedNotification
	err   error
}

// Drain drains both stores in parallel and merges them by creation time,
// then sequence, keeping the most recent capacity entries. It fails only when
// both stores fail.
func (f *FallbackStore) Drain(ctx context.Context, userID string) ([]events.QueuedNotification, error) {
	primaryCh := make(chan drainResult, 1)
	secondaryCh := make(chan drainResult, 1)

	go func() {
		items, err := f.primary.Drain(ctx, userID)
		if err != nil {
			f.logger.Error().Err(err).Str("user", userID).Msg("Primary store drain failed")
		}
		primaryCh <- drainResult{items: items, err: err}
	}()

	go func() {
		items, err := f.secondary.Drain(ctx, userID)
		if err != nil {
			f.logger.Error().Err(err).Str("user", userID).Msg("Secondary store drain failed")
		}
		secondaryCh <- drainResult{items: items, err: err}
	}()

	p := <-primaryCh
	s := <-secondaryCh
	if p.err != nil && s.err != nil {
		return nil, errors.Join(p.err, s.err)
	}

	merged := append(p.items, s.items...)
	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].CreatedAt.Before(merged[j].CreatedAt)
		}
		return merged[i].Sequence < merged[j].Sequence
	})
	if over := len(merged) - f.capacity; over > 0 {
		f.logger.Warn().Str("user", userID).Int("dropped", over).Msg("Merged queue over capacity. Dropping oldest notifications.")
		merged = merged[over:]
	}
	return merged, nil
}

// Len sums the queue lengths of both stores, bounded by capacity.
func (f *FallbackStore) Len(ctx context.Context, userID string) (int, error) {
	p, errPrimary := f.primary.Len(ctx, userID)
	s, errSecondary := f.secondary.Len(ctx, userID)
	if errPrimary != nil && errSecondary != nil {
		return 0, errors.Join(errPrimary, errSecondary)
	}
	return min(p+s, f.capacity), nil
}
