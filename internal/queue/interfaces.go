// Package queue defines the durable per-user notification queue.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

// DefaultCapacity is the per-user queue bound used when none is configured.
const DefaultCapacity = 100

// Store is a bounded per-user FIFO of notifications that survives restarts.
// Implementations report backend failures wrapped in events.ErrStoreUnavailable.
type Store interface {
	// Append assigns the next per-user sequence number and appends the
	// notification. When the queue exceeds its capacity the oldest
	// entries are dropped.
	Append(ctx context.Context, userID string, payload json.RawMessage, createdAt time.Time) (events.QueuedNotification, error)

	// Drain atomically returns every queued notification for the user in
	// FIFO order and clears the queue. A second Drain returns nothing.
	Drain(ctx context.Context, userID string) ([]events.QueuedNotification, error)

	// Len returns the number of notifications queued for the user.
	Len(ctx context.Context, userID string) (int, error)
}
