package queue

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/internal/queue"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// pgxClient defines the interface we need from pgxpool.
type pgxClient interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	nextSequenceSQL = `
INSERT INTO notification_sequences (user_id, last_seq) VALUES ($1, 1)
ON CONFLICT (user_id) DO UPDATE SET last_seq = notification_sequences.last_seq + 1
RETURNING last_seq`

	insertNotificationSQL = `
INSERT INTO queued_notifications (user_id, sequence, payload, created_at) VALUES ($1, $2, $3, $4)`

	trimQueueSQL = `
DELETE FROM queued_notifications WHERE user_id = $1 AND sequence <= $2`

	drainQueueSQL = `
WITH drained AS (
    DELETE FROM queued_notifications WHERE user_id = $1
    RETURNING sequence, payload, created_at
)
SELECT sequence, payload, created_at FROM drained ORDER BY sequence`

	countQueueSQL = `
SELECT count(*) FROM queued_notifications WHERE user_id = $1`
)

// PostgresStore implements queue.Store on PostgreSQL. The per-user row in
// notification_sequences is locked by every append, and a drain is a single
// DELETE ... RETURNING statement.
type PostgresStore struct {
	db       pgxClient
	capacity int
	logger   zerolog.Logger
}

// NewPostgresStore is the constructor for the PostgresStore.
func NewPostgresStore(db pgxClient, capacity int, logger zerolog.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres pool cannot be nil")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	return &PostgresStore{
		db:       db,
		capacity: capacity,
		logger:   logger.With().Str("component", "PostgresStore").Logger(),
	}, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer func() { _ = db.Close() }()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run notification queue migrations: %w", err)
	}
	return nil
}

// Append implements queue.Store.
func (s *PostgresStore) Append(ctx context.Context, userID string, payload json.RawMessage, createdAt time.Time) (n events.QueuedNotification, err error) {
	log := s.logger.With().Str("user", userID).Logger()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return n, fmt.Errorf("%w: postgres begin: %w", events.ErrStoreUnavailable, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var seq int64
	if err = tx.QueryRow(ctx, nextSequenceSQL, userID).Scan(&seq); err != nil {
		log.Error().Err(err).Msg("Failed to allocate notification sequence")
		return n, fmt.Errorf("%w: postgres sequence: %w", events.ErrStoreUnavailable, err)
	}
	createdAt = createdAt.UTC()
	if _, err = tx.Exec(ctx, insertNotificationSQL, userID, seq, string(payload), createdAt); err != nil {
		log.Error().Err(err).Msg("Failed to insert notification")
		return n, fmt.Errorf("%w: postgres insert: %w", events.ErrStoreUnavailable, err)
	}
	if _, err = tx.Exec(ctx, trimQueueSQL, userID, seq-int64(s.capacity)); err != nil {
		return n, fmt.Errorf("%w: postgres trim: %w", events.ErrStoreUnavailable, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return n, fmt.Errorf("%w: postgres commit: %w", events.ErrStoreUnavailable, err)
	}

	log.Debug().Int64("sequence", seq).Msg("Queued notification")
	return events.QueuedNotification{
		UserID:    userID,
		Sequence:  seq,
		Payload:   payload,
		CreatedAt: createdAt,
	}, nil
}

// Drain implements queue.Store.
func (s *PostgresStore) Drain(ctx context.Context, userID string) ([]events.QueuedNotification, error) {
	rows, err := s.db.Query(ctx, drainQueueSQL, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to drain notification queue")
		return nil, fmt.Errorf("%w: postgres drain: %w", events.ErrStoreUnavailable, err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (events.QueuedNotification, error) {
		var (
			n       events.QueuedNotification
			payload []byte
		)
		if err := row.Scan(&n.Sequence, &payload, &n.CreatedAt); err != nil {
			return n, err
		}
		n.UserID = userID
		n.Payload = payload
		n.CreatedAt = n.CreatedAt.UTC()
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: postgres drain scan: %w", events.ErrStoreUnavailable, err)
	}
	return items, nil
}

// Len implements queue.Store.
func (s *PostgresStore) Len(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, countQueueSQL, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: postgres count: %w", events.ErrStoreUnavailable, err)
	}
	return n, nil
}

var _ queue.Store = (*PostgresStore)(nil)
