package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/internal/queue"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxFirestoreCapacity keeps a full drain inside the 500 writes allowed per transaction.
const maxFirestoreCapacity = 450

// queueHead is the per-user document every transaction reads, which
// serializes appends and drains for that user.
type queueHead struct {
	LastSequence int64     `firestore:"last_sequence"`
	UpdatedAt    time.Time `firestore:"updated_at"`
}

// storedNotification is the document stored in the user's subcollection.
type storedNotification struct {
	Sequence  int64     `firestore:"sequence"`
	Payload   string    `firestore:"payload"`
	CreatedAt time.Time `firestore:"created_at"`
}

// FirestoreStore implements queue.Store using Google Cloud Firestore.
// Layout: {collection}/{userID} holds the head document and
// {collection}/{userID}/notifications/{sequence} holds the entries.
type FirestoreStore struct {
	client         *firestore.Client
	collectionName string
	capacity       int
	logger         zerolog.Logger
}

// NewFirestoreStore is the constructor for the FirestoreStore.
func NewFirestoreStore(client *firestore.Client, collectionName string, capacity int, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collectionName == "" {
		return nil, fmt.Errorf("collectionName cannot be empty")
	}
	if capacity <= 0 || capacity > maxFirestoreCapacity {
		return nil, fmt.Errorf("firestore queue capacity must be in [1, %d], got %d", maxFirestoreCapacity, capacity)
	}
	return &FirestoreStore{
		client:         client,
		collectionName: collectionName,
		capacity:       capacity,
		logger:         logger.With().Str("component", "FirestoreStore").Str("collection", collectionName).Logger(),
	}, nil
}

func (s *FirestoreStore) headDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.collectionName).Doc(userID)
}

func (s *FirestoreStore) notifications(userID string) *firestore.CollectionRef {
	return s.headDoc(userID).Collection("notifications")
}

func notificationDocID(seq int64) string {
	// Zero padded so document IDs sort like sequences.
	return fmt.Sprintf("%020d", seq)
}

func readHead(tx *firestore.Transaction, ref *firestore.DocumentRef) (queueHead, error) {
	var head queueHead
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return head, nil
		}
		return head, err
	}
	if err := snap.DataTo(&head); err != nil {
		return head, err
	}
	return head, nil
}

// Append implements queue.Store.
func (s *FirestoreStore) Append(ctx context.Context, userID string, payload json.RawMessage, createdAt time.Time) (events.QueuedNotification, error) {
	log := s.logger.With().Str("user", userID).Logger()
	head := s.headDoc(userID)
	coll := s.notifications(userID)

	var n events.QueuedNotification
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		h, err := readHead(tx, head)
		if err != nil {
			return err
		}
		seq := h.LastSequence + 1
		n = events.QueuedNotification{
			UserID:    userID,
			Sequence:  seq,
			Payload:   payload,
			CreatedAt: createdAt.UTC(),
		}

		if err := tx.Create(coll.Doc(notificationDocID(seq)), storedNotification{
			Sequence:  seq,
			Payload:   string(payload),
			CreatedAt: n.CreatedAt,
		}); err != nil {
			return err
		}
		// Entries are contiguous, so exactly one falls out when over capacity.
		if evict := seq - int64(s.capacity); evict > 0 {
			if err := tx.Delete(coll.Doc(notificationDocID(evict))); err != nil {
				return err
			}
		}
		return tx.Set(head, queueHead{LastSequence: seq, UpdatedAt: n.CreatedAt})
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to append notification")
		return events.QueuedNotification{}, fmt.Errorf("%w: firestore append: %w", events.ErrStoreUnavailable, err)
	}

	log.Debug().Int64("sequence", n.Sequence).Msg("Queued notification")
	return n, nil
}

// Drain implements queue.Store.
func (s *FirestoreStore) Drain(ctx context.Context, userID string) ([]events.QueuedNotification, error) {
	log := s.logger.With().Str("user", userID).Logger()
	head := s.headDoc(userID)
	query := s.notifications(userID).OrderBy("sequence", firestore.Asc)

	var items []events.QueuedNotification
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		items = nil
		h, err := readHead(tx, head)
		if err != nil {
			return err
		}
		snaps, err := tx.Documents(query).GetAll()
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			return nil
		}

		for _, snap := range snaps {
			var stored storedNotification
			if err := snap.DataTo(&stored); err != nil {
				log.Error().Err(err).Str("doc_id", snap.Ref.ID).Msg("Dropping unreadable notification")
			} else {
				items = append(items, events.QueuedNotification{
					UserID:    userID,
					Sequence:  stored.Sequence,
					Payload:   json.RawMessage(stored.Payload),
					CreatedAt: stored.CreatedAt,
				})
			}
			if err := tx.Delete(snap.Ref); err != nil {
				return err
			}
		}
		h.UpdatedAt = time.Now().UTC()
		return tx.Set(head, h)
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to drain notification queue")
		return nil, fmt.Errorf("%w: firestore drain: %w", events.ErrStoreUnavailable, err)
	}

	if len(items) > 0 {
		log.Debug().Int("count", len(items)).Msg("Drained notification queue")
	}
	return items, nil
}

// Len implements queue.Store.
func (s *FirestoreStore) Len(ctx context.Context, userID string) (int, error) {
	snaps, err := s.notifications(userID).Select().Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("%w: firestore len: %w", events.ErrStoreUnavailable, err)
	}
	return len(snaps), nil
}

var _ queue.Store = (*FirestoreStore)(nil)
