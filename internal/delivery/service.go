// Package delivery decides whether a targeted notification goes straight to
// a user's live connections or into their durable queue, and replays the
// queue when the user comes back online.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/internal/queue"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

// Presence answers who is connected.
type Presence interface {
	IsOnline(userID string) bool
	ConnectionsOf(userID string) []events.Conn
}

// Fanout delivers envelopes to connections and topics.
type Fanout interface {
	SendTo(ctx context.Context, conns []events.Conn, env events.Envelope) int
	// Replay waits for buffer room on each connection.
	Replay(ctx context.Context, conns []events.Conn, env events.Envelope) int
	Publish(ctx context.Context, topic events.Topic, env events.Envelope) int
}

const (
	// ReplayTimeout bounds how long one queued entry waits for a
	// connection's outbound buffer during replay.
	ReplayTimeout = 10 * time.Second
	// PushTimeout bounds one offline push poke.
	PushTimeout = 5 * time.Second
)

// userLock serializes delivery for one user. refs counts holders and waiters.
type userLock struct {
	mu   sync.Mutex
	refs int
}

// Service implements targeted notification delivery.
type Service struct {
	presence Presence
	fanout   Fanout
	store    queue.Store
	push     events.PushNotifier
	clock    clockwork.Clock
	logger   zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*userLock
	pushWG  sync.WaitGroup
}

// NewService wires the delivery service. push may be nil.
func NewService(presence Presence, fanout Fanout, store queue.Store, push events.PushNotifier, clock clockwork.Clock, logger zerolog.Logger) (*Service, error) {
	if presence == nil {
		return nil, fmt.Errorf("presence cannot be nil")
	}
	if fanout == nil {
		return nil, fmt.Errorf("fanout cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("queue store cannot be nil")
	}
	return &Service{
		presence: presence,
		fanout:   fanout,
		store:    store,
		push:     push,
		clock:    clock,
		logger:   logger.With().Str("component", "DeliveryService").Logger(),
		locks:    make(map[string]*userLock),
	}, nil
}

// lockUser blocks until the caller owns userID's delivery lock.
func (s *Service) lockUser(userID string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[userID]
	if !ok {
		l = &userLock{}
		s.locks[userID] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, userID)
		}
		s.locksMu.Unlock()
	}
}

// Wait blocks until every in-flight push poke has finished.
func (s *Service) Wait() {
	s.pushWG.Wait()
}

// Notify delivers payload to every live connection of the user, or queues it
// when none accepts it. Store failures degrade to a dropped result and are
// never returned; only invalid input is an error. Deliveries to one user,
// including replays, never interleave.
func (s *Service) Notify(ctx context.Context, userID string, payload json.RawMessage) (events.DeliveryResult, error) {
	if userID == "" {
		return events.DeliveryResult{}, fmt.Errorf("%w: userId is required", events.ErrValidation)
	}
	if !events.IsObject(payload) {
		return events.DeliveryResult{}, fmt.Errorf("%w: payload must be a json object", events.ErrValidation)
	}
	log := s.logger.With().Str("user", userID).Logger()
	unlock := s.lockUser(userID)
	defer unlock()

	if s.presence.IsOnline(userID) {
		env := events.Envelope{Type: events.EventNotification, Payload: payload}
		if n := s.fanout.SendTo(ctx, s.presence.ConnectionsOf(userID), env); n > 0 {
			log.Debug().Int("connections", n).Msg("Notification delivered live.")
			return events.DeliveryResult{Outcome: events.OutcomeDelivered, Connections: n}, nil
		}
		log.Info().Msg("No live connection accepted the notification. Queuing.")
	}

	queued, err := s.store.Append(ctx, userID, payload, s.clock.Now())
	if err != nil {
		log.Error().Err(err).Msg("Durable queue unavailable. Notification dropped.")
		return events.DeliveryResult{Outcome: events.OutcomeDropped}, nil
	}

	s.poke(ctx, queued)

	// The user may have connected between the presence check and the append.
	if s.presence.IsOnline(userID) {
		log.Debug().Msg("User came online while queuing. Draining.")
		if _, err := s.drain(ctx, userID); err != nil {
			log.Warn().Err(err).Msg("Drain after queuing failed")
		}
	}

	return events.DeliveryResult{Outcome: events.OutcomeQueued, Sequence: queued.Sequence}, nil
}

// poke tells the push service about a queued notification without holding
// up the caller.
func (s *Service) poke(ctx context.Context, n events.QueuedNotification) {
	if s.push == nil {
		return
	}
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), PushTimeout)
	s.pushWG.Add(1)
	go func() {
		defer s.pushWG.Done()
		defer cancel()
		if err := s.push.NotifyOffline(pushCtx, n); err != nil {
			s.logger.Warn().Err(err).Str("user", n.UserID).Int64("sequence", n.Sequence).Msg("Failed to send offline push")
		}
	}()
}

// Drain atomically takes the user's queue and replays it in FIFO order to
// every live connection. Entries no connection accepted go back to the queue.
func (s *Service) Drain(ctx context.Context, userID string) ([]events.QueuedNotification, error) {
	unlock := s.lockUser(userID)
	defer unlock()
	return s.drain(ctx, userID)
}

func (s *Service) drain(ctx context.Context, userID string) ([]events.QueuedNotification, error) {
	log := s.logger.With().Str("user", userID).Logger()

	items, err := s.store.Drain(ctx, userID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to drain notification queue")
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	replayed := make([]events.QueuedNotification, 0, len(items))
	for i, item := range items {
		conns := s.presence.ConnectionsOf(userID)
		env := events.Envelope{Type: events.EventNotification, Payload: item.Payload}
		if len(conns) == 0 || s.replay(ctx, conns, env) == 0 {
			s.requeue(ctx, userID, items[i:])
			break
		}
		replayed = append(replayed, item)
	}

	log.Info().Int("replayed", len(replayed)).Int("drained", len(items)).Msg("Replayed queued notifications.")
	return replayed, nil
}

func (s *Service) replay(ctx context.Context, conns []events.Conn, env events.Envelope) int {
	replayCtx, cancel := context.WithTimeout(ctx, ReplayTimeout)
	defer cancel()
	return s.fanout.Replay(replayCtx, conns, env)
}

// requeue puts undelivered entries back in their original order. They get
// new sequence numbers.
func (s *Service) requeue(ctx context.Context, userID string, items []events.QueuedNotification) {
	// The connection context is usually gone by now.
	ctx = context.WithoutCancel(ctx)
	for _, item := range items {
		if _, err := s.store.Append(ctx, userID, item.Payload, item.CreatedAt); err != nil {
			s.logger.Error().Err(err).Str("user", userID).Int64("sequence", item.Sequence).Msg("Failed to requeue notification. Notification lost.")
		}
	}
	s.logger.Warn().Str("user", userID).Int("count", len(items)).Msg("User went offline during replay. Requeued remaining notifications.")
}

// BroadcastToGroup publishes payload to a group topic. Broadcasts are never queued.
func (s *Service) BroadcastToGroup(ctx context.Context, group string, payload json.RawMessage) (int, error) {
	topic := events.GroupTopic(group)
	if topic.Kind() != events.TopicKindGroup {
		return 0, fmt.Errorf("%w: group name is required", events.ErrInvalidTopic)
	}
	if !events.IsObject(payload) {
		return 0, fmt.Errorf("%w: payload must be a json object", events.ErrValidation)
	}
	return s.fanout.Publish(ctx, topic, events.Envelope{Type: events.EventNotification, Payload: payload}), nil
}

// QueueLength reports how many notifications are waiting for the user.
func (s *Service) QueueLength(ctx context.Context, userID string) (int, error) {
	return s.store.Len(ctx, userID)
}

// UserOnline drains the user's queue when their first connection authenticates.
func (s *Service) UserOnline(ctx context.Context, userID string) {
	if _, err := s.Drain(ctx, userID); err != nil {
		s.logger.Warn().Err(err).Str("user", userID).Msg("Drain on connect failed")
	}
}

// UserOffline only logs; queued state lives in the store.
func (s *Service) UserOffline(_ context.Context, userID string) {
	s.logger.Debug().Str("user", userID).Msg("User offline.")
}
