package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

// PresenceListener is told when a user's first connection authenticates and
// when their last connection goes away.
type PresenceListener interface {
	UserOnline(ctx context.Context, userID string)
	UserOffline(ctx context.Context, userID string)
}

type connEntry struct {
	conn          events.Conn
	identity      *events.Identity
	topics        map[events.Topic]struct{}
	connectedAt   time.Time
	lastHeartbeat time.Time
}

// Registry is the single source of truth for live connections, the users
// they belong to and the topics they joined.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*connEntry
	users     map[string]map[string]struct{}
	topics    map[events.Topic]map[string]struct{}
	listeners []PresenceListener
	clock     clockwork.Clock
	logger    zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(clock clockwork.Clock, logger zerolog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*connEntry),
		users:  make(map[string]map[string]struct{}),
		topics: make(map[events.Topic]map[string]struct{}),
		clock:  clock,
		logger: logger.With().Str("component", "Registry").Logger(),
	}
}

// Subscribe adds a presence listener.
func (r *Registry) Subscribe(l PresenceListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Add tracks a new, not yet authenticated connection.
func (r *Registry) Add(conn events.Conn) {
	now := r.clock.Now()
	r.mu.Lock()
	r.conns[conn.ID()] = &connEntry{
		conn:          conn,
		topics:        make(map[events.Topic]struct{}),
		connectedAt:   now,
		lastHeartbeat: now,
	}
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Debug().Str("conn", conn.ID()).Int("connections", total).Msg("Connection added.")
}

// Register binds an identity to a connection, joins its private user topic
// and, for privileged roles, the admin group. Registering again replaces the
// previous binding.
func (r *Registry) Register(ctx context.Context, connID string, id events.Identity) error {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn().Str("conn", connID).Msg("Register called for unknown connection.")
		return events.ErrUnknownConnection
	}
	if e.identity != nil && *e.identity == id {
		r.mu.Unlock()
		return nil
	}

	var wentOffline string
	if e.identity != nil {
		wentOffline = r.unbindLocked(connID, e)
	}

	identity := id
	e.identity = &identity
	presence, ok := r.users[id.UserID]
	if !ok {
		presence = make(map[string]struct{})
		r.users[id.UserID] = presence
	}
	// A role change on the same user is not a presence transition.
	cameOnline := len(presence) == 0 && wentOffline != id.UserID
	presence[connID] = struct{}{}

	r.joinLocked(connID, e, events.UserTopic(id.UserID))
	if id.Role.IsPrivileged() {
		r.joinLocked(connID, e, events.TopicAdmin)
	}
	listeners := append([]PresenceListener(nil), r.listeners...)
	r.mu.Unlock()

	r.logger.Info().Str("conn", connID).Str("user", id.UserID).Str("role", string(id.Role)).Msg("Connection registered.")

	if wentOffline != "" && wentOffline != id.UserID {
		for _, l := range listeners {
			l.UserOffline(ctx, wentOffline)
		}
	}
	if cameOnline {
		for _, l := range listeners {
			l.UserOnline(ctx, id.UserID)
		}
	}
	return nil
}

// Unregister forgets a connection. Unknown IDs are ignored.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug().Str("conn", connID).Msg("Unregister called for unknown connection.")
		return
	}
	delete(r.conns, connID)

	var wentOffline string
	if e.identity != nil {
		wentOffline = r.unbindLocked(connID, e)
	}
	for topic := range e.topics {
		r.leaveLocked(connID, e, topic)
	}
	listeners := append([]PresenceListener(nil), r.listeners...)
	r.mu.Unlock()

	r.logger.Debug().Str("conn", connID).Msg("Connection removed.")
	if wentOffline != "" {
		r.logger.Info().Str("user", wentOffline).Msg("User went offline.")
		for _, l := range listeners {
			l.UserOffline(context.Background(), wentOffline)
		}
	}
}

// unbindLocked releases presence and private topics of the bound identity and
// returns the user ID when that was the user's last connection.
func (r *Registry) unbindLocked(connID string, e *connEntry) string {
	userID := e.identity.UserID
	for topic := range e.topics {
		if topic.Private() {
			r.leaveLocked(connID, e, topic)
		}
	}
	e.identity = nil

	presence := r.users[userID]
	delete(presence, connID)
	if len(presence) == 0 {
		delete(r.users, userID)
		return userID
	}
	return ""
}

func (r *Registry) joinLocked(connID string, e *connEntry, topic events.Topic) {
	e.topics[topic] = struct{}{}
	members, ok := r.topics[topic]
	if !ok {
		members = make(map[string]struct{})
		r.topics[topic] = members
	}
	members[connID] = struct{}{}
}

func (r *Registry) leaveLocked(connID string, e *connEntry, topic events.Topic) {
	delete(e.topics, topic)
	members := r.topics[topic]
	delete(members, connID)
	if len(members) == 0 {
		delete(r.topics, topic)
	}
}

// join adds raw topic membership. Authorization is the router's job.
func (r *Registry) join(connID string, topic events.Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return events.ErrUnknownConnection
	}
	r.joinLocked(connID, e, topic)
	return nil
}

func (r *Registry) leave(connID string, topic events.Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[connID]; ok {
		r.leaveLocked(connID, e, topic)
	}
}

// Conn returns the connection with the given ID.
func (r *Registry) Conn(connID string) (events.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Identity returns the identity bound to a connection, if any.
func (r *Registry) Identity(connID string) (events.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok || e.identity == nil {
		return events.Identity{}, false
	}
	return *e.identity, true
}

// IsOnline reports whether the user has at least one authenticated connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// ConnectionsOf returns the user's live connections ordered by ID.
func (r *Registry) ConnectionsOf(userID string) []events.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.users[userID])
}

// Members returns the connections subscribed to a topic ordered by ID.
func (r *Registry) Members(topic events.Topic) []events.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.topics[topic])
}

func (r *Registry) collectLocked(ids map[string]struct{}) []events.Conn {
	if len(ids) == 0 {
		return nil
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	conns := make([]events.Conn, 0, len(sorted))
	for _, id := range sorted {
		if e, ok := r.conns[id]; ok {
			conns = append(conns, e.conn)
		}
	}
	return conns
}

// Topics returns the topics a connection joined.
func (r *Registry) Topics(connID string) []events.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil
	}
	topics := make([]events.Topic, 0, len(e.topics))
	for t := range e.topics {
		topics = append(topics, t)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })
	return topics
}

// Touch records a heartbeat and reports whether the connection is known.
func (r *Registry) Touch(connID string) bool {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	e.lastHeartbeat = now
	return true
}

// Stale returns the connections whose last heartbeat is before cutoff.
func (r *Registry) Stale(cutoff time.Time) []events.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []events.Conn
	for _, e := range r.conns {
		if e.lastHeartbeat.Before(cutoff) {
			stale = append(stale, e.conn)
		}
	}
	return stale
}

// All returns every tracked connection.
func (r *Registry) All() []events.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]events.Conn, 0, len(r.conns))
	for _, e := range r.conns {
		conns = append(conns, e.conn)
	}
	return conns
}

// Stats returns a snapshot of the registry counters.
func (r *Registry) Stats() events.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	authenticated := 0
	for _, e := range r.conns {
		if e.identity != nil {
			authenticated++
		}
	}
	return events.Stats{
		Connections:   len(r.conns),
		Authenticated: authenticated,
		OnlineUsers:   len(r.users),
		Topics:        len(r.topics),
	}
}
