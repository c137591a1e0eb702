// Package fakes provides in-memory test doubles (fakes) for the service's
// dependencies. These are used by the local run mode and in tests.
package fakes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

// --- Connection ---

// Conn is an events.Conn that records every envelope it is sent.
type Conn struct {
	id       string
	mu       sync.Mutex
	received []events.Envelope
	closed   bool
	capacity int
	fail     bool
	notify   chan struct{}
}

// NewConn creates a connection with unlimited buffer.
func NewConn(id string) *Conn {
	return &Conn{id: id, notify: make(chan struct{}, 1)}
}

// NewBoundedConn creates a connection that fails once it holds capacity envelopes.
func NewBoundedConn(id string, capacity int) *Conn {
	c := NewConn(id)
	c.capacity = capacity
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(env events.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: connection %s closed", events.ErrTransport, c.id)
	}
	if c.fail || (c.capacity > 0 && len(c.received) >= c.capacity) {
		return fmt.Errorf("%w: connection %s buffer full", events.ErrTransport, c.id)
	}
	c.received = append(c.received, env)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// SendWait never waits; a bounded fake has no writer to make room.
func (c *Conn) SendWait(_ context.Context, env events.Envelope) error {
	return c.Send(env)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// FailSends makes every further Send fail.
func (c *Conn) FailSends() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = true
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Received returns a copy of every envelope sent so far.
func (c *Conn) Received() []events.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Envelope(nil), c.received...)
}

// ReceivedOfType filters Received by type.
func (c *Conn) ReceivedOfType(t events.EventType) []events.Envelope {
	var out []events.Envelope
	for _, env := range c.Received() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// Last returns the most recent envelope.
func (c *Conn) Last() (events.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.received) == 0 {
		return events.Envelope{}, false
	}
	return c.received[len(c.received)-1], true
}

// --- Identity ---

// IdentityResolver accepts tokens of the form "userID" or "userID:role".
type IdentityResolver struct{}

func NewIdentityResolver() *IdentityResolver { return &IdentityResolver{} }

func (r *IdentityResolver) Resolve(_ context.Context, token string) (events.Identity, error) {
	userID, role, _ := strings.Cut(strings.TrimSpace(token), ":")
	if userID == "" {
		return events.Identity{}, fmt.Errorf("%w: empty token", events.ErrUnauthorized)
	}
	if role == "" {
		role = string(events.RoleStaff)
	}
	return events.Identity{UserID: userID, Role: events.Role(role)}, nil
}

// --- Metrics ---

// MetricsSource returns a fixed document and counts fetches.
type MetricsSource struct {
	mu      sync.Mutex
	payload json.RawMessage
	err     error
	fetches int
}

func NewMetricsSource(payload json.RawMessage) *MetricsSource {
	return &MetricsSource{payload: payload}
}

func (m *MetricsSource) Fetch(_ context.Context) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.err != nil {
		return nil, m.err
	}
	return m.payload, nil
}

// SetError makes subsequent fetches fail.
func (m *MetricsSource) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MetricsSource) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// --- Notifications ---

// PushNotifier records every offline poke.
type PushNotifier struct {
	mu     sync.Mutex
	logger zerolog.Logger
	pokes  []events.QueuedNotification
}

func NewPushNotifier(logger zerolog.Logger) *PushNotifier {
	return &PushNotifier{logger: logger.With().Str("component", "FakePushNotifier").Logger()}
}

func (p *PushNotifier) NotifyOffline(_ context.Context, n events.QueuedNotification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger.Debug().Str("user", n.UserID).Int64("sequence", n.Sequence).Msg("[FAKES-PUSH] NotifyOffline called.")
	p.pokes = append(p.pokes, n)
	return nil
}

func (p *PushNotifier) Pokes() []events.QueuedNotification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.QueuedNotification(nil), p.pokes...)
}
