package events

import (
	"context"
	"encoding/json"
)

// Conn is a live client connection as seen by the registry and router.
type Conn interface {
	ID() string
	// Send queues env for delivery without blocking. It fails with
	// ErrTransport when the connection is closed or saturated.
	Send(env Envelope) error
	// SendWait queues env, waiting for buffer room until ctx ends. Replay
	// uses it so a long backlog is paced by the connection writer.
	SendWait(ctx context.Context, env Envelope) error
	Close() error
}

// IdentityResolver turns a handshake token into an identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// MetricsSource provides the aggregate dashboard metrics broadcast to admins.
type MetricsSource interface {
	Fetch(ctx context.Context) (json.RawMessage, error)
}

// PushNotifier pokes an external push service when a notification is queued
// for an offline user.
type PushNotifier interface {
	NotifyOffline(ctx context.Context, n QueuedNotification) error
}
