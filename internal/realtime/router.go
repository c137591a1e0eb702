package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/internal/ratelimit"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

// Sender describes the connection a client event came from.
type Sender struct {
	ConnectionID string
	Identity     *events.Identity
}

// RateKey keys rate windows by user, falling back to the connection for
// unauthenticated senders.
func (s Sender) RateKey() string {
	if s.Identity != nil {
		return "user:" + s.Identity.UserID
	}
	return "conn:" + s.ConnectionID
}

// HandlerFunc processes an accepted client originated event.
type HandlerFunc func(ctx context.Context, sender Sender, env events.Envelope) error

// RouterConfig holds the per event class rate limits.
type RouterConfig struct {
	DefaultRule ratelimit.Rule
	Rules       map[events.EventType]ratelimit.Rule
}

type authPayload struct {
	Token string `json:"token"`
}

type topicPayload struct {
	Topic string `json:"topic"`
}

// Router authorizes topic joins, fans out published envelopes and routes
// inbound client envelopes to the handler table.
type Router struct {
	registry *Registry
	limiter  *ratelimit.Limiter
	resolver events.IdentityResolver
	cfg      RouterConfig

	handlersMu sync.RWMutex
	handlers   map[events.EventType]HandlerFunc

	// fanoutMu serializes every delivery so each recipient sees one
	// topic's envelopes in publish order.
	fanoutMu sync.Mutex
	logger   zerolog.Logger
}

// NewRouter wires a router to its registry, limiter and identity resolver.
func NewRouter(registry *Registry, limiter *ratelimit.Limiter, resolver events.IdentityResolver, cfg RouterConfig, logger zerolog.Logger) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter cannot be nil")
	}
	if resolver == nil {
		return nil, fmt.Errorf("identity resolver cannot be nil")
	}
	return &Router{
		registry: registry,
		limiter:  limiter,
		resolver: resolver,
		cfg:      cfg,
		handlers: make(map[events.EventType]HandlerFunc),
		logger:   logger.With().Str("component", "Router").Logger(),
	}, nil
}

// Handle registers the handler for a client originated domain event.
func (r *Router) Handle(t events.EventType, h HandlerFunc) error {
	if !t.IsDomain() {
		return fmt.Errorf("%w: %q is not a client handled event", events.ErrValidation, t)
	}
	if h == nil {
		return fmt.Errorf("handler for %q cannot be nil", t)
	}
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers[t] = h
	return nil
}

// JoinTopic subscribes a connection after checking its identity may join.
// Joining twice is a no-op.
func (r *Router) JoinTopic(connID string, topic events.Topic) error {
	if topic.Kind() == events.TopicKindInvalid {
		return fmt.Errorf("%w: %q", events.ErrInvalidTopic, topic)
	}
	if topic.Private() {
		id, ok := r.registry.Identity(connID)
		if !ok {
			return fmt.Errorf("%w: %s requires authentication", events.ErrUnauthorized, topic)
		}
		if !id.CanJoin(topic) {
			return fmt.Errorf("%w: %s may not join %s", events.ErrUnauthorized, id.UserID, topic)
		}
	}
	if err := r.registry.join(connID, topic); err != nil {
		return err
	}
	r.logger.Debug().Str("conn", connID).Str("topic", topic.String()).Msg("Joined topic.")
	return nil
}

// LeaveTopic unsubscribes a connection. Unknown connections are ignored.
func (r *Router) LeaveTopic(connID string, topic events.Topic) {
	r.registry.leave(connID, topic)
}

// Publish delivers env to every member of topic and returns how many accepted it.
func (r *Router) Publish(ctx context.Context, topic events.Topic, env events.Envelope) int {
	r.fanoutMu.Lock()
	defer r.fanoutMu.Unlock()
	members := r.registry.Members(topic)
	delivered := r.sendLocked(members, env)
	r.logger.Debug().Str("topic", topic.String()).Str("type", string(env.Type)).
		Int("members", len(members)).Int("delivered", delivered).Msg("Published.")
	return delivered
}

// SendTo delivers env to the given connections under the fan-out lock.
func (r *Router) SendTo(_ context.Context, conns []events.Conn, env events.Envelope) int {
	r.fanoutMu.Lock()
	defer r.fanoutMu.Unlock()
	return r.sendLocked(conns, env)
}

// Replay delivers env to each connection, waiting for buffer room instead of
// failing fast. It runs outside the fan-out lock. Connections that time out
// or close are disconnected.
func (r *Router) Replay(ctx context.Context, conns []events.Conn, env events.Envelope) int {
	delivered := 0
	for _, c := range conns {
		if err := c.SendWait(ctx, env); err != nil {
			r.logger.Warn().Err(err).Str("conn", c.ID()).Str("type", string(env.Type)).Msg("Replay send failed. Disconnecting.")
			r.disconnect(c)
			continue
		}
		delivered++
	}
	return delivered
}

// sendLocked keeps going past failed recipients; each one is disconnected.
func (r *Router) sendLocked(conns []events.Conn, env events.Envelope) int {
	delivered := 0
	for _, c := range conns {
		if err := c.Send(env); err != nil {
			r.logger.Warn().Err(err).Str("conn", c.ID()).Str("type", string(env.Type)).Msg("Send failed. Disconnecting.")
			r.disconnect(c)
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Router) disconnect(c events.Conn) {
	if err := c.Close(); err != nil {
		r.logger.Debug().Err(err).Str("conn", c.ID()).Msg("Error closing connection.")
	}
	r.registry.Unregister(c.ID())
}

// Authenticate resolves token and binds the resulting identity to the connection.
func (r *Router) Authenticate(ctx context.Context, connID, token string) (events.Identity, error) {
	if token == "" {
		return events.Identity{}, fmt.Errorf("%w: missing token", events.ErrUnauthorized)
	}
	id, err := r.resolver.Resolve(ctx, token)
	if err != nil {
		return events.Identity{}, fmt.Errorf("%w: %w", events.ErrUnauthorized, err)
	}
	if id.UserID == "" {
		return events.Identity{}, fmt.Errorf("%w: token has no subject", events.ErrUnauthorized)
	}
	if err := r.registry.Register(ctx, connID, id); err != nil {
		return events.Identity{}, err
	}
	return id, nil
}

// Route handles one raw inbound message. Problems are reported to the sender
// as error envelopes and never close the connection.
func (r *Router) Route(ctx context.Context, connID string, raw []byte) {
	env, err := events.DecodeEnvelope(raw)
	if err != nil {
		r.reply(connID, events.ErrorEnvelope(events.CodeInvalidEnvelope, err.Error()))
		return
	}
	if !env.Type.Inbound() {
		r.reply(connID, events.ErrorEnvelope(events.CodeInvalidEnvelope, fmt.Sprintf("%q is not accepted from clients", env.Type)))
		return
	}

	sender := Sender{ConnectionID: connID}
	if id, ok := r.registry.Identity(connID); ok {
		sender.Identity = &id
	}

	switch env.Type {
	case events.EventPing:
		if !r.registry.Touch(connID) {
			r.logger.Debug().Str("conn", connID).Msg("Ping from unknown connection.")
			return
		}
		r.reply(connID, events.MustEnvelope(events.EventPong, struct{}{}))
	case events.EventAuth:
		r.handleAuth(ctx, connID, env)
	case events.EventJoin:
		r.handleMembership(connID, env, true)
	case events.EventLeave:
		r.handleMembership(connID, env, false)
	default:
		r.dispatch(ctx, sender, env)
	}
}

func (r *Router) handleAuth(ctx context.Context, connID string, env events.Envelope) {
	var p authPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.reply(connID, events.ErrorEnvelope(events.CodeInvalidPayload, "auth payload must carry a token"))
		return
	}
	id, err := r.Authenticate(ctx, connID, p.Token)
	if err != nil {
		r.logger.Warn().Err(err).Str("conn", connID).Msg("Handshake rejected.")
		r.reply(connID, r.errorFor(err))
		return
	}
	r.reply(connID, events.MustEnvelope(events.EventAuthOK, id))
}

func (r *Router) handleMembership(connID string, env events.Envelope, join bool) {
	var p topicPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		r.reply(connID, events.ErrorEnvelope(events.CodeInvalidPayload, "payload must carry a topic"))
		return
	}
	topic, err := events.ParseTopic(p.Topic)
	if err != nil {
		r.reply(connID, r.errorFor(err))
		return
	}
	if !join {
		r.LeaveTopic(connID, topic)
		return
	}
	if err := r.JoinTopic(connID, topic); err != nil {
		r.logger.Warn().Err(err).Str("conn", connID).Str("topic", topic.String()).Msg("Join rejected.")
		r.reply(connID, r.errorFor(err))
	}
}

func (r *Router) dispatch(ctx context.Context, sender Sender, env events.Envelope) {
	rule := r.cfg.DefaultRule
	if specific, ok := r.cfg.Rules[env.Type]; ok {
		rule = specific
	}
	if !r.limiter.Allow(sender.RateKey(), string(env.Type), rule.Limit, rule.Window) {
		r.logger.Debug().Str("conn", sender.ConnectionID).Str("type", string(env.Type)).Msg("Rate limited. Dropping event.")
		return
	}

	r.handlersMu.RLock()
	h, ok := r.handlers[env.Type]
	r.handlersMu.RUnlock()
	if !ok {
		r.reply(sender.ConnectionID, events.ErrorEnvelope(events.CodeUnsupported, fmt.Sprintf("no handler for %q", env.Type)))
		return
	}
	if err := h(ctx, sender, env); err != nil {
		r.logger.Warn().Err(err).Str("conn", sender.ConnectionID).Str("type", string(env.Type)).Msg("Handler failed.")
		r.reply(sender.ConnectionID, r.errorFor(err))
	}
}

func (r *Router) errorFor(err error) events.Envelope {
	switch {
	case errors.Is(err, events.ErrUnauthorized):
		return events.ErrorEnvelope(events.CodeUnauthorized, err.Error())
	case errors.Is(err, events.ErrInvalidTopic):
		return events.ErrorEnvelope(events.CodeInvalidTopic, err.Error())
	case errors.Is(err, events.ErrValidation):
		return events.ErrorEnvelope(events.CodeInvalidPayload, err.Error())
	}
	return events.ErrorEnvelope(events.CodeInternal, "internal error")
}

// reply sends directly to one connection under the fan-out lock.
func (r *Router) reply(connID string, env events.Envelope) {
	conn, ok := r.registry.Conn(connID)
	if !ok {
		r.logger.Debug().Str("conn", connID).Str("type", string(env.Type)).Msg("Reply to unknown connection dropped.")
		return
	}
	r.SendTo(context.Background(), []events.Conn{conn}, env)
}
