// Package realtimeservice assembles the realtime core and exposes it through
// the management API, the websocket server and the command consumer.
package realtimeservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/internal/api"
	"github.com/tinywideclouds/go-realtime-service/internal/coalesce"
	"github.com/tinywideclouds/go-realtime-service/internal/delivery"
	"github.com/tinywideclouds/go-realtime-service/internal/handlers"
	"github.com/tinywideclouds/go-realtime-service/internal/platform/pubsub"
	wsclient "github.com/tinywideclouds/go-realtime-service/internal/platform/websocket"
	"github.com/tinywideclouds/go-realtime-service/internal/queue"
	"github.com/tinywideclouds/go-realtime-service/internal/ratelimit"
	"github.com/tinywideclouds/go-realtime-service/internal/realtime"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice/config"
)

// ReadinessCheck reports whether an external dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Dependencies holds the external collaborators of the service.
type Dependencies struct {
	Store    queue.Store
	Resolver events.IdentityResolver
	// Metrics and Push may be nil.
	Metrics events.MetricsSource
	Push    events.PushNotifier
	// Commands enables the bus consumer when set.
	Commands pubsub.SubscriptionReceiver
	Clock    clockwork.Clock
	Checks   []ReadinessCheck
}

// Wrapper owns every core component and the management API server.
type Wrapper struct {
	registry    *realtime.Registry
	router      *realtime.Router
	limiter     *ratelimit.Limiter
	coalescer   *coalesce.Coalescer
	delivery    *delivery.Service
	relay       *handlers.DomainRelay
	heartbeat   *realtime.HeartbeatMonitor
	connManager *realtime.ConnectionManager
	consumer    *pubsub.CommandConsumer

	server        *http.Server
	sweepInterval time.Duration
	checks        []ReadinessCheck
	ready         atomic.Bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
	logger   zerolog.Logger
}

// New creates and wires up the entire realtime service.
func New(cfg *config.AppConfig, deps *Dependencies, logger zerolog.Logger) (*Wrapper, error) {
	if cfg == nil || deps == nil {
		return nil, fmt.Errorf("config and dependencies are required")
	}
	if deps.Store == nil || deps.Resolver == nil {
		return nil, fmt.Errorf("queue store and identity resolver are required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	rules, err := eventRules(cfg.RateLimits.Events)
	if err != nil {
		return nil, err
	}

	w := &Wrapper{
		sweepInterval: cfg.SweepInterval,
		checks:        deps.Checks,
		logger:        logger.With().Str("component", "RealtimeService").Logger(),
	}
	w.bgCtx, w.bgCancel = context.WithCancel(context.Background())

	w.registry = realtime.NewRegistry(clock, logger)
	w.limiter = ratelimit.NewLimiter(clock, logger)
	w.router, err = realtime.NewRouter(w.registry, w.limiter, deps.Resolver, realtime.RouterConfig{
		DefaultRule: cfg.RateLimits.Default,
		Rules:       rules,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	w.coalescer = coalesce.New(cfg.CoalesceCooldown, clock, logger)

	w.delivery, err = delivery.NewService(w.registry, w.router, deps.Store, deps.Push, clock, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery service: %w", err)
	}
	w.registry.Subscribe(w.delivery)

	w.relay, err = handlers.NewDomainRelay(w.router, w.coalescer, deps.Metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create domain relay: %w", err)
	}
	if err := w.relay.Register(w.router); err != nil {
		return nil, fmt.Errorf("failed to register domain handlers: %w", err)
	}

	w.heartbeat = realtime.NewHeartbeatMonitor(w.registry, cfg.HeartbeatInterval, clock, logger)

	w.connManager, err = realtime.NewConnectionManager(
		cfg.WebSocketPort,
		w.registry,
		w.router,
		wsclient.ClientConfig{
			SendBuffer:      cfg.Websocket.SendBuffer,
			WriteTimeout:    cfg.Websocket.WriteTimeout,
			MaxMessageBytes: cfg.Websocket.MaxMessageBytes,
		},
		cfg.Websocket.AllowedOrigins,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	apiHandler, err := api.NewAPI(w, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create api: %w", err)
	}
	w.server = &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiHandler.Routes(api.RequireIdentity(deps.Resolver, logger)),
	}

	if deps.Commands != nil {
		w.consumer, err = pubsub.NewCommandConsumer(deps.Commands, w, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create command consumer: %w", err)
		}
	}

	return w, nil
}

func eventRules(raw map[string]ratelimit.Rule) (map[events.EventType]ratelimit.Rule, error) {
	rules := make(map[events.EventType]ratelimit.Rule, len(raw))
	for name, rule := range raw {
		t := events.EventType(name)
		if !t.IsDomain() {
			return nil, fmt.Errorf("rate limit configured for unknown domain event %q", name)
		}
		rules[t] = rule
	}
	return rules, nil
}

// Handler returns the management API handler.
func (w *Wrapper) Handler() http.Handler {
	return w.server.Handler
}

// ConnectionManager returns the websocket server, which is started separately.
func (w *Wrapper) ConnectionManager() *realtime.ConnectionManager {
	return w.connManager
}

// Start runs the background loops and serves the management API until
// Shutdown is called.
func (w *Wrapper) Start(ctx context.Context) error {
	stop := context.AfterFunc(ctx, w.bgCancel)
	defer stop()
	w.startBackground(w.bgCtx)

	ln, err := net.Listen("tcp", w.server.Addr)
	if err != nil {
		return fmt.Errorf("HTTP server failed to start: %w", err)
	}
	w.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP listener is active.")
	w.ready.Store(true)
	w.logger.Info().Msg("Service is now ready.")

	if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.ready.Store(false)
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

func (w *Wrapper) startBackground(ctx context.Context) {
	run := func(name string, fn func(context.Context)) {
		w.bgWG.Add(1)
		go func() {
			defer w.bgWG.Done()
			w.logger.Debug().Str("loop", name).Msg("Background loop starting.")
			fn(ctx)
		}()
	}
	run("heartbeat", w.heartbeat.Run)
	run("ratelimit-sweep", func(ctx context.Context) { w.limiter.Run(ctx, w.sweepInterval) })
	run("coalesce-sweep", func(ctx context.Context) { w.coalescer.Run(ctx, w.sweepInterval) })
	if w.consumer != nil {
		run("command-consumer", func(ctx context.Context) {
			if err := w.consumer.Run(ctx); err != nil {
				w.logger.Error().Err(err).Msg("Command consumer stopped.")
			}
		})
	}
}

// Shutdown gracefully stops all service components in the correct order.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	w.ready.Store(false)
	var finalErr error

	if err := w.server.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
		finalErr = err
	}

	w.bgCancel()
	w.bgWG.Wait()
	w.coalescer.Wait()
	w.delivery.Wait()

	w.logger.Info().Msg("All components shut down.")
	return finalErr
}

// --- Core operations ---

// Notify delivers a notification to one user, live or queued.
func (w *Wrapper) Notify(ctx context.Context, userID string, payload json.RawMessage) (events.DeliveryResult, error) {
	return w.delivery.Notify(ctx, userID, payload)
}

// BroadcastToGroup sends a notification to every member of a group topic.
func (w *Wrapper) BroadcastToGroup(ctx context.Context, group string, payload json.RawMessage) (int, error) {
	return w.delivery.BroadcastToGroup(ctx, group, payload)
}

// Publish sends a server event to the subscribers of a topic.
func (w *Wrapper) Publish(ctx context.Context, topic string, t events.EventType, payload json.RawMessage) (int, error) {
	parsed, err := events.ParseTopic(topic)
	if err != nil {
		return 0, err
	}
	if !t.Publishable() {
		return 0, fmt.Errorf("%w: %q cannot be published", events.ErrValidation, t)
	}
	if !events.IsObject(payload) {
		return 0, fmt.Errorf("%w: payload must be a json object", events.ErrValidation)
	}
	return w.router.Publish(ctx, parsed, events.Envelope{Type: t, Payload: payload}), nil
}

// Trigger requests a coalesced metrics broadcast.
func (w *Wrapper) Trigger(ctx context.Context, metric string) (bool, error) {
	return w.relay.TriggerMetric(ctx, metric)
}

// Presence reports a user's connection state and queue depth.
func (w *Wrapper) Presence(ctx context.Context, userID string) (events.Presence, error) {
	if userID == "" {
		return events.Presence{}, fmt.Errorf("%w: userId is required", events.ErrValidation)
	}
	queued, err := w.delivery.QueueLength(ctx, userID)
	if err != nil {
		return events.Presence{}, err
	}
	return events.Presence{
		UserID:      userID,
		Online:      w.registry.IsOnline(userID),
		Connections: len(w.registry.ConnectionsOf(userID)),
		Queued:      queued,
	}, nil
}

// Stats reports registry counters.
func (w *Wrapper) Stats() events.Stats {
	return w.registry.Stats()
}

// Ready reports whether the API listener is up and every dependency check passes.
func (w *Wrapper) Ready(ctx context.Context) error {
	if !w.ready.Load() {
		return errors.New("service not started")
	}
	for _, check := range w.checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Apply executes a command received from the message bus.
func (w *Wrapper) Apply(ctx context.Context, cmd events.Command) error {
	log := w.logger.With().Str("kind", string(cmd.Kind)).Logger()
	switch cmd.Kind {
	case events.CommandNotify:
		res, err := w.Notify(ctx, cmd.UserID, cmd.Payload)
		if err != nil {
			return err
		}
		log.Debug().Str("user", cmd.UserID).Str("outcome", string(res.Outcome)).Msg("Command applied.")
	case events.CommandPublish:
		n, err := w.Publish(ctx, cmd.Topic, cmd.Type, cmd.Payload)
		if err != nil {
			return err
		}
		log.Debug().Str("topic", cmd.Topic).Int("delivered", n).Msg("Command applied.")
	case events.CommandBroadcast:
		n, err := w.BroadcastToGroup(ctx, cmd.Group, cmd.Payload)
		if err != nil {
			return err
		}
		log.Debug().Str("group", cmd.Group).Int("delivered", n).Msg("Command applied.")
	case events.CommandTrigger:
		if _, err := w.Trigger(ctx, cmd.Metric); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown command kind %q", events.ErrValidation, cmd.Kind)
	}
	return nil
}
