// Package realtime tracks live client connections and routes events between
// them: the registry, the channel router, the heartbeat monitor and the
// websocket server that feeds them.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	wsclient "github.com/tinywideclouds/go-realtime-service/internal/platform/websocket"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

// ConnectionManager runs the dedicated websocket HTTP server and hands every
// connection to the registry and router.
type ConnectionManager struct {
	server     *http.Server
	upgrader   websocket.Upgrader
	registry   *Registry
	router     *Router
	clientCfg  wsclient.ClientConfig
	logger     zerolog.Logger
	instanceID string
	wg         sync.WaitGroup
	// baseCtx is the parent of every connection's context.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewConnectionManager creates and wires up a new WebSocket connection manager.
func NewConnectionManager(
	port string,
	registry *Registry,
	router *Router,
	clientCfg wsclient.ClientConfig,
	allowedOrigins []string,
	logger zerolog.Logger,
) (*ConnectionManager, error) {
	if registry == nil || router == nil {
		return nil, fmt.Errorf("registry and router are required")
	}

	instanceID := uuid.NewString()
	cmLogger := logger.With().Str("component", "ConnectionManager").Str("instance", instanceID).Logger()
	baseCtx, cancel := context.WithCancel(context.Background())

	cm := &ConnectionManager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		registry:   registry,
		router:     router,
		clientCfg:  clientCfg,
		logger:     cmLogger,
		instanceID: instanceID,
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", cm.connectHandler)
	cm.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	return cm, nil
}

// originChecker allows every origin when the list is empty or contains "*".
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Handler exposes the HTTP handler, mainly for tests.
func (cm *ConnectionManager) Handler() http.Handler {
	return cm.server.Handler
}

// Start runs the HTTP server for WebSocket connections.
func (cm *ConnectionManager) Start(_ context.Context) error {
	cm.logger.Info().Str("addr", cm.server.Addr).Msg("WebSocket server starting...")
	if err := cm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and closes every open one with a
// close frame.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info().Msg("Shutting down WebSocket service...")
	var finalErr error

	if err := cm.server.Shutdown(ctx); err != nil {
		cm.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		finalErr = err
	}

	cm.cancelBase()
	for _, c := range cm.registry.All() {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		cm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		cm.logger.Warn().Msg("Timed out waiting for connections to close.")
		if finalErr == nil {
			finalErr = ctx.Err()
		}
	}

	cm.logger.Info().Msg("WebSocket service shut down.")
	return finalErr
}

// connectHandler upgrades a new HTTP request to a WebSocket and manages its
// lifecycle. A bearer token on the upgrade request authenticates the
// connection immediately; otherwise the client sends an auth event.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	cm.wg.Add(1)
	defer cm.wg.Done()

	client := wsclient.NewClient(uuid.NewString(), conn, cm.clientCfg, cm.logger)
	cm.registry.Add(client)
	defer cm.registry.Unregister(client.ID())

	go client.WritePump()

	ctx, cancel := context.WithCancel(cm.baseCtx)
	defer cancel()

	cm.logger.Info().Str("conn", client.ID()).Msg("Client connected via WebSocket.")

	if token != "" {
		id, err := cm.router.Authenticate(ctx, client.ID(), token)
		if err != nil {
			cm.logger.Warn().Err(err).Str("conn", client.ID()).Msg("Upgrade token rejected.")
			cm.router.reply(client.ID(), cm.router.errorFor(err))
		} else {
			cm.router.reply(client.ID(), events.MustEnvelope(events.EventAuthOK, id))
		}
	}

	client.ReadPump(ctx, func(ctx context.Context, raw []byte) {
		cm.router.Route(ctx, client.ID(), raw)
	})

	cm.logger.Info().Str("conn", client.ID()).Msg("Client disconnected.")
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
