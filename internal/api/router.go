package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

type identityKey struct{}

// IdentityFromContext returns the caller identity set by RequireIdentity.
func IdentityFromContext(ctx context.Context) (events.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(events.Identity)
	return id, ok
}

// RequireIdentity rejects requests without a bearer token that resolves to a
// privileged identity.
func RequireIdentity(resolver events.IdentityResolver, logger zerolog.Logger) func(http.Handler) http.Handler {
	logger = logger.With().Str("component", "APIAuth").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
				return
			}
			id, err := resolver.Resolve(r.Context(), strings.TrimSpace(token))
			if err != nil {
				logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Rejected API token")
				writeJSONError(w, http.StatusUnauthorized, "invalid authentication token")
				return
			}
			if !id.Role.IsPrivileged() {
				logger.Warn().Str("user", id.UserID).Str("role", string(id.Role)).Msg("Non-privileged API caller")
				writeJSONError(w, http.StatusForbidden, "caller is not allowed to use this API")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
		})
	}
}

// Routes builds the HTTP handler. auth may be nil to leave /api open.
func (a *API) Routes(auth func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", a.HealthzHandler)
	r.Get("/readyz", a.ReadyzHandler)

	r.Route("/api", func(r chi.Router) {
		if auth != nil {
			r.Use(auth)
		}
		r.Post("/notify", a.NotifyHandler)
		r.Post("/broadcast", a.BroadcastHandler)
		r.Post("/publish", a.PublishHandler)
		r.Post("/trigger/{metric}", a.TriggerHandler)
		r.Get("/presence/{userID}", a.PresenceHandler)
		r.Get("/stats", a.StatsHandler)
	})
	return r
}
