// Package api is the collaborator HTTP surface: targeted notifications,
// group broadcasts, topic publishes, metric triggers and introspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

const maxBodyBytes = 1 << 20

// Core is the set of service operations the API exposes.
type Core interface {
	Notify(ctx context.Context, userID string, payload json.RawMessage) (events.DeliveryResult, error)
	BroadcastToGroup(ctx context.Context, group string, payload json.RawMessage) (int, error)
	Publish(ctx context.Context, topic string, t events.EventType, payload json.RawMessage) (int, error)
	Trigger(ctx context.Context, metric string) (bool, error)
	Presence(ctx context.Context, userID string) (events.Presence, error)
	Stats() events.Stats
	Ready(ctx context.Context) error
}

type notifyRequest struct {
	UserID  string          `json:"userId" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

type broadcastRequest struct {
	Group   string          `json:"group" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

type publishRequest struct {
	Topic   string          `json:"topic" validate:"required"`
	Type    string          `json:"type" validate:"required"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

type deliveredResponse struct {
	Delivered int `json:"delivered"`
}

type triggerResponse struct {
	Metric string `json:"metric"`
	Fired  bool   `json:"fired"`
}

// API holds the dependencies for the HTTP handlers.
type API struct {
	core     Core
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewAPI creates the handler set.
func NewAPI(core Core, logger zerolog.Logger) (*API, error) {
	if core == nil {
		return nil, fmt.Errorf("core cannot be nil")
	}
	return &API{
		core:     core,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With().Str("component", "API").Logger(),
	}, nil
}

// NotifyHandler sends a targeted notification to one user.
func (a *API) NotifyHandler(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if !a.decode(w, r, &req) {
		return
	}
	log := a.logger.With().Str("user", req.UserID).Logger()

	res, err := a.core.Notify(r.Context(), req.UserID, req.Payload)
	if err != nil {
		a.writeCoreError(w, log, err)
		return
	}

	log.Debug().Str("outcome", string(res.Outcome)).Msg("Notification handled.")
	status := http.StatusOK
	if res.Outcome != events.OutcomeDelivered {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// BroadcastHandler publishes a notification to every member of a group.
func (a *API) BroadcastHandler(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if !a.decode(w, r, &req) {
		return
	}
	log := a.logger.With().Str("group", req.Group).Logger()

	n, err := a.core.BroadcastToGroup(r.Context(), req.Group, req.Payload)
	if err != nil {
		a.writeCoreError(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, deliveredResponse{Delivered: n})
}

// PublishHandler publishes an arbitrary server event to a topic.
func (a *API) PublishHandler(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !a.decode(w, r, &req) {
		return
	}
	log := a.logger.With().Str("topic", req.Topic).Str("type", req.Type).Logger()

	n, err := a.core.Publish(r.Context(), req.Topic, events.EventType(req.Type), req.Payload)
	if err != nil {
		a.writeCoreError(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, deliveredResponse{Delivered: n})
}

// TriggerHandler asks for a coalesced recompute of a metric.
func (a *API) TriggerHandler(w http.ResponseWriter, r *http.Request) {
	metric := chi.URLParam(r, "metric")
	log := a.logger.With().Str("metric", metric).Logger()

	fired, err := a.core.Trigger(r.Context(), metric)
	if err != nil {
		a.writeCoreError(w, log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, triggerResponse{Metric: metric, Fired: fired})
}

// PresenceHandler reports whether a user is online and how much is queued for them.
func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	log := a.logger.With().Str("user", userID).Logger()

	p, err := a.core.Presence(r.Context(), userID)
	if err != nil {
		a.writeCoreError(w, log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// StatsHandler returns the current connection counters.
func (a *API) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.core.Stats())
}

// HealthzHandler reports liveness.
func (a *API) HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyzHandler reports whether the service can take traffic.
func (a *API) ReadyzHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.core.Ready(r.Context()); err != nil {
		a.logger.Warn().Err(err).Msg("Readiness check failed")
		writeJSONError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		a.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Failed to decode request body")
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func (a *API) writeCoreError(w http.ResponseWriter, log zerolog.Logger, err error) {
	switch {
	case errors.Is(err, events.ErrValidation), errors.Is(err, events.ErrInvalidTopic):
		log.Debug().Err(err).Msg("Rejected request")
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, events.ErrUnauthorized):
		log.Warn().Err(err).Msg("Forbidden request")
		writeJSONError(w, http.StatusForbidden, err.Error())
	default:
		log.Error().Err(err).Msg("Request failed")
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// validationMessage turns validator errors into a short client-facing message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(fields, ", ")
}
