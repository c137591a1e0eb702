// Package handlers holds the default handlers for client originated domain
// events and the coalesced dashboard recompute they trigger.
package handlers

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/internal/realtime"
	"github.com/tinywideclouds/go-realtime-service/pkg/events"
)

// DashboardMetric is the metric key recomputed after any domain change.
const DashboardMetric = "dashboard"

// Publisher fans an envelope out to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic events.Topic, env events.Envelope) int
}

// Coalescer runs fn at most once per cooldown window for key.
type Coalescer interface {
	Trigger(ctx context.Context, key string, fn func(context.Context)) bool
}

// HandlerRegistrar is the router's handler table.
type HandlerRegistrar interface {
	Handle(t events.EventType, h realtime.HandlerFunc) error
}

// DomainRelay re-publishes domain events on their topic and schedules
// recomputes of the metrics they affect.
type DomainRelay struct {
	publisher Publisher
	coalescer Coalescer
	metrics   events.MetricsSource
	recompute map[string]func(context.Context)
	logger    zerolog.Logger
}

// NewDomainRelay wires the relay. metrics may be nil, in which case the
// dashboard metric is not registered.
func NewDomainRelay(publisher Publisher, coalescer Coalescer, metrics events.MetricsSource, logger zerolog.Logger) (*DomainRelay, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if coalescer == nil {
		return nil, fmt.Errorf("coalescer cannot be nil")
	}
	d := &DomainRelay{
		publisher: publisher,
		coalescer: coalescer,
		metrics:   metrics,
		recompute: make(map[string]func(context.Context)),
		logger:    logger.With().Str("component", "DomainRelay").Logger(),
	}
	if metrics != nil {
		d.recompute[DashboardMetric] = d.broadcastDashboard
	}
	return d, nil
}

// Register installs the relay handler for every domain event type.
func (d *DomainRelay) Register(r HandlerRegistrar) error {
	for _, et := range events.DomainEventTypes() {
		if err := r.Handle(et, d.HandleDomainEvent); err != nil {
			return fmt.Errorf("failed to register handler for %s: %w", et, err)
		}
	}
	return nil
}

// HandleDomainEvent relays a client's domain change to its topic.
// Only authenticated senders may publish domain changes.
func (d *DomainRelay) HandleDomainEvent(ctx context.Context, sender realtime.Sender, env events.Envelope) error {
	if sender.Identity == nil {
		return fmt.Errorf("%w: %s requires authentication", events.ErrUnauthorized, env.Type)
	}
	topic, ok := env.Type.DomainTopic()
	if !ok {
		return fmt.Errorf("%w: %q is not a domain event", events.ErrValidation, env.Type)
	}

	delivered := d.publisher.Publish(ctx, topic, env)
	d.logger.Debug().Str("user", sender.Identity.UserID).Str("type", string(env.Type)).
		Str("topic", topic.String()).Int("delivered", delivered).Msg("Relayed domain event.")

	if _, ok := d.recompute[DashboardMetric]; !ok {
		return nil
	}
	fired, err := d.TriggerMetric(ctx, DashboardMetric)
	if err != nil {
		d.logger.Debug().Err(err).Msg("Dashboard recompute not scheduled.")
		return nil
	}
	d.logger.Debug().Bool("fired", fired).Msg("Dashboard recompute requested.")
	return nil
}

// TriggerMetric asks the coalescer to recompute a known metric and reports
// whether a recompute started.
func (d *DomainRelay) TriggerMetric(ctx context.Context, metric string) (bool, error) {
	fn, ok := d.recompute[metric]
	if !ok {
		return false, fmt.Errorf("%w: unknown metric %q", events.ErrValidation, metric)
	}
	return d.coalescer.Trigger(ctx, metric, fn), nil
}

// Metrics lists the metric keys that can be triggered.
func (d *DomainRelay) Metrics() []string {
	keys := make([]string, 0, len(d.recompute))
	for k := range d.recompute {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (d *DomainRelay) broadcastDashboard(ctx context.Context) {
	payload, err := d.metrics.Fetch(ctx)
	if err != nil {
		d.logger.Error().Err(err).Str("metric", DashboardMetric).Msg("Failed to fetch dashboard metrics")
		return
	}
	if !events.IsObject(payload) {
		d.logger.Error().Str("metric", DashboardMetric).Msg("Metrics source returned a non-object document")
		return
	}
	env := events.Envelope{Type: events.EventDashboardMetrics, Payload: payload}
	delivered := d.publisher.Publish(ctx, events.TopicAdmin, env)
	d.logger.Debug().Str("metric", DashboardMetric).Int("delivered", delivered).Msg("Broadcast dashboard metrics.")
}
