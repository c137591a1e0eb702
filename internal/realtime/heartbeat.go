package realtime

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// HeartbeatMonitor evicts connections that have not pinged for two intervals.
type HeartbeatMonitor struct {
	registry *Registry
	interval time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger
}

// NewHeartbeatMonitor creates a monitor that sweeps every interval.
func NewHeartbeatMonitor(registry *Registry, interval time.Duration, clock clockwork.Clock, logger zerolog.Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		registry: registry,
		interval: interval,
		clock:    clock,
		logger:   logger.With().Str("component", "HeartbeatMonitor").Logger(),
	}
}

// Sweep closes and unregisters every connection whose last heartbeat is
// older than twice the interval. It returns the number evicted.
func (m *HeartbeatMonitor) Sweep() int {
	cutoff := m.clock.Now().Add(-2 * m.interval)
	stale := m.registry.Stale(cutoff)
	for _, c := range stale {
		m.logger.Info().Str("conn", c.ID()).Msg("Heartbeat timeout. Disconnecting.")
		if err := c.Close(); err != nil {
			m.logger.Debug().Err(err).Str("conn", c.ID()).Msg("Error closing stale connection.")
		}
		m.registry.Unregister(c.ID())
	}
	return len(stale)
}

// Run sweeps every interval until ctx is cancelled.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info().Dur("interval", m.interval).Msg("Heartbeat monitor started.")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.Sweep()
		}
	}
}
