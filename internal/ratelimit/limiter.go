// Package ratelimit throttles client originated events with a sliding window
// per (key, event class).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Rule is the maximum number of accepted events per window.
// A zero Limit or Window disables limiting.
type Rule struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type windowKey struct {
	key   string
	class string
}

// window holds accepted timestamps in ascending order.
type window struct {
	span     time.Duration
	accepted []time.Time
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.accepted) && !w.accepted[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.accepted = append(w.accepted[:0], w.accepted[i:]...)
	}
}

// Limiter is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	windows map[windowKey]*window
	clock   clockwork.Clock
	logger  zerolog.Logger
}

// NewLimiter creates an empty limiter.
func NewLimiter(clock clockwork.Clock, logger zerolog.Logger) *Limiter {
	return &Limiter{
		windows: make(map[windowKey]*window),
		clock:   clock,
		logger:  logger.With().Str("component", "RateLimiter").Logger(),
	}
}

// Allow records and accepts the event when fewer than limit events were
// accepted for (key, class) in the trailing window. Rejected events are
// not recorded. An empty key is always allowed.
func (l *Limiter) Allow(key, class string, limit int, span time.Duration) bool {
	if key == "" || limit <= 0 || span <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	wk := windowKey{key: key, class: class}
	w, ok := l.windows[wk]
	if !ok {
		w = &window{}
		l.windows[wk] = w
	}
	w.span = span
	w.prune(now)

	if len(w.accepted) >= limit {
		return false
	}
	w.accepted = append(w.accepted, now)
	return true
}

// Sweep forgets keys with no accepted event inside their window and
// returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for wk, w := range l.windows {
		w.prune(now)
		if len(w.accepted) == 0 {
			delete(l.windows, wk)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Int("remaining", len(l.windows)).Msg("Swept idle rate windows.")
	}
	return removed
}

// Len returns the number of tracked (key, class) windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Run sweeps every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			l.Sweep()
		}
	}
}
