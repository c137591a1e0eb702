// Package coalesce collapses bursts of recompute triggers into at most one
// broadcast per cooldown window for each metric key.
package coalesce

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// State is the cooldown state of a metric key.
type State int

const (
	Idle State = iota
	Armed
)

func (s State) String() string {
	if s == Armed {
		return "armed"
	}
	return "idle"
}

type cooldownState struct {
	armed     bool
	lastFired time.Time
}

// Coalescer fires the first trigger of a window immediately and swallows the
// rest until the cooldown has elapsed. Callbacks run on their own goroutine.
type Coalescer struct {
	mu       sync.Mutex
	states   map[string]*cooldownState
	cooldown time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// New creates a coalescer with the given cooldown.
func New(cooldown time.Duration, clock clockwork.Clock, logger zerolog.Logger) *Coalescer {
	return &Coalescer{
		states:   make(map[string]*cooldownState),
		cooldown: cooldown,
		clock:    clock,
		logger:   logger.With().Str("component", "Coalescer").Logger(),
	}
}

// Trigger runs fn when key is idle or its cooldown has elapsed and reports
// whether it fired. ctx cancellation does not stop a callback already started.
func (c *Coalescer) Trigger(ctx context.Context, key string, fn func(context.Context)) bool {
	c.mu.Lock()
	now := c.clock.Now()
	st, ok := c.states[key]
	if !ok {
		st = &cooldownState{}
		c.states[key] = st
	}
	if st.armed && now.Sub(st.lastFired) < c.cooldown {
		c.mu.Unlock()
		c.logger.Debug().Str("metric", key).Msg("Trigger coalesced.")
		return false
	}
	st.armed = true
	st.lastFired = now
	c.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error().Str("metric", key).Interface("panic", r).Msg("Recompute callback panicked.")
			}
		}()
		fn(runCtx)
	}()
	return true
}

// State evaluates the state of key against the current time.
func (c *Coalescer) State(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[key]
	if !ok || !st.armed || c.clock.Since(st.lastFired) >= c.cooldown {
		return Idle
	}
	return Armed
}

// Sweep forgets keys whose cooldown has elapsed.
func (c *Coalescer) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, st := range c.states {
		if !st.armed || c.clock.Since(st.lastFired) >= c.cooldown {
			delete(c.states, key)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is cancelled.
func (c *Coalescer) Run(ctx context.Context, interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.Sweep()
		}
	}
}

// Wait blocks until every started callback has returned.
func (c *Coalescer) Wait() {
	c.wg.Wait()
}
