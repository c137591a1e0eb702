// Package app contains the shared, reusable logic for starting and stopping the service.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ShutdownTimeout bounds the graceful shutdown of every component.
const ShutdownTimeout = 15 * time.Second

// Component is a long running server with a graceful shutdown.
type Component interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Run starts every component, waits for an OS signal or for one of them to
// fail, then shuts them down in reverse order.
func Run(ctx context.Context, logger zerolog.Logger, components map[string]Component, order []string) {
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, name := range order {
		c := components[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info().Str("component", name).Msg("Starting component...")
			if err := c.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("component", name).Msg("Component failed.")
				cancel()
			}
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)
	select {
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal.")
	case <-ctx.Done():
		logger.Info().Msg("Context cancelled, initiating shutdown.")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		logger.Info().Str("component", name).Msg("Shutting down component...")
		if err := components[name].Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Str("component", name).Msg("Component shutdown failed.")
		}
	}

	wg.Wait()
	logger.Info().Msg("All services shut down gracefully.")
}
