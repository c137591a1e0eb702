package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/internal/queue"
	"github.com/tinywideclouds/go-realtime-service/internal/test/fakes"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice/config"
)

// sampleDashboard is served by the fake metrics source in local mode.
var sampleDashboard = json.RawMessage(`{"openTasks":0,"pendingLeaves":0,"presentToday":0}`)

// NewFakeDependencies creates in-memory fakes for local development. Tokens
// are accepted as "userID" or "userID:role".
func NewFakeDependencies(cfg *config.AppConfig, logger zerolog.Logger) (*realtimeservice.Dependencies, error) {
	store, err := queue.NewMemoryStore(cfg.Queue.Capacity, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory queue: %w", err)
	}
	return &realtimeservice.Dependencies{
		Store:    store,
		Resolver: fakes.NewIdentityResolver(),
		Metrics:  fakes.NewMetricsSource(sampleDashboard),
		Push:     fakes.NewPushNotifier(logger),
		Clock:    clockwork.NewRealClock(),
	}, nil
}
