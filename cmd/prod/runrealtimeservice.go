package main

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tinywideclouds/go-realtime-service/cmd"
	"github.com/tinywideclouds/go-realtime-service/internal/app"
	"github.com/tinywideclouds/go-realtime-service/internal/platform/auth"
	"github.com/tinywideclouds/go-realtime-service/internal/platform/metrics"
	psub "github.com/tinywideclouds/go-realtime-service/internal/platform/pubsub"
	"github.com/tinywideclouds/go-realtime-service/internal/platform/push"
	fsqueue "github.com/tinywideclouds/go-realtime-service/internal/platform/queue"
	"github.com/tinywideclouds/go-realtime-service/internal/queue"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice/config"
)

func main() {
	// 1. Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "go-realtime-service").Logger()

	// 2. Load config.yaml and environment overrides
	cfg, err := cmd.Load(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// 3. Create dependencies
	ctx := context.Background()
	deps, closeDeps, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}
	defer closeDeps()

	// 4. Create the service
	svc, err := realtimeservice.New(cfg, deps, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create realtime service")
	}

	// 5. Run the application
	app.Run(ctx, logger, map[string]app.Component{
		"api":       svc,
		"websocket": svc.ConnectionManager(),
	}, []string{"websocket", "api"})
}

// newDependencies builds the service dependency container.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*realtimeservice.Dependencies, func(), error) {
	if cfg.RunMode == "local" {
		logger.Warn().Msg("Running in 'local' mode. All external dependencies will be faked.")
		deps, err := cmd.NewFakeDependencies(cfg, logger)
		return deps, func() {}, err
	}
	return newProdDependencies(ctx, cfg, logger)
}

// prodClients holds the connections that must be closed on exit.
type prodClients struct {
	firestore *firestore.Client
	pubsub    *pubsub.Client
	redis     *redis.Client
	postgres  *pgxpool.Pool
}

func (c *prodClients) close() {
	if c.firestore != nil {
		_ = c.firestore.Close()
	}
	if c.pubsub != nil {
		_ = c.pubsub.Close()
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
	if c.postgres != nil {
		c.postgres.Close()
	}
}

// newProdDependencies creates real, production-ready dependencies.
func newProdDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*realtimeservice.Dependencies, func(), error) {
	clients := &prodClients{}
	deps, err := buildProdDependencies(ctx, cfg, clients, logger)
	if err != nil {
		clients.close()
		return nil, nil, err
	}
	return deps, clients.close, nil
}

func buildProdDependencies(ctx context.Context, cfg *config.AppConfig, clients *prodClients, logger zerolog.Logger) (*realtimeservice.Dependencies, error) {
	var err error
	if cfg.Queue.Uses("firestore") {
		clients.firestore, err = firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to firestore: %w", err)
		}
	}
	if cfg.Pubsub.CommandTopicID != "" || cfg.Pubsub.PushTopicID != "" {
		clients.pubsub, err = pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to pubsub: %w", err)
		}
	}

	deps := &realtimeservice.Dependencies{Clock: clockwork.NewRealClock()}

	deps.Store, err = newQueueStore(ctx, cfg, clients, logger)
	if err != nil {
		return nil, err
	}
	if clients.redis != nil {
		deps.Checks = append(deps.Checks, func(ctx context.Context) error { return clients.redis.Ping(ctx).Err() })
	}
	if clients.postgres != nil {
		deps.Checks = append(deps.Checks, clients.postgres.Ping)
	}

	deps.Resolver, err = auth.NewJWTResolver(ctx, auth.Config{
		Secret:   []byte(cfg.Identity.JWTSecret),
		JWKSURL:  cfg.Identity.JWKSURL,
		Issuer:   cfg.Identity.Issuer,
		Audience: cfg.Identity.Audience,
		Skew:     cfg.Identity.Skew,
	}, deps.Clock, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity resolver: %w", err)
	}

	if cfg.Metrics.URL != "" {
		opts := []metrics.Option{metrics.WithClock(deps.Clock)}
		if cfg.Metrics.Token != "" {
			opts = append(opts, metrics.WithBearerToken(cfg.Metrics.Token))
		}
		if cfg.Metrics.Timeout > 0 {
			opts = append(opts, metrics.WithTimeout(cfg.Metrics.Timeout))
		}
		deps.Metrics, err = metrics.NewHTTPSource(cfg.Metrics.URL, logger, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics source: %w", err)
		}
	} else {
		logger.Warn().Msg("No metrics url configured. Dashboard broadcasts are disabled.")
	}

	if cfg.Pubsub.PushTopicID != "" {
		deps.Push, err = newPushNotifier(ctx, cfg, clients.pubsub, logger)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Pubsub.CommandTopicID != "" {
		if err := psub.EnsureTopic(ctx, clients.pubsub, cfg.ProjectID, cfg.Pubsub.CommandTopicID, logger); err != nil {
			return nil, err
		}
		subName, err := psub.EnsureSubscription(ctx, clients.pubsub, cfg.ProjectID, cfg.Pubsub.CommandTopicID, cfg.Pubsub.CommandSubscriptionID, logger)
		if err != nil {
			return nil, err
		}
		deps.Commands = clients.pubsub.Subscriber(subName)
	}

	return deps, nil
}

// newQueueStore creates the configured store, wrapped with its fallback when one is set.
func newQueueStore(ctx context.Context, cfg *config.AppConfig, clients *prodClients, logger zerolog.Logger) (queue.Store, error) {
	primary, err := newStore(ctx, cfg.Queue.Type, cfg, clients, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s queue: %w", cfg.Queue.Type, err)
	}
	if cfg.Queue.Fallback == "" {
		return primary, nil
	}
	secondary, err := newStore(ctx, cfg.Queue.Fallback, cfg, clients, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s fallback queue: %w", cfg.Queue.Fallback, err)
	}
	return queue.NewFallbackStore(primary, secondary, cfg.Queue.Capacity, logger)
}

func newStore(ctx context.Context, storeType string, cfg *config.AppConfig, clients *prodClients, logger zerolog.Logger) (queue.Store, error) {
	logger.Info().Str("type", storeType).Msg("Initializing notification queue...")

	switch storeType {
	case "memory":
		return queue.NewMemoryStore(cfg.Queue.Capacity, logger)

	case "redis":
		clients.redis = redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
		if err := clients.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Queue.RedisAddr, err)
		}
		logger.Info().Str("addr", cfg.Queue.RedisAddr).Msg("Connected to Redis queue")
		return fsqueue.NewRedisStore(clients.redis, cfg.Queue.Capacity, logger)

	case "firestore":
		return fsqueue.NewFirestoreStore(clients.firestore, cfg.Queue.FirestoreCollection, cfg.Queue.Capacity, logger)

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Queue.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		clients.postgres = pool
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if cfg.Queue.PostgresMigrate {
			if err := fsqueue.Migrate(ctx, pool); err != nil {
				return nil, fmt.Errorf("failed to migrate postgres queue: %w", err)
			}
		}
		return fsqueue.NewPostgresStore(pool, cfg.Queue.Capacity, logger)

	default:
		return nil, errors.New("invalid queue type: " + storeType)
	}
}

// newPushNotifier creates a Pub/Sub-backed push notifier.
func newPushNotifier(ctx context.Context, cfg *config.AppConfig, psClient *pubsub.Client, logger zerolog.Logger) (*push.PubSubNotifier, error) {
	if err := psub.EnsureTopic(ctx, psClient, cfg.ProjectID, cfg.Pubsub.PushTopicID, logger); err != nil {
		return nil, err
	}
	producer, err := psub.NewProducer(psClient.Publisher(cfg.Pubsub.PushTopicID), logger)
	if err != nil {
		return nil, err
	}
	return push.NewPubSubNotifier(producer, logger)
}
