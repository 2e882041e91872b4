package repositories

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peerwire/internal/core/ports"
	"peerwire/internal/infrastructure/reliability"
	"peerwire/internal/infrastructure/repositories/memory"
	redisrepo "peerwire/internal/infrastructure/repositories/redis"
	"peerwire/pkg/circuitbreaker"
	"peerwire/pkg/config"
	"peerwire/pkg/retry"
)

// Factory creates room repositories, preferring Redis when configured and
// reachable and falling back to process memory otherwise.
type Factory struct {
	useRedis    bool
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewFactory(cfg *config.Config, logger *zap.SugaredLogger) (*Factory, error) {
	f := &Factory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repository",
				"error", err,
			)
			f.useRedis = false
		} else {
			f.redisClient = client
			logger.Info("using Redis room repository")
		}
	}

	if !f.useRedis {
		logger.Info("using memory room repository")
	}
	return f, nil
}

// CreateRoomRepository returns the configured repository. The Redis-backed
// variant is wrapped with retry and a circuit breaker.
func (f *Factory) CreateRoomRepository() ports.RoomRepository {
	if f.useRedis && f.redisClient != nil {
		repo := redisrepo.NewRoomRepository(f.redisClient)
		return reliability.NewRoomRepositoryWrapper(
			repo,
			retry.DefaultConfig(),
			circuitbreaker.DefaultConfig(),
			f.logger,
		)
	}
	return memory.NewRoomRepository()
}

// RedisClient exposes the shared client for components that coordinate
// through redis directly (event bus, instance registry, locks). Nil when
// running on the memory repository.
func (f *Factory) RedisClient() *redis.Client {
	if !f.useRedis {
		return nil
	}
	return f.redisClient
}

func (f *Factory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseClient(f.redisClient)
	}
	return nil
}

// HealthCheck pings Redis when it is in use.
func (f *Factory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
