package repositories

import (
	"context"

	"pairline/internal/core/ports"
	"pairline/internal/infrastructure/repositories/memory"
	redisrepo "pairline/internal/infrastructure/repositories/redis"
	"pairline/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	cfg         *config.Config
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled and falls back to
// in-memory repositories when it is unreachable.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		cfg:      cfg,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory
}

func (f *RepositoryFactory) UsingRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// RedisClient is the shared client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	if !f.UsingRedis() {
		return nil
	}
	return f.redisClient
}

func (f *RepositoryFactory) CreatePeerRepository() ports.PeerRepository {
	if f.UsingRedis() {
		return redisrepo.NewRedisPeerRepository(f.redisClient, f.cfg.Directory.PeerTTL)
	}
	return memory.NewMemoryPeerRepository(f.cfg.Directory.PeerTTL)
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck pings Redis when it backs the repositories.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsingRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
