package bootstrap

import (
	"context"
	"fmt"
	"time"

	"watchpost/config"
	"watchpost/storage"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// storeRetryDelays are the waits between connection attempts at startup.
var storeRetryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// StorageComponents holds the store and its background maintenance.
type StorageComponents struct {
	Client    *redis.Client
	Store     *storage.RedisStore
	Retention *storage.RetentionManager
}

// StoreConfigFromConfig maps the store section onto the Redis store settings.
func StoreConfigFromConfig(cfg *config.Config) storage.RedisStoreConfig {
	return storage.RedisStoreConfig{
		KeyPrefix:               cfg.Store.KeyPrefix,
		EventRetention:          cfg.Store.EventRetention,
		AnomalyRetention:        cfg.Store.AnomalyRetention,
		RecordCacheSize:         cfg.Store.RecordCacheSize,
		RecordCacheTTL:          cfg.Store.RecordCacheTTL,
		MaxScan:                 cfg.Store.MaxScan,
		BreakerFailureThreshold: cfg.Store.Breaker.FailureThreshold,
		BreakerOpenTimeout:      cfg.Store.Breaker.OpenTimeout,
	}
}

// InitStore connects to Redis with retry logic and builds the store. The
// retention manager is created but not started.
func InitStore(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	client := storage.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.DialTimeout)

	var lastErr error
	for attempt := 0; attempt <= len(storeRetryDelays); attempt++ {
		if attempt > 0 {
			delay := storeRetryDelays[attempt-1]
			sugar.Infow("Retrying Redis connection",
				"attempt", attempt,
				"max_retries", len(storeRetryDelays),
				"delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				_ = client.Close()
				return nil, ctx.Err()
			}
		}

		pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout+time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			break
		}
		sugar.Warnw("Redis connection attempt failed",
			"attempt", attempt+1,
			"addr", cfg.Redis.Addr,
			"error", lastErr)
	}
	if lastErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %s", len(storeRetryDelays)+1, ClassifyConnectionError(lastErr, cfg.Redis.Addr))
	}

	store := storage.NewRedisStore(client, StoreConfigFromConfig(cfg), sugar.Named("store"))
	sugar.Infow("Redis store ready",
		"addr", cfg.Redis.Addr,
		"db", cfg.Redis.DB,
		"key_prefix", cfg.Store.KeyPrefix)

	return &StorageComponents{
		Client:    client,
		Store:     store,
		Retention: storage.NewRetentionManager(store, cfg.Store.SweepInterval, sugar.Named("retention")),
	}, nil
}

// Close releases the Redis connection pool.
func (s *StorageComponents) Close() error {
	if s == nil || s.Store == nil {
		return nil
	}
	return s.Store.Close()
}
