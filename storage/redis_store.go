package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"watchpost/core"
	"watchpost/metrics"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	scanBatch  = 500
	sweepBatch = 1000
)

// RedisStoreConfig configures retention, caching and failure handling.
type RedisStoreConfig struct {
	KeyPrefix        string
	EventRetention   time.Duration
	AnomalyRetention time.Duration

	// RecordCacheSize <= 0 disables the decoded event cache.
	RecordCacheSize int
	RecordCacheTTL  time.Duration

	// MaxScan caps how many index entries one query may walk.
	MaxScan int

	BreakerFailureThreshold uint32
	BreakerOpenTimeout      time.Duration

	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

// DefaultRedisStoreConfig returns the production defaults.
func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		EventRetention:          72 * time.Hour,
		AnomalyRetention:        168 * time.Hour,
		RecordCacheSize:         10000,
		RecordCacheTTL:          5 * time.Minute,
		MaxScan:                 50000,
		BreakerFailureThreshold: 5,
		BreakerOpenTimeout:      30 * time.Second,
	}
}

// RedisStore implements TimeWindowedStore on Redis. Records are msgpack
// blobs with a per-key TTL; sorted sets scored by event time index them by
// time, source IP and event type; plain sets index anomalies by severity
// and rule name.
type RedisStore struct {
	client  *redis.Client
	keys    keyspace
	cfg     RedisStoreConfig
	cache   *expirable.LRU[string, core.Event]
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewRedisClient creates the go-redis client used by the store. Context
// deadlines bound socket reads and writes, so detector query budgets hold
// against a hung server.
func NewRedisClient(addr, password string, db, poolSize int, dialTimeout time.Duration) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:                  addr,
		Password:              password,
		DB:                    db,
		PoolSize:              poolSize,
		DialTimeout:           dialTimeout,
		ContextTimeoutEnabled: true,
	})
}

// NewRedisStore wraps an existing client. Zero config values fall back to
// DefaultRedisStoreConfig.
func NewRedisStore(client *redis.Client, cfg RedisStoreConfig, logger *zap.SugaredLogger) *RedisStore {
	defaults := DefaultRedisStoreConfig()
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = defaults.EventRetention
	}
	if cfg.AnomalyRetention <= 0 {
		cfg.AnomalyRetention = defaults.AnomalyRetention
	}
	if cfg.RecordCacheTTL <= 0 {
		cfg.RecordCacheTTL = defaults.RecordCacheTTL
	}
	if cfg.MaxScan <= 0 {
		cfg.MaxScan = defaults.MaxScan
	}
	if cfg.BreakerFailureThreshold == 0 {
		cfg.BreakerFailureThreshold = defaults.BreakerFailureThreshold
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = defaults.BreakerOpenTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &RedisStore{
		client: client,
		keys:   keyspace{prefix: cfg.KeyPrefix},
		cfg:    cfg,
		logger: logger,
		now:    now,
	}
	if cfg.RecordCacheSize > 0 {
		s.cache = expirable.NewLRU[string, core.Event](cfg.RecordCacheSize, nil, cfg.RecordCacheTTL)
	}
	s.breaker = newStoreBreaker("redis-store", cfg.BreakerFailureThreshold, cfg.BreakerOpenTimeout, logger)
	return s
}

// Ping tests the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", func() error {
		return s.client.Ping(ctx).Err()
	})
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Sweep drops index entries that fell out of the retention windows. Reads
// and writes already prune opportunistically; Sweep bounds index growth
// for idle keys.
func (s *RedisStore) Sweep(ctx context.Context) error {
	now := s.now()
	eventCutoff := exclusiveScoreArg(now.Add(-s.cfg.EventRetention))
	var removed int64
	err := s.do(ctx, "sweep_events", func() error {
		n, err := s.client.ZRemRangeByScore(ctx, s.keys.eventsByTime(), "-inf", eventCutoff).Result()
		removed = n
		return err
	})
	if err != nil {
		return err
	}
	pruned, err := s.pruneAnomalies(ctx)
	if err != nil {
		return err
	}
	if removed > 0 || pruned > 0 {
		s.logger.Debugw("Swept expired index entries", "events", removed, "anomalies", pruned)
	}
	return nil
}

// do runs one Redis round trip through the circuit breaker and maps
// transport failures onto ErrStoreUnavailable. Context cancellation is
// reported as such and never trips the breaker.
func (s *RedisStore) do(ctx context.Context, op string, fn func() error) error {
	_, err := s.breaker.Execute(func() (struct{}, error) {
		err := fn()
		if err != nil && ctx.Err() != nil {
			return struct{}{}, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return struct{}{}, err
	})
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.StoreErrors.WithLabelValues(op, "breaker_open").Inc()
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	case isTransportError(err):
		metrics.StoreErrors.WithLabelValues(op, "transport").Inc()
		s.logger.Warnw("Store operation failed", "op", op, "error", err)
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		metrics.StoreErrors.WithLabelValues(op, "timeout").Inc()
		return err
	default:
		return err
	}
}

func isTransportError(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, redis.Nil),
		errors.Is(err, redis.TxFailedErr),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrCorruptRecord),
		errors.Is(err, ErrInvalidRecord),
		errors.Is(err, core.ErrInvalidTransition):
		return false
	}
	return true
}

func newStoreBreaker(name string, threshold uint32, openTimeout time.Duration, logger *zap.SugaredLogger) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warnw("Store circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
			if to == gobreaker.StateOpen {
				metrics.StoreBreakerState.Set(1)
			} else {
				metrics.StoreBreakerState.Set(0)
			}
		},
		IsSuccessful: func(err error) bool {
			return !isTransportError(err)
		},
	})
}
