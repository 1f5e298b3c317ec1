package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatcall-backend/pkg/logger"
)

// ErrDegraded is returned by Safe* operations while Redis is unreachable
var ErrDegraded = errors.New("redis is in degraded mode")

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// RedisClient wraps Redis client with degraded mode support
type RedisClient struct {
	Client         *redis.Client
	degradedMode   bool
	degradedModeMu sync.RWMutex
	healthCheckMu  sync.Mutex
	metrics        *redisMetrics
}

type redisMetrics struct {
	degradedMode prometheus.Gauge
	healthCheck  prometheus.Counter
}

// newRedisMetrics registers the Redis health metrics on reg. A nil reg disables them.
func newRedisMetrics(reg prometheus.Registerer) *redisMetrics {
	if reg == nil {
		return nil
	}
	m := &redisMetrics{
		degradedMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redis_degraded_mode",
			Help: "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
		}),
		healthCheck: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redis_health_check_total",
			Help: "Total number of Redis health checks",
		}),
	}
	reg.MustRegister(m.degradedMode, m.healthCheck)
	return m
}

// NewRedisDB creates a new Redis client from config with degraded mode support
func NewRedisDB(cfg *RedisConfig, reg prometheus.Registerer) (*RedisClient, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})

	return &RedisClient{
		Client:  client,
		metrics: newRedisMetrics(reg),
	}, nil
}

// WrapRedisClient adapts an existing go-redis client. Used by tests against miniredis.
func WrapRedisClient(client *redis.Client) *RedisClient {
	return &RedisClient{Client: client}
}

// Close closes the Redis client connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// StartHealthCheck starts a background goroutine that periodically checks Redis health
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.HealthCheck(ctx); err != nil {
					logger.Warn("Redis health check failed", zap.Error(err))
				}
			}
		}
	}()
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RedisClient) IsDegraded() bool {
	r.degradedModeMu.RLock()
	defer r.degradedModeMu.RUnlock()
	return r.degradedMode
}

func (r *RedisClient) setDegradedState(degraded bool) {
	r.degradedModeMu.Lock()
	defer r.degradedModeMu.Unlock()

	if r.degradedMode == degraded {
		return
	}
	r.degradedMode = degraded
	if degraded {
		logger.Warn("Redis entered degraded mode")
	} else {
		logger.Info("Redis recovered from degraded mode")
	}
	if r.metrics != nil {
		if degraded {
			r.metrics.degradedMode.Set(1)
		} else {
			r.metrics.degradedMode.Set(0)
		}
	}
}

// HealthCheck performs a health check on Redis and updates degraded mode.
// Concurrent checks are serialized.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if r.metrics != nil {
		r.metrics.healthCheck.Inc()
	}

	if err := r.Client.Ping(healthCtx).Err(); err != nil {
		r.setDegradedState(true)
		return fmt.Errorf("redis health check failed: %w", err)
	}

	r.setDegradedState(false)
	return nil
}

// SafeHGetAll performs an HGETALL operation with degraded mode handling
func (r *RedisClient) SafeHGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	if r.IsDegraded() {
		return redis.NewMapStringStringResult(nil, ErrDegraded)
	}
	return r.Client.HGetAll(ctx, key)
}

// SafeHSet performs an HSET operation with degraded mode handling
func (r *RedisClient) SafeHSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrDegraded)
	}
	return r.Client.HSet(ctx, key, values...)
}

// SafeHDel performs an HDEL operation with degraded mode handling
func (r *RedisClient) SafeHDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrDegraded)
	}
	return r.Client.HDel(ctx, key, fields...)
}

// SafeLRange performs an LRANGE operation with degraded mode handling
func (r *RedisClient) SafeLRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	if r.IsDegraded() {
		return redis.NewStringSliceResult(nil, ErrDegraded)
	}
	return r.Client.LRange(ctx, key, start, stop)
}

// SafeZAdd performs a ZADD operation with degraded mode handling
func (r *RedisClient) SafeZAdd(ctx context.Context, key string, member interface{}, score float64) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, ErrDegraded)
	}
	return r.Client.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
}

// SafeZRange performs a ZRANGE operation with degraded mode handling
func (r *RedisClient) SafeZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	if r.IsDegraded() {
		return redis.NewStringSliceResult(nil, ErrDegraded)
	}
	return r.Client.ZRange(ctx, key, start, stop)
}

// SafeZRangeByScore performs a ZRANGEBYSCORE operation with degraded mode handling
func (r *RedisClient) SafeZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd {
	if r.IsDegraded() {
		return redis.NewStringSliceResult(nil, ErrDegraded)
	}
	return r.Client.ZRangeByScore(ctx, key, opt)
}

// SafeEvalScript runs a Lua script with degraded mode handling
func (r *RedisClient) SafeEvalScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) *redis.Cmd {
	if r.IsDegraded() {
		cmd := redis.NewCmd(ctx)
		cmd.SetErr(ErrDegraded)
		return cmd
	}
	return script.Run(ctx, r.Client, keys, args...)
}

// SafeTxPipelined runs fn inside MULTI/EXEC with degraded mode handling
func (r *RedisClient) SafeTxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	if r.IsDegraded() {
		return ErrDegraded
	}
	_, err := r.Client.TxPipelined(ctx, fn)
	return err
}

// SafePipelined runs fn as a plain pipeline with degraded mode handling
func (r *RedisClient) SafePipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	if r.IsDegraded() {
		return nil, ErrDegraded
	}
	return r.Client.Pipelined(ctx, fn)
}

// SafeSubscribe performs a SUBSCRIBE operation with degraded mode handling.
// It waits for the subscription confirmation so no publish issued afterwards is missed.
func (r *RedisClient) SafeSubscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	if r.IsDegraded() {
		return nil, ErrDegraded
	}
	ps := r.Client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	return ps, nil
}
