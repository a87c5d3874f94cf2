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

	"liveroom-backend/pkg/config"
	"liveroom-backend/pkg/logger"
)

// ErrRedisDegraded is returned by Safe* calls while Redis is unreachable
var ErrRedisDegraded = errors.New("redis is in degraded mode")

var (
	redisDegradedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "redis_degraded_mode",
		Help: "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
	})
	redisHealthChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_health_check_total",
		Help: "Redis health checks by result",
	}, []string{"result"})
)

// RegisterRedisMetrics attaches the Redis health collectors to reg
func RegisterRedisMetrics(reg prometheus.Registerer) {
	reg.MustRegister(redisDegradedGauge, redisHealthChecks)
}

// RedisClient wraps a Redis client with degraded mode support. Callers that
// only need best-effort delivery go through the Safe* methods, which fail fast
// instead of queueing behind an unreachable server.
type RedisClient struct {
	Client *redis.Client

	degradedMu    sync.RWMutex
	degraded      bool
	healthCheckMu sync.Mutex
}

// WrapRedis wraps an existing client
func WrapRedis(client *redis.Client) *RedisClient {
	return &RedisClient{Client: client}
}

// NewRedisDB connects to Redis using cfg and verifies the connection
func NewRedisDB(ctx context.Context, cfg config.RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
		MaxRetries:   3,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{Client: client}, nil
}

// Close closes the Redis client connection
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// StartHealthCheck periodically pings Redis until ctx is cancelled
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = r.HealthCheck(ctx)
			}
		}
	}()
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RedisClient) IsDegraded() bool {
	r.degradedMu.RLock()
	defer r.degradedMu.RUnlock()
	return r.degraded
}

func (r *RedisClient) setDegraded(degraded bool) {
	r.degradedMu.Lock()
	changed := r.degraded != degraded
	r.degraded = degraded
	r.degradedMu.Unlock()

	if !changed {
		return
	}
	if degraded {
		redisDegradedGauge.Set(1)
		logger.Warn("Redis entered degraded mode")
	} else {
		redisDegradedGauge.Set(0)
		logger.Info("Redis recovered from degraded mode")
	}
}

// HealthCheck pings Redis and updates degraded mode. Concurrent checks are
// serialized so a flapping server is not hammered.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := r.Client.Ping(healthCtx).Err(); err != nil {
		redisHealthChecks.WithLabelValues("failed").Inc()
		r.setDegraded(true)
		logger.Debug("Redis health check failed", zap.Error(err))
		return fmt.Errorf("redis health check failed: %w", err)
	}

	redisHealthChecks.WithLabelValues("ok").Inc()
	r.setDegraded(false)
	return nil
}

// SafePublish performs a PUBLISH operation with degraded mode handling
func (r *RedisClient) SafePublish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, fmt.Errorf("%w, publish skipped", ErrRedisDegraded))
	}
	return r.Client.Publish(ctx, channel, message)
}

// SafeSubscribe subscribes to channels; it returns nil in degraded mode
func (r *RedisClient) SafeSubscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if r.IsDegraded() {
		return nil
	}
	return r.Client.Subscribe(ctx, channels...)
}

// SafeGet performs a GET operation with degraded mode handling
func (r *RedisClient) SafeGet(ctx context.Context, key string) *redis.StringCmd {
	if r.IsDegraded() {
		return redis.NewStringResult("", fmt.Errorf("%w, get skipped", ErrRedisDegraded))
	}
	return r.Client.Get(ctx, key)
}

// SafeSMembers performs a SMEMBERS operation with degraded mode handling
func (r *RedisClient) SafeSMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	if r.IsDegraded() {
		return redis.NewStringSliceResult(nil, fmt.Errorf("%w, smembers skipped", ErrRedisDegraded))
	}
	return r.Client.SMembers(ctx, key)
}
