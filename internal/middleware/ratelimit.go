package middleware

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"liveroom-backend/internal/database"
	apperrors "liveroom-backend/pkg/errors"
	"liveroom-backend/pkg/logger"
	"liveroom-backend/pkg/metrics"
	"liveroom-backend/pkg/response"
)

// RateLimitConfig is a fixed window limit for one route group
type RateLimitConfig struct {
	Name     string
	Requests int
	Window   time.Duration
}

// InviteRateLimit bounds invite fan-out per caller
var InviteRateLimit = RateLimitConfig{Name: "invites", Requests: 30, Window: time.Minute}

// DefaultRateLimit applies to the rest of the API
var DefaultRateLimit = RateLimitConfig{Name: "api", Requests: 300, Window: time.Minute}

// RateLimiter counts requests in Redis and falls back to a per-process
// window while Redis is degraded
type RateLimiter struct {
	redis   *database.RedisClient
	cfg     RateLimitConfig
	metrics *metrics.Metrics
	local   *InMemoryRateLimiter
}

// NewRateLimiter creates a limiter. redis and m may be nil.
func NewRateLimiter(redis *database.RedisClient, cfg RateLimitConfig, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		redis:   redis,
		cfg:     cfg,
		metrics: m,
		local:   NewInMemoryRateLimiter(cfg.Requests, cfg.Window),
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, ok := UserID(c); ok {
			identifier = "user:" + userID.String()
		}

		var (
			allowed   bool
			remaining int
			resetAt   int64
		)
		if rl.redis == nil || rl.redis.IsDegraded() {
			allowed, remaining, resetAt = rl.local.Check(identifier)
		} else {
			var err error
			allowed, remaining, resetAt, err = rl.checkRedis(c.Request.Context(), identifier)
			if err != nil {
				// Fail open
				logger.Warn("Rate limit check failed", zap.String("limiter", rl.cfg.Name), zap.Error(err))
				c.Next()
				return
			}
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.cfg.Requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			if rl.metrics != nil {
				rl.metrics.RecordRateLimitBlocked(rl.cfg.Name)
			}
			response.FromError(c, apperrors.RateLimitExceededError())
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) checkRedis(ctx context.Context, identifier string) (bool, int, int64, error) {
	windowStart := time.Now().Truncate(rl.cfg.Window)
	key := fmt.Sprintf("ratelimit:%s:%s:%d", rl.cfg.Name, identifier, windowStart.Unix())

	pipe := rl.redis.Client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.cfg.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, 0, err
	}

	count := int(incr.Val())
	resetAt := windowStart.Add(rl.cfg.Window).Unix()
	return count <= rl.cfg.Requests, remainingOf(rl.cfg.Requests, count), resetAt, nil
}

func remainingOf(limit, count int) int {
	if count >= limit {
		return 0
	}
	return limit - count
}

type localWindow struct {
	start time.Time
	count int
}

// InMemoryRateLimiter is a per-process fixed window limiter
type InMemoryRateLimiter struct {
	mu       sync.Mutex
	requests int
	window   time.Duration
	windows  map[string]*localWindow
	now      func() time.Time
}

// NewInMemoryRateLimiter creates a new in-memory limiter
func NewInMemoryRateLimiter(requests int, window time.Duration) *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		requests: requests,
		window:   window,
		windows:  make(map[string]*localWindow),
		now:      time.Now,
	}
}

// Check counts one request for identifier
func (l *InMemoryRateLimiter) Check(identifier string) (allowed bool, remaining int, resetAt int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	start := now.Truncate(l.window)
	w, ok := l.windows[identifier]
	if !ok || !w.start.Equal(start) {
		w = &localWindow{start: start}
		l.windows[identifier] = w
		l.evict(start)
	}
	w.count++

	return w.count <= l.requests, remainingOf(l.requests, w.count), start.Add(l.window).Unix()
}

// evict drops windows older than the current one
func (l *InMemoryRateLimiter) evict(current time.Time) {
	for id, w := range l.windows {
		if w.start.Before(current) {
			delete(l.windows, id)
		}
	}
}
