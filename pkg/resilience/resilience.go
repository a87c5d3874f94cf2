package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"liveroom-backend/pkg/logger"
	"liveroom-backend/pkg/metrics"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without calling the operation while the
// breaker is open
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config tunes a Breaker
type Config struct {
	Name string
	// FailureThreshold consecutive failures open the circuit
	FailureThreshold int
	// OpenTimeout is how long the circuit stays open before probing
	OpenTimeout time.Duration
	// HalfOpenSuccesses probes must succeed before the circuit closes
	HalfOpenSuccesses int
	// CallTimeout bounds each call; zero leaves the caller's deadline
	CallTimeout time.Duration
}

// DefaultConfig returns the settings used for outbound providers
func DefaultConfig(name string) Config {
	return Config{
		Name:              name,
		FailureThreshold:  3,
		OpenTimeout:       10 * time.Second,
		HalfOpenSuccesses: 2,
		CallTimeout:       10 * time.Second,
	}
}

// Breaker stops calling a failing dependency for a while so callers fail
// fast instead of waiting on every timeout
type Breaker struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	halfOpenSuccesses   int
	openedAt            time.Time
}

// NewBreaker creates a closed breaker
func NewBreaker(cfg Config) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = def.HalfOpenSuccesses
	}
	b := &Breaker{
		cfg:   cfg,
		log:   logger.Component("circuit_breaker").With(zap.String("name", cfg.Name)),
		now:   time.Now,
		state: CircuitBreakerClosed,
	}
	b.setGauge(CircuitBreakerClosed)
	return b
}

// Execute runs fn unless the circuit is open
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		metrics.CircuitBreakerRejectedTotal.WithLabelValues(b.cfg.Name).Inc()
		return ErrCircuitOpen
	}

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err := fn(callCtx)
	// The caller going away says nothing about the dependency
	if err != nil && ctx.Err() != nil {
		return err
	}
	b.record(err)
	return err
}

// State returns the current state, moving open to half-open once the
// timeout has passed
func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked()
	return b.state != CircuitBreakerOpen
}

func (b *Breaker) advanceLocked() {
	if b.state == CircuitBreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.transitionLocked(CircuitBreakerHalfOpen)
		b.halfOpenSuccesses = 0
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.consecutiveFailures = 0
		if b.state == CircuitBreakerHalfOpen {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.HalfOpenSuccesses {
				b.transitionLocked(CircuitBreakerClosed)
			}
		}
		return
	}

	b.consecutiveFailures++
	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= b.cfg.FailureThreshold {
		if b.state != CircuitBreakerOpen {
			b.log.Error("Circuit breaker OPEN",
				zap.Int("consecutive_failures", b.consecutiveFailures),
				zap.String("error_type", classifyError(err)),
				zap.Error(err))
		}
		b.openedAt = b.now()
		b.transitionLocked(CircuitBreakerOpen)
	}
}

func (b *Breaker) transitionLocked(to CircuitBreakerState) {
	if b.state == to {
		return
	}
	b.log.Info("Circuit breaker state changed",
		zap.String("from", string(b.state)),
		zap.String("to", string(to)))
	b.state = to
	b.setGauge(to)
}

func (b *Breaker) setGauge(s CircuitBreakerState) {
	value := 0.0
	switch s {
	case CircuitBreakerHalfOpen:
		value = 1
	case CircuitBreakerOpen:
		value = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(b.cfg.Name).Set(value)
}

// classifyError classifies errors for logs
func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "unauthorized"):
		return "permission"
	default:
		return "unknown"
	}
}
