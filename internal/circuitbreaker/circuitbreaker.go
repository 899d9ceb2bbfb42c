// Package circuitbreaker stops callback deliveries to endpoints that keep
// failing, so one dead webhook cannot soak up the callback workers.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/nimbus-receipts/internal/metrics"
)

// State of one breaker.
//
//	closed    -> open       MaxFailures consecutive delivery failures
//	open      -> half-open  RecoveryTimeout since the last failure
//	half-open -> closed     a probe delivery succeeded
//	half-open -> open       a probe delivery failed
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrCircuitOpen is returned while a breaker rejects deliveries.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type Config struct {
	// Name is the breaker key, a callback host or "channel:<name>".
	Name                string
	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int // concurrent probes while half-open
}

// DefaultConfig returns the settings used for callback endpoints.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

type counters struct {
	requests  int64
	failures  int64
	successes int64
	rejected  int64
}

// CircuitBreaker tracks consecutive delivery failures for one destination.
type CircuitBreaker struct {
	mu     sync.RWMutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state       State
	consecutive int
	probes      int
	lastFailure time.Time
	changedAt   time.Time
	totals      counters
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	return newWithClock(cfg, logger, time.Now)
}

func newWithClock(cfg Config, logger *zap.Logger, now func() time.Time) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}

	metrics.SetCircuitBreakerState(cfg.Name, int(StateClosed))
	return &CircuitBreaker{
		config:    cfg,
		logger:    logger.With(zap.String("breaker", cfg.Name)),
		now:       now,
		changedAt: now(),
	}
}

// Allow reports whether a delivery may proceed. An open breaker turns
// half-open once RecoveryTimeout has passed and admits probes up to
// HalfOpenMaxRequests.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.requests++

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.config.RecoveryTimeout {
		cb.setState(StateHalfOpen, "recovery timeout elapsed")
	}

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.probes < cb.config.HalfOpenMaxRequests {
			cb.probes++
			return true
		}
	}
	cb.totals.rejected++
	return false
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.successes++
	cb.consecutive = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed, "probe delivered")
	}
}

// RecordFailure counts a failure. A failed probe reopens the circuit at once.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.failures++
	cb.consecutive++
	cb.lastFailure = cb.now()

	switch {
	case cb.state == StateHalfOpen:
		cb.setState(StateOpen, "probe failed")
	case cb.state == StateClosed && cb.consecutive >= cb.config.MaxFailures:
		cb.setState(StateOpen, fmt.Sprintf("%d consecutive failures", cb.consecutive))
	}
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats is the operator view of one breaker.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		FailureCount:    cb.consecutive,
		TotalRequests:   cb.totals.requests,
		TotalFailures:   cb.totals.failures,
		TotalSuccesses:  cb.totals.successes,
		TotalRejected:   cb.totals.rejected,
		LastStateChange: cb.changedAt.Format(time.RFC3339),
	}
	if !cb.lastFailure.IsZero() {
		s.LastFailure = cb.lastFailure.Format(time.RFC3339)
	}
	return s
}

// Reset closes the circuit after an operator has fixed the endpoint.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutive = 0
	cb.setState(StateClosed, "operator reset")
}

// setState must be called with the lock held.
func (cb *CircuitBreaker) setState(next State, reason string) {
	cb.probes = 0
	if cb.state == next {
		return
	}

	prev := cb.state
	cb.state = next
	cb.changedAt = cb.now()
	metrics.SetCircuitBreakerState(cb.config.Name, int(next))

	fields := []zap.Field{
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
		zap.String("reason", reason),
	}
	if next == StateOpen {
		cb.logger.Warn("circuit breaker opened", fields...)
		return
	}
	cb.logger.Info("circuit breaker state changed", fields...)
}

func (cb *CircuitBreaker) String() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return fmt.Sprintf("breaker %s %s (%d/%d failures)",
		cb.config.Name, cb.state, cb.consecutive, cb.config.MaxFailures)
}
