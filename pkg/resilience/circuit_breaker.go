package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/sandboxd/pkg/observability"
)

// CircuitBreakerState is one of Closed, Open, HalfOpen.
type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerOpenError is returned by Check while the breaker is open.
type CircuitBreakerOpenError struct {
	Key string
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open: %s", e.Key)
}

// CircuitBreakerConfig holds the three thresholds the breaker transitions on.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// CircuitBreaker is a per-key three-state failure gate. All operations
// (Check, RecordSuccess, RecordFailure) serialize through a single mutex —
// this is the fix prescribed for the blocking-lock-inside-async-context
// anomaly the original implementation exhibited: one guard, used
// consistently, rather than an atomic read path racing a background writer.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mutex       sync.Mutex
	state       CircuitBreakerState
	failCount   int
	successCount int
	lastFailure time.Time

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewCircuitBreaker creates a breaker in the Closed state with zero counters.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger observability.Logger, metrics observability.MetricsClient) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	cb := &CircuitBreaker{
		name:    name,
		config:  config,
		state:   CircuitBreakerClosed,
		logger:  logger,
		metrics: metrics,
	}
	return cb
}

// Check reports whether a call may proceed. While Open, it returns
// CircuitBreakerOpenError until config.Timeout has elapsed since the last
// failure, at which point it transitions to HalfOpen and returns nil —
// exactly the probe semantics of §4.3.
func (cb *CircuitBreaker) Check() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == CircuitBreakerOpen {
		if time.Since(cb.lastFailure) > cb.config.Timeout {
			cb.transitionLocked(CircuitBreakerHalfOpen)
			return nil
		}
		return &CircuitBreakerOpenError{Key: cb.name}
	}
	return nil
}

// RecordSuccess applies the Closed+success and HalfOpen+success transitions.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case CircuitBreakerClosed:
		cb.successCount++
		cb.failCount = 0
	case CircuitBreakerHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionLocked(CircuitBreakerClosed)
			cb.failCount = 0
			cb.successCount = 0
		}
	}
}

// RecordFailure applies the Closed+failure and HalfOpen+failure transitions.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitBreakerClosed:
		cb.failCount++
		cb.successCount = 0
		if cb.failCount >= cb.config.FailureThreshold {
			cb.transitionLocked(CircuitBreakerOpen)
		}
	case CircuitBreakerHalfOpen:
		cb.transitionLocked(CircuitBreakerOpen)
	}
}

// transitionLocked must be called with cb.mutex held.
func (cb *CircuitBreaker) transitionLocked(to CircuitBreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == CircuitBreakerHalfOpen {
		cb.failCount = 0
		cb.successCount = 0
	}
	if cb.logger != nil {
		cb.logger.Info("circuit breaker state change", map[string]interface{}{
			"name": cb.name, "from": from.String(), "to": to.String(),
		})
	}
	if cb.metrics != nil {
		cb.metrics.IncrementCounterWithLabels("circuit_breaker_trips_total", 1, map[string]string{"key": cb.name, "to": to.String()})
	}
}

// State returns the current state, for tests and observability.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Reset forces the breaker back to Closed with zero counters.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.transitionLocked(CircuitBreakerClosed)
	cb.failCount = 0
	cb.successCount = 0
}

// CircuitBreakerManager owns one breaker per key, created lazily on first
// use with a double-checked lock so concurrent first-uses don't race to
// create duplicate breakers for the same key.
type CircuitBreakerManager struct {
	defaultConfig CircuitBreakerConfig
	breakers      map[string]*CircuitBreaker
	mutex         sync.RWMutex
	logger        observability.Logger
	metrics       observability.MetricsClient
}

// NewCircuitBreakerManager creates a manager using defaultConfig for every
// key seen for the first time.
func NewCircuitBreakerManager(defaultConfig CircuitBreakerConfig, logger observability.Logger, metrics observability.MetricsClient) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		defaultConfig: defaultConfig,
		breakers:      make(map[string]*CircuitBreaker),
		logger:        logger,
		metrics:       metrics,
	}
}

// GetCircuitBreaker gets or lazily creates the breaker for key.
func (m *CircuitBreakerManager) GetCircuitBreaker(key string) *CircuitBreaker {
	m.mutex.RLock()
	breaker, exists := m.breakers[key]
	m.mutex.RUnlock()

	if exists {
		return breaker
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	breaker, exists = m.breakers[key]
	if exists {
		return breaker
	}

	breaker = NewCircuitBreaker(key, m.defaultConfig, m.logger, m.metrics)
	m.breakers[key] = breaker

	return breaker
}

// ResetAll resets every known breaker to Closed. Used by tests and admin
// tooling, never by the request path.
func (m *CircuitBreakerManager) ResetAll() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, b := range m.breakers {
		b.Reset()
	}
}
