package resilience

import (
	"sync"
	"time"
)

// RateLimiterConfig holds configuration for a token bucket rate limiter.
// WindowSize is carried for observability only; it is never consulted by
// the refill calculation.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         float64
	WindowSize        time.Duration
}

// RateLimiter implements a token bucket: tokens refill continuously at
// RequestsPerSecond up to BurstSize, and each Allow call costs one token.
type RateLimiter struct {
	name       string
	config     RateLimiterConfig
	tokens     float64
	lastRefill time.Time
	mutex      sync.Mutex
}

// NewRateLimiter creates a bucket with tokens = capacity = BurstSize.
func NewRateLimiter(name string, config RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		name:       name,
		config:     config,
		tokens:     config.BurstSize,
		lastRefill: time.Now(),
	}
}

// Allow refills the bucket for the elapsed time, then consumes one token if
// available. tokens is kept within [0, BurstSize] at every step.
func (r *RateLimiter) Allow() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.lastRefill = now

	r.tokens += elapsed * r.config.RequestsPerSecond
	if r.tokens > r.config.BurstSize {
		r.tokens = r.config.BurstSize
	}

	if r.tokens >= 1.0 {
		r.tokens -= 1.0
		return true
	}
	return false
}

// Tokens returns the current token count, for tests and observability.
func (r *RateLimiter) Tokens() float64 {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.tokens
}

// RateLimiterManager owns one bucket per key, created lazily on first use
// and kept for the process lifetime.
type RateLimiterManager struct {
	defaultConfig RateLimiterConfig
	limiters      map[string]*RateLimiter
	mutex         sync.RWMutex
}

// NewRateLimiterManager creates a manager that lazily creates buckets with
// defaultConfig for any key seen for the first time.
func NewRateLimiterManager(defaultConfig RateLimiterConfig) *RateLimiterManager {
	return &RateLimiterManager{
		defaultConfig: defaultConfig,
		limiters:      make(map[string]*RateLimiter),
	}
}

// GetRateLimiter gets or lazily creates the bucket for key.
func (m *RateLimiterManager) GetRateLimiter(key string) *RateLimiter {
	m.mutex.RLock()
	limiter, exists := m.limiters[key]
	m.mutex.RUnlock()

	if exists {
		return limiter
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	limiter, exists = m.limiters[key]
	if exists {
		return limiter
	}

	limiter = NewRateLimiter(key, m.defaultConfig)
	m.limiters[key] = limiter

	return limiter
}

// Allow checks the bucket for key, creating it on first use.
func (m *RateLimiterManager) Allow(key string) bool {
	return m.GetRateLimiter(key).Allow()
}
