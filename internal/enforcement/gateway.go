// Package enforcement implements the Enforcement Gateway: the unified
// preflight check every execution request passes through before it is
// scheduled, composing the teacher's pkg/resilience rate limiter and
// circuit breaker with stateless timeout/token/resource checks.
package enforcement

import (
	"fmt"

	"github.com/agentmesh/sandboxd/internal/errors"
	"github.com/agentmesh/sandboxd/pkg/observability"
	"github.com/agentmesh/sandboxd/pkg/resilience"
)

// Config holds the gateway's stateless thresholds, sourced from
// internal/config.Config at wiring time.
type Config struct {
	MaxDuration        int     // seconds, ENFORCEMENT_MAX_DURATION
	WarningThreshold   int     // seconds, ENFORCEMENT_WARNING_THRESHOLD
	MaxTokens          int     // TOKEN_VALIDATOR_MAX_TOKENS
	CostPerToken       float64 // TOKEN_VALIDATOR_COST_PER_TOKEN
	RateLimit          resilience.RateLimiterConfig
	CircuitBreaker     resilience.CircuitBreakerConfig
	RecordResultBuffer int // size of the async RecordResult worker queue
}

// Gateway is the stateless-apart-from-its-collaborators Enforcement
// Gateway from spec §4.1. It is safe for concurrent use.
type Gateway struct {
	config Config

	rateLimiters    *resilience.RateLimiterManager
	circuitBreakers *resilience.CircuitBreakerManager

	logger  observability.Logger
	metrics observability.MetricsClient

	resultCh chan resultUpdate
}

type resultUpdate struct {
	tenantKey string
	success   bool
}

// New builds a Gateway and starts its single background worker that applies
// RecordResult updates to the circuit breaker without blocking callers.
func New(config Config, logger observability.Logger, metrics observability.MetricsClient) *Gateway {
	if config.RecordResultBuffer <= 0 {
		config.RecordResultBuffer = 256
	}

	g := &Gateway{
		config:          config,
		rateLimiters:    resilience.NewRateLimiterManager(config.RateLimit),
		circuitBreakers: resilience.NewCircuitBreakerManager(config.CircuitBreaker, logger, metrics),
		logger:          logger,
		metrics:         metrics,
		resultCh:        make(chan resultUpdate, config.RecordResultBuffer),
	}

	go g.runResultWorker()

	return g
}

// Enforce runs the five normative checks in order (spec §4.1): timeout,
// token validation, rate limit, circuit breaker, resource ceilings. The
// first failing check short-circuits the rest. Every outcome — the pass
// and each distinct denial — is recorded under enforcement_checks_total
// with the outcome as its label, so the five checks collapse to one series
// rather than one counter each.
func (g *Gateway) Enforce(req EnforcementRequest) error {
	outcome := "allowed"
	defer func() {
		if g.metrics != nil {
			g.metrics.IncrementCounterWithLabels("enforcement_checks_total", 1, map[string]string{"outcome": outcome})
		}
	}()

	if err := g.checkTimeout(req); err != nil {
		outcome = "timeout_exceeded"
		return err
	}
	if err := g.checkTokens(req); err != nil {
		outcome = "token_limit_exceeded"
		return err
	}
	if err := g.checkRateLimit(req); err != nil {
		outcome = "rate_limited"
		return err
	}
	if err := g.checkCircuitBreaker(req); err != nil {
		outcome = "circuit_open"
		return err
	}
	if err := g.checkResources(req); err != nil {
		outcome = "resource_exceeded"
		return err
	}

	return nil
}

func (g *Gateway) checkTimeout(req EnforcementRequest) error {
	maxDuration := secondsFloat(g.config.MaxDuration)
	warn := secondsFloat(g.config.WarningThreshold)
	duration := req.EstimatedDuration.Seconds()

	if duration > maxDuration {
		return errors.Resource("timeout_exceeded",
			fmt.Sprintf("estimated duration %.0fs exceeds max %.0fs", duration, maxDuration)).
			WithDetails(map[string]interface{}{"estimated_seconds": duration, "max_seconds": maxDuration})
	}

	if duration > warn && g.logger != nil {
		g.logger.Warn("enforcement: estimated duration exceeds warning threshold", map[string]interface{}{
			"task_id":           req.TaskID,
			"estimated_seconds": duration,
			"warning_seconds":   warn,
		})
	}

	return nil
}

func (g *Gateway) checkTokens(req EnforcementRequest) error {
	if req.EstimatedTokens > g.config.MaxTokens {
		return errors.Resource("token_limit_exceeded",
			fmt.Sprintf("estimated tokens %d exceed limit %d", req.EstimatedTokens, g.config.MaxTokens)).
			WithDetails(map[string]interface{}{"current": req.EstimatedTokens, "limit": g.config.MaxTokens})
	}

	estimatedCost := float64(req.EstimatedTokens) * g.config.CostPerToken
	if estimatedCost > 10.0 && g.logger != nil {
		g.logger.Warn("enforcement: estimated cost exceeds $10.00", map[string]interface{}{
			"task_id":         req.TaskID,
			"estimated_cost":  estimatedCost,
			"estimated_tokens": req.EstimatedTokens,
		})
	}

	return nil
}

func (g *Gateway) checkRateLimit(req EnforcementRequest) error {
	key := "user:" + req.UserID
	if !g.rateLimiters.Allow(key) {
		if g.metrics != nil {
			g.metrics.IncrementCounterWithLabels("rate_limit_violations_total", 1, map[string]string{"key": key})
		}
		return errors.Resource("rate_limit_exceeded", fmt.Sprintf("rate limit exceeded for %s", key)).
			WithDetails(map[string]interface{}{"key": key})
	}
	return nil
}

func (g *Gateway) checkCircuitBreaker(req EnforcementRequest) error {
	key := "tenant:" + req.TenantID
	breaker := g.circuitBreakers.GetCircuitBreaker(key)
	if err := breaker.Check(); err != nil {
		return errors.Resource("circuit_breaker_open", fmt.Sprintf("circuit open for %s", key)).
			WithDetails(map[string]interface{}{"key": key})
	}
	return nil
}

func (g *Gateway) checkResources(req EnforcementRequest) error {
	r := req.Resources
	switch {
	case r.MemoryMB > maxMemoryMB:
		return resourceError("memory", r.MemoryMB, maxMemoryMB)
	case r.CPUCores > maxCPUCores:
		return resourceError("cpu", r.CPUCores, maxCPUCores)
	case r.BandwidthMB > maxBandwidthMB:
		return resourceError("bandwidth", r.BandwidthMB, maxBandwidthMB)
	case r.StorageMB > maxStorageMB:
		return resourceError("storage", r.StorageMB, maxStorageMB)
	}
	return nil
}

func resourceError(resource string, value, limit float64) *errors.ExecutionError {
	return errors.Resource("resource_limit_exceeded", fmt.Sprintf("%s %.2f exceeds limit %.2f", resource, value, limit)).
		WithDetails(map[string]interface{}{"resource": resource, "value": value, "limit": limit})
}

// RecordResult updates the tenant's circuit breaker. It never blocks the
// caller: the circuit-breaker mutation is handed to a background worker,
// per spec §4.1's non-blocking post-execution contract. The breaker's own
// circuit_breaker_trips_total series is sandboxd's record of the
// success/failure stream this feeds.
func (g *Gateway) RecordResult(req EnforcementRequest, success bool) {
	update := resultUpdate{tenantKey: "tenant:" + req.TenantID, success: success}

	select {
	case g.resultCh <- update:
	default:
		if g.logger != nil {
			g.logger.Warn("enforcement: record-result queue full, dropping update", map[string]interface{}{
				"tenant_key": update.tenantKey,
			})
		}
	}
}

func (g *Gateway) runResultWorker() {
	for update := range g.resultCh {
		breaker := g.circuitBreakers.GetCircuitBreaker(update.tenantKey)
		if update.success {
			breaker.RecordSuccess()
		} else {
			breaker.RecordFailure()
		}
	}
}

func secondsFloat(seconds int) float64 {
	return float64(seconds)
}
