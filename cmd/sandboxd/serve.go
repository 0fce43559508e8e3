package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/agentmesh/sandboxd/internal/api"
	"github.com/agentmesh/sandboxd/internal/audit"
	"github.com/agentmesh/sandboxd/internal/codesec"
	"github.com/agentmesh/sandboxd/internal/config"
	"github.com/agentmesh/sandboxd/internal/enforcement"
	"github.com/agentmesh/sandboxd/internal/fsm"
	"github.com/agentmesh/sandboxd/internal/orchestrator"
	"github.com/agentmesh/sandboxd/internal/sandbox"
	"github.com/agentmesh/sandboxd/pkg/observability"
	"github.com/agentmesh/sandboxd/pkg/resilience"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API, metrics listener, and background reaper",
	RunE:  runServe,
}

// staleExecutionAge is how long an execution may sit in the active
// registry before the reaper logs it as stuck. It is a multiple of the
// largest sane per-request timeout, not a hard kill.
const staleExecutionAge = 10 * time.Minute

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := observability.NewLogger("sandboxd")
	metricsClient := observability.NewPrometheusMetricsClient("sandboxd", "orchestrator", nil)

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		Enabled:     cfg.TracingEnabled,
		ServiceName: cfg.TracingServiceName,
		Environment: cfg.TracingEnvironment,
		Endpoint:    cfg.TracingOTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	orch, err := buildOrchestrator(cfg, logger, metricsClient)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	server := api.NewServer(cfg.GRPCAddr, orch, logger, metricsClient)
	metricsServer := api.NewMetricsServer(cfg.MetricsAddr, metricsClient, logger)

	scheduler := cron.New(cron.WithSeconds())
	if _, err := scheduler.AddFunc("0 * * * * *", reapStaleExecutions(orch, logger)); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("starting REST listener", map[string]interface{}{"addr": cfg.GRPCAddr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("rest listener: %w", err)
		}
	}()
	go func() {
		logger.Info("starting metrics listener", map[string]interface{}{"addr": cfg.MetricsAddr})
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics listener: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		logger.Error("listener failed", map[string]interface{}{"error": err.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("rest listener shutdown error", map[string]interface{}{"error": err.Error()})
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics listener shutdown error", map[string]interface{}{"error": err.Error()})
	}

	return nil
}

// buildOrchestrator wires every collaborator package from already-loaded
// configuration, in the same dependency order the Execution Orchestrator
// itself calls them.
func buildOrchestrator(cfg *config.Config, logger observability.Logger, metrics observability.MetricsClient) (*orchestrator.Orchestrator, error) {
	analyzer, err := codesec.NewAnalyzer(metrics)
	if err != nil {
		return nil, fmt.Errorf("build analyzer: %w", err)
	}
	policy, err := codesec.NewPolicyEngine(cfg.OPAPolicyPath, metrics)
	if err != nil {
		return nil, fmt.Errorf("build policy engine: %w", err)
	}
	validator := codesec.NewValidator(analyzer, policy)

	gateway := enforcement.New(enforcement.Config{
		MaxDuration:      cfg.EnforcementMaxDuration,
		WarningThreshold: cfg.EnforcementWarningThreshold,
		MaxTokens:        cfg.TokenValidatorMaxTokens,
		CostPerToken:     cfg.TokenValidatorCostPerToken,
		RateLimit: resilience.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
			WindowSize:        time.Duration(cfg.RateLimitWindow) * time.Second,
		},
		CircuitBreaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
		},
	}, logger, metrics)

	fsmReg, err := fsm.NewRegistry(fsm.Config{
		MaxStates:           cfg.FSMMaxStates,
		MaxTransitions:      cfg.FSMMaxTransitions,
		DefaultStateTimeout: time.Duration(cfg.FSMStateTimeout) * time.Second,
		PersistenceEnabled:  cfg.FSMPersistenceEnabled,
		PersistencePath:     cfg.FSMPersistencePath,
	}, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("build fsm registry: %w", err)
	}
	if err := fsmReg.LoadDefaultGraph(); err != nil {
		return nil, fmt.Errorf("load fsm graph: %w", err)
	}

	sandboxFacade, err := sandbox.New(sandbox.Config{
		MemoryLimit:  cfg.SandboxMemoryLimit,
		MaxInstances: cfg.SandboxMaxInstances,
		TempDir:      cfg.SandboxTempDir,
	}, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("build sandbox facade: %w", err)
	}

	auditLogger, err := audit.NewLogger(cfg.EnableAuditLog, cfg.AuditLogPath, logger)
	if err != nil {
		return nil, fmt.Errorf("build audit logger: %w", err)
	}

	return orchestrator.New(validator, gateway, fsmReg, sandboxFacade, auditLogger, logger, metrics), nil
}

// reapStaleExecutions returns the cron job body: it logs a warning for
// every execution that has outlived staleExecutionAge, matching the
// original's own periodic cleanup.rs sweep but as a diagnostic signal
// rather than a forced kill, since the sandbox call itself owns
// cancellation via its own per-request timeout.
func reapStaleExecutions(orch *orchestrator.Orchestrator, logger observability.Logger) func() {
	return func() {
		stale := orch.ReapStale(staleExecutionAge)
		if len(stale) == 0 {
			return
		}
		for _, exec := range stale {
			if logger != nil {
				logger.Warn("execution exceeded expected lifetime", map[string]interface{}{
					"execution_id": exec.ExecutionID,
					"tenant_id":    exec.TenantID,
					"stage":        exec.Stage.String(),
					"age":          time.Since(exec.StartTime).String(),
				})
			}
		}
	}
}
