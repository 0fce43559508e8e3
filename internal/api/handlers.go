package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/sandboxd/internal/orchestrator"
	"github.com/agentmesh/sandboxd/internal/sandbox"
)

// parseLanguage accepts the spec's case-insensitive aliases: python,
// javascript|js, wasm|webassembly.
func parseLanguage(raw string) (sandbox.Language, bool) {
	switch strings.ToLower(raw) {
	case "python":
		return sandbox.LanguagePython, true
	case "javascript", "js":
		return sandbox.LanguageJavaScript, true
	case "wasm", "webassembly":
		return sandbox.LanguageWebAssembly, true
	default:
		return 0, false
	}
}

// handleExecuteCode implements POST /v1/execute (spec §6 ExecuteCode).
// Validation failures return InvalidArgument (400); business failures
// (security, resource) come back in the response body's status field,
// never as an HTTP error.
func (s *Server) handleExecuteCode(c *gin.Context) {
	var req ExecuteCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
		return
	}

	if strings.TrimSpace(req.Code) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "code must not be empty"})
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.TenantID) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "user_id and tenant_id must not be empty"})
		return
	}

	language, ok := parseLanguage(req.Language)
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unsupported language: " + req.Language})
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	result, err := s.orchestrator.ExecuteAgentCode(c.Request.Context(), orchestrator.Request{
		TenantID:     req.TenantID,
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		Source:       req.Code,
		Language:     language,
		Timeout:      timeout,
		MemoryLimit:  uint64(req.MemoryLimitMB) * 1024 * 1024,
		CPULimit:     uint64(req.CPULimitSeconds * 1e9),
		Environment:  req.Environment,
		AllowedHosts: req.AllowedHosts,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error: " + err.Error()})
		return
	}

	s.stats.record(result.Status == sandbox.StatusSuccess, result.Duration.Milliseconds())

	if s.metrics != nil {
		langLabel := map[string]string{"language": language.String()}
		s.metrics.IncrementCounterWithLabels("agent_executions_total", 1, map[string]string{
			"language": language.String(), "outcome": result.Status.String(),
		})
		s.metrics.RecordHistogram("agent_execution_duration_seconds", result.Duration.Seconds(), langLabel)
		s.metrics.RecordHistogram("agent_execution_tokens_total", float64(result.TokensUsed), langLabel)

		total, successes, _ := s.stats.snapshot()
		var successRate float64
		if total > 0 {
			successRate = float64(successes) / float64(total)
		}
		s.metrics.RecordGauge("agent_execution_success_rate", successRate, nil)
	}

	c.JSON(http.StatusOK, ExecuteCodeResponse{
		ExecutionID:        result.ExecutionID,
		Status:             result.Status.String(),
		Output:             result.Output,
		ErrorMessage:       result.ErrorMessage,
		ExecutionTimeMs:    result.Duration.Milliseconds(),
		TokensUsed:         result.TokensUsed,
		CostUSD:            result.CostUSD,
		SecurityViolations: result.Violations,
	})
}

// stageProgress maps a pipeline stage to the [0,1] progress value spec §6
// names exactly.
func stageProgress(stage orchestrator.Stage) float64 {
	switch stage {
	case orchestrator.StageInitializing:
		return 0.1
	case orchestrator.StagePolicyCheck:
		return 0.2
	case orchestrator.StageExecuting:
		return 0.6
	case orchestrator.StageValidating:
		return 0.9
	case orchestrator.StageCompleted, orchestrator.StageFailed:
		return 1.0
	default:
		return 0
	}
}

// handleGetStatus implements GET /v1/executions/:id (spec §6 GetStatus).
func (s *Server) handleGetStatus(c *gin.Context) {
	executionID := c.Param("id")

	exec, ok := s.orchestrator.GetActiveExecution(executionID)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "execution not found: " + executionID})
		return
	}

	c.JSON(http.StatusOK, GetStatusResponse{
		Status:       exec.Stage.String(),
		Progress:     stageProgress(exec.Stage),
		CurrentState: exec.Stage.String(),
		StartedAt:    exec.StartTime.UTC().Format(time.RFC3339),
	})
}

// handleGetMetrics implements GET /v1/metrics (spec §6 GetMetrics). The
// include_detailed query parameter is accepted but this repo's aggregate
// is already the full rollup, so it has no additional effect.
func (s *Server) handleGetMetrics(c *gin.Context) {
	total, successes, avgDurationMs := s.stats.snapshot()

	var successRate float64
	if total > 0 {
		successRate = float64(successes) / float64(total)
	}

	c.JSON(http.StatusOK, GetMetricsResponse{
		TotalExecutions:   total,
		SuccessRate:       successRate,
		AverageDurationMs: avgDurationMs,
		ActiveExecutions:  s.orchestrator.ActiveExecutions(),
		SystemHealth:      systemHealth(successRate, total),
	})
}
