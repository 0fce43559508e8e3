package api

// ExecuteCodeRequest is the JSON body for POST /v1/execute, matching spec
// §6's ExecuteCode RPC fields.
type ExecuteCodeRequest struct {
	UserID          string            `json:"user_id" binding:"required"`
	TenantID        string            `json:"tenant_id" binding:"required"`
	SessionID       string            `json:"session_id"`
	Code            string            `json:"code" binding:"required"`
	Language        string            `json:"language" binding:"required"`
	TimeoutSeconds  int               `json:"timeout_seconds"`
	MemoryLimitMB   int64             `json:"memory_limit_mb"`
	CPULimitSeconds float64           `json:"cpu_limit_seconds"`
	Environment     map[string]string `json:"environment"`
	AllowedHosts    []string          `json:"allowed_hosts"`
}

// ExecuteCodeResponse mirrors spec §6's ExecuteCode response fields.
type ExecuteCodeResponse struct {
	ExecutionID         string   `json:"execution_id"`
	Status              string   `json:"status"`
	Output              string   `json:"output"`
	ErrorMessage        string   `json:"error_message,omitempty"`
	ExecutionTimeMs     int64    `json:"execution_time_ms"`
	TokensUsed          int      `json:"tokens_used"`
	CostUSD             float64  `json:"cost_usd"`
	SecurityViolations  []string `json:"security_violations,omitempty"`
}

// GetStatusResponse mirrors spec §6's GetStatus response fields.
type GetStatusResponse struct {
	Status              string  `json:"status"`
	Progress            float64 `json:"progress"`
	CurrentState        string  `json:"current_state"`
	StartedAt           string  `json:"started_at"`
	EstimatedCompletion string  `json:"estimated_completion,omitempty"`
}

// GetMetricsResponse mirrors spec §6's GetMetrics response fields.
type GetMetricsResponse struct {
	TotalExecutions    int64   `json:"total_executions"`
	SuccessRate        float64 `json:"success_rate"`
	AverageDurationMs  float64 `json:"average_duration_ms"`
	ActiveExecutions   int     `json:"active_executions"`
	SystemHealth       string  `json:"system_health"`
}

// ErrorResponse is the body returned for InvalidArgument/Internal/NotFound
// failures, spec §6.
type ErrorResponse struct {
	Error string `json:"error"`
}
