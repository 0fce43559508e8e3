package orchestrator

import (
	"time"

	"github.com/agentmesh/sandboxd/internal/fsm"
	"github.com/agentmesh/sandboxd/internal/sandbox"
)

// Stage is the pipeline position of one in-flight execution, matching
// spec §3's ActiveExecution.pipeline_stage enum.
type Stage int

const (
	StageInitializing Stage = iota
	StagePolicyCheck
	StageExecuting
	StageValidating
	StageCompleted
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageInitializing:
		return "initializing"
	case StagePolicyCheck:
		return "policy_check"
	case StageExecuting:
		return "executing"
	case StageValidating:
		return "validating"
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ActiveExecution is the orchestrator's live-registry entry for one
// request in flight, removed on every exit path.
type ActiveExecution struct {
	ExecutionID   string
	UserID        string
	TenantID      string
	SessionID     string
	FSMInstanceID string
	StartTime     time.Time
	Stage         Stage
}

// Request is the inbound submission, derived from the API layer's
// ExecutionRequest (spec §3).
type Request struct {
	TenantID     string
	UserID       string
	SessionID    string
	Source       string
	Language     sandbox.Language
	Timeout      time.Duration
	MemoryLimit  uint64
	CPULimit     uint64
	MaxFileSize  int64
	Environment  map[string]string
	AllowedHosts []string
}

// Result is the orchestrator-level outcome returned to the API layer,
// matching spec §3's ExecutionResult.
type Result struct {
	ExecutionID  string
	Status       sandbox.Status
	Output       string
	ErrorMessage string
	Duration     time.Duration
	CPUTime      time.Duration
	MemoryPeak   uint64
	TokensUsed   int
	CostUSD      float64
	Violations   []string
	FSMResult    *fsm.Result
}
