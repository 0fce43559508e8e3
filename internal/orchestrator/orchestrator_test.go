package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/agentmesh/sandboxd/internal/audit"
	"github.com/agentmesh/sandboxd/internal/codesec"
	"github.com/agentmesh/sandboxd/internal/enforcement"
	"github.com/agentmesh/sandboxd/internal/fsm"
	"github.com/agentmesh/sandboxd/internal/sandbox"
	"github.com/agentmesh/sandboxd/pkg/resilience"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()

	analyzer, err := codesec.NewAnalyzer(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	policy, err := codesec.NewPolicyEngine("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	validator := codesec.NewValidator(analyzer, policy)

	gateway := enforcement.New(enforcement.Config{
		MaxDuration:      300,
		WarningThreshold: 60,
		MaxTokens:        10000,
		CostPerToken:     0.002,
		RateLimit: resilience.RateLimiterConfig{
			RequestsPerSecond: 1000,
			BurstSize:         1000,
			WindowSize:        60 * time.Second,
		},
		CircuitBreaker: resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			Timeout:          60 * time.Second,
		},
	}, nil, nil)

	fsmReg, err := fsm.NewRegistry(fsm.Config{MaxStates: 100, MaxTransitions: 100}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := fsmReg.LoadDefaultGraph(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sandboxFacade, err := sandbox.New(sandbox.Config{
		MemoryLimit:  134217728,
		MaxInstances: 2,
		TempDir:      t.TempDir(),
	}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { sandboxFacade.Close() })

	auditLogger, err := audit.NewLogger(false, t.TempDir()+"/audit.log", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	return New(validator, gateway, fsmReg, sandboxFacade, auditLogger, nil, nil)
}

func TestExecuteAgentCodeHappyPath(t *testing.T) {
	o := newTestOrchestrator(t)

	result, err := o.ExecuteAgentCode(context.Background(), Request{
		TenantID:    "tenant-1",
		UserID:      "user-1",
		SessionID:   "session-1",
		Source:      "import json\nprint(json.dumps({'a': 1}))\n",
		Language:    sandbox.LanguagePython,
		Timeout:     5 * time.Second,
		MemoryLimit: 134217728,
		CPULimit:    1_000_000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != sandbox.StatusSuccess {
		t.Fatalf("expected Success, got %s (%s)", result.Status, result.ErrorMessage)
	}
	if result.FSMResult == nil {
		t.Fatal("expected a finalized FSM result snapshot")
	}
	if o.ActiveExecutions() != 0 {
		t.Fatalf("expected active execution registry to be empty, got %d", o.ActiveExecutions())
	}
}

func TestExecuteAgentCodeRejectsDangerousCode(t *testing.T) {
	o := newTestOrchestrator(t)

	result, err := o.ExecuteAgentCode(context.Background(), Request{
		TenantID: "tenant-1",
		UserID:   "user-1",
		Source:   "eval('1+1')",
		Language: sandbox.LanguagePython,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != sandbox.StatusSecurityViolation {
		t.Fatalf("expected SecurityViolation, got %s", result.Status)
	}
	if len(result.Violations) == 0 {
		t.Fatal("expected violations to be populated")
	}
	if o.ActiveExecutions() != 0 {
		t.Fatalf("expected active execution registry to be empty, got %d", o.ActiveExecutions())
	}
}

func TestExecuteAgentCodeRemovesActiveExecutionOnEnforcementFailure(t *testing.T) {
	o := newTestOrchestrator(t)

	result, err := o.ExecuteAgentCode(context.Background(), Request{
		TenantID:    "tenant-1",
		UserID:      "user-1",
		Source:      "import json\n",
		Language:    sandbox.LanguagePython,
		Timeout:     5 * time.Second,
		MemoryLimit: uint64(4096 * 1024 * 1024), // exceeds the 2048MB resource ceiling
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != sandbox.StatusSecurityViolation {
		t.Fatalf("expected SecurityViolation from enforcement rejection, got %s", result.Status)
	}
	if o.ActiveExecutions() != 0 {
		t.Fatalf("expected active execution registry to be empty, got %d", o.ActiveExecutions())
	}
}

func TestExecuteAgentCodeWebAssemblyNotImplemented(t *testing.T) {
	o := newTestOrchestrator(t)

	result, err := o.ExecuteAgentCode(context.Background(), Request{
		TenantID: "tenant-1",
		UserID:   "user-1",
		Source:   "(module)",
		Language: sandbox.LanguageWebAssembly,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != sandbox.StatusRuntimeError {
		t.Fatalf("expected RuntimeError for unimplemented wasm path, got %s", result.Status)
	}
	if o.ActiveExecutions() != 0 {
		t.Fatalf("expected active execution registry to be empty, got %d", o.ActiveExecutions())
	}
}
