// Package orchestrator threads one submission through validation,
// enforcement, the FSM, and the sandbox, owning the live
// active-execution registry. The eleven-step pipeline is grounded on
// spec §4.7; guaranteed registry cleanup is its one global invariant.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/sandboxd/internal/audit"
	"github.com/agentmesh/sandboxd/internal/codesec"
	"github.com/agentmesh/sandboxd/internal/enforcement"
	"github.com/agentmesh/sandboxd/internal/fsm"
	"github.com/agentmesh/sandboxd/internal/sandbox"
	"github.com/agentmesh/sandboxd/pkg/observability"
	"github.com/agentmesh/sandboxd/pkg/security"
)

// Orchestrator is the request-facing facade the API layer calls. It holds
// shared references to its collaborators; each collaborator guards its
// own mutable state, per spec §3's ownership note.
type Orchestrator struct {
	validator *codesec.Validator
	gateway   *enforcement.Gateway
	fsmReg    *fsm.Registry
	sandbox   *sandbox.Facade
	audit     *audit.Logger

	logger  observability.Logger
	metrics observability.MetricsClient

	active *activeRegistry
}

// New wires an Orchestrator from its already-constructed collaborators.
func New(validator *codesec.Validator, gateway *enforcement.Gateway, fsmReg *fsm.Registry, sandboxFacade *sandbox.Facade, auditLogger *audit.Logger, logger observability.Logger, metrics observability.MetricsClient) *Orchestrator {
	return &Orchestrator{
		validator: validator,
		gateway:   gateway,
		fsmReg:    fsmReg,
		sandbox:   sandboxFacade,
		audit:     auditLogger,
		logger:    logger,
		metrics:   metrics,
		active:    newActiveRegistry(),
	}
}

// ExecuteAgentCode runs the eleven-step pipeline from spec §4.7. The
// ActiveExecution entry is always removed on return, success or failure,
// via the deferred cleanup below.
func (o *Orchestrator) ExecuteAgentCode(ctx context.Context, req Request) (Result, error) {
	// Step 1: mint execution id, register ActiveExecution{Initializing}.
	executionID := uuid.New().String()
	exec := &ActiveExecution{
		ExecutionID: executionID,
		UserID:      req.UserID,
		TenantID:    req.TenantID,
		SessionID:   req.SessionID,
		StartTime:   time.Now(),
		Stage:       StageInitializing,
	}
	o.active.add(exec)

	ctx, span := observability.TraceExecution(ctx, executionID, req.Language.String())
	defer span.End()

	var result Result
	defer func() {
		finalStage := StageCompleted
		if result.Status != sandbox.StatusSuccess {
			finalStage = StageFailed
			span.SetAttribute("sandbox.status", result.Status.String())
			if result.ErrorMessage != "" {
				span.RecordError(fmt.Errorf("%s", result.ErrorMessage))
			}
		}
		o.active.setStage(executionID, finalStage)
		o.active.remove(executionID)
	}()

	// Step 2: PolicyCheck.
	o.active.setStage(executionID, StagePolicyCheck)
	validation := o.validator.Validate(req.Source)
	if o.audit != nil {
		o.audit.LogCodeValidation(req.UserID, validation.IsSafe, validation.RiskScore, validation.Violations)
	}
	if !validation.IsSafe {
		result = Result{
			ExecutionID: executionID,
			Status:      sandbox.StatusSecurityViolation,
			Violations:  validation.Violations,
			Duration:    time.Since(exec.StartTime),
		}
		return result, nil
	}

	// Per-execution AllowedHosts are filtered through the network access
	// validator before reaching the sandbox: an SSRF-unsafe host is
	// dropped rather than failing the whole request, and every decision
	// is audited the same way a completed network call would be.
	allowedHosts := o.filterAllowedHosts(req.UserID, req.AllowedHosts)

	// Step 3: derive EnforcementRequest.
	enforceReq := enforcement.EnforcementRequest{
		TaskID:            executionID,
		TenantID:          req.TenantID,
		UserID:            req.UserID,
		EstimatedDuration: req.Timeout,
		EstimatedTokens:   100 + len(req.Source)/4,
		Priority:          enforcement.PriorityNormal,
		Resources: enforcement.ResourceVector{
			MemoryMB:    float64(req.MemoryLimit) / (1024 * 1024),
			CPUCores:    1.0,
			BandwidthMB: 10,
			StorageMB:   100,
		},
	}

	// Step 4: Enforcement Gateway.
	if err := o.gateway.Enforce(enforceReq); err != nil {
		result = Result{
			ExecutionID: executionID,
			Status:      sandbox.StatusSecurityViolation,
			Violations:  []string{err.Error()},
			Duration:    time.Since(exec.StartTime),
		}
		return result, nil
	}

	// Step 5: create FSM instance.
	fsmContext := fsm.NewInstanceContext()
	fsmContext.Variables["execution_id"] = executionID
	fsmContext.Variables["user_id"] = req.UserID
	fsmContext.Variables["language"] = req.Language.String()

	instanceID, err := o.fsmReg.CreateInstance(fsmContext)
	if err != nil {
		result = Result{
			ExecutionID:  executionID,
			Status:       sandbox.StatusRuntimeError,
			ErrorMessage: fmt.Sprintf("create fsm instance: %v", err),
			Duration:     time.Since(exec.StartTime),
		}
		return result, nil
	}
	o.active.setFSMInstance(executionID, instanceID)

	// Step 6: Executing.
	o.active.setStage(executionID, StageExecuting)
	_ = o.fsmReg.TriggerEvent(instanceID, fsm.Event{ID: uuid.New().String(), Type: "start_analysis", Timestamp: time.Now()})

	sandboxResult, sandboxErr := o.sandbox.Execute(ctx, req.Language, req.Source, sandbox.ExecutionContext{
		ExecutionID:  executionID,
		UserID:       req.UserID,
		TenantID:     req.TenantID,
		SessionID:    req.SessionID,
		MemoryLimit:  req.MemoryLimit,
		CPULimit:     req.CPULimit,
		Timeout:      req.Timeout,
		MaxFileSize:  req.MaxFileSize,
		AllowedHosts: allowedHosts,
		Environment:  req.Environment,
	})

	// Step 7: Validating. A successful run must walk the graph through
	// every remaining processing state to its completed terminal — the
	// default graph only advances one state per matching event, so
	// "success" is replayed until the instance settles. A failed run
	// needs exactly one "error" event: any_to_failed is a wildcard
	// transition that matches from whatever state the instance is
	// currently in.
	o.active.setStage(executionID, StageValidating)
	success := sandboxErr == nil && sandboxResult.Status == sandbox.StatusSuccess
	if success {
		o.driveToCompletion(instanceID)
	} else {
		errMessage := sandboxResult.ErrorMessage
		if sandboxErr != nil {
			errMessage = sandboxErr.Error()
		}
		_ = o.fsmReg.TriggerEvent(instanceID, fsm.Event{
			ID: uuid.New().String(), Type: "error", Timestamp: time.Now(),
			Payload: map[string]string{"error": errMessage},
		})
	}

	if sandboxErr != nil {
		result = Result{
			ExecutionID:  executionID,
			Status:       sandbox.StatusRuntimeError,
			ErrorMessage: sandboxErr.Error(),
			Duration:     time.Since(exec.StartTime),
		}
		o.gateway.RecordResult(enforceReq, false)
		o.finalizeFSM(instanceID, &result)
		return result, nil
	}

	// Step 8: token accounting.
	cpuMs := float64(sandboxResult.Metrics.CPUTime.Milliseconds())
	tokensUsed := 50 + len(sandboxResult.Output)/4 + int(cpuMs/100)
	cost := float64(tokensUsed) * 0.002

	result = Result{
		ExecutionID:  executionID,
		Status:       sandboxResult.Status,
		Output:       sandboxResult.Output,
		ErrorMessage: sandboxResult.ErrorMessage,
		Duration:     time.Since(exec.StartTime),
		CPUTime:      sandboxResult.Metrics.CPUTime,
		MemoryPeak:   sandboxResult.Metrics.MemoryUsed,
		TokensUsed:   tokensUsed,
		CostUSD:      cost,
	}

	// Step 9: report outcome to Enforcement Gateway (async).
	o.gateway.RecordResult(enforceReq, success)

	// Step 10: finalize FSM instance.
	o.finalizeFSM(instanceID, &result)

	// Step 11: stage update and registry removal happen in the deferred
	// cleanup above; no metrics are recorded here.
	return result, nil
}

// filterAllowedHosts validates each requested host, as an https URL,
// against a NetworkAccessValidator seeded with the same list (port, host
// and IP-class checks on its resolved addresses), auditing every
// decision, and returns only the hosts that passed. This mirrors
// security.rs's is_host_allowed gate running ahead of create_wasi_context.
func (o *Orchestrator) filterAllowedHosts(userID string, requested []string) []string {
	if len(requested) == 0 {
		return requested
	}
	validator := security.NewNetworkAccessValidator(requested)
	permitted := make([]string, 0, len(requested))
	for _, host := range requested {
		allowed := validator.ValidateURL("https://"+host) == nil
		if o.audit != nil {
			o.audit.LogNetworkAccess(userID, host, 443, allowed)
		}
		if allowed {
			permitted = append(permitted, host)
		}
	}
	return permitted
}

// driveToCompletion replays the "success" event against instanceID until
// its current state stops advancing (reaching the "completed" terminal on
// the default graph) or a generous hop budget is exhausted, guarding
// against a misconfigured custom graph looping forever.
func (o *Orchestrator) driveToCompletion(instanceID string) {
	const maxHops = 10
	for i := 0; i < maxHops; i++ {
		before, err := o.fsmReg.GetInstance(instanceID)
		if err != nil {
			return
		}
		if before.CurrentState == "completed" {
			return
		}
		if err := o.fsmReg.TriggerEvent(instanceID, fsm.Event{ID: uuid.New().String(), Type: "success", Timestamp: time.Now()}); err != nil {
			return
		}
		after, err := o.fsmReg.GetInstance(instanceID)
		if err != nil || after.CurrentState == before.CurrentState {
			return
		}
	}
}

func (o *Orchestrator) finalizeFSM(instanceID string, result *Result) {
	fsmResult, err := o.fsmReg.CompleteInstance(instanceID)
	if err != nil {
		if o.logger != nil {
			o.logger.Warn("orchestrator: failed to finalize fsm instance", map[string]interface{}{
				"instance_id": instanceID, "error": err.Error(),
			})
		}
		return
	}
	result.FSMResult = &fsmResult
}

// ActiveExecutions returns a snapshot count, for /v1/metrics and tests.
func (o *Orchestrator) ActiveExecutions() int {
	return o.active.len()
}

// GetActiveExecution looks up a single in-flight execution by id.
func (o *Orchestrator) GetActiveExecution(executionID string) (ActiveExecution, bool) {
	return o.active.get(executionID)
}

// ReapStale reports every execution that has been in the registry longer
// than maxAge without completing, for the periodic cron reaper to flag.
// It does not cancel the underlying sandbox call — the orchestrator's own
// per-request timeout is responsible for that; this only surfaces
// executions that outlived their own bookkeeping, e.g. a sandbox call that
// never returned.
func (o *Orchestrator) ReapStale(maxAge time.Duration) []ActiveExecution {
	return o.active.olderThan(time.Now().Add(-maxAge))
}
