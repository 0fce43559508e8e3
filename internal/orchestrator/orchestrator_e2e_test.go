package orchestrator_test

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/agentmesh/sandboxd/internal/audit"
	"github.com/agentmesh/sandboxd/internal/codesec"
	"github.com/agentmesh/sandboxd/internal/enforcement"
	"github.com/agentmesh/sandboxd/internal/fsm"
	"github.com/agentmesh/sandboxd/internal/orchestrator"
	"github.com/agentmesh/sandboxd/internal/sandbox"
	"github.com/agentmesh/sandboxd/pkg/resilience"
)

// buildOrchestrator wires the same collaborator stack cmd/sandboxd's serve
// command assembles, with thresholds tight enough for the scenarios below
// to exercise in well under a second.
func buildOrchestrator(rateLimit resilience.RateLimiterConfig, breaker resilience.CircuitBreakerConfig) *orchestrator.Orchestrator {
	analyzer, err := codesec.NewAnalyzer(nil)
	Expect(err).NotTo(HaveOccurred())
	policy, err := codesec.NewPolicyEngine("", nil)
	Expect(err).NotTo(HaveOccurred())
	validator := codesec.NewValidator(analyzer, policy)

	gateway := enforcement.New(enforcement.Config{
		MaxDuration:      300,
		WarningThreshold: 60,
		MaxTokens:        10000,
		CostPerToken:     0.002,
		RateLimit:        rateLimit,
		CircuitBreaker:   breaker,
	}, nil, nil)

	fsmReg, err := fsm.NewRegistry(fsm.Config{MaxStates: 100, MaxTransitions: 100}, nil, nil)
	Expect(err).NotTo(HaveOccurred())
	Expect(fsmReg.LoadDefaultGraph()).To(Succeed())

	tempDir, err := os.MkdirTemp("", "sandboxd-e2e")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { os.RemoveAll(tempDir) })

	sandboxFacade, err := sandbox.New(sandbox.Config{
		MemoryLimit:  134217728,
		MaxInstances: 4,
		TempDir:      tempDir,
	}, nil, nil)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { sandboxFacade.Close() })

	auditLogger, err := audit.NewLogger(false, tempDir+"/audit.log", nil)
	Expect(err).NotTo(HaveOccurred())

	return orchestrator.New(validator, gateway, fsmReg, sandboxFacade, auditLogger, nil, nil)
}

func defaultRateLimit() resilience.RateLimiterConfig {
	return resilience.RateLimiterConfig{RequestsPerSecond: 1000, BurstSize: 1000, WindowSize: 60 * time.Second}
}

func defaultBreaker() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 3, Timeout: 60 * time.Second}
}

// The six scenarios below are spec §8's literal end-to-end list.
var _ = Describe("Execution Orchestrator", func() {
	var orch *orchestrator.Orchestrator

	BeforeEach(func() {
		orch = buildOrchestrator(defaultRateLimit(), defaultBreaker())
	})

	It("runs the happy path to Success with a finalized FSM result", func() {
		result, err := orch.ExecuteAgentCode(context.Background(), orchestrator.Request{
			TenantID:    "t1",
			UserID:      "u1",
			Source:      "print(1+1)",
			Language:    sandbox.LanguagePython,
			Timeout:     5 * time.Second,
			MemoryLimit: 64 * 1024 * 1024,
			CPULimit:    1_000_000_000,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(sandbox.StatusSuccess))
		Expect(result.Violations).To(BeEmpty())
		Expect(result.TokensUsed).To(BeNumerically(">=", 50))
		Expect(result.FSMResult).NotTo(BeNil())
		Expect(result.FSMResult.FinalState).To(Equal("completed"))
		Expect(result.FSMResult.TransitionCount).To(BeNumerically(">=", 5))
		Expect(orch.ActiveExecutions()).To(Equal(0))
	})

	It("rejects a dangerous system-command pattern without invoking the sandbox", func() {
		result, err := orch.ExecuteAgentCode(context.Background(), orchestrator.Request{
			TenantID: "t1",
			UserID:   "u1",
			Source:   "import os\nos.system('rm -rf /')",
			Language: sandbox.LanguagePython,
			Timeout:  5 * time.Second,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(sandbox.StatusSecurityViolation))
		found := false
		for _, v := range result.Violations {
			if v != "" {
				found = true
			}
		}
		Expect(found).To(BeTrue())
		Expect(orch.ActiveExecutions()).To(Equal(0))
	})

	It("rejects the request once the per-user rate limit is exhausted", func() {
		tight := orchestrator.Request{
			TenantID: "t1",
			UserID:   "u1",
			Source:   "print(1)",
			Language: sandbox.LanguagePython,
			Timeout:  5 * time.Second,
		}
		orch = buildOrchestrator(resilience.RateLimiterConfig{RequestsPerSecond: 100, BurstSize: 3, WindowSize: 60 * time.Second}, defaultBreaker())

		var sawRateLimited bool
		for i := 0; i < 6; i++ {
			result, err := orch.ExecuteAgentCode(context.Background(), tight)
			Expect(err).NotTo(HaveOccurred())
			if result.Status == sandbox.StatusSecurityViolation {
				for _, v := range result.Violations {
					if v != "" {
						sawRateLimited = true
					}
				}
			}
		}
		Expect(sawRateLimited).To(BeTrue())
	})

	It("opens the circuit after consecutive tenant failures, then recovers after the timeout", func() {
		orch = buildOrchestrator(defaultRateLimit(), resilience.CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 1, Timeout: 150 * time.Millisecond})

		failing := orchestrator.Request{
			TenantID: "t1",
			UserID:   "u1",
			Source:   "(module)",
			Language: sandbox.LanguageWebAssembly, // always resolves to a sandbox-level error
			Timeout:  5 * time.Second,
		}
		for i := 0; i < 5; i++ {
			result, err := orch.ExecuteAgentCode(context.Background(), failing)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Status).To(Equal(sandbox.StatusRuntimeError))
		}

		// RecordResult dispatches onto the gateway's async worker, so the
		// breaker may trip a few milliseconds after the fifth call returns.
		pythonRequest := orchestrator.Request{
			TenantID: "t1", UserID: "u1", Source: "print(1)", Language: sandbox.LanguagePython, Timeout: 5 * time.Second,
		}
		Eventually(func() []string {
			result, err := orch.ExecuteAgentCode(context.Background(), pythonRequest)
			Expect(err).NotTo(HaveOccurred())
			return result.Violations
		}, time.Second, 5*time.Millisecond).Should(ContainElement(ContainSubstring("circuit open for tenant:t1")))

		Eventually(func() sandbox.Status {
			result, err := orch.ExecuteAgentCode(context.Background(), pythonRequest)
			Expect(err).NotTo(HaveOccurred())
			return result.Status
		}, 2*time.Second, 20*time.Millisecond).Should(Equal(sandbox.StatusSuccess))
	})

	It("reports a sandbox-level failure as RuntimeError and still empties the registry", func() {
		result, err := orch.ExecuteAgentCode(context.Background(), orchestrator.Request{
			TenantID: "t1",
			UserID:   "u1",
			Source:   "(module)",
			Language: sandbox.LanguageWebAssembly,
			Timeout:  500 * time.Millisecond,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Status).To(Equal(sandbox.StatusRuntimeError))
		Expect(orch.ActiveExecutions()).To(Equal(0))
	})

	It("drives the FSM to failed on a sandbox error event", func() {
		result, err := orch.ExecuteAgentCode(context.Background(), orchestrator.Request{
			TenantID: "t1",
			UserID:   "u1",
			Source:   "(module)",
			Language: sandbox.LanguageWebAssembly,
			Timeout:  5 * time.Second,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.FSMResult).NotTo(BeNil())
		Expect(result.FSMResult.FinalState).To(Equal("failed"))
		Expect(result.FSMResult.Status).To(Equal(fsm.InstanceFailed))
	})
})
