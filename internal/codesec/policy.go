package codesec

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/agentmesh/sandboxd/pkg/observability"
)

// PolicyResult is the outcome of evaluating a single policy rule.
type PolicyResult struct {
	Allowed bool
	Reason  string
}

// PolicyRule is one named check against submitted source. Rules run in
// order; the first denial short-circuits the rest, matching
// security.rs's evaluate_code_policy.
type PolicyRule struct {
	Name string
	Deny func(code string) (bool, string)
}

// defaultRules reproduces the three literal text-substring checks from
// security.rs's PolicyEngine.evaluate_code_policy.
func defaultRules() []PolicyRule {
	return []PolicyRule{
		{
			Name: "block-system-command-execution",
			Deny: func(code string) (bool, string) {
				if strings.Contains(code, "import os") && strings.Contains(code, "system") {
					return true, "System command execution not allowed"
				}
				return false, ""
			},
		},
		{
			Name: "block-file-write-access",
			Deny: func(code string) (bool, string) {
				if strings.Contains(code, "open(") && (strings.Contains(code, "'w'") || strings.Contains(code, "'a'")) {
					return true, "File write access not allowed"
				}
				return false, ""
			},
		},
		{
			Name: "block-direct-network-access",
			Deny: func(code string) (bool, string) {
				if strings.Contains(code, "requests.") || strings.Contains(code, "urllib") || strings.Contains(code, "socket") {
					return true, "Direct network access not allowed"
				}
				return false, ""
			},
		},
	}
}

// PolicyEngine evaluates submitted code against the default rule set plus
// any named policy documents found under policyPath. The named documents
// are loaded for visibility/audit purposes (listing what policies are in
// effect) the same way PolicyEngine::new scans a directory of .rego files;
// actual Rego evaluation is out of scope, matching the original which never
// evaluates the loaded policy text either.
type PolicyEngine struct {
	rules    []PolicyRule
	policies map[string]string

	metrics observability.MetricsClient
}

// NewPolicyEngine loads any policy documents under policyPath (non-fatal if
// the directory is absent) and returns an engine running the default rule
// set. metrics may be nil.
func NewPolicyEngine(policyPath string, metrics observability.MetricsClient) (*PolicyEngine, error) {
	policies := make(map[string]string)

	if policyPath != "" {
		entries, err := os.ReadDir(policyPath)
		if err == nil {
			for _, entry := range entries {
				if entry.IsDir() || filepath.Ext(entry.Name()) != ".rego" {
					continue
				}
				content, err := os.ReadFile(filepath.Join(policyPath, entry.Name()))
				if err != nil {
					continue
				}
				name := strings.TrimSuffix(entry.Name(), ".rego")
				policies[name] = string(content)
			}
		}
	}

	return &PolicyEngine{rules: defaultRules(), policies: policies, metrics: metrics}, nil
}

// Evaluate runs the rule set against code, returning the first denial or an
// allowed result if none match. Every rule that runs before the first (or
// only) denial is recorded under policy_evaluations_total, labeled by its
// own name and result.
func (p *PolicyEngine) Evaluate(code string) PolicyResult {
	for _, rule := range p.rules {
		if deny, reason := rule.Deny(code); deny {
			p.recordEvaluation(rule.Name, "deny")
			return PolicyResult{Allowed: false, Reason: reason}
		}
		p.recordEvaluation(rule.Name, "allow")
	}
	return PolicyResult{Allowed: true, Reason: "Code passed policy evaluation"}
}

func (p *PolicyEngine) recordEvaluation(name, result string) {
	if p.metrics != nil {
		p.metrics.IncrementCounterWithLabels("policy_evaluations_total", 1, map[string]string{"name": name, "result": result})
	}
}

// PolicyNames returns the names of any loaded policy documents, for
// diagnostics.
func (p *PolicyEngine) PolicyNames() []string {
	names := make([]string, 0, len(p.policies))
	for name := range p.policies {
		names = append(names, name)
	}
	return names
}
