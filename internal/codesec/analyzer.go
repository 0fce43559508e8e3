// Package codesec implements static analysis and policy evaluation of
// submitted code before it ever reaches the sandbox, grounded on
// original_source/rust/agent-core/src/security.rs's CodeAnalyzer and
// PolicyEngine.
package codesec

import (
	"fmt"
	"strings"

	"github.com/wasilibs/go-re2"

	"github.com/agentmesh/sandboxd/pkg/observability"
)

// Severity is the criticality of a detected dangerous pattern.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

func (s Severity) score() float64 {
	switch s {
	case SeverityLow:
		return 10.0
	case SeverityMedium:
		return 25.0
	case SeverityHigh:
		return 50.0
	case SeverityCritical:
		return 100.0
	default:
		return 0
	}
}

type dangerousPattern struct {
	pattern     *re2.Regexp
	severity    Severity
	description string
}

// AnalysisResult is the outcome of static analysis alone, before policy
// evaluation is folded in.
type AnalysisResult struct {
	Violations      []string
	RiskScore       float64
	Recommendations []string
}

// Analyzer scans submitted source for dangerous patterns, blocked
// functions, and disallowed imports. Regexes are compiled with
// wasilibs/go-re2 rather than the stdlib regexp package: RE2's linear-time
// guarantee matters here because the pattern list runs against
// attacker-controlled source text on every submission.
type Analyzer struct {
	patterns         []dangerousPattern
	allowedImports   []string
	blockedFunctions []string

	metrics observability.MetricsClient
}

// NewAnalyzer builds the analyzer with the exact pattern, import, and
// blocked-function lists from security.rs's CodeAnalyzer::new. metrics may
// be nil.
func NewAnalyzer(metrics observability.MetricsClient) (*Analyzer, error) {
	specs := []struct {
		expr        string
		severity    Severity
		description string
	}{
		{`eval\s*\(`, SeverityCritical, "Use of eval() function"},
		{`exec\s*\(`, SeverityCritical, "Use of exec() function"},
		{`__import__\s*\(`, SeverityHigh, "Dynamic import usage"},
		{`subprocess\.`, SeverityHigh, "Subprocess execution"},
		{`os\.system`, SeverityCritical, "System command execution"},
		{`pickle\.loads`, SeverityHigh, "Unsafe deserialization"},
	}

	patterns := make([]dangerousPattern, 0, len(specs))
	for _, s := range specs {
		re, err := re2.Compile(s.expr)
		if err != nil {
			return nil, fmt.Errorf("compile dangerous pattern %q: %w", s.expr, err)
		}
		patterns = append(patterns, dangerousPattern{pattern: re, severity: s.severity, description: s.description})
	}

	return &Analyzer{
		patterns:         patterns,
		allowedImports:   []string{"json", "math", "datetime", "re", "collections", "itertools", "functools"},
		blockedFunctions: []string{"eval", "exec", "compile", "__import__"},
		metrics:          metrics,
	}, nil
}

// Analyze runs the full static-analysis pass: dangerous patterns, blocked
// function substrings, and per-line import checks.
func (a *Analyzer) Analyze(code string) AnalysisResult {
	var result AnalysisResult

	for _, p := range a.patterns {
		if p.pattern.MatchString(code) {
			result.Violations = append(result.Violations, fmt.Sprintf("%s: %s", p.severity, p.description))
			result.RiskScore += p.severity.score()
			result.Recommendations = append(result.Recommendations, fmt.Sprintf("Remove or replace: %s", p.description))
			a.recordViolation("dangerous_pattern")
		}
	}

	for _, fn := range a.blockedFunctions {
		if strings.Contains(code, fn) {
			result.Violations = append(result.Violations, fmt.Sprintf("Blocked function usage: %s", fn))
			result.RiskScore += 30.0
			a.recordViolation("blocked_function")
		}
	}

	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "import ") || strings.HasPrefix(trimmed, "from ") {
			if !a.isImportAllowed(trimmed) {
				result.Violations = append(result.Violations, fmt.Sprintf("Disallowed import: %s", trimmed))
				result.RiskScore += 20.0
				a.recordViolation("disallowed_import")
			}
		}
	}

	return result
}

func (a *Analyzer) recordViolation(violationType string) {
	if a.metrics != nil {
		a.metrics.IncrementCounterWithLabels("security_violations_total", 1, map[string]string{"type": violationType})
	}
}

func (a *Analyzer) isImportAllowed(importLine string) bool {
	for _, allowed := range a.allowedImports {
		if strings.Contains(importLine, allowed) {
			return true
		}
	}
	return false
}
