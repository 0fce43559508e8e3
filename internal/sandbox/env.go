package sandbox

import "strings"

// safeEnvVars is the fixed allowlist of environment variable names passed
// through to a sandboxed execution verbatim, reproduced from sandbox.rs's
// is_safe_env_var. Anything not in this list and not AGENT_-prefixed is
// silently dropped.
var safeEnvVars = map[string]bool{
	"PATH":       true,
	"HOME":       true,
	"USER":       true,
	"LANG":       true,
	"LC_ALL":     true,
	"TZ":         true,
	"PYTHONPATH": true,
	"NODE_PATH":  true,
}

// isSafeEnvVar reports whether key may be passed into the sandbox.
func isSafeEnvVar(key string) bool {
	return safeEnvVars[key] || strings.HasPrefix(key, "AGENT_")
}

// filterEnvironment returns the subset of env that passes isSafeEnvVar.
func filterEnvironment(env map[string]string) map[string]string {
	filtered := make(map[string]string, len(env))
	for k, v := range env {
		if isSafeEnvVar(k) {
			filtered[k] = v
		}
	}
	return filtered
}
