// Package config loads sandboxd's configuration from environment
// variables via viper, following the teacher's Load()/setDefaults()
// convention (see apps/rag-loader/internal/config/config.go) but with a
// flat key space: every variable name below is reproduced verbatim from
// original_source/rust/agent-core/src/config.rs so operators migrating
// from the original deployment don't need to rename anything.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the complete process configuration.
type Config struct {
	GRPCAddr               string        `mapstructure:"grpc_addr"`
	MetricsAddr            string        `mapstructure:"metrics_addr"`
	MaxConnections         int           `mapstructure:"max_connections"`
	RequestTimeoutSeconds  int           `mapstructure:"request_timeout_seconds"`

	SandboxMemoryLimit     int64         `mapstructure:"sandbox_memory_limit"`
	SandboxCPULimit        int64         `mapstructure:"sandbox_cpu_limit"`
	SandboxExecutionTimeout int          `mapstructure:"sandbox_execution_timeout"`
	SandboxMaxFileSize     int64         `mapstructure:"sandbox_max_file_size"`
	SandboxAllowedHosts    []string      `mapstructure:"sandbox_allowed_hosts"`
	SandboxBlockedSyscalls []string      `mapstructure:"sandbox_blocked_syscalls"`
	SandboxTempDir         string        `mapstructure:"sandbox_temp_dir"`
	SandboxMaxInstances    int           `mapstructure:"sandbox_max_instances"`

	EnforcementMaxDuration        int `mapstructure:"enforcement_max_duration"`
	EnforcementWarningThreshold   int `mapstructure:"enforcement_warning_threshold"`

	RateLimitRPS    float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst  float64 `mapstructure:"rate_limit_burst"`
	RateLimitWindow int     `mapstructure:"rate_limit_window"`

	CircuitBreakerFailureThreshold int           `mapstructure:"circuit_breaker_failure_threshold"`
	CircuitBreakerSuccessThreshold int           `mapstructure:"circuit_breaker_success_threshold"`
	CircuitBreakerTimeout          time.Duration `mapstructure:"circuit_breaker_timeout"`

	TokenValidatorMaxTokens    int     `mapstructure:"token_validator_max_tokens"`
	TokenValidatorCostPerToken float64 `mapstructure:"token_validator_cost_per_token"`

	OPAPolicyPath    string `mapstructure:"opa_policy_path"`
	EncryptionKeyPath string `mapstructure:"encryption_key_path"`
	TLSCertPath      string `mapstructure:"tls_cert_path"`
	TLSKeyPath       string `mapstructure:"tls_key_path"`

	EnableAuditLog bool   `mapstructure:"enable_audit_log"`
	AuditLogPath   string `mapstructure:"audit_log_path"`

	FSMMaxStates          int    `mapstructure:"fsm_max_states"`
	FSMMaxTransitions     int    `mapstructure:"fsm_max_transitions"`
	FSMStateTimeout       int    `mapstructure:"fsm_state_timeout"`
	FSMPersistenceEnabled bool   `mapstructure:"fsm_persistence_enabled"`
	FSMPersistencePath    string `mapstructure:"fsm_persistence_path"`

	MetricsEnabled             bool `mapstructure:"metrics_enabled"`
	MetricsPath                string `mapstructure:"metrics_path"`
	MetricsCollectionInterval  int  `mapstructure:"metrics_collection_interval"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogOutput string `mapstructure:"log_output"`

	TracingEnabled     bool   `mapstructure:"tracing_enabled"`
	TracingServiceName string `mapstructure:"tracing_service_name"`
	TracingEnvironment string `mapstructure:"tracing_environment"`
	TracingOTLPEndpoint string `mapstructure:"tracing_otlp_endpoint"`
}

// envDefaults pairs each flat key with its default value, reproduced
// verbatim from config.rs.
var envDefaults = map[string]interface{}{
	"grpc_addr":                 "0.0.0.0:50051",
	"metrics_addr":              "0.0.0.0:2113",
	"max_connections":           1000,
	"request_timeout_seconds":   30,

	"sandbox_memory_limit":      int64(134217728),
	"sandbox_cpu_limit":         int64(5000000000),
	"sandbox_execution_timeout": 30,
	"sandbox_max_file_size":     int64(10485760),
	"sandbox_allowed_hosts":     "localhost,127.0.0.1",
	"sandbox_blocked_syscalls":  "execve,fork,clone",
	"sandbox_temp_dir":          "/tmp/agent-sandbox",
	"sandbox_max_instances":     100,

	"enforcement_max_duration":      300,
	"enforcement_warning_threshold": 60,

	"rate_limit_rps":    100.0,
	"rate_limit_burst":  200.0,
	"rate_limit_window": 60,

	"circuit_breaker_failure_threshold": 5,
	"circuit_breaker_success_threshold": 3,
	"circuit_breaker_timeout":           "60s",

	"token_validator_max_tokens":     10000,
	"token_validator_cost_per_token": 0.002,

	"opa_policy_path":     "/app/policies",
	"encryption_key_path": "/app/keys/encryption.key",
	"tls_cert_path":       "",
	"tls_key_path":        "",

	"enable_audit_log": true,
	"audit_log_path":   "/var/log/agent-audit.log",

	"fsm_max_states":           1000,
	"fsm_max_transitions":      10000,
	"fsm_state_timeout":        300,
	"fsm_persistence_enabled":  true,
	"fsm_persistence_path":     "/var/lib/agent-fsm",

	"metrics_enabled":              true,
	"metrics_path":                 "/metrics",
	"metrics_collection_interval":  15,

	"log_level":  "info",
	"log_format": "json",
	"log_output": "stdout",

	"tracing_enabled":        false,
	"tracing_service_name":   "sandboxd",
	"tracing_environment":    "development",
	"tracing_otlp_endpoint":  "localhost:4317",
}

// Load builds a Config from environment variables, falling back to the
// defaults above. Env var names are the uppercase of each mapstructure
// key verbatim (e.g. SANDBOX_MAX_INSTANCES), matching config.rs exactly.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range envDefaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("bind env var for %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// stringToSliceHookFunc splits comma-separated env values (e.g.
// SANDBOX_ALLOWED_HOSTS=localhost,127.0.0.1) into []string fields.
func stringToSliceHookFunc(separator string) mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
			return data, nil
		}
		raw := data.(string)
		if raw == "" {
			return []string{}, nil
		}
		parts := strings.Split(raw, separator)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}

// Validate rejects configurations that would make the service
// unschedulable or unsafe (zero/negative limits, empty required paths).
func Validate(cfg *Config) error {
	if cfg.SandboxMaxInstances <= 0 {
		return fmt.Errorf("sandbox_max_instances must be positive")
	}
	if cfg.RateLimitRPS <= 0 || cfg.RateLimitBurst <= 0 {
		return fmt.Errorf("rate_limit_rps and rate_limit_burst must be positive")
	}
	if cfg.CircuitBreakerFailureThreshold <= 0 || cfg.CircuitBreakerSuccessThreshold <= 0 {
		return fmt.Errorf("circuit breaker thresholds must be positive")
	}
	if cfg.FSMMaxStates <= 0 || cfg.FSMMaxTransitions <= 0 {
		return fmt.Errorf("fsm_max_states and fsm_max_transitions must be positive")
	}
	if cfg.SandboxTempDir == "" {
		return fmt.Errorf("sandbox_temp_dir must not be empty")
	}
	return nil
}
