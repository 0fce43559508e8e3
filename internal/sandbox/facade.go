// Package sandbox implements the Sandbox Facade: a counted-permit,
// fuel-and-epoch-metered WASM execution boundary, grounded on
// original_source/sandbox.rs's WASISandbox and adapted onto
// bytecodealliance/wasmtime-go/v25, the canonical Go binding for the same
// engine the original is built on.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v25"

	"github.com/agentmesh/sandboxd/internal/errors"
	"github.com/agentmesh/sandboxd/pkg/observability"
	"github.com/agentmesh/sandboxd/pkg/resilience"
)

// Config holds the facade's process-lifetime settings, sourced from
// internal/config.Config.
type Config struct {
	MemoryLimit  int64 // SANDBOX_MEMORY_LIMIT, bytes
	MaxInstances int   // SANDBOX_MAX_INSTANCES
	TempDir      string
}

// Facade is the single entry point the orchestrator calls to run one
// submission. It owns a wasmtime Engine for the process lifetime; each
// Execute call gets a fresh Store, never reused across executions.
type Facade struct {
	config Config
	engine *wasmtime.Engine

	bulkhead *resilience.Bulkhead

	logger  observability.Logger
	metrics observability.MetricsClient

	pythonModule     *wasmtime.Module
	javascriptModule *wasmtime.Module
}

// New builds a Facade: a fuel- and epoch-interruption-enabled wasmtime
// Engine, the scratch-root directory, and the counted-permit bulkhead
// sized to MaxInstances.
func New(config Config, logger observability.Logger, metrics observability.MetricsClient) (*Facade, error) {
	if err := os.MkdirAll(config.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox temp dir: %w", err)
	}

	engineConfig := wasmtime.NewConfig()
	engineConfig.SetConsumeFuel(true)
	engineConfig.SetEpochInterruption(true)

	engine := wasmtime.NewEngineWithConfig(engineConfig)

	pythonWasm, err := wasmtime.Wat2Wasm(pythonModuleWAT())
	if err != nil {
		return nil, fmt.Errorf("compile python sandbox module: %w", err)
	}
	pythonModule, err := wasmtime.NewModule(engine, pythonWasm)
	if err != nil {
		return nil, fmt.Errorf("load python sandbox module: %w", err)
	}

	jsWasm, err := wasmtime.Wat2Wasm(javascriptModuleWAT())
	if err != nil {
		return nil, fmt.Errorf("compile javascript sandbox module: %w", err)
	}
	jsModule, err := wasmtime.NewModule(engine, jsWasm)
	if err != nil {
		return nil, fmt.Errorf("load javascript sandbox module: %w", err)
	}

	bulkhead := resilience.NewBulkhead("sandbox_instances", resilience.SandboxBulkheadConfig(config.MaxInstances), logger, metrics)

	return &Facade{
		config:           config,
		engine:           engine,
		bulkhead:         bulkhead,
		logger:           logger,
		metrics:          metrics,
		pythonModule:     pythonModule,
		javascriptModule: jsModule,
	}, nil
}

// Execute runs source under language's interpreter inside a fresh store,
// acquiring a bulkhead permit first and releasing it on every exit path.
// WebAssembly requests short-circuit without consuming a permit, matching
// spec §5.6's "declared but unimplemented" contract.
func (f *Facade) Execute(ctx context.Context, language Language, source string, execCtx ExecutionContext) (Result, error) {
	if language == LanguageWebAssembly {
		return Result{}, errors.Sandbox("wasm_not_implemented", "not implemented")
	}

	start := time.Now()

	if f.metrics != nil {
		f.metrics.RecordGauge("sandbox_instances_active", float64(f.bulkhead.GetStats().ActiveRequests), nil)
	}

	raw, err := f.bulkhead.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return f.executeInStore(language, source, execCtx, start)
	})

	if f.metrics != nil {
		f.metrics.RecordGauge("sandbox_instances_active", float64(f.bulkhead.GetStats().ActiveRequests), nil)
	}

	if err != nil {
		return Result{}, errors.Wrap(err, errors.KindResource, "sandbox_permit_unavailable", "could not acquire a sandbox execution slot")
	}

	result, ok := raw.(Result)
	if !ok {
		return Result{}, errors.Internal("sandbox_result_type", "sandbox operation returned an unexpected result type")
	}

	if f.metrics != nil {
		f.metrics.RecordHistogram("sandbox_cpu_usage_seconds", result.Metrics.CPUTime.Seconds(), nil)
		f.metrics.RecordHistogram("sandbox_memory_usage_bytes", float64(result.Metrics.MemoryUsed), nil)
	}

	return result, nil
}

func (f *Facade) executeInStore(language Language, source string, execCtx ExecutionContext, start time.Time) (Result, error) {
	scratchDir := filepath.Join(f.config.TempDir, execCtx.ExecutionID)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	store := wasmtime.NewStore(f.engine)
	defer store.Close()

	if err := f.configureWasi(store, execCtx, scratchDir); err != nil {
		return Result{}, fmt.Errorf("configure wasi context: %w", err)
	}

	if err := store.SetFuel(execCtx.CPULimit); err != nil {
		return Result{}, fmt.Errorf("set fuel limit: %w", err)
	}
	store.SetEpochDeadline(1)

	timer := time.AfterFunc(execCtx.Timeout, func() {
		f.engine.IncrementEpoch()
	})
	defer timer.Stop()

	module := f.pythonModule
	if language == LanguageJavaScript {
		module = f.javascriptModule
	}

	linker := wasmtime.NewLinker(f.engine)
	if err := linker.DefineWasi(); err != nil {
		return Result{}, fmt.Errorf("define wasi imports: %w", err)
	}
	instance, err := linker.Instantiate(store, module)
	if err != nil {
		return f.resultFromTrap(execCtx, err, start), nil
	}

	execFn := instance.GetFunc(store, "execute_code")
	if execFn == nil {
		return Result{
			ExecutionID:  execCtx.ExecutionID,
			Status:       StatusCompilationError,
			ErrorMessage: "execute_code export not found",
			Duration:     time.Since(start),
		}, nil
	}

	codePtr, codeLen := int32(0), int32(len(source))

	raw, callErr := execFn.Call(store, codePtr, codeLen)
	duration := time.Since(start)

	fuelConsumed, _ := store.FuelConsumed()

	if callErr != nil {
		result := f.resultFromTrap(execCtx, callErr, start)
		result.Metrics.CPUTime = time.Duration(fuelConsumed)
		return result, nil
	}

	resultCode, _ := raw.(int32)
	status := StatusSuccess
	if resultCode != 0 {
		status = StatusRuntimeError
	}

	return Result{
		ExecutionID: execCtx.ExecutionID,
		Status:      status,
		Output:      "Execution completed successfully",
		Metrics: Metrics{
			CPUTime: time.Duration(fuelConsumed),
		},
		Duration: duration,
	}, nil
}

// configureWasi builds the WASI context for one execution: an allowlisted
// environment and a preopened scratch directory, matching
// sandbox.rs's create_wasi_context.
func (f *Facade) configureWasi(store *wasmtime.Store, execCtx ExecutionContext, scratchDir string) error {
	wasiConfig := wasmtime.NewWasiConfig()
	wasiConfig.InheritStdout()
	wasiConfig.InheritStderr()

	filtered := filterEnvironment(execCtx.Environment)
	names := make([]string, 0, len(filtered))
	values := make([]string, 0, len(filtered))
	for k, v := range filtered {
		names = append(names, k)
		values = append(values, v)
	}
	if len(names) > 0 {
		if err := wasiConfig.SetEnv(names, values); err != nil {
			return fmt.Errorf("set wasi env: %w", err)
		}
	}

	if err := wasiConfig.PreopenDir(scratchDir, "/sandbox"); err != nil {
		return fmt.Errorf("preopen scratch dir: %w", err)
	}

	store.SetWasi(wasiConfig)
	return nil
}

func (f *Facade) resultFromTrap(execCtx ExecutionContext, err error, start time.Time) Result {
	status, message := classifyTrap(err)
	return Result{
		ExecutionID:  execCtx.ExecutionID,
		Status:       status,
		ErrorMessage: message,
		Duration:     time.Since(start),
	}
}

// Close releases the facade's bulkhead and underlying engine resources.
func (f *Facade) Close() error {
	return f.bulkhead.Close()
}
