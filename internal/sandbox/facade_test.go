package sandbox

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	f, err := New(Config{
		MemoryLimit:  134217728,
		MaxInstances: 2,
		TempDir:      t.TempDir(),
	}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestExecutePythonPlaceholderSucceeds(t *testing.T) {
	f := newTestFacade(t)

	result, err := f.Execute(context.Background(), LanguagePython, "print('hi')", ExecutionContext{
		ExecutionID: "exec-1",
		CPULimit:    1_000_000,
		Timeout:     time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("expected Success, got %s (%s)", result.Status, result.ErrorMessage)
	}
}

func TestExecuteJavaScriptPlaceholderSucceeds(t *testing.T) {
	f := newTestFacade(t)

	result, err := f.Execute(context.Background(), LanguageJavaScript, "console.log('hi')", ExecutionContext{
		ExecutionID: "exec-2",
		CPULimit:    1_000_000,
		Timeout:     time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != StatusSuccess {
		t.Fatalf("expected Success, got %s (%s)", result.Status, result.ErrorMessage)
	}
}

func TestExecuteWebAssemblyReturnsNotImplemented(t *testing.T) {
	f := newTestFacade(t)

	_, err := f.Execute(context.Background(), LanguageWebAssembly, "(module)", ExecutionContext{
		ExecutionID: "exec-3",
		Timeout:     time.Second,
	})
	if err == nil {
		t.Fatal("expected not-implemented error for WebAssembly language")
	}
}

func TestExecuteRemovesScratchDirectoryAfterRun(t *testing.T) {
	f := newTestFacade(t)

	execCtx := ExecutionContext{
		ExecutionID: "exec-cleanup",
		CPULimit:    1_000_000,
		Timeout:     time.Second,
	}

	if _, err := f.Execute(context.Background(), LanguagePython, "pass", execCtx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	scratchDir := f.config.TempDir + "/" + execCtx.ExecutionID
	if _, err := os.Stat(scratchDir); err == nil {
		t.Fatalf("expected scratch directory to be removed, still exists: %s", scratchDir)
	}
}

func TestEnvironmentFilteringDropsUnsafeVars(t *testing.T) {
	env := map[string]string{
		"PATH":        "/usr/bin",
		"AGENT_TOKEN": "secret",
		"AWS_SECRET":  "leak-me",
	}

	filtered := filterEnvironment(env)

	if _, ok := filtered["AWS_SECRET"]; ok {
		t.Fatal("expected AWS_SECRET to be filtered out")
	}
	if _, ok := filtered["PATH"]; !ok {
		t.Fatal("expected PATH to survive filtering")
	}
	if _, ok := filtered["AGENT_TOKEN"]; !ok {
		t.Fatal("expected AGENT_-prefixed var to survive filtering")
	}
}

// TestCloseStopsQueueWorkerGoroutine pins down that Close drains the
// bulkhead's queue processor: SandboxBulkheadConfig leaves MaxQueueDepth
// non-zero, so every New call starts a background goroutine that must
// exit before the test process does.
func TestCloseStopsQueueWorkerGoroutine(t *testing.T) {
	defer goleak.VerifyNone(t)

	f, err := New(Config{
		MemoryLimit:  134217728,
		MaxInstances: 2,
		TempDir:      t.TempDir(),
	}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := f.Execute(context.Background(), LanguagePython, "pass", ExecutionContext{
			ExecutionID: "exec-leak",
			CPULimit:    1_000_000,
			Timeout:     time.Second,
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if _, err := f.Execute(context.Background(), LanguageWebAssembly, "(module)", ExecutionContext{
		ExecutionID: "exec-leak-wasm",
		Timeout:     time.Second,
	}); err == nil {
		t.Fatal("expected not-implemented error for WebAssembly language")
	}

	if err := f.Close(); err != nil {
		t.Fatalf("unexpected error closing facade: %v", err)
	}
}
