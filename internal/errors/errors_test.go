package errors

import (
	"errors"
	"testing"
)

func TestNewSetsDefaultRetryStrategy(t *testing.T) {
	err := New(KindResource, "rate_limit_exceeded", "too many requests")

	if !err.Retry.ShouldRetry {
		t.Fatal("expected resource errors to be retryable by default")
	}
	if err.Kind != KindResource {
		t.Fatalf("expected kind resource, got %v", err.Kind)
	}
}

func TestValidationErrorsAreNotRetryable(t *testing.T) {
	err := Validation("missing_field", "code is required")

	if err.Retry.ShouldRetry {
		t.Fatal("expected validation errors to not be retryable")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	wrapped := Wrap(cause, KindInternal, "io_failure", "could not write scratch dir")

	if !errors.Is(wrapped, cause) {
		t.Fatal("expected Unwrap to expose the original cause")
	}
}

func TestIsKind(t *testing.T) {
	err := SecurityViolation("dangerous_pattern_detected", "eval( call found")

	if !IsKind(err, KindSecurityViolation) {
		t.Fatal("expected IsKind to match the constructed kind")
	}
	if IsKind(err, KindSandbox) {
		t.Fatal("expected IsKind to not match an unrelated kind")
	}
}

func TestWithDetailsAttachesContext(t *testing.T) {
	err := Sandbox("cpu_limit_exceeded", "fuel exhausted").WithDetails(map[string]interface{}{
		"fuel_consumed": 1_000_000,
	})

	if err.Details["fuel_consumed"] != 1_000_000 {
		t.Fatal("expected details to be attached")
	}
}
