package sandbox

import (
	"strings"

	"github.com/bytecodealliance/wasmtime-go/v25"
)

// classifyTrap reproduces sandbox.rs's classify_trap match exactly:
// out-of-fuel maps to CpuLimit, interrupt (our epoch deadline) maps to
// Timeout, an out-of-bounds memory access maps to MemoryLimit, anything
// else traps into RuntimeError.
func classifyTrap(err error) (Status, string) {
	if trap, ok := err.(*wasmtime.Trap); ok && trap != nil {
		if code := trap.Code(); code != nil {
			switch *code {
			case wasmtime.TrapCodeOutOfFuel:
				return StatusCpuLimit, "CPU time limit exceeded"
			case wasmtime.TrapCodeInterrupt:
				return StatusTimeout, "Execution timeout"
			case wasmtime.TrapCodeMemoryOutOfBounds:
				return StatusMemoryLimit, "Memory limit exceeded"
			}
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "out of fuel"):
		return StatusCpuLimit, "CPU time limit exceeded"
	case strings.Contains(msg, "interrupt"):
		return StatusTimeout, "Execution timeout"
	case strings.Contains(msg, "out of bounds"):
		return StatusMemoryLimit, "Memory limit exceeded"
	default:
		return StatusRuntimeError, "Runtime error: " + msg
	}
}
