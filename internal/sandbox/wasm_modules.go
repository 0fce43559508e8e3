package sandbox

// The Python and JavaScript interpreters are out of scope (spec §4.6
// places "WASM runtime internals" out of scope); sandbox.rs itself ships
// only placeholder modules whose execute_code export always returns 0.
// This keeps the same placeholder shape rather than inventing a real
// interpreter.
const placeholderWAT = `
(module
  (import "wasi_snapshot_preview1" "fd_write" (func $fd_write (param i32 i32 i32 i32) (result i32)))
  (memory (export "memory") 1)
  (func (export "execute_code") (param $code_ptr i32) (param $code_len i32) (result i32)
    i32.const 0))
`

func pythonModuleWAT() string {
	return placeholderWAT
}

func javascriptModuleWAT() string {
	return placeholderWAT
}
