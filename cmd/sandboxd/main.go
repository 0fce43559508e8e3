// Command sandboxd runs the agent-code execution service: Enforcement
// Gateway, Execution FSM, Sandbox Facade and Execution Orchestrator behind
// a REST surface, plus a background reaper. CLI shape grounded on
// aatumaykin-Nexbot's cmd/nexbot/root.go (cobra root + subcommands).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "Multi-tenant agent-code execution service",
	Long:  "sandboxd enforces per-tenant resource limits, runs untrusted agent code inside a WASI sandbox, and tracks each execution through a finite state machine.",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
