package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentmesh/sandboxd/internal/config"
)

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load configuration from the environment and report whether it is valid",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("configuration invalid: %w", err)
		}
		fmt.Printf("configuration OK: grpc_addr=%s metrics_addr=%s sandbox_max_instances=%d\n",
			cfg.GRPCAddr, cfg.MetricsAddr, cfg.SandboxMaxInstances)
		return nil
	},
}
