// Package commands holds the proximityd CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "proximityd",
		Short: "Proximity - LXC application orchestration engine",
		Long: `Proximityd turns application deployment requests into provisioned LXC
containers on a Proxmox VE cluster.

It owns the instance ledger, allocates host ports and container ids without
conflicts, drives deployments through a durable retryable job queue, and
keeps the ledger reconciled against what the hypervisor actually runs.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "proximity.yaml", "config file path")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newTemplatesCommand())

	return rootCmd
}
