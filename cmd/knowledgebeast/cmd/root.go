// Package cmd provides the CLI commands for KnowledgeBeast.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/knowledgebeast/knowledgebeast/internal/profiling"
	"github.com/knowledgebeast/knowledgebeast/pkg/version"
)

// Profiling flags, shared across subcommands.
var (
	profileCPU   string
	profileMem   string
	profileTrace string
	profiler     = profiling.NewProfiler()
	cpuCleanup   func()
	traceCleanup func()
)

// NewRootCmd creates the root command for the knowledgebeast CLI.
func NewRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "knowledgebeast",
		Short: "Multi-tenant knowledge base server with hybrid search",
		Long: `KnowledgeBeast serves per-project knowledge bases over HTTP.

Documents are chunked, embedded, and indexed for hybrid retrieval
(BM25 + vector similarity) with optional cross-encoder re-ranking.
Each project is isolated: its own vector collection, keyword index,
caches, quotas, and API keys.

Run 'knowledgebeast serve' to start the server.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("knowledgebeast version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML config file (env vars override file values)")

	cmd.PersistentFlags().StringVar(&profileCPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileMem, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileTrace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = startProfiling
	cmd.PersistentPostRunE = stopProfiling

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newConfigCmd(&configPath))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startProfiling starts CPU and trace profiling if the flags are set.
func startProfiling(_ *cobra.Command, _ []string) error {
	var err error

	if profileCPU != "" {
		cpuCleanup, err = profiler.StartCPU(profileCPU)
		if err != nil {
			return fmt.Errorf("failed to start CPU profile: %w", err)
		}
	}

	if profileTrace != "" {
		traceCleanup, err = profiler.StartTrace(profileTrace)
		if err != nil {
			if cpuCleanup != nil {
				cpuCleanup()
			}
			return fmt.Errorf("failed to start trace: %w", err)
		}
	}

	return nil
}

// stopProfiling stops profiling and writes the memory profile if
// requested.
func stopProfiling(_ *cobra.Command, _ []string) error {
	if cpuCleanup != nil {
		cpuCleanup()
		cpuCleanup = nil
	}

	if traceCleanup != nil {
		traceCleanup()
		traceCleanup = nil
	}

	if profileMem != "" {
		if err := profiler.WriteHeap(profileMem); err != nil {
			return fmt.Errorf("failed to write memory profile: %w", err)
		}
	}

	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
