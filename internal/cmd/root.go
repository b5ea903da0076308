package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for testsmith
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "testsmith",
		Short: "LLM test generation and validation pipeline",
		Long: `Testsmith turns prompt files into Hardhat test suites.

Each prompt is sent to a completion backend, the code is extracted from the
response, legacy ethers spellings are rewritten and banned constructs are
refused, and the candidate is run through the test harness. Outputs are
filed into validated, rejected and error roots; reruns skip units that
already have a validated test.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "Path to config file (default: .testsmith/config.yaml)")
	cmd.PersistentFlags().Bool("verbose", false, "Show debug output")
	cmd.PersistentFlags().String("log-level", "", "Log level: trace, debug, info, warn, error")

	// Add subcommands
	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewGenerateCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewNormalizeCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewHistoryCommand())

	return cmd
}
