package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/testsmith/internal/validator"
)

// NewValidateCommand creates and returns the validate subcommand
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <spec-file>...",
		Short: "Run existing test files through the harness",
		Long: `Stage each file and run it through the configured test harness,
exactly as the pipeline does for generated candidates.

A file is valid when the harness exits 0, prints a passing counter, and at
least one test passed. With --verbose the harness output is printed.

Exit code: 0 if every file is valid, 1 otherwise`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateCommand(cmd, args)
		},
		SilenceUsage: true,
	}

	return cmd
}

func validateCommand(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	verbose, _ := cmd.Flags().GetBool("verbose")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v := validator.New(cfg.Harness, nil)
	out := cmd.OutOrStdout()

	invalid := 0
	for _, path := range args {
		verdict, err := v.ValidateFile(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("validation interrupted: %w", err)
			}
			printVerdict(out, path, false, err.Error())
			invalid++
			continue
		}

		printVerdict(out, path, verdict.Valid, validator.Summary(verdict))
		if verbose && verdict.RawOutput != "" {
			fmt.Fprintf(out, "%s\n", verdict.RawOutput)
		}
		if verdict.StagedPath != "" {
			fmt.Fprintf(out, "  staged as %s\n", verdict.StagedPath)
		}
		if !verdict.Valid {
			invalid++
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d file(s) failed validation", invalid, len(args))
	}
	return nil
}

func printVerdict(w io.Writer, path string, valid bool, detail string) {
	mark := color.New(color.FgGreen).Sprint("✓")
	if !valid {
		mark = color.New(color.FgRed).Sprint("✗")
	}
	fmt.Fprintf(w, "%s %s: %s\n", mark, path, detail)
}
