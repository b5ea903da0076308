package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harrison/testsmith/internal/logger"
	"github.com/harrison/testsmith/internal/models"
	"github.com/harrison/testsmith/internal/router"
)

// NewGenerateCommand creates the generate command
func NewGenerateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <prompt-file>",
		Short: "Generate and validate a test for a single prompt",
		Long: `Run one prompt file through the full pipeline.

The unit is filed exactly as it would be by "testsmith run": validated
tests go to the valid root, rejected candidates and their harness output
to the invalid root, and error logs to the error root. A unit with a
validated test is skipped unless --force is given.

Examples:
  testsmith generate prompts/Vault__deposit.prompt.txt
  testsmith generate prompts/Vault__deposit.prompt.txt --force --model qwen2.5-coder:7b`,
		Args: cobra.ExactArgs(1),
		RunE: generateCommand,
	}

	addBackendFlags(cmd)
	addPipelineFlags(cmd)

	return cmd
}

func generateCommand(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if !models.IsPromptFile(args[0]) {
		return fmt.Errorf("%s is not a prompt file (expected *%s)", args[0], models.PromptSuffix)
	}

	if cfg.Pipeline.DryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "Dry-run mode: would process %s\n", args[0])
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, fileLog, err := openLoggers(cmd.OutOrStdout(), cfg)
	if err != nil {
		return err
	}
	defer fileLog.Close()

	spin := logger.NewSpinner(cmd.ErrOrStderr())
	wrap := func(c router.Completer) router.Completer {
		return &spinnerCompleter{next: c, spinner: spin}
	}

	p, err := newPipeline(ctx, cfg, wrap, log)
	if err != nil {
		return err
	}
	defer p.Close()

	result, err := p.router.ProcessOne(ctx, args[0])
	if err != nil {
		return fmt.Errorf("generate failed: %w", err)
	}

	switch result.Outcome {
	case models.OutcomeValidated:
		fmt.Fprintf(cmd.OutOrStdout(), "Validated test written to %s\n", result.Unit.ValidPath)
	case models.OutcomeSkipped:
		fmt.Fprintf(cmd.OutOrStdout(), "Skipped %s: %s\n", result.Unit.Identity, result.Diagnostic)
	default:
		return fmt.Errorf("unit %s finished %s", result.Unit.Identity, result.Outcome)
	}
	return nil
}

// spinnerCompleter shows a spinner while a completion request is in flight.
type spinnerCompleter struct {
	next    router.Completer
	spinner *logger.Spinner
}

func (s *spinnerCompleter) Complete(ctx context.Context, model, prompt string) models.CompletionResult {
	s.spinner.Start(fmt.Sprintf(" waiting for %s", model))
	defer s.spinner.Stop()
	return s.next.Complete(ctx, model, prompt)
}
