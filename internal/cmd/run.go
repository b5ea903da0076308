package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harrison/testsmith/internal/completion"
	"github.com/harrison/testsmith/internal/config"
	"github.com/harrison/testsmith/internal/ledger"
	"github.com/harrison/testsmith/internal/metrics"
	"github.com/harrison/testsmith/internal/router"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <prompt-dir>",
		Short: "Generate and validate tests for every prompt in a directory",
		Long: `Generate and validate tests for every *.prompt.txt file in a directory.

Each prompt is sent to the completion backend, the returned code is
extracted and normalized, and the candidate is run through the test
harness. Units that already have a validated test are skipped unless
--force is given.

Configuration is loaded from .testsmith/config.yaml if present.
Environment variables override the file and CLI flags override both.

Examples:
  testsmith run ./prompts
  testsmith run ./prompts --target Vault --force
  testsmith run ./prompts --backend openai --model gpt-4o-mini
  testsmith run ./prompts --concurrency 4
  testsmith run --dry-run ./prompts`,
		Args: cobra.ExactArgs(1),
		RunE: runCommand,
	}

	addBackendFlags(cmd)
	addPipelineFlags(cmd)

	return cmd
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	promptDir := args[0]

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Loading prompts from %s...\n", promptDir)

	log, fileLog, err := openLoggers(cmd.OutOrStdout(), cfg)
	if err != nil {
		return err
	}
	defer fileLog.Close()

	p, err := newPipeline(ctx, cfg, nil, log)
	if err != nil {
		return err
	}
	defer p.Close()

	summary, err := p.router.ProcessAll(ctx, promptDir)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	if cfg.Pipeline.DryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "\nDry-run mode: %d unit(s) would be processed, %d skipped.\n",
			summary.Total-summary.Skipped, summary.Skipped)
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nRun %s finished: %d validated, %d failed, %d skipped.\n",
		summary.RunID, summary.SuccessCount, summary.FailureCount, summary.Skipped)
	fmt.Fprintf(cmd.OutOrStdout(), "Logs written to: %s\n", fileLog.Path())
	return nil
}

// pipeline is a Router with the resources it owns.
type pipeline struct {
	router *router.Router
	store  *ledger.Store
}

// newPipeline wires the completion client, ledger and metrics into a Router.
// A non-nil wrap decorates the completion client. The ledger is not opened
// for dry runs.
func newPipeline(ctx context.Context, cfg config.Config, wrap func(router.Completer) router.Completer, log router.Logger) (*pipeline, error) {
	client, err := completion.New(ctx, cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion client: %w", err)
	}

	var completer router.Completer = client
	if wrap != nil {
		completer = wrap(completer)
	}

	deps := router.Deps{
		Client:  completer,
		Metrics: metrics.New(),
		Logger:  log,
	}

	p := &pipeline{}
	if !cfg.Pipeline.DryRun && cfg.Paths.Ledger != "" {
		store, err := ledger.Open(cfg.Paths.Ledger)
		if err != nil {
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}
		p.store = store
		deps.Ledger = store
	}

	p.router = router.New(cfg, deps)
	return p, nil
}

// Close releases the ledger.
func (p *pipeline) Close() error {
	if p.store == nil {
		return nil
	}
	return p.store.Close()
}
