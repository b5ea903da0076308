package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/testsmith/internal/ledger"
	"github.com/harrison/testsmith/internal/models"
)

// NewHistoryCommand creates the 'testsmith history' command
func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <identity>",
		Short: "Show the recorded outcomes of one unit",
		Long: `Display every outcome recorded in the ledger for a unit including:
  - Outcome and run of each pass
  - Completion attempts and repair rounds
  - Harness counters, exit code and timeout flag
  - The tail of the diagnostic`,
		Args: cobra.ExactArgs(1),
		RunE: runHistory,
	}

	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	identity := args[0]
	output := cmd.OutOrStdout()

	if _, err := os.Stat(cfg.Paths.Ledger); os.IsNotExist(err) {
		fmt.Fprintf(output, "No history found for %s\n", identity)
		return nil
	}

	store, err := ledger.Open(cfg.Paths.Ledger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	records, err := store.UnitHistory(cmd.Context(), identity)
	if err != nil {
		return fmt.Errorf("get unit history: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintf(output, "No history found for %s\n", identity)
		return nil
	}

	printHistory(output, identity, records)
	return nil
}

// printHistory prints records most recent first.
func printHistory(w io.Writer, identity string, records []*ledger.UnitRecord) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)

	cyan.Fprintf(w, "\n=== History for %s ===\n\n", identity)
	fmt.Fprintf(w, "Total passes: %d\n\n", len(records))

	validated := 0
	for i, rec := range records {
		cyan.Fprintf(w, "Pass #%d\n", len(records)-i)
		fmt.Fprintf(w, "  Time: %s ", rec.RecordedAt.Local().Format("2006-01-02 15:04:05"))
		gray.Fprintf(w, "(%s ago)\n", humanAge(time.Since(rec.RecordedAt)))
		fmt.Fprintf(w, "  Run: %s\n", rec.RunID)

		fmt.Fprintf(w, "  Outcome: ")
		switch rec.Outcome {
		case models.OutcomeValidated:
			validated++
			green.Fprintf(w, "%s\n", rec.Outcome)
		case models.OutcomeSkipped:
			gray.Fprintf(w, "%s\n", rec.Outcome)
		default:
			red.Fprintf(w, "%s\n", rec.Outcome)
		}

		fmt.Fprintf(w, "  Attempts: %d, rounds: %d\n", rec.Attempts, rec.Rounds)
		if rec.Passed > 0 || rec.Failed > 0 || rec.ExitCode != 0 || rec.TimedOut {
			fmt.Fprintf(w, "  Harness: %d passing, %d failing, exit %d", rec.Passed, rec.Failed, rec.ExitCode)
			if rec.TimedOut {
				red.Fprintf(w, " (timed out)")
			}
			fmt.Fprintln(w)
		}
		if rec.StagedPath != "" {
			fmt.Fprintf(w, "  Staged: %s\n", rec.StagedPath)
		}

		if diag := strings.TrimSpace(rec.Diagnostic); diag != "" {
			const maxDiagLen = 200
			if len(diag) > maxDiagLen {
				diag = "..." + diag[len(diag)-maxDiagLen:]
			}
			fmt.Fprintf(w, "  Diagnostic: %s\n", strings.ReplaceAll(diag, "\n", " "))
		}

		if i < len(records)-1 {
			fmt.Fprintln(w)
		}
	}

	fmt.Fprintln(w)
	cyan.Fprintf(w, "Summary:\n")
	fmt.Fprintf(w, "  Validated in %d of %d passes\n", validated, len(records))
}
