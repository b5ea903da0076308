package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/testsmith/internal/corpus"
	"github.com/harrison/testsmith/internal/ledger"
	"github.com/harrison/testsmith/internal/router"
)

// NewStatusCommand creates the 'testsmith status' command
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show corpus counts and recent runs",
		Long: `Display the state of the output corpus including:
  - Validated, rejected and errored unit counts
  - Raw responses kept for diagnosis
  - The most recent runs recorded in the ledger
  - Validated files and ledger records that disagree`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}

	cmd.Flags().Int("runs", 5, "Number of recent runs to show")
	addPipelineFlags(cmd)

	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("runs")
	output := cmd.OutOrStdout()

	c := corpus.New(router.Layout(cfg.Paths), cfg.Paths.LockDir)
	counts, err := c.Counts()
	if err != nil {
		return fmt.Errorf("count corpus: %w", err)
	}
	printCounts(output, cfg.Paths.ValidDir, counts)

	if cfg.Paths.Ledger == "" {
		return nil
	}
	if _, err := os.Stat(cfg.Paths.Ledger); os.IsNotExist(err) {
		fmt.Fprintf(output, "\nNo runs recorded yet (ledger: %s)\n", cfg.Paths.Ledger)
		return nil
	}

	store, err := ledger.Open(cfg.Paths.Ledger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	runs, err := store.RecentRuns(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("get recent runs: %w", err)
	}
	printRuns(output, runs)

	if len(runs) > 0 {
		counts, err := store.OutcomeCounts(cmd.Context(), runs[0].ID)
		if err != nil {
			return fmt.Errorf("get outcome counts: %w", err)
		}
		printOutcomes(output, runs[0].ID, counts)
	}

	files, err := c.ValidatedIdentities()
	if err != nil {
		return fmt.Errorf("list validated outputs: %w", err)
	}
	recorded, err := store.ValidatedIdentities(cmd.Context())
	if err != nil {
		return fmt.Errorf("get validated identities: %w", err)
	}
	printDrift(output, files, recorded)
	return nil
}

func printCounts(w io.Writer, validDir string, c corpus.Counts) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)

	cyan.Fprintf(w, "=== Corpus ===\n\n")
	fmt.Fprintf(w, "  Validated:  ")
	green.Fprintf(w, "%d\n", c.Validated)
	fmt.Fprintf(w, "  Rejected:   ")
	red.Fprintf(w, "%d\n", c.Rejected)
	fmt.Fprintf(w, "  Error logs: ")
	yellow.Fprintf(w, "%d\n", c.ErrorLogs)
	fmt.Fprintf(w, "  Raw responses: %d\n", c.Raw)
	fmt.Fprintf(w, "  Valid root: %s\n", validDir)
}

func printRuns(w io.Writer, runs []*ledger.Run) {
	cyan := color.New(color.FgCyan, color.Bold)
	gray := color.New(color.FgHiBlack)

	cyan.Fprintf(w, "\n=== Recent runs ===\n\n")
	if len(runs) == 0 {
		fmt.Fprintf(w, "  No runs recorded yet\n")
		return
	}

	for _, r := range runs {
		fmt.Fprintf(w, "  %s  %s ", r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"))
		gray.Fprintf(w, "(%s ago)\n", humanAge(time.Since(r.StartedAt)))
		fmt.Fprintf(w, "    %s / %s  %s\n", r.Backend, r.Model, r.PromptDir)
		if r.FinishedAt.IsZero() {
			color.New(color.FgYellow).Fprintf(w, "    unfinished\n")
			continue
		}
		fmt.Fprintf(w, "    %d total: %d validated, %d failed, %d skipped in %s\n",
			r.Total, r.Validated, r.Failed, r.Skipped, r.Duration.Round(time.Second))
	}
}

// printOutcomes prints the per-outcome tally of one run, outcomes sorted.
func printOutcomes(w io.Writer, runID string, counts map[string]int) {
	outcomes := make([]string, 0, len(counts))
	for o := range counts {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)

	parts := make([]string, len(outcomes))
	for i, o := range outcomes {
		parts[i] = fmt.Sprintf("%s %d", o, counts[o])
	}
	if len(parts) == 0 {
		parts = append(parts, "none recorded")
	}
	fmt.Fprintf(w, "\n  Outcomes of %s: %s\n", runID, strings.Join(parts, ", "))
}

// printDrift compares the validated root with the ledger. A file without a
// record was filed outside testsmith or before the ledger existed; a record
// without a file was deleted by hand.
func printDrift(w io.Writer, files, recorded []string) {
	unrecorded, missing := drift(files, recorded)
	if len(unrecorded) == 0 && len(missing) == 0 {
		fmt.Fprintf(w, "  Ledger agrees with the validated root (%d unit(s))\n", len(files))
		return
	}

	yellow := color.New(color.FgYellow)
	if len(unrecorded) > 0 {
		yellow.Fprintf(w, "  %d validated file(s) not in the ledger: %s\n", len(unrecorded), strings.Join(unrecorded, ", "))
	}
	if len(missing) > 0 {
		yellow.Fprintf(w, "  %d ledger validation(s) without a file: %s\n", len(missing), strings.Join(missing, ", "))
	}
}

// drift returns the identities only in files and those only in recorded,
// both sorted.
func drift(files, recorded []string) (unrecorded, missing []string) {
	inLedger := make(map[string]bool, len(recorded))
	for _, id := range recorded {
		inLedger[id] = true
	}
	onDisk := make(map[string]bool, len(files))
	for _, id := range files {
		onDisk[id] = true
		if !inLedger[id] {
			unrecorded = append(unrecorded, id)
		}
	}
	for _, id := range recorded {
		if !onDisk[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(unrecorded)
	sort.Strings(missing)
	return unrecorded, missing
}

// humanAge renders an elapsed time with its largest unit.
func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
