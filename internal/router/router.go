// Package router drives work units through the generate, extract, normalize
// and validate pipeline and files each one into the output corpus.
package router

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/harrison/testsmith/internal/backoff"
	"github.com/harrison/testsmith/internal/config"
	"github.com/harrison/testsmith/internal/corpus"
	"github.com/harrison/testsmith/internal/extract"
	"github.com/harrison/testsmith/internal/ledger"
	"github.com/harrison/testsmith/internal/metrics"
	"github.com/harrison/testsmith/internal/models"
	"github.com/harrison/testsmith/internal/normalize"
	"github.com/harrison/testsmith/internal/validator"
)

// Logger defines the interface for logging router progress and results.
type Logger interface {
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
	LogRunStart(runID string, total int)
	LogUnitStart(unit models.WorkUnit, index, total int)
	LogUnitResult(result models.UnitResult) error
	LogSummary(summary *models.RunSummary)
}

// Completer sends one prompt to the completion backend.
type Completer interface {
	Complete(ctx context.Context, model, prompt string) models.CompletionResult
}

// Extractor recovers code from a backend response.
type Extractor interface {
	Extract(raw string) (extract.Result, error)
}

// Normalizer rewrites legacy API spellings and reports banned constructs.
type Normalizer interface {
	NormalizeUnit(identity, code string) (models.NormalizedCode, error)
}

// Validator runs a candidate through the test harness.
type Validator interface {
	Validate(ctx context.Context, code string) (models.ValidationVerdict, error)
}

// Ledger records runs and unit outcomes.
type Ledger interface {
	StartRun(ctx context.Context, run ledger.Run) error
	RecordUnit(ctx context.Context, runID string, r models.UnitResult) error
	FinishRun(ctx context.Context, summary *models.RunSummary) error
}

// Deps are the collaborators of a Router. Client is required; nil members
// fall back to the default implementation for the configuration, except
// Ledger and Metrics, which are skipped when nil.
type Deps struct {
	Client     Completer
	Extractor  Extractor
	Normalizer Normalizer
	Validator  Validator
	Corpus     *corpus.Corpus
	Ledger     Ledger
	Metrics    *metrics.Metrics
	Logger     Logger
}

// Router processes the units of a prompt directory.
type Router struct {
	cfg        config.Config
	client     Completer
	extractor  Extractor
	normalizer Normalizer
	validator  Validator
	corpus     *corpus.Corpus
	ledger     Ledger
	metrics    *metrics.Metrics
	logger     Logger

	policy   backoff.Policy
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	newRunID func() string
}

// New creates a Router for cfg.
func New(cfg config.Config, deps Deps) *Router {
	if deps.Client == nil {
		panic("completion client cannot be nil")
	}

	r := &Router{
		cfg:        cfg,
		client:     deps.Client,
		extractor:  deps.Extractor,
		normalizer: deps.Normalizer,
		validator:  deps.Validator,
		corpus:     deps.Corpus,
		ledger:     deps.Ledger,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		policy: backoff.Policy{
			Name: cfg.Pipeline.BackoffPolicy,
			Base: cfg.Pipeline.BackoffBase,
			Max:  cfg.Pipeline.BackoffMax,
		},
		sleep:    backoff.Sleep,
		now:      time.Now,
		newRunID: uuid.NewString,
	}
	if r.extractor == nil {
		r.extractor = extract.New()
	}
	if r.normalizer == nil {
		r.normalizer = normalize.New(normalize.WithArtifacts(cfg.Paths.ArtifactsDir))
	}
	if r.validator == nil {
		r.validator = validator.New(cfg.Harness, nil)
	}
	if r.corpus == nil {
		r.corpus = corpus.New(Layout(cfg.Paths), cfg.Paths.LockDir)
	}
	if r.logger == nil {
		r.logger = nopLogger{}
	}
	return r
}

// Layout maps configured paths onto the output roots.
func Layout(p config.PathsConfig) models.Layout {
	return models.Layout{
		ValidDir:   p.ValidDir,
		InvalidDir: p.InvalidDir,
		ErrorDir:   p.ErrorDir,
	}
}

// Corpus returns the output partition the router files into.
func (r *Router) Corpus() *corpus.Corpus {
	return r.corpus
}

// Enumerate lists the work units of promptDir in filename order, keeping
// only identities that contain the configured target (case-insensitive).
func (r *Router) Enumerate(promptDir string) ([]models.WorkUnit, error) {
	entries, err := os.ReadDir(promptDir)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrPromptDir, promptDir, err)
	}

	target := strings.ToLower(r.cfg.Pipeline.Target)
	var units []models.WorkUnit
	for _, e := range entries {
		if !models.IsPromptFile(e.Name()) {
			continue
		}
		path := filepath.Join(promptDir, e.Name())
		if !isRegularFile(e, path) {
			continue
		}
		u, err := r.corpus.Unit(path)
		if err != nil {
			continue
		}
		if target != "" && !strings.Contains(strings.ToLower(u.Identity), target) {
			continue
		}
		units = append(units, u)
	}
	return units, nil
}

// isRegularFile follows a symlinked entry to its target.
func isRegularFile(e fs.DirEntry, path string) bool {
	if e.Type()&fs.ModeSymlink == 0 {
		return e.Type().IsRegular()
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// ProcessAll runs every unit of promptDir and returns the tally. Unit
// failures are counted, never returned; the error is non-nil only when the
// directory cannot be read, the ledger rejects the run, or ctx ends.
func (r *Router) ProcessAll(ctx context.Context, promptDir string) (*models.RunSummary, error) {
	units, err := r.Enumerate(promptDir)
	if err != nil {
		return nil, err
	}

	runID := r.newRunID()
	summary := models.NewRunSummary(runID)
	start := r.now()

	if r.cfg.Pipeline.DryRun {
		return r.dryRun(units, summary), nil
	}

	if r.ledger != nil {
		err := r.ledger.StartRun(ctx, ledger.Run{
			ID:        runID,
			StartedAt: start,
			Backend:   r.cfg.Backend.Kind,
			Model:     r.cfg.Backend.Model,
			PromptDir: promptDir,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record run start: %w", err)
		}
	}

	r.logger.LogRunStart(runID, len(units))

	results := make([]*models.UnitResult, len(units))
	limit := r.cfg.Pipeline.Concurrency
	if limit < 1 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, u := range units {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := r.processUnit(gctx, runID, u, i+1, len(units))
			if err != nil {
				return err
			}
			results[i] = &res
			return nil
		})
	}
	runErr := g.Wait()

	for _, res := range results {
		if res != nil {
			summary.Add(*res)
		}
	}
	summary.Duration = r.now().Sub(start)

	r.finish(summary)

	if runErr == nil {
		runErr = ctx.Err()
	}
	if runErr != nil {
		return summary, fmt.Errorf("run %s interrupted: %w", runID, runErr)
	}
	return summary, nil
}

// finish stores the run tally in every sink. Sink failures are logged.
func (r *Router) finish(summary *models.RunSummary) {
	// the run context may already be cancelled; the tally is still recorded
	ctx := context.Background()

	if r.ledger != nil {
		if err := r.ledger.FinishRun(ctx, summary); err != nil {
			r.logger.LogWarn(fmt.Sprintf("Failed to record run in ledger: %v", err))
		}
	}
	if r.cfg.Paths.Report != "" {
		report := NewQualityReport(summary, r.cfg.Backend, r.now())
		if err := report.Write(r.cfg.Paths.Report); err != nil {
			r.logger.LogWarn(fmt.Sprintf("Failed to write quality report: %v", err))
		}
	}
	if r.metrics != nil {
		if err := r.metrics.WriteTextfile(r.cfg.Paths.Metrics); err != nil {
			r.logger.LogWarn(fmt.Sprintf("Failed to write metrics: %v", err))
		}
	}
	r.logger.LogSummary(summary)
}

// dryRun reports what a run would do without calling the backend.
func (r *Router) dryRun(units []models.WorkUnit, summary *models.RunSummary) *models.RunSummary {
	r.logger.LogInfo(fmt.Sprintf("Dry run: %d units", len(units)))
	for _, u := range units {
		summary.Total++
		if !r.cfg.Pipeline.Force && r.corpus.HasValidated(u) {
			summary.Skipped++
			summary.ByOutcome[models.OutcomeSkipped]++
			r.logger.LogInfo(fmt.Sprintf("would skip %s (already validated)", u.Identity))
			continue
		}
		r.logger.LogInfo(fmt.Sprintf("would process %s", u.Identity))
	}
	return summary
}

// ProcessOne runs a single prompt file outside of a directory pass. It is
// recorded in the ledger as a run of its own.
func (r *Router) ProcessOne(ctx context.Context, promptPath string) (models.UnitResult, error) {
	u, err := r.corpus.Unit(promptPath)
	if err != nil {
		return models.UnitResult{}, err
	}
	if _, err := os.Stat(promptPath); err != nil {
		return models.UnitResult{}, fmt.Errorf("failed to read prompt %s: %w", promptPath, err)
	}

	runID := r.newRunID()
	start := r.now()
	if r.ledger != nil {
		err := r.ledger.StartRun(ctx, ledger.Run{
			ID:        runID,
			StartedAt: start,
			Backend:   r.cfg.Backend.Kind,
			Model:     r.cfg.Backend.Model,
			PromptDir: filepath.Dir(promptPath),
		})
		if err != nil {
			return models.UnitResult{}, fmt.Errorf("failed to record run start: %w", err)
		}
	}

	res, err := r.processUnit(ctx, runID, u, 1, 1)
	if err != nil {
		return res, err
	}

	if r.ledger != nil {
		summary := models.NewRunSummary(runID)
		summary.Add(res)
		summary.Duration = r.now().Sub(start)
		if err := r.ledger.FinishRun(context.Background(), summary); err != nil {
			r.logger.LogWarn(fmt.Sprintf("Failed to record run in ledger: %v", err))
		}
	}
	if r.metrics != nil {
		if err := r.metrics.WriteTextfile(r.cfg.Paths.Metrics); err != nil {
			r.logger.LogWarn(fmt.Sprintf("Failed to write metrics: %v", err))
		}
	}
	return res, nil
}

type nopLogger struct{}

func (nopLogger) LogDebug(string) {}
func (nopLogger) LogInfo(string) {}
func (nopLogger) LogWarn(string) {}
func (nopLogger) LogError(string) {}
func (nopLogger) LogRunStart(string, int) {}
func (nopLogger) LogUnitStart(models.WorkUnit, int, int) {}
func (nopLogger) LogUnitResult(models.UnitResult) error { return nil }
func (nopLogger) LogSummary(*models.RunSummary) {}
