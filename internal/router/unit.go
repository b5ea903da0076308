package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harrison/testsmith/internal/corpus"
	"github.com/harrison/testsmith/internal/models"
)

// processUnit runs one unit to a terminal outcome, files it, and records it.
// The error is non-nil only when ctx ended before the unit finished.
func (r *Router) processUnit(ctx context.Context, runID string, u models.WorkUnit, index, total int) (models.UnitResult, error) {
	start := r.now()
	r.logger.LogUnitStart(u, index, total)

	result := models.UnitResult{Unit: u}

	if !r.cfg.Pipeline.Force && r.corpus.HasValidated(u) {
		result.Outcome = models.OutcomeSkipped
		result.Diagnostic = "validated output already present"
		r.record(runID, &result, start)
		return result, nil
	}

	lock, ok, err := r.corpus.Claim(u)
	switch {
	case err != nil:
		r.logger.LogWarn(fmt.Sprintf("%s: claim lock unavailable, continuing unlocked: %v", u.Identity, err))
	case !ok:
		result.Outcome = models.OutcomeSkipped
		result.Diagnostic = "claimed by another process"
		r.record(runID, &result, start)
		return result, nil
	default:
		defer lock.Unlock()
	}

	if err := r.run(ctx, u, &result); err != nil {
		return result, err
	}
	r.record(runID, &result, start)
	return result, nil
}

// record stamps the duration and sends a finished result to every sink.
func (r *Router) record(runID string, result *models.UnitResult, start time.Time) {
	result.Duration = r.now().Sub(start)

	if r.metrics != nil {
		r.metrics.ObserveUnit(*result)
	}
	if r.ledger != nil {
		if err := r.ledger.RecordUnit(context.Background(), runID, *result); err != nil {
			r.logger.LogWarn(fmt.Sprintf("%s: failed to record outcome in ledger: %v", result.Unit.Identity, err))
		}
	}
	if err := r.logger.LogUnitResult(*result); err != nil {
		r.logger.LogWarn(fmt.Sprintf("%s: failed to log result: %v", result.Unit.Identity, err))
	}
}

// run is the generate, extract, normalize, validate loop of one unit,
// including repair rounds. It sets the outcome and files the outputs.
func (r *Router) run(ctx context.Context, u models.WorkUnit, result *models.UnitResult) error {
	content, err := os.ReadFile(u.PromptPath)
	if err != nil {
		result.Outcome = models.OutcomeGenerationFailed
		result.Error = &UnitError{Unit: u.Identity, Stage: StagePrompt, Err: err}
		result.Diagnostic = result.Error.Error()
		r.fileGenerationError(u, result.Diagnostic)
		return nil
	}

	doc := models.ParsePromptDocument(string(content))
	rounds := 1
	if doc.HasRepair() {
		rounds += r.cfg.Pipeline.RepairRounds
	}

	prompt := doc.Initial
	var rejected *rejection
	for round := 1; round <= rounds; round++ {
		result.Rounds = round
		if round > 1 {
			r.logger.LogInfo(fmt.Sprintf("%s: repair round %d/%d", u.Identity, round-1, rounds-1))
			if r.metrics != nil {
				r.metrics.ObserveRepair()
			}
		}

		text, err := r.generate(ctx, u, prompt, result)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if rejected != nil {
				return r.fileRejection(u, result, rejected, err)
			}
			result.Outcome = models.OutcomeGenerationFailed
			result.Error = err
			result.Diagnostic = err.Error()
			r.fileGenerationError(u, err.Error())
			return nil
		}

		code, err := r.extractCode(u, text)
		if err != nil {
			if rejected != nil {
				return r.fileRejection(u, result, rejected, err)
			}
			result.Outcome = models.OutcomeExtractionFailed
			result.Error = err
			result.Diagnostic = err.Error()
			r.fileError(u, fmt.Sprintf("Extraction Error: %v\nRaw response: %s", err, u.RawPath))
			return nil
		}

		norm, err := r.normalizer.NormalizeUnit(u.Identity, code)
		if err != nil {
			r.logger.LogWarn(fmt.Sprintf("%s: ABI surface check skipped: %v", u.Identity, err))
		}
		if norm.Rewrites > 0 {
			r.logger.LogDebug(fmt.Sprintf("%s: %d legacy spellings rewritten", u.Identity, norm.Rewrites))
		}
		if r.metrics != nil {
			r.metrics.ObserveViolations(len(norm.Violations))
		}
		if norm.HasViolations() {
			result.Outcome = models.OutcomePolicyViolation
			result.Diagnostic = joinViolations(norm.Violations)
			result.Error = &UnitError{Unit: u.Identity, Stage: StageNormalize, Err: fmt.Errorf("%d policy violations", len(norm.Violations))}
			r.fileRejected(u, norm.Code, result.Diagnostic)
			return nil
		}

		verdict, err := r.validator.Validate(ctx, norm.Code)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			// staging failed; the harness never ran
			verdict.Valid = false
			result.Error = &UnitError{Unit: u.Identity, Stage: StageValidate, Err: err}
		} else if r.metrics != nil {
			r.metrics.ObserveHarness(verdict)
		}
		result.Verdict = &verdict
		result.Diagnostic = verdict.RawOutput

		if verdict.Valid {
			result.Outcome = models.OutcomeValidated
			err := r.corpus.WriteValidated(u, norm.Code, r.cfg.Pipeline.Force)
			switch {
			case errors.Is(err, corpus.ErrAlreadyValidated):
				r.logger.LogInfo(fmt.Sprintf("%s: validated output appeared during the run, keeping it", u.Identity))
			case err != nil:
				r.logger.LogError(err.Error())
				result.Error = &UnitError{Unit: u.Identity, Stage: StageFile, Err: err}
			}
			return nil
		}

		rejected = &rejection{code: norm.Code, log: verdict.RawOutput}
		if round < rounds {
			prompt = doc.RepairPrompt(norm.Code, verdict.RawOutput)
		}
	}

	return r.fileRejection(u, result, rejected, nil)
}

// rejection is the last candidate the harness refused.
type rejection struct {
	code string
	log  string
}

// fileRejection files the last rejected candidate. cause is set when a later
// repair round produced no candidate at all.
func (r *Router) fileRejection(u models.WorkUnit, result *models.UnitResult, rej *rejection, cause error) error {
	result.Outcome = models.OutcomeRejected
	diagnostic := rej.log
	if cause != nil {
		diagnostic = strings.TrimRight(diagnostic, "\n") + "\n\nRepair round failed: " + cause.Error()
		result.Error = cause
	}
	result.Diagnostic = diagnostic
	r.fileRejected(u, rej.code, diagnostic)
	return nil
}

// fileRejected writes a refused candidate to the rejected root. A unit that
// already has a validated output (a forced re-run) keeps only that output;
// the rejection is then reported through the ledger, metrics and console.
func (r *Router) fileRejected(u models.WorkUnit, code, diagnostic string) {
	if r.corpus.HasValidated(u) {
		r.logger.LogWarn(fmt.Sprintf("%s: candidate rejected, keeping validated output %s", u.Identity, u.ValidPath))
		return
	}
	if err := r.corpus.WriteRejected(u, code, diagnostic); err != nil {
		r.logger.LogError(err.Error())
	}
}

// generate runs the completion attempt loop. The raw response of a
// successful attempt is always written before it is returned.
func (r *Router) generate(ctx context.Context, u models.WorkUnit, prompt string, result *models.UnitResult) (string, error) {
	attempts := r.cfg.Pipeline.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var last models.CompletionResult
	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts++
		res := r.client.Complete(ctx, r.cfg.Backend.Model, prompt)
		if r.metrics != nil {
			r.metrics.ObserveCompletion(r.cfg.Backend.Kind, res)
		}

		if res.Success {
			if err := r.corpus.WriteRaw(u, res.Text); err != nil {
				r.logger.LogWarn(err.Error())
			}
			return res.Text, nil
		}

		last = res
		if err := ctx.Err(); err != nil {
			return "", err
		}
		r.logger.LogWarn(fmt.Sprintf("%s: attempt %d/%d failed: %s", u.Identity, attempt, attempts, res.Text))
		if !res.Retryable {
			break
		}
		if attempt < attempts {
			if err := r.sleep(ctx, r.policy.Delay(attempt)); err != nil {
				return "", err
			}
		}
	}

	return "", &UnitError{
		Unit:  u.Identity,
		Stage: StageGenerate,
		Err:   fmt.Errorf("no response after %d attempts: %s", result.Attempts, last.Text),
	}
}

// extractCode pulls the candidate out of a response and applies the length
// limits.
func (r *Router) extractCode(u models.WorkUnit, text string) (string, error) {
	res, err := r.extractor.Extract(text)
	if err != nil {
		return "", &UnitError{Unit: u.Identity, Stage: StageExtract, Err: err}
	}
	r.logger.LogDebug(fmt.Sprintf("%s: extracted %d chars via %s", u.Identity, len(res.Code), res.Method))

	code := res.Code
	if n := len(strings.TrimSpace(code)); n < r.cfg.Pipeline.MinCodeLength {
		return "", &UnitError{
			Unit:  u.Identity,
			Stage: StageExtract,
			Err:   fmt.Errorf("%w: %d chars, minimum %d", ErrTooShort, n, r.cfg.Pipeline.MinCodeLength),
		}
	}

	if limit := r.cfg.Pipeline.MaxOutputChars; limit > 0 && len(code) > limit {
		r.logger.LogWarn(fmt.Sprintf("%s: extracted code truncated from %d to %d chars", u.Identity, len(code), limit))
		code = truncateUTF8(code, limit)
	}
	return code, nil
}

// fileError writes the error log of a unit that produced no candidate.
func (r *Router) fileError(u models.WorkUnit, message string) {
	if err := r.corpus.WriteErrorLog(u, message); err != nil {
		r.logger.LogError(err.Error())
	}
}

func (r *Router) fileGenerationError(u models.WorkUnit, diagnostic string) {
	if err := r.corpus.WriteGenerationError(u, diagnostic); err != nil {
		r.logger.LogError(err.Error())
	}
}

func joinViolations(vs []models.PolicyViolation) string {
	lines := make([]string, len(vs))
	for i, v := range vs {
		lines[i] = string(v)
	}
	return strings.Join(lines, "\n")
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
