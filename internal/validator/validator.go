// Package validator runs one generated test file through the external test
// harness and classifies the result.
//
// Each call stages the candidate under a unique name, runs the harness against
// exactly that file with a hard deadline, and reads the pass/fail counters from
// the combined output. Staged files are left in place for post-hoc debugging.
package validator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/testsmith/internal/config"
	"github.com/harrison/testsmith/internal/models"
)

// ErrStaging is returned when the candidate cannot be written to the staging
// directory.
var ErrStaging = errors.New("failed to stage candidate")

var (
	passingRe = regexp.MustCompile(`(\d+)\s+passing`)
	failingRe = regexp.MustCompile(`(\d+)\s+failing`)
)

// Validator stages candidates and runs the harness on them.
type Validator struct {
	cfg    config.HarnessConfig
	runner Runner

	now    func() time.Time
	suffix func() string
}

// New creates a Validator. A nil runner runs real processes.
func New(cfg config.HarnessConfig, runner Runner) *Validator {
	if runner == nil {
		runner = NewProcessRunner()
	}
	return &Validator{
		cfg:    cfg,
		runner: runner,
		now:    time.Now,
		suffix: func() string { return uuid.NewString()[:8] },
	}
}

// StageName returns the staged filename for a candidate created at t.
func StageName(t time.Time, suffix string) string {
	return fmt.Sprintf("temp_test_%d_%s%s", t.UnixMilli(), suffix, models.SpecSuffix)
}

// Validate stages code, runs the harness, and classifies the run.
//
// Harness problems (non-zero exit, missing summary, timeout, a command that
// will not start) are invalid verdicts, not errors. Errors are returned only
// for staging failures and for ctx cancellation.
func (v *Validator) Validate(ctx context.Context, code string) (models.ValidationVerdict, error) {
	hostPath, argPath, err := v.stage(code)
	if err != nil {
		return models.ValidationVerdict{RawOutput: err.Error(), ExitCode: -1}, err
	}

	argv := make([]string, 0, len(v.cfg.Command)+1)
	argv = append(argv, v.cfg.Command...)
	argv = append(argv, argPath)

	run, err := v.runner.Run(ctx, Invocation{
		Argv:    argv,
		Dir:     v.cfg.WorkDir,
		Timeout: v.cfg.Timeout,
	})

	verdict := Classify(run)
	verdict.StagedPath = hostPath

	if err != nil {
		verdict.Valid = false
		if ctxErr := ctx.Err(); ctxErr != nil {
			return verdict, ctxErr
		}
		verdict.ExitCode = -1
		verdict.RawOutput = appendLine(verdict.RawOutput, err.Error())
	}
	return verdict, nil
}

// ValidateFile runs Validate on the contents of an existing file.
func (v *Validator) ValidateFile(ctx context.Context, path string) (models.ValidationVerdict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.ValidationVerdict{}, fmt.Errorf("failed to read candidate %s: %w", path, err)
	}
	return v.Validate(ctx, string(data))
}

// stage writes code under a fresh name. It returns the path on this host and
// the path to hand to the harness, which runs in WorkDir.
func (v *Validator) stage(code string) (string, string, error) {
	dir := v.cfg.StagingDir
	hostDir := dir
	if !filepath.IsAbs(dir) && v.cfg.WorkDir != "" {
		hostDir = filepath.Join(v.cfg.WorkDir, dir)
	}

	if err := os.MkdirAll(hostDir, 0755); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrStaging, err)
	}

	name := StageName(v.now(), v.suffix())
	hostPath := filepath.Join(hostDir, name)

	f, err := os.OpenFile(hostPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrStaging, err)
	}
	if _, err := f.WriteString(code); err != nil {
		f.Close()
		return "", "", fmt.Errorf("%w: %v", ErrStaging, err)
	}
	if err := f.Close(); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrStaging, err)
	}

	return hostPath, filepath.Join(dir, name), nil
}

// Classify turns a finished execution into a verdict. A run is valid only when
// it did not time out, exited 0, printed a passing counter, and that counter
// is above zero.
func Classify(run Execution) models.ValidationVerdict {
	passed, failed, found := ParseSummary(run.Output)
	return models.ValidationVerdict{
		Valid:       !run.TimedOut && run.ExitCode == 0 && found && passed > 0,
		PassedCount: passed,
		FailedCount: failed,
		RawOutput:   run.Output,
		ExitCode:    run.ExitCode,
		TimedOut:    run.TimedOut,
		Duration:    run.Duration,
	}
}

// ParseSummary reads the "<N> passing" and "<N> failing" counters. The last
// occurrence of each wins. found reports whether a passing counter exists.
func ParseSummary(output string) (passed, failed int, found bool) {
	if m := lastSubmatch(passingRe, output); m != "" {
		passed, _ = strconv.Atoi(m)
		found = true
	}
	if m := lastSubmatch(failingRe, output); m != "" {
		failed, _ = strconv.Atoi(m)
	}
	return passed, failed, found
}

func lastSubmatch(re *regexp.Regexp, s string) string {
	all := re.FindAllStringSubmatch(s, -1)
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1][1]
}

// Summary renders a verdict as one line for logs and the CLI.
func Summary(v models.ValidationVerdict) string {
	var b strings.Builder
	if v.Valid {
		b.WriteString("valid")
	} else {
		b.WriteString("invalid")
	}
	fmt.Fprintf(&b, ": %d passing, %d failing, exit %d", v.PassedCount, v.FailedCount, v.ExitCode)
	if v.TimedOut {
		b.WriteString(", timed out")
	}
	return b.String()
}
