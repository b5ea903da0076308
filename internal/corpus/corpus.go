// Package corpus files unit outputs into the validated, rejected and error
// roots. Every write goes through a filelock.Locker so concurrent runs never
// observe a partial file.
package corpus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harrison/testsmith/internal/filelock"
	"github.com/harrison/testsmith/internal/models"
)

// GenerationErrorPrefix starts every generation failure log.
const GenerationErrorPrefix = "LLM Generation Error"

// ErrAlreadyValidated is returned when a validated output exists and the
// write did not ask to overwrite it.
var ErrAlreadyValidated = errors.New("validated output already exists")

// Corpus is the output partition of one configuration.
type Corpus struct {
	layout models.Layout
	locker *filelock.Locker
}

// New creates a Corpus over layout with lock files kept in lockDir.
func New(layout models.Layout, lockDir string) *Corpus {
	return &Corpus{
		layout: layout,
		locker: filelock.NewLocker(lockDir),
	}
}

// Layout returns the output roots.
func (c *Corpus) Layout() models.Layout {
	return c.layout
}

// Unit derives the WorkUnit for a prompt path under this corpus.
func (c *Corpus) Unit(promptPath string) (models.WorkUnit, error) {
	return models.NewWorkUnit(promptPath, c.layout)
}

// HasValidated reports whether a validated output exists for the unit.
func (c *Corpus) HasValidated(u models.WorkUnit) bool {
	info, err := os.Stat(u.ValidPath)
	return err == nil && info.Mode().IsRegular()
}

// Claim takes the per-unit claim lock. ok is false when another process is
// working on the same unit.
func (c *Corpus) Claim(u models.WorkUnit) (*filelock.FileLock, bool, error) {
	return c.locker.Claim(u.Identity)
}

// WriteValidated files code into the validated root. Without overwrite an
// existing validated file is left untouched and ErrAlreadyValidated returned.
// Rejected and error logs left by earlier runs of the unit are removed.
func (c *Corpus) WriteValidated(u models.WorkUnit, code string, overwrite bool) error {
	data := []byte(ensureNewline(code))
	if overwrite {
		if err := c.locker.WriteFile(u.ValidPath, data); err != nil {
			return fmt.Errorf("failed to write validated output for %s: %w", u.Identity, err)
		}
	} else if err := c.locker.WriteNew(u.ValidPath, data); err != nil {
		if errors.Is(err, filelock.ErrExists) {
			return fmt.Errorf("%w: %s", ErrAlreadyValidated, u.ValidPath)
		}
		return fmt.Errorf("failed to write validated output for %s: %w", u.Identity, err)
	}

	return c.clearFailures(u)
}

// WriteRejected files code into the rejected root with its diagnostic. An
// error log left by an earlier run of the unit is removed.
func (c *Corpus) WriteRejected(u models.WorkUnit, code, diagnostic string) error {
	if err := c.locker.WriteFile(u.InvalidPath, []byte(ensureNewline(code))); err != nil {
		return fmt.Errorf("failed to write rejected output for %s: %w", u.Identity, err)
	}
	if err := c.locker.WriteFile(u.InvalidLogPath, []byte(ensureNewline(diagnostic))); err != nil {
		return fmt.Errorf("failed to write rejection log for %s: %w", u.Identity, err)
	}
	return removeStale(u.ErrorLogPath)
}

// WriteRaw stores a backend response verbatim.
func (c *Corpus) WriteRaw(u models.WorkUnit, raw string) error {
	if err := c.locker.WriteFile(u.RawPath, []byte(raw)); err != nil {
		return fmt.Errorf("failed to write raw response for %s: %w", u.Identity, err)
	}
	return nil
}

// WriteErrorLog stores a failure diagnostic in the error root.
func (c *Corpus) WriteErrorLog(u models.WorkUnit, message string) error {
	if err := c.locker.WriteFile(u.ErrorLogPath, []byte(ensureNewline(message))); err != nil {
		return fmt.Errorf("failed to write error log for %s: %w", u.Identity, err)
	}
	return nil
}

// WriteGenerationError stores the log of a unit whose backend never answered.
func (c *Corpus) WriteGenerationError(u models.WorkUnit, diagnostic string) error {
	return c.WriteErrorLog(u, GenerationErrorPrefix+": "+diagnostic)
}

func (c *Corpus) clearFailures(u models.WorkUnit) error {
	return removeStale(u.InvalidPath, u.InvalidLogPath, u.ErrorLogPath)
}

func removeStale(paths ...string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale %s: %w", p, err)
		}
	}
	return nil
}

func ensureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// Counts is a file tally of the three roots.
type Counts struct {
	Validated int
	Rejected  int
	ErrorLogs int
	Raw       int
}

// Counts tallies the files currently present in each root. Missing roots
// count as empty.
func (c *Corpus) Counts() (Counts, error) {
	var counts Counts
	var err error
	if counts.Validated, err = countSuffix(c.layout.ValidDir, models.SpecSuffix); err != nil {
		return Counts{}, err
	}
	if counts.Rejected, err = countSuffix(c.layout.InvalidDir, models.SpecSuffix); err != nil {
		return Counts{}, err
	}
	if counts.ErrorLogs, err = countSuffix(c.layout.ErrorDir, ".error.log"); err != nil {
		return Counts{}, err
	}
	if counts.Raw, err = countSuffix(c.layout.ErrorDir, ".raw.txt"); err != nil {
		return Counts{}, err
	}
	return counts, nil
}

// ValidatedIdentities lists the identities present in the validated root.
func (c *Corpus) ValidatedIdentities() ([]string, error) {
	entries, err := os.ReadDir(c.layout.ValidDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", c.layout.ValidDir, err)
	}
	var ids []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), models.SpecSuffix) {
			ids = append(ids, strings.TrimSuffix(e.Name(), models.SpecSuffix))
		}
	}
	return ids, nil
}

func countSuffix(dir, suffix string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+suffix))
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	return len(matches), nil
}
