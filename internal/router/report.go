package router

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/harrison/testsmith/internal/config"
	"github.com/harrison/testsmith/internal/filelock"
	"github.com/harrison/testsmith/internal/models"
)

// QualityReport is the per-run JSON written to paths.report.
type QualityReport struct {
	Timestamp             time.Time      `json:"timestamp"`
	RunID                 string         `json:"run_id"`
	Backend               string         `json:"backend"`
	Model                 string         `json:"model"`
	Total                 int            `json:"total"`
	Processed             int            `json:"processed"`
	Validated             int            `json:"validated"`
	Failed                int            `json:"failed"`
	Skipped               int            `json:"skipped"`
	ByOutcome             map[string]int `json:"by_outcome"`
	SuccessRate           float64        `json:"success_rate"`
	GenerationFailureRate float64        `json:"generation_failure_rate"`
	DurationSeconds       float64        `json:"duration_seconds"`
	FailedUnits           []string       `json:"failed_units"`
}

// NewQualityReport derives the report of a finished run.
func NewQualityReport(s *models.RunSummary, backend config.BackendConfig, at time.Time) QualityReport {
	byOutcome := make(map[string]int, len(s.ByOutcome))
	for k, v := range s.ByOutcome {
		byOutcome[k] = v
	}

	failed := make([]string, 0, len(s.Failed))
	for _, r := range s.Failed {
		failed = append(failed, r.Unit.Identity)
	}
	sort.Strings(failed)

	var genRate float64
	if p := s.Processed(); p > 0 {
		genRate = float64(s.ByOutcome[models.OutcomeGenerationFailed]) / float64(p)
	}

	return QualityReport{
		Timestamp:             at.UTC(),
		RunID:                 s.RunID,
		Backend:               backend.Kind,
		Model:                 backend.Model,
		Total:                 s.Total,
		Processed:             s.Processed(),
		Validated:             s.SuccessCount,
		Failed:                s.FailureCount,
		Skipped:               s.Skipped,
		ByOutcome:             byOutcome,
		SuccessRate:           s.SuccessRate(),
		GenerationFailureRate: genRate,
		DurationSeconds:       s.Duration.Seconds(),
		FailedUnits:           failed,
	}
}

// Write stores the report as indented JSON, replacing any earlier one.
func (q QualityReport) Write(path string) error {
	data, err := json.MarshalIndent(q, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode quality report: %w", err)
	}
	if err := filelock.AtomicWrite(path, append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write quality report: %w", err)
	}
	return nil
}
