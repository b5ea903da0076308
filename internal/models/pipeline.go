package models

import "time"

// Unit outcome constants
const (
	OutcomeValidated        = "VALIDATED"         // harness ran and at least one case passed
	OutcomeRejected         = "REJECTED"          // harness ran and the verdict was invalid
	OutcomePolicyViolation  = "POLICY_VIOLATION"  // banned construct found, not executed
	OutcomeExtractionFailed = "EXTRACTION_FAILED" // no usable code in the response
	OutcomeGenerationFailed = "GENERATION_FAILED" // backend never produced a response
	OutcomeSkipped          = "SKIPPED"           // validated output already present
)

// CompletionResult is what the completion client hands back for one request.
// Text holds the assembled answer on success and a short diagnostic otherwise.
type CompletionResult struct {
	Success    bool
	Text       string
	Retryable  bool          // only meaningful when Success is false
	StatusCode int           // HTTP status when one was received
	Duration   time.Duration // wall-clock time of the request
}

// PolicyViolation is one banned-construct match, as a human readable message.
type PolicyViolation string

// NormalizedCode is extracted code after rewrites, with any violations found.
type NormalizedCode struct {
	Code       string
	Violations []PolicyViolation
	Rewrites   int // substitutions made
}

// HasViolations reports whether execution must be refused.
func (n NormalizedCode) HasViolations() bool {
	return len(n.Violations) > 0
}

// ValidationVerdict is the terminal classification of one harness run.
type ValidationVerdict struct {
	Valid       bool
	PassedCount int
	FailedCount int
	RawOutput   string
	ExitCode    int
	TimedOut    bool
	StagedPath  string // retained candidate file
	Duration    time.Duration
}

// UnitResult records what happened to one WorkUnit.
type UnitResult struct {
	Unit       WorkUnit
	Outcome    string
	Attempts   int // completion requests issued
	Rounds     int // generate-validate passes, including repairs
	Verdict    *ValidationVerdict
	Diagnostic string
	Duration   time.Duration
	Error      error
}

// Succeeded reports whether the unit counts toward the success tally.
func (r UnitResult) Succeeded() bool {
	return r.Outcome == OutcomeValidated
}

// RunSummary aggregates one processAll pass.
type RunSummary struct {
	RunID        string
	Total        int
	SuccessCount int
	FailureCount int
	Skipped      int
	ByOutcome    map[string]int
	Failed       []UnitResult
	Duration     time.Duration
}

// NewRunSummary returns an empty summary for a run.
func NewRunSummary(runID string) *RunSummary {
	return &RunSummary{
		RunID:     runID,
		ByOutcome: make(map[string]int),
	}
}

// Add folds one unit result into the summary.
func (s *RunSummary) Add(r UnitResult) {
	s.Total++
	s.ByOutcome[r.Outcome]++
	switch {
	case r.Outcome == OutcomeSkipped:
		s.Skipped++
	case r.Succeeded():
		s.SuccessCount++
	default:
		s.FailureCount++
		s.Failed = append(s.Failed, r)
	}
}

// Processed returns the number of units that were not skipped.
func (s *RunSummary) Processed() int {
	return s.SuccessCount + s.FailureCount
}

// SuccessRate returns validated units over processed units.
func (s *RunSummary) SuccessRate() float64 {
	if s.Processed() == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.Processed())
}
