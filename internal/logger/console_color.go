package logger

import (
	"github.com/fatih/color"

	"github.com/harrison/testsmith/internal/models"
)

// colorScheme defines consistent colors for summary output.
// Green: success, Red: failure, Yellow: warnings, Cyan: labels.
type colorScheme struct {
	success *color.Color
	fail    *color.Color
	warn    *color.Color
	label   *color.Color
	bold    *color.Color
}

// newColorScheme creates the standard color scheme. When enabled is false
// every color prints plain text.
func newColorScheme(enabled bool) *colorScheme {
	s := &colorScheme{
		success: color.New(color.FgGreen),
		fail:    color.New(color.FgRed),
		warn:    color.New(color.FgYellow),
		label:   color.New(color.FgCyan),
		bold:    color.New(color.Bold),
	}
	if !enabled {
		for _, c := range []*color.Color{s.success, s.fail, s.warn, s.label, s.bold} {
			c.DisableColor()
		}
	}
	return s
}

func (s *colorScheme) header(text string) string {
	return s.bold.Sprint(text)
}

// outcomeColor maps a unit outcome to its display color.
func outcomeColor(outcome string) *color.Color {
	switch outcome {
	case models.OutcomeValidated:
		return color.New(color.FgGreen)
	case models.OutcomeSkipped:
		return color.New(color.FgHiBlack)
	case models.OutcomePolicyViolation, models.OutcomeExtractionFailed:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

// outcomeLabel renders an outcome using the scheme.
func outcomeLabel(outcome string, s *colorScheme) string {
	switch outcome {
	case models.OutcomeValidated:
		return s.success.Sprint(outcome)
	case models.OutcomePolicyViolation, models.OutcomeExtractionFailed:
		return s.warn.Sprint(outcome)
	case models.OutcomeSkipped:
		return outcome
	default:
		return s.fail.Sprint(outcome)
	}
}
