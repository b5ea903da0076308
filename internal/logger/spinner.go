package logger

import (
	"io"
	"time"

	"github.com/briandowns/spinner"
)

// Spinner shows activity during a single long wait on a terminal.
// On non-terminal writers it does nothing.
type Spinner struct {
	s *spinner.Spinner
}

// NewSpinner creates a Spinner writing to w.
func NewSpinner(w io.Writer) *Spinner {
	if !isTerminal(w) {
		return &Spinner{}
	}
	s := spinner.New(spinner.CharSets[14], 120*time.Millisecond, spinner.WithWriter(w))
	return &Spinner{s: s}
}

// Start begins spinning with suffix shown after the spinner.
func (sp *Spinner) Start(suffix string) {
	if sp.s == nil {
		return
	}
	sp.s.Suffix = " " + suffix
	sp.s.Start()
}

// Update changes the suffix of a running spinner.
func (sp *Spinner) Update(suffix string) {
	if sp.s == nil {
		return
	}
	sp.s.Lock()
	sp.s.Suffix = " " + suffix
	sp.s.Unlock()
}

// Stop halts the spinner and clears its line.
func (sp *Spinner) Stop() {
	if sp.s == nil {
		return
	}
	sp.s.Stop()
}
