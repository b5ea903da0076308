package logger

import (
	"bytes"
	"testing"
)

func TestSpinnerDisabledOffTerminal(t *testing.T) {
	buf := &bytes.Buffer{}
	sp := NewSpinner(buf)
	if sp.s != nil {
		t.Fatal("expected spinner to be disabled for a buffer")
	}

	sp.Start("generating")
	sp.Update("validating")
	sp.Stop()

	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}
