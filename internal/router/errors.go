package router

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPromptDir is returned when the prompt directory cannot be enumerated.
var ErrPromptDir = errors.New("cannot read prompt directory")

// ErrTooShort is returned when extracted code is below the minimum length.
var ErrTooShort = errors.New("extracted code too short")

// Stage is the pipeline step a unit failed in.
type Stage int

const (
	// StagePrompt is reading and splitting the prompt document.
	StagePrompt Stage = iota
	// StageGenerate is the completion attempt loop.
	StageGenerate
	// StageExtract is code extraction and the length checks.
	StageExtract
	// StageNormalize is the rewrite table and policy scan.
	StageNormalize
	// StageValidate is the harness run.
	StageValidate
	// StageFile is writing outputs.
	StageFile
)

// String returns the string representation of Stage.
func (s Stage) String() string {
	switch s {
	case StagePrompt:
		return "prompt"
	case StageGenerate:
		return "generate"
	case StageExtract:
		return "extract"
	case StageNormalize:
		return "normalize"
	case StageValidate:
		return "validate"
	case StageFile:
		return "file"
	default:
		return "unknown"
	}
}

// UnitError is a failure of one unit at one stage.
type UnitError struct {
	Unit  string // unit identity
	Stage Stage
	Err   error
}

// Error implements the error interface for UnitError.
func (e *UnitError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("unit %s: %s", e.Unit, e.Stage))
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

// Unwrap returns the underlying error for error wrapping support.
func (e *UnitError) Unwrap() error {
	return e.Err
}
