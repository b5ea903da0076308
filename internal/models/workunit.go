package models

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PromptSuffix is the fixed filename suffix of prompt documents.
const PromptSuffix = ".prompt.txt"

// SpecSuffix is the suffix of every generated test file.
const SpecSuffix = ".spec.ts"

// RepairSeparator splits a prompt document into the initial prompt and an
// optional repair template used after a runtime rejection.
const RepairSeparator = "==========RETRY_TEMPLATE_SPLIT=========="

// Repair template placeholders.
const (
	FailedCodePlaceholder = "{{FAILED_CODE_PLACEHOLDER}}"
	ErrorLogPlaceholder   = "{{ERROR_LOG_PLACEHOLDER}}"
)

// Layout holds the three output roots a WorkUnit is filed under.
type Layout struct {
	ValidDir   string
	InvalidDir string
	ErrorDir   string
}

// WorkUnit is one prompt-to-validated-test job. It is derived once from the
// prompt path and never mutated.
type WorkUnit struct {
	Identity   string // prompt filename without PromptSuffix
	PromptPath string

	ValidPath      string // <valid>/<identity>.spec.ts
	InvalidPath    string // <invalid>/<identity>.spec.ts
	InvalidLogPath string // <invalid>/<identity>.error.log
	RawPath        string // <errors>/<identity>.raw.txt
	ErrorLogPath   string // <errors>/<identity>.error.log
}

// NewWorkUnit derives a WorkUnit from a prompt path and the output layout.
func NewWorkUnit(promptPath string, layout Layout) (WorkUnit, error) {
	base := filepath.Base(promptPath)
	identity := IdentityFromFilename(base)
	if identity == "" {
		return WorkUnit{}, fmt.Errorf("cannot derive unit identity from %q", promptPath)
	}

	return WorkUnit{
		Identity:       identity,
		PromptPath:     promptPath,
		ValidPath:      filepath.Join(layout.ValidDir, identity+SpecSuffix),
		InvalidPath:    filepath.Join(layout.InvalidDir, identity+SpecSuffix),
		InvalidLogPath: filepath.Join(layout.InvalidDir, identity+".error.log"),
		RawPath:        filepath.Join(layout.ErrorDir, identity+".raw.txt"),
		ErrorLogPath:   filepath.Join(layout.ErrorDir, identity+".error.log"),
	}, nil
}

// IdentityFromFilename strips PromptSuffix from a filename. Names without the
// suffix lose only their last extension.
func IdentityFromFilename(name string) string {
	if strings.HasSuffix(name, PromptSuffix) {
		return strings.TrimSuffix(name, PromptSuffix)
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// IsPromptFile reports whether a directory entry name is a prompt document.
func IsPromptFile(name string) bool {
	return strings.HasSuffix(name, PromptSuffix) && len(name) > len(PromptSuffix)
}

// PromptDocument is a prompt file split into its initial prompt and optional
// repair template.
type PromptDocument struct {
	Initial string
	Repair  string
}

// ParsePromptDocument splits raw prompt content on RepairSeparator.
func ParsePromptDocument(content string) PromptDocument {
	parts := strings.SplitN(content, RepairSeparator, 2)
	doc := PromptDocument{Initial: strings.TrimSpace(parts[0])}
	if len(parts) == 2 {
		doc.Repair = strings.TrimSpace(parts[1])
	}
	return doc
}

// HasRepair reports whether the document carries a repair template.
func (d PromptDocument) HasRepair() bool {
	return d.Repair != ""
}

// RepairPrompt renders the repair template with the failed code and its
// diagnostic.
func (d PromptDocument) RepairPrompt(failedCode, errorLog string) string {
	r := strings.NewReplacer(FailedCodePlaceholder, failedCode, ErrorLogPlaceholder, errorLog)
	return r.Replace(d.Repair)
}
