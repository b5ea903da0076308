// Package extract recovers a single test-file payload from raw model output.
//
// Model answers are markdown-ish at best. Backtick fences glued to prose or
// to the last code line are first moved onto lines of their own, then fenced
// blocks are located with a goldmark parse so that fences inside lists,
// blockquotes or after prose are found the same way a markdown renderer would
// find them. Text outside fences is only accepted when it carries test
// vocabulary.
package extract

import (
	"bytes"
	"errors"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ErrNoCode is returned when no candidate code can be recovered.
var ErrNoCode = errors.New("no code found in response")

// Method records which rule produced the extracted code.
type Method int

const (
	// MethodTagged is a closed fence tagged with a source language.
	MethodTagged Method = iota
	// MethodGeneric is a closed untagged fence holding test vocabulary.
	MethodGeneric
	// MethodUnterminated is a fence opened but never closed.
	MethodUnterminated
	// MethodRaw is unfenced text holding test vocabulary.
	MethodRaw
)

// String returns the string representation of Method.
func (m Method) String() string {
	switch m {
	case MethodTagged:
		return "tagged-fence"
	case MethodGeneric:
		return "generic-fence"
	case MethodUnterminated:
		return "unterminated-fence"
	case MethodRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Result is a successful extraction.
type Result struct {
	Code     string
	Method   Method
	Language string
}

// sourceLanguages are the fence tags accepted without further checks.
var sourceLanguages = map[string]bool{
	"ts":         true,
	"typescript": true,
	"tsx":        true,
	"js":         true,
	"javascript": true,
}

var (
	harnessImportRe = regexp.MustCompile(`(?:\bfrom\s*|\brequire\(\s*|\bimport\s+)["'](?:chai|hardhat|ethers|@nomicfoundation/[\w./-]+)["']`)
	describeRe      = regexp.MustCompile(`\bdescribe\s*\(`)
	caseRe          = regexp.MustCompile(`\b(?:it\s*\(|expect\s*\(|assert\b)`)
)

// HasHarnessImport reports whether code imports an assertion library or the
// chain-test harness.
func HasHarnessImport(code string) bool {
	return harnessImportRe.MatchString(code)
}

// HasTestStructure reports whether code declares a suite with at least one
// case or assertion.
func HasTestStructure(code string) bool {
	return describeRe.MatchString(code) && caseRe.MatchString(code)
}

// Extractor finds code in model output. Create once, use many times.
type Extractor struct {
	markdown goldmark.Markdown
}

// New creates an Extractor.
func New() *Extractor {
	return &Extractor{markdown: goldmark.New()}
}

var defaultExtractor = New()

// Extract runs the default Extractor.
func Extract(raw string) (Result, error) {
	return defaultExtractor.Extract(raw)
}

// fence is one fenced block found in the document.
type fence struct {
	lang     string
	body     string
	closed   bool
	hasLines bool
}

// Extract applies the rules in priority order, first match wins:
//  1. a closed fence tagged ts/typescript/tsx/js/javascript
//  2. a closed untagged fence whose body has test vocabulary
//  3. an unterminated fence, everything after the opening line
//  4. no fence at all, but the whole text has describe/assert vocabulary
//
// Anything else is ErrNoCode.
func (e *Extractor) Extract(raw string) (Result, error) {
	source := []byte(isolateFences(strings.ReplaceAll(raw, "\r\n", "\n")))
	fences := e.fences(source)

	for _, f := range fences {
		if f.closed && f.hasLines && sourceLanguages[f.lang] {
			if code := strings.TrimSpace(f.body); code != "" {
				return Result{Code: code, Method: MethodTagged, Language: f.lang}, nil
			}
		}
	}

	for _, f := range fences {
		if f.closed && f.hasLines && f.lang == "" && hasVocabulary(f.body) {
			return Result{Code: strings.TrimSpace(f.body), Method: MethodGeneric}, nil
		}
	}

	for _, f := range fences {
		if !f.closed && f.hasLines {
			if code := strings.TrimSpace(f.body); code != "" {
				return Result{Code: code, Method: MethodUnterminated, Language: f.lang}, nil
			}
		}
	}

	if len(fences) == 0 && HasTestStructure(raw) {
		return Result{Code: raw, Method: MethodRaw}, nil
	}

	return Result{}, ErrNoCode
}

func hasVocabulary(code string) bool {
	return HasHarnessImport(code) || HasTestStructure(code)
}

// isolateFences puts every backtick fence marker on a line of its own, so
// "Sure: ```ts" opens a fence and "});```" closes one. A closing marker keeps
// nothing after it on its line; an opening marker keeps its info string.
// Leading indentation and blockquote markers count as the start of a line.
func isolateFences(src string) string {
	if !strings.Contains(src, "```") {
		return src
	}

	lines := strings.Split(src, "\n")
	out := make([]string, 0, len(lines))
	open := false
	for _, line := range lines {
		for {
			body := strings.TrimLeft(line, " \t>")
			lead := len(line) - len(body)

			if !strings.HasPrefix(body, "```") {
				i := strings.Index(body, "```")
				if i < 0 {
					out = append(out, line)
					break
				}
				out = append(out, strings.TrimRight(line[:lead+i], " \t"))
				line = line[lead+i:]
				continue
			}

			run := len(body) - len(strings.TrimLeft(body, "`"))
			rest := body[run:]
			if open {
				out = append(out, line[:lead+run])
				open = false
				line = strings.TrimLeft(rest, " \t")
				if line == "" {
					break
				}
				continue
			}

			open = true
			i := strings.Index(rest, "```")
			if i < 0 {
				out = append(out, line)
				break
			}
			out = append(out, strings.TrimRight(line[:lead+run+i], " \t"))
			line = line[lead+run+i:]
		}
	}
	return strings.Join(out, "\n")
}

// fences walks the markdown AST and collects every fenced code block in
// document order.
func (e *Extractor) fences(source []byte) []fence {
	doc := e.markdown.Parser().Parse(text.NewReader(source))

	var out []fence
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fcb, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}

		f := fence{lang: strings.ToLower(string(fcb.Language(source)))}
		lines := fcb.Lines()
		if lines.Len() > 0 {
			var body bytes.Buffer
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				body.Write(seg.Value(source))
			}
			f.body = body.String()
			f.hasLines = true
			f.closed = closingFenceFollows(source[lines.At(lines.Len()-1).Stop:])
		}
		out = append(out, f)
		return ast.WalkSkipChildren, nil
	})
	return out
}

// closingFenceFollows reports whether the first line of rest is a fence line.
// Container markers (indentation and blockquote '>') are ignored.
func closingFenceFollows(rest []byte) bool {
	line := rest
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimLeft(line, " \t>")
	return bytes.HasPrefix(line, []byte("```")) || bytes.HasPrefix(line, []byte("~~~"))
}
