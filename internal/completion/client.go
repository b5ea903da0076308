// Package completion sends prompts to a text-generation backend and turns
// whatever the backend answers with into a single text blob.
//
// A Client performs exactly one request per Complete call. Retrying is the
// caller's job; every failed result says whether another attempt could help.
package completion

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/harrison/testsmith/internal/config"
	"github.com/harrison/testsmith/internal/models"
)

// ErrEmptyPrompt is returned when Complete is called without prompt text.
var ErrEmptyPrompt = errors.New("prompt is empty")

// Client completes one prompt against one model.
type Client interface {
	Complete(ctx context.Context, model, prompt string) models.CompletionResult
}

// New builds the client for the configured backend kind.
func New(ctx context.Context, cfg config.BackendConfig) (Client, error) {
	switch cfg.Kind {
	case config.BackendOllama, config.BackendOpenAI:
		return NewHTTPClient(cfg, nil), nil
	case config.BackendGemini:
		return NewGeminiClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported backend kind %q", cfg.Kind)
	}
}

// FailureKind classifies why a request produced no answer.
type FailureKind int

const (
	// FailureTimeout means the request hit its deadline.
	FailureTimeout FailureKind = iota
	// FailureTransport means the connection failed or was reset.
	FailureTransport
	// FailureStatus means the backend answered with a non-2xx status.
	FailureStatus
	// FailureRequest means the request could not be built.
	FailureRequest
)

// String returns the string representation of FailureKind.
func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureTransport:
		return "transport"
	case FailureStatus:
		return "status"
	case FailureRequest:
		return "request"
	default:
		return "unknown"
	}
}

// Failure is a classified request failure.
type Failure struct {
	Kind       FailureKind
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	switch {
	case f.Kind == FailureStatus:
		return fmt.Sprintf("HTTP %d: %s", f.StatusCode, f.Message)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	default:
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
}

// Unwrap returns the underlying error.
func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryable reports whether the same request may succeed later.
// Timeouts, transport errors, 408, 429 and 5xx are retryable; other 4xx are not.
func (f *Failure) Retryable() bool {
	switch f.Kind {
	case FailureTimeout, FailureTransport:
		return true
	case FailureStatus:
		return f.StatusCode == http.StatusRequestTimeout ||
			f.StatusCode == http.StatusTooManyRequests ||
			f.StatusCode >= 500
	default:
		return false
	}
}

// Classify converts any request error into a Failure.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}

	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: FailureTimeout, Message: "request deadline exceeded", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Failure{Kind: FailureTimeout, Message: "network timeout", Err: err}
	}

	return &Failure{Kind: FailureTransport, Message: err.Error(), Err: err}
}

// failed turns an error into an unsuccessful result.
func failed(err error, elapsed time.Duration) models.CompletionResult {
	f := Classify(err)
	return models.CompletionResult{
		Success:    false,
		Text:       truncate(f.Error(), 500),
		Retryable:  f.Retryable(),
		StatusCode: f.StatusCode,
		Duration:   elapsed,
	}
}

// truncate shortens a diagnostic to at most maxLen bytes, never splitting a
// rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
