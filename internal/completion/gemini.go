package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/testsmith/internal/config"
	"github.com/harrison/testsmith/internal/models"
	"google.golang.org/genai"
)

// GeminiClient completes prompts through the Google GenAI SDK.
type GeminiClient struct {
	client *genai.Client
	cfg    config.BackendConfig
}

// NewGeminiClient creates a GeminiClient. A configured endpoint other than the
// Ollama default replaces the SDK base URL.
func NewGeminiClient(ctx context.Context, cfg config.BackendConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" && cfg.Endpoint != config.DefaultConfig().Backend.Endpoint {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(cfg.Endpoint, "/") + "/"}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiClient{client: client, cfg: cfg}, nil
}

// generateConfig maps the sampling options onto the SDK request config.
func (g *GeminiClient) generateConfig() *genai.GenerateContentConfig {
	opts := g.cfg.Options
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(opts.Temperature)),
	}
	if opts.TopP > 0 {
		gc.TopP = genai.Ptr(float32(opts.TopP))
	}
	if opts.TopK > 0 {
		gc.TopK = genai.Ptr(float32(opts.TopK))
	}
	if opts.NumPredict > 0 {
		gc.MaxOutputTokens = int32(opts.NumPredict)
	}
	if g.cfg.SystemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(g.cfg.SystemPrompt, genai.RoleUser)
	}
	return gc
}

// Complete issues one GenerateContent call.
func (g *GeminiClient) Complete(ctx context.Context, model, prompt string) models.CompletionResult {
	start := time.Now()

	if strings.TrimSpace(prompt) == "" {
		return failed(&Failure{Kind: FailureRequest, Message: "empty prompt", Err: ErrEmptyPrompt}, 0)
	}

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	resp, err := g.client.Models.GenerateContent(ctx, model, genai.Text(prompt), g.generateConfig())
	if err != nil {
		return failed(classifyGenAI(err), time.Since(start))
	}

	return models.CompletionResult{
		Success:    true,
		Text:       resp.Text(),
		StatusCode: 200,
		Duration:   time.Since(start),
	}
}

// classifyGenAI maps SDK API errors onto status failures so 4xx answers are
// not retried.
func classifyGenAI(err error) error {
	for e := err; e != nil; e = errors.Unwrap(e) {
		var code int
		var msg string
		switch v := any(e).(type) {
		case genai.APIError:
			code, msg = v.Code, v.Message
		case *genai.APIError:
			code, msg = v.Code, v.Message
		default:
			continue
		}
		if code > 0 {
			return &Failure{Kind: FailureStatus, StatusCode: code, Message: msg, Err: err}
		}
	}
	return err
}
