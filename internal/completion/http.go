package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harrison/testsmith/internal/config"
	"github.com/harrison/testsmith/internal/models"
)

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 32 << 20

// HTTPClient talks to Ollama-style and OpenAI-style HTTP backends.
// Create once, use many times.
type HTTPClient struct {
	cfg  config.BackendConfig
	http *http.Client
}

// NewHTTPClient creates an HTTPClient. A nil httpClient uses a client without
// its own timeout; the per-request deadline comes from cfg.Timeout.
func NewHTTPClient(cfg config.BackendConfig, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &HTTPClient{cfg: cfg, http: httpClient}
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Options ollamaOptions `json:"options"`
	Stream  bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

// URL returns the request URL for the configured backend kind.
func (c *HTTPClient) URL() string {
	if c.cfg.Kind == config.BackendOpenAI {
		if strings.HasSuffix(c.cfg.Endpoint, "/v1") {
			return c.cfg.Endpoint + "/chat/completions"
		}
		return c.cfg.Endpoint + "/v1/chat/completions"
	}
	return c.cfg.Endpoint + "/api/generate"
}

// buildBody encodes the request payload for the backend kind.
func (c *HTTPClient) buildBody(model, prompt string) ([]byte, error) {
	opts := c.cfg.Options
	if c.cfg.Kind == config.BackendOpenAI {
		msgs := make([]chatMessage, 0, 2)
		if c.cfg.SystemPrompt != "" {
			msgs = append(msgs, chatMessage{Role: "system", Content: c.cfg.SystemPrompt})
		}
		msgs = append(msgs, chatMessage{Role: "user", Content: prompt})
		return json.Marshal(chatRequest{
			Model:       model,
			Messages:    msgs,
			Temperature: opts.Temperature,
			TopP:        opts.TopP,
			MaxTokens:   opts.NumPredict,
			Stream:      false,
		})
	}

	return json.Marshal(ollamaRequest{
		Model:  model,
		Prompt: prompt,
		System: c.cfg.SystemPrompt,
		Options: ollamaOptions{
			Temperature: opts.Temperature,
			TopK:        opts.TopK,
			TopP:        opts.TopP,
			NumPredict:  opts.NumPredict,
			NumCtx:      opts.NumCtx,
		},
		Stream: false,
	})
}

// Complete issues one request and assembles the answer.
func (c *HTTPClient) Complete(ctx context.Context, model, prompt string) models.CompletionResult {
	start := time.Now()

	if strings.TrimSpace(prompt) == "" {
		return failed(&Failure{Kind: FailureRequest, Message: "empty prompt", Err: ErrEmptyPrompt}, 0)
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	body, err := c.buildBody(model, prompt)
	if err != nil {
		return failed(&Failure{Kind: FailureRequest, Message: "encode request", Err: err}, time.Since(start))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(), bytes.NewReader(body))
	if err != nil {
		return failed(&Failure{Kind: FailureRequest, Message: "build request", Err: err}, time.Since(start))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return failed(err, time.Since(start))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return failed(fmt.Errorf("read response body: %w", err), time.Since(start))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failed(&Failure{
			Kind:       FailureStatus,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(truncate(string(data), 300)),
		}, time.Since(start))
	}

	parsed := ParseResponse(data)
	return models.CompletionResult{
		Success:    true,
		Text:       parsed.Text,
		StatusCode: resp.StatusCode,
		Duration:   time.Since(start),
	}
}
