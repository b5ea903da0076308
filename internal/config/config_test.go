package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Backend.Kind != BackendOllama {
		t.Errorf("Backend.Kind = %q, want %q", cfg.Backend.Kind, BackendOllama)
	}
	if cfg.Backend.Endpoint != "http://localhost:11434" {
		t.Errorf("Backend.Endpoint = %q, want http://localhost:11434", cfg.Backend.Endpoint)
	}
	if cfg.Backend.Timeout != 15*time.Minute {
		t.Errorf("Backend.Timeout = %v, want 15m", cfg.Backend.Timeout)
	}
	if cfg.Pipeline.Attempts != 3 {
		t.Errorf("Pipeline.Attempts = %d, want 3", cfg.Pipeline.Attempts)
	}
	if cfg.Pipeline.MinCodeLength != 50 {
		t.Errorf("Pipeline.MinCodeLength = %d, want 50", cfg.Pipeline.MinCodeLength)
	}
	if cfg.Pipeline.BackoffPolicy != "linear" {
		t.Errorf("Pipeline.BackoffPolicy = %q, want linear", cfg.Pipeline.BackoffPolicy)
	}
	if got := strings.Join(cfg.Harness.Command, " "); got != "npx hardhat test" {
		t.Errorf("Harness.Command = %q, want %q", got, "npx hardhat test")
	}
	if cfg.Backend.Options.NumCtx != 32768 {
		t.Errorf("Options.NumCtx = %d, want 32768", cfg.Backend.Options.NumCtx)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Pipeline.Attempts != DefaultConfig().Pipeline.Attempts {
		t.Errorf("missing file should yield defaults")
	}
}

func TestLoadConfig_MergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
backend:
  kind: openai
  endpoint: http://gpu-box:8000/
  model: deepseek-coder
  timeout: 2m
pipeline:
  attempts: 5
  backoff_base: 2s
  repair_rounds: 0
  max_output_chars: 0
harness:
  command: ["pnpm", "hardhat", "test"]
  timeout: 90s
paths:
  valid_dir: corpus/ok
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Backend.Kind != BackendOpenAI {
		t.Errorf("Backend.Kind = %q, want openai", cfg.Backend.Kind)
	}
	if cfg.Backend.Timeout != 2*time.Minute {
		t.Errorf("Backend.Timeout = %v, want 2m", cfg.Backend.Timeout)
	}
	if cfg.Pipeline.Attempts != 5 {
		t.Errorf("Pipeline.Attempts = %d, want 5", cfg.Pipeline.Attempts)
	}
	if cfg.Pipeline.BackoffBase != 2*time.Second {
		t.Errorf("Pipeline.BackoffBase = %v, want 2s", cfg.Pipeline.BackoffBase)
	}
	if cfg.Pipeline.RepairRounds != 0 {
		t.Errorf("Pipeline.RepairRounds = %d, want explicit 0", cfg.Pipeline.RepairRounds)
	}
	if cfg.Pipeline.MaxOutputChars != 0 {
		t.Errorf("Pipeline.MaxOutputChars = %d, want explicit 0", cfg.Pipeline.MaxOutputChars)
	}
	if cfg.Harness.Timeout != 90*time.Second {
		t.Errorf("Harness.Timeout = %v, want 90s", cfg.Harness.Timeout)
	}
	if cfg.Harness.Command[0] != "pnpm" {
		t.Errorf("Harness.Command[0] = %q, want pnpm", cfg.Harness.Command[0])
	}
	if cfg.Paths.ValidDir != "corpus/ok" {
		t.Errorf("Paths.ValidDir = %q, want corpus/ok", cfg.Paths.ValidDir)
	}
	// untouched keys keep defaults
	if cfg.Paths.InvalidDir != DefaultConfig().Paths.InvalidDir {
		t.Errorf("Paths.InvalidDir = %q, want default", cfg.Paths.InvalidDir)
	}
	if cfg.Backend.Options.TopK != 10 {
		t.Errorf("Options.TopK = %d, want default 10", cfg.Backend.Options.TopK)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"malformed yaml", "backend: [unclosed", "failed to parse config file"},
		{"bad backend timeout", "backend:\n  timeout: soon\n", "invalid backend.timeout"},
		{"bad harness timeout", "harness:\n  timeout: 5 minutes\n", "invalid harness.timeout"},
		{"bad backoff", "pipeline:\n  backoff_max: x\n", "invalid pipeline.backoff_max"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"OLLAMA_URL":         "http://colab-tunnel.example:443//",
		"TESTSMITH_MODEL":    "codellama",
		"TESTSMITH_ATTEMPTS": "7",
		"TESTSMITH_TIMEOUT":  "30s",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	cfg.Normalize()

	if cfg.Backend.Endpoint != "http://colab-tunnel.example:443" {
		t.Errorf("Endpoint = %q, trailing slashes should be stripped", cfg.Backend.Endpoint)
	}
	if cfg.Backend.Model != "codellama" {
		t.Errorf("Model = %q, want codellama", cfg.Backend.Model)
	}
	if cfg.Pipeline.Attempts != 7 {
		t.Errorf("Attempts = %d, want 7", cfg.Pipeline.Attempts)
	}
	if cfg.Backend.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Backend.Timeout)
	}
}

func TestApplyEnv_ProviderKeyFallback(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"TESTSMITH_BACKEND": "gemini",
		"GEMINI_API_KEY":    "g-key",
		"OPENAI_API_KEY":    "o-key",
		"OLLAMA_URL":        "http://ignored",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Backend.APIKey != "g-key" {
		t.Errorf("APIKey = %q, want g-key", cfg.Backend.APIKey)
	}
	if cfg.Backend.Endpoint != DefaultConfig().Backend.Endpoint {
		t.Errorf("OLLAMA_URL must only apply to the ollama backend")
	}
}

func TestApplyEnv_InvalidAttempts(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(envMap(map[string]string{"TESTSMITH_ATTEMPTS": "many"})); err == nil {
		t.Error("expected error for non-numeric TESTSMITH_ATTEMPTS")
	}
}

func TestMergeWithFlags(t *testing.T) {
	cfg := DefaultConfig()
	model := "qwen2.5-coder:3b"
	attempts := 1
	force := true
	target := "Registry"

	cfg.MergeWithFlags(Overrides{Model: &model, Attempts: &attempts, Force: &force, Target: &target})

	if cfg.Backend.Model != model {
		t.Errorf("Model = %q, want %q", cfg.Backend.Model, model)
	}
	if cfg.Pipeline.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", cfg.Pipeline.Attempts)
	}
	if !cfg.Pipeline.Force {
		t.Error("Force should be true")
	}
	if cfg.Pipeline.Target != target {
		t.Errorf("Target = %q, want %q", cfg.Pipeline.Target, target)
	}
	// nil overrides leave values untouched
	if cfg.Backend.Endpoint != DefaultConfig().Backend.Endpoint {
		t.Errorf("Endpoint changed without override")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"unknown backend", func(c *Config) { c.Backend.Kind = "bard" }, "invalid backend.kind"},
		{"empty endpoint", func(c *Config) { c.Backend.Endpoint = "" }, "backend.endpoint"},
		{"gemini without key", func(c *Config) { c.Backend.Kind = BackendGemini }, "api_key"},
		{"empty model", func(c *Config) { c.Backend.Model = "" }, "backend.model"},
		{"zero attempts", func(c *Config) { c.Pipeline.Attempts = 0 }, "pipeline.attempts"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "invalid log_level"},
		{"bad policy", func(c *Config) { c.Pipeline.BackoffPolicy = "random" }, "backoff_policy"},
		{"zero concurrency", func(c *Config) { c.Pipeline.Concurrency = 0 }, "concurrency"},
		{"negative repair", func(c *Config) { c.Pipeline.RepairRounds = -1 }, "repair_rounds"},
		{"empty harness", func(c *Config) { c.Harness.Command = nil }, "harness.command"},
		{"negative harness timeout", func(c *Config) { c.Harness.Timeout = -time.Second }, "harness.timeout"},
		{"missing output root", func(c *Config) { c.Paths.ErrorDir = "" }, "paths"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() should fail with %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolve_Precedence(t *testing.T) {
	path := writeConfig(t, "backend:\n  model: from-file\npipeline:\n  attempts: 4\n")
	model := "from-flag"

	cfg, err := Resolve(path, envMap(map[string]string{
		"TESTSMITH_MODEL":    "from-env",
		"TESTSMITH_ATTEMPTS": "6",
	}), Overrides{Model: &model})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if cfg.Backend.Model != "from-flag" {
		t.Errorf("Model = %q, flags should win", cfg.Backend.Model)
	}
	if cfg.Pipeline.Attempts != 6 {
		t.Errorf("Attempts = %d, env should override file", cfg.Pipeline.Attempts)
	}
}

func TestResolve_InvalidAfterMerge(t *testing.T) {
	zero := 0
	_, err := Resolve(filepath.Join(t.TempDir(), "none.yaml"), envMap(nil), Overrides{Attempts: &zero})
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("Resolve() error = %v, want invalid configuration", err)
	}
}
