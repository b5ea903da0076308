package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds
const (
	BackendOllama = "ollama"
	BackendOpenAI = "openai"
	BackendGemini = "gemini"
)

// SamplingOptions are the generation parameters sent to the backend
type SamplingOptions struct {
	Temperature float64 `yaml:"temperature"`
	TopK        int     `yaml:"top_k"`
	TopP        float64 `yaml:"top_p"`
	NumPredict  int     `yaml:"num_predict"`
	NumCtx      int     `yaml:"num_ctx"`
}

// BackendConfig describes the completion backend
type BackendConfig struct {
	// Kind selects the wire protocol: ollama, openai or gemini
	Kind string `yaml:"kind"`

	// Endpoint is the base URL of the backend (trailing slashes are stripped)
	Endpoint string `yaml:"endpoint"`

	// Model is the model identifier passed on every request
	Model string `yaml:"model"`

	// APIKey is sent as a bearer token (openai) or SDK key (gemini)
	APIKey string `yaml:"api_key"`

	// Timeout is the hard wall-clock limit of one request
	Timeout time.Duration `yaml:"timeout"`

	// SystemPrompt is prepended as a system message where the protocol supports it
	SystemPrompt string `yaml:"system_prompt"`

	// Options are the sampling parameters
	Options SamplingOptions `yaml:"options"`
}

// PipelineConfig controls the work router
type PipelineConfig struct {
	// Attempts is the number of completion requests per generation pass
	Attempts int `yaml:"attempts"`

	// BackoffPolicy is one of fixed, linear, exponential
	BackoffPolicy string `yaml:"backoff_policy"`

	// BackoffBase is the unit wait between attempts
	BackoffBase time.Duration `yaml:"backoff_base"`

	// BackoffMax caps a single wait
	BackoffMax time.Duration `yaml:"backoff_max"`

	// MinCodeLength rejects extracted code shorter than this many characters
	MinCodeLength int `yaml:"min_code_length"`

	// MaxOutputChars truncates extracted code longer than this (0 = no limit)
	MaxOutputChars int `yaml:"max_output_chars"`

	// RepairRounds is the number of re-prompts after a runtime rejection,
	// used only when the prompt carries a repair template
	RepairRounds int `yaml:"repair_rounds"`

	// Concurrency is the number of units processed at once
	Concurrency int `yaml:"concurrency"`

	// Target filters units whose identity contains this substring
	Target string `yaml:"target"`

	// Force regenerates units that already have a validated output
	Force bool `yaml:"force"`

	// DryRun lists what would be processed without calling the backend
	DryRun bool `yaml:"dry_run"`
}

// HarnessConfig describes the external test harness
type HarnessConfig struct {
	// Command is the harness argv; the staged file path is appended
	Command []string `yaml:"command"`

	// Timeout is the hard wall-clock limit of one harness run
	Timeout time.Duration `yaml:"timeout"`

	// WorkDir is the directory the harness runs in (empty = current dir)
	WorkDir string `yaml:"work_dir"`

	// StagingDir receives the temp_test_*.spec.ts candidates
	StagingDir string `yaml:"staging_dir"`
}

// PathsConfig holds input and output roots
type PathsConfig struct {
	ValidDir     string `yaml:"valid_dir"`
	InvalidDir   string `yaml:"invalid_dir"`
	ErrorDir     string `yaml:"error_dir"`
	LogDir       string `yaml:"log_dir"`
	Ledger       string `yaml:"ledger"`
	Report       string `yaml:"report"`
	Metrics      string `yaml:"metrics"`
	LockDir      string `yaml:"lock_dir"`
	ArtifactsDir string `yaml:"artifacts_dir"`
}

// Config represents testsmith configuration options
type Config struct {
	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	Backend  BackendConfig  `yaml:"backend"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Harness  HarnessConfig  `yaml:"harness"`
	Paths    PathsConfig    `yaml:"paths"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Backend: BackendConfig{
			Kind:     BackendOllama,
			Endpoint: "http://localhost:11434",
			Model:    "qwen2.5-coder:32b",
			Timeout:  15 * time.Minute,
			Options: SamplingOptions{
				Temperature: 0.1,
				TopK:        10,
				TopP:        0.8,
				NumPredict:  8192,
				NumCtx:      32768,
			},
		},
		Pipeline: PipelineConfig{
			Attempts:       3,
			BackoffPolicy:  "linear",
			BackoffBase:    5 * time.Second,
			BackoffMax:     60 * time.Second,
			MinCodeLength:  50,
			MaxOutputChars: 120000,
			RepairRounds:   2,
			Concurrency:    1,
		},
		Harness: HarnessConfig{
			Command:    []string{"npx", "hardhat", "test"},
			Timeout:    15 * time.Minute,
			StagingDir: "./test",
		},
		Paths: PathsConfig{
			ValidDir:   "./llm-out/valid",
			InvalidDir: "./llm-out/invalid",
			ErrorDir:   "./llm-out/errors",
			LogDir:     ".testsmith/logs",
			Ledger:     ".testsmith/ledger.db",
			Report:     "./llm-out/quality-metrics.json",
			Metrics:    "./llm-out/metrics.prom",
			LockDir:    ".testsmith/locks",
		},
	}
}

// yamlConfig mirrors Config with durations as strings
type yamlConfig struct {
	LogLevel string `yaml:"log_level"`
	Backend  struct {
		Kind         string           `yaml:"kind"`
		Endpoint     string           `yaml:"endpoint"`
		Model        string           `yaml:"model"`
		APIKey       string           `yaml:"api_key"`
		Timeout      string           `yaml:"timeout"`
		SystemPrompt string           `yaml:"system_prompt"`
		Options      *SamplingOptions `yaml:"options"`
	} `yaml:"backend"`
	Pipeline struct {
		Attempts       int    `yaml:"attempts"`
		BackoffPolicy  string `yaml:"backoff_policy"`
		BackoffBase    string `yaml:"backoff_base"`
		BackoffMax     string `yaml:"backoff_max"`
		MinCodeLength  int    `yaml:"min_code_length"`
		MaxOutputChars *int   `yaml:"max_output_chars"`
		RepairRounds   *int   `yaml:"repair_rounds"`
		Concurrency    int    `yaml:"concurrency"`
		Target         string `yaml:"target"`
		Force          bool   `yaml:"force"`
		DryRun         bool   `yaml:"dry_run"`
	} `yaml:"pipeline"`
	Harness struct {
		Command    []string `yaml:"command"`
		Timeout    string   `yaml:"timeout"`
		WorkDir    string   `yaml:"work_dir"`
		StagingDir string   `yaml:"staging_dir"`
	} `yaml:"harness"`
	Paths PathsConfig `yaml:"paths"`
}

// LoadConfig loads configuration from the specified file path
// If the file doesn't exist, returns default configuration without error
// If the file exists but is malformed, returns an error
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.apply(yc); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadConfigFromDir loads configuration from .testsmith/config.yaml in the specified directory
func LoadConfigFromDir(dir string) (Config, error) {
	return LoadConfig(filepath.Join(dir, ".testsmith", "config.yaml"))
}

// apply merges non-zero values from the file over the defaults
func (c *Config) apply(yc yamlConfig) error {
	if yc.LogLevel != "" {
		c.LogLevel = yc.LogLevel
	}

	b := yc.Backend
	if b.Kind != "" {
		c.Backend.Kind = b.Kind
	}
	if b.Endpoint != "" {
		c.Backend.Endpoint = b.Endpoint
	}
	if b.Model != "" {
		c.Backend.Model = b.Model
	}
	if b.APIKey != "" {
		c.Backend.APIKey = b.APIKey
	}
	if b.SystemPrompt != "" {
		c.Backend.SystemPrompt = b.SystemPrompt
	}
	if b.Options != nil {
		c.Backend.Options = *b.Options
	}
	if err := parseDuration("backend.timeout", b.Timeout, &c.Backend.Timeout); err != nil {
		return err
	}

	p := yc.Pipeline
	if p.Attempts != 0 {
		c.Pipeline.Attempts = p.Attempts
	}
	if p.BackoffPolicy != "" {
		c.Pipeline.BackoffPolicy = p.BackoffPolicy
	}
	if err := parseDuration("pipeline.backoff_base", p.BackoffBase, &c.Pipeline.BackoffBase); err != nil {
		return err
	}
	if err := parseDuration("pipeline.backoff_max", p.BackoffMax, &c.Pipeline.BackoffMax); err != nil {
		return err
	}
	if p.MinCodeLength != 0 {
		c.Pipeline.MinCodeLength = p.MinCodeLength
	}
	// Zero is meaningful for these two, so presence is tracked with pointers
	if p.MaxOutputChars != nil {
		c.Pipeline.MaxOutputChars = *p.MaxOutputChars
	}
	if p.RepairRounds != nil {
		c.Pipeline.RepairRounds = *p.RepairRounds
	}
	if p.Concurrency != 0 {
		c.Pipeline.Concurrency = p.Concurrency
	}
	if p.Target != "" {
		c.Pipeline.Target = p.Target
	}
	if p.Force {
		c.Pipeline.Force = true
	}
	if p.DryRun {
		c.Pipeline.DryRun = true
	}

	h := yc.Harness
	if len(h.Command) > 0 {
		c.Harness.Command = h.Command
	}
	if err := parseDuration("harness.timeout", h.Timeout, &c.Harness.Timeout); err != nil {
		return err
	}
	if h.WorkDir != "" {
		c.Harness.WorkDir = h.WorkDir
	}
	if h.StagingDir != "" {
		c.Harness.StagingDir = h.StagingDir
	}

	mergePaths(&c.Paths, yc.Paths)
	return nil
}

func mergePaths(dst *PathsConfig, src PathsConfig) {
	set := func(d *string, s string) {
		if s != "" {
			*d = s
		}
	}
	set(&dst.ValidDir, src.ValidDir)
	set(&dst.InvalidDir, src.InvalidDir)
	set(&dst.ErrorDir, src.ErrorDir)
	set(&dst.LogDir, src.LogDir)
	set(&dst.Ledger, src.Ledger)
	set(&dst.Report, src.Report)
	set(&dst.Metrics, src.Metrics)
	set(&dst.LockDir, src.LockDir)
	set(&dst.ArtifactsDir, src.ArtifactsDir)
}

func parseDuration(key, value string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s format %q: %w", key, value, err)
	}
	*dst = d
	return nil
}

// ApplyEnv overlays environment variables on the configuration.
// lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}

	if v, ok := get("TESTSMITH_BACKEND"); ok {
		c.Backend.Kind = v
	}
	if v, ok := get("OLLAMA_URL"); ok && c.Backend.Kind == BackendOllama {
		c.Backend.Endpoint = v
	}
	if v, ok := get("TESTSMITH_ENDPOINT"); ok {
		c.Backend.Endpoint = v
	}
	if v, ok := get("TESTSMITH_MODEL"); ok {
		c.Backend.Model = v
	}
	if v, ok := get("TESTSMITH_API_KEY"); ok {
		c.Backend.APIKey = v
	} else if c.Backend.APIKey == "" {
		switch c.Backend.Kind {
		case BackendOpenAI:
			c.Backend.APIKey, _ = get("OPENAI_API_KEY")
		case BackendGemini:
			c.Backend.APIKey, _ = get("GEMINI_API_KEY")
		}
	}
	if v, ok := get("TESTSMITH_TIMEOUT"); ok {
		if err := parseDuration("TESTSMITH_TIMEOUT", v, &c.Backend.Timeout); err != nil {
			return err
		}
	}
	if v, ok := get("TESTSMITH_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid TESTSMITH_ATTEMPTS %q: %w", v, err)
		}
		c.Pipeline.Attempts = n
	}
	if v, ok := get("TESTSMITH_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	return nil
}

// Overrides carries CLI flag values. Nil fields were not set on the command line.
type Overrides struct {
	Backend     *string
	Endpoint    *string
	Model       *string
	Timeout     *time.Duration
	Attempts    *int
	Concurrency *int
	Target      *string
	Force       *bool
	DryRun      *bool
	ValidDir    *string
	InvalidDir  *string
	ErrorDir    *string
	LogDir      *string
	LogLevel    *string
}

// MergeWithFlags merges CLI flags into the configuration
// Non-nil flag values override configuration values
func (c *Config) MergeWithFlags(o Overrides) {
	if o.Backend != nil {
		c.Backend.Kind = *o.Backend
	}
	if o.Endpoint != nil {
		c.Backend.Endpoint = *o.Endpoint
	}
	if o.Model != nil {
		c.Backend.Model = *o.Model
	}
	if o.Timeout != nil {
		c.Backend.Timeout = *o.Timeout
	}
	if o.Attempts != nil {
		c.Pipeline.Attempts = *o.Attempts
	}
	if o.Concurrency != nil {
		c.Pipeline.Concurrency = *o.Concurrency
	}
	if o.Target != nil {
		c.Pipeline.Target = *o.Target
	}
	if o.Force != nil {
		c.Pipeline.Force = *o.Force
	}
	if o.DryRun != nil {
		c.Pipeline.DryRun = *o.DryRun
	}
	if o.ValidDir != nil {
		c.Paths.ValidDir = *o.ValidDir
	}
	if o.InvalidDir != nil {
		c.Paths.InvalidDir = *o.InvalidDir
	}
	if o.ErrorDir != nil {
		c.Paths.ErrorDir = *o.ErrorDir
	}
	if o.LogDir != nil {
		c.Paths.LogDir = *o.LogDir
	}
	if o.LogLevel != nil {
		c.LogLevel = *o.LogLevel
	}
}

// Normalize canonicalizes values that have more than one spelling
func (c *Config) Normalize() {
	c.Backend.Kind = strings.ToLower(strings.TrimSpace(c.Backend.Kind))
	c.Backend.Endpoint = strings.TrimRight(strings.TrimSpace(c.Backend.Endpoint), "/")
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.Pipeline.BackoffPolicy = strings.ToLower(strings.TrimSpace(c.Pipeline.BackoffPolicy))
}

// Validate validates the configuration values
// Returns an error if any values are invalid
func (c Config) Validate() error {
	switch c.Backend.Kind {
	case BackendOllama, BackendOpenAI:
		if c.Backend.Endpoint == "" {
			return fmt.Errorf("backend.endpoint cannot be empty for %s backend", c.Backend.Kind)
		}
	case BackendGemini:
		if c.Backend.APIKey == "" {
			return fmt.Errorf("backend.api_key (or GEMINI_API_KEY) is required for gemini backend")
		}
	default:
		return fmt.Errorf("invalid backend.kind %q, must be one of: ollama, openai, gemini", c.Backend.Kind)
	}

	if c.Backend.Model == "" {
		return fmt.Errorf("backend.model cannot be empty")
	}
	if c.Backend.Timeout < 0 {
		return fmt.Errorf("backend.timeout must be >= 0, got %v", c.Backend.Timeout)
	}

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.Pipeline.Attempts <= 0 {
		return fmt.Errorf("pipeline.attempts must be > 0, got %d", c.Pipeline.Attempts)
	}
	switch c.Pipeline.BackoffPolicy {
	case "fixed", "linear", "exponential":
	default:
		return fmt.Errorf("invalid pipeline.backoff_policy %q, must be one of: fixed, linear, exponential", c.Pipeline.BackoffPolicy)
	}
	if c.Pipeline.BackoffBase < 0 || c.Pipeline.BackoffMax < 0 {
		return fmt.Errorf("pipeline backoff durations must be >= 0")
	}
	if c.Pipeline.MinCodeLength < 0 {
		return fmt.Errorf("pipeline.min_code_length must be >= 0, got %d", c.Pipeline.MinCodeLength)
	}
	if c.Pipeline.MaxOutputChars < 0 {
		return fmt.Errorf("pipeline.max_output_chars must be >= 0, got %d", c.Pipeline.MaxOutputChars)
	}
	if c.Pipeline.RepairRounds < 0 {
		return fmt.Errorf("pipeline.repair_rounds must be >= 0, got %d", c.Pipeline.RepairRounds)
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be >= 1, got %d", c.Pipeline.Concurrency)
	}

	if len(c.Harness.Command) == 0 || strings.TrimSpace(c.Harness.Command[0]) == "" {
		return fmt.Errorf("harness.command cannot be empty")
	}
	if c.Harness.Timeout < 0 {
		return fmt.Errorf("harness.timeout must be >= 0, got %v", c.Harness.Timeout)
	}
	if c.Harness.StagingDir == "" {
		return fmt.Errorf("harness.staging_dir cannot be empty")
	}

	if c.Paths.ValidDir == "" || c.Paths.InvalidDir == "" || c.Paths.ErrorDir == "" {
		return fmt.Errorf("paths.valid_dir, paths.invalid_dir and paths.error_dir are required")
	}
	if c.Paths.LockDir == "" {
		return fmt.Errorf("paths.lock_dir cannot be empty")
	}

	return nil
}

// Resolve loads the file, overlays the environment and flags, then validates.
// The returned value is what every component receives.
func Resolve(path string, lookup func(string) (string, bool), o Overrides) (Config, error) {
	var cfg Config
	var err error
	if path != "" {
		cfg, err = LoadConfig(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else {
		cfg, err = LoadConfigFromDir(".")
		if err != nil {
			return Config{}, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}
	cfg.MergeWithFlags(o)
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
