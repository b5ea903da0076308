package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/testsmith/internal/config"
)

// addBackendFlags registers the flags that select and tune the completion
// backend.
func addBackendFlags(cmd *cobra.Command) {
	cmd.Flags().String("backend", "", "Completion backend: ollama, openai, gemini")
	cmd.Flags().String("endpoint", "", "Backend base URL")
	cmd.Flags().String("model", "", "Model identifier sent on every request")
	cmd.Flags().String("timeout", "", "Per-request timeout (e.g., 90s, 15m)")
	cmd.Flags().Int("attempts", 0, "Completion attempts per generation pass")
}

// addPipelineFlags registers the flags that control unit processing and
// output roots.
func addPipelineFlags(cmd *cobra.Command) {
	cmd.Flags().Int("concurrency", 0, "Number of units processed at once")
	cmd.Flags().String("target", "", "Only process units whose identity contains this text (case-insensitive)")
	cmd.Flags().Bool("force", false, "Process units even when a validated output exists")
	cmd.Flags().Bool("dry-run", false, "List what would be processed without calling the backend")
	cmd.Flags().String("valid-dir", "", "Directory for validated tests")
	cmd.Flags().String("invalid-dir", "", "Directory for rejected tests and their logs")
	cmd.Flags().String("error-dir", "", "Directory for raw responses and error logs")
	cmd.Flags().String("log-dir", "", "Directory for run log files")
}

// resolveConfig loads the configuration named by --config (or the default
// location), overlays the environment and every flag the user set, and
// validates the result.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")

	var o config.Overrides
	if cmd.Flags().Changed("timeout") {
		raw, _ := cmd.Flags().GetString("timeout")
		d, err := time.ParseDuration(raw)
		if err != nil {
			return config.Config{}, fmt.Errorf("invalid timeout format %q: %w", raw, err)
		}
		o.Timeout = &d
	}
	o.Backend = changedString(cmd, "backend")
	o.Endpoint = changedString(cmd, "endpoint")
	o.Model = changedString(cmd, "model")
	o.Attempts = changedInt(cmd, "attempts")
	o.Concurrency = changedInt(cmd, "concurrency")
	o.Target = changedString(cmd, "target")
	o.Force = changedBool(cmd, "force")
	o.DryRun = changedBool(cmd, "dry-run")
	o.ValidDir = changedString(cmd, "valid-dir")
	o.InvalidDir = changedString(cmd, "invalid-dir")
	o.ErrorDir = changedString(cmd, "error-dir")
	o.LogDir = changedString(cmd, "log-dir")
	o.LogLevel = changedString(cmd, "log-level")

	// --verbose only raises the level when no explicit level was given
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose && o.LogLevel == nil {
		debug := "debug"
		o.LogLevel = &debug
	}

	return config.Resolve(configPath, os.LookupEnv, o)
}

func changedString(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, err := cmd.Flags().GetString(name)
	if err != nil {
		return nil
	}
	return &v
}

func changedInt(cmd *cobra.Command, name string) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, err := cmd.Flags().GetInt(name)
	if err != nil {
		return nil
	}
	return &v
}

func changedBool(cmd *cobra.Command, name string) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, err := cmd.Flags().GetBool(name)
	if err != nil {
		return nil
	}
	return &v
}
