package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harrison/testsmith/internal/models"
)

const generatedTest = `import { expect } from "chai";
import { ethers } from "hardhat";

describe("Vault", function () {
  it("deploys", async function () {
    const v = await ethers.deployContract("Vault");
    expect(await v.getAddress()).to.be.properAddress;
  });
});`

// project is a throwaway working tree with a fake backend and harness.
type project struct {
	root       string
	configPath string
	promptDir  string
	paths      map[string]string
	requests   *atomic.Int32
}

// newProject writes a config pointing every root into a temp dir. harness is
// the shell script run for each staged candidate.
func newProject(t *testing.T, harness string) *project {
	t.Helper()

	for _, key := range []string{"TESTSMITH_BACKEND", "TESTSMITH_ENDPOINT", "TESTSMITH_MODEL", "TESTSMITH_TIMEOUT", "TESTSMITH_ATTEMPTS", "TESTSMITH_LOG_LEVEL", "OLLAMA_URL"} {
		t.Setenv(key, "")
	}

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"response": "Here you go:\n```typescript\n" + generatedTest + "\n```\n",
			"done":     true,
		})
	}))
	t.Cleanup(server.Close)

	root := t.TempDir()
	p := &project{
		root:      root,
		promptDir: filepath.Join(root, "prompts"),
		requests:  &requests,
		paths: map[string]string{
			"valid":   filepath.Join(root, "out", "valid"),
			"invalid": filepath.Join(root, "out", "invalid"),
			"errors":  filepath.Join(root, "out", "errors"),
			"logs":    filepath.Join(root, "logs"),
			"ledger":  filepath.Join(root, "ledger.db"),
			"report":  filepath.Join(root, "out", "quality-metrics.json"),
			"metrics": filepath.Join(root, "out", "metrics.prom"),
			"locks":   filepath.Join(root, "locks"),
			"staging": filepath.Join(root, "staging"),
		},
	}
	if err := os.MkdirAll(p.promptDir, 0755); err != nil {
		t.Fatalf("Failed to create prompt dir: %v", err)
	}

	cfg := fmt.Sprintf(`log_level: info
backend:
  kind: ollama
  endpoint: %s
  model: test-model
  timeout: 5s
pipeline:
  attempts: 1
  backoff_base: 1ms
harness:
  command: ["sh", "-c", %q, "harness"]
  timeout: 20s
  staging_dir: %s
paths:
  valid_dir: %s
  invalid_dir: %s
  error_dir: %s
  log_dir: %s
  ledger: %s
  report: %s
  metrics: %s
  lock_dir: %s
`, server.URL, harness, p.paths["staging"],
		p.paths["valid"], p.paths["invalid"], p.paths["errors"], p.paths["logs"],
		p.paths["ledger"], p.paths["report"], p.paths["metrics"], p.paths["locks"])

	p.configPath = filepath.Join(root, "config.yaml")
	if err := os.WriteFile(p.configPath, []byte(cfg), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return p
}

const passingHarness = `echo "  2 passing (12ms)"`

func (p *project) addPrompt(t *testing.T, identity string) string {
	t.Helper()
	path := filepath.Join(p.promptDir, identity+models.PromptSuffix)
	if err := os.WriteFile(path, []byte("Write Hardhat tests for "+identity), 0644); err != nil {
		t.Fatalf("Failed to write prompt: %v", err)
	}
	return path
}

func (p *project) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(p.root, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

// execute runs the root command with --config prepended to args.
func (p *project) execute(args ...string) (string, string, error) {
	cmd := NewRootCommand()
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append([]string{"--config", p.configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	if cmd.Use != "testsmith" {
		t.Errorf("Expected Use to be 'testsmith', got '%s'", cmd.Use)
	}

	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("--help returned error: %v", err)
	}
	if !strings.Contains(buf.String(), "Hardhat") {
		t.Errorf("Help text should mention Hardhat, got: %s", buf.String())
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"run", "generate", "validate", "normalize", "status", "history"} {
		if !names[want] {
			t.Errorf("Expected subcommand %q", want)
		}
	}
}

func TestVersionFlag(t *testing.T) {
	cmd := NewRootCommand()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("--version returned error: %v", err)
	}
	if !strings.Contains(buf.String(), Version) {
		t.Errorf("Version output should contain %q, got: %s", Version, buf.String())
	}
}

func TestRunCommand(t *testing.T) {
	p := newProject(t, passingHarness)
	p.addPrompt(t, "Vault__deposit")
	p.addPrompt(t, "Vault__withdraw")

	out, _, err := p.execute("run", p.promptDir)
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2 validated, 0 failed, 0 skipped") {
		t.Errorf("Expected tally in output, got: %s", out)
	}
	for _, id := range []string{"Vault__deposit", "Vault__withdraw"} {
		if !fileExists(filepath.Join(p.paths["valid"], id+models.SpecSuffix)) {
			t.Errorf("Expected validated output for %s", id)
		}
	}
	for _, key := range []string{"ledger", "report", "metrics"} {
		if !fileExists(p.paths[key]) {
			t.Errorf("Expected %s at %s", key, p.paths[key])
		}
	}
	if !fileExists(filepath.Join(p.paths["logs"], "latest.log")) {
		t.Error("Expected latest.log symlink")
	}

	out, _, err = p.execute("run", p.promptDir)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if !strings.Contains(out, "0 validated, 0 failed, 2 skipped") {
		t.Errorf("Expected every unit skipped on rerun, got: %s", out)
	}
	if got := p.requests.Load(); got != 2 {
		t.Errorf("Expected 2 backend requests in total, got %d", got)
	}
}

func TestRunCommand_RejectedUnitsDoNotFailTheRun(t *testing.T) {
	p := newProject(t, `echo "  0 passing"; echo "  1 failing"; exit 1`)
	p.addPrompt(t, "Vault__deposit")

	out, _, err := p.execute("run", p.promptDir)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out, "0 validated, 1 failed") {
		t.Errorf("Expected one failure, got: %s", out)
	}
	if !fileExists(filepath.Join(p.paths["invalid"], "Vault__deposit"+models.SpecSuffix)) {
		t.Error("Expected rejected output")
	}
}

func TestRunCommand_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		wantErr        bool
		wantErrContain string
		wantOut        string
	}{
		{
			name:    "dry run",
			args:    []string{"--dry-run"},
			wantOut: "2 unit(s) would be processed, 0 skipped",
		},
		{
			name:    "target filter",
			args:    []string{"--dry-run", "--target", "withdraw"},
			wantOut: "1 unit(s) would be processed",
		},
		{
			name:           "invalid timeout",
			args:           []string{"--timeout", "soon"},
			wantErr:        true,
			wantErrContain: "invalid timeout format",
		},
		{
			name:           "invalid concurrency",
			args:           []string{"--concurrency", "-2"},
			wantErr:        true,
			wantErrContain: "invalid configuration",
		},
		{
			name:           "unknown backend",
			args:           []string{"--backend", "carrier-pigeon"},
			wantErr:        true,
			wantErrContain: "invalid configuration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProject(t, passingHarness)
			p.addPrompt(t, "Vault__deposit")
			p.addPrompt(t, "Vault__withdraw")

			out, _, err := p.execute(append([]string{"run", p.promptDir}, tt.args...)...)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.wantErrContain) {
					t.Errorf("Expected error containing %q, got %q", tt.wantErrContain, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !strings.Contains(out, tt.wantOut) {
				t.Errorf("Expected output containing %q, got: %s", tt.wantOut, out)
			}
			if got := p.requests.Load(); got != 0 {
				t.Errorf("Dry run made %d backend requests", got)
			}
		})
	}
}

func TestRunCommand_MissingPromptDir(t *testing.T) {
	p := newProject(t, passingHarness)
	_, _, err := p.execute("run", filepath.Join(p.root, "nope"))
	if err == nil {
		t.Fatal("Expected error for missing prompt directory")
	}
	if !strings.Contains(err.Error(), "cannot read prompt directory") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestGenerateCommand(t *testing.T) {
	p := newProject(t, passingHarness)
	prompt := p.addPrompt(t, "Vault__deposit")

	out, _, err := p.execute("generate", prompt)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if !strings.Contains(out, "Validated test written to") {
		t.Errorf("Unexpected output: %s", out)
	}

	out, _, err = p.execute("generate", prompt)
	if err != nil {
		t.Fatalf("second generate failed: %v", err)
	}
	if !strings.Contains(out, "Skipped Vault__deposit") {
		t.Errorf("Expected skip on rerun, got: %s", out)
	}

	if _, _, err := p.execute("generate", prompt, "--force"); err != nil {
		t.Fatalf("forced generate failed: %v", err)
	}
	if got := p.requests.Load(); got != 2 {
		t.Errorf("Expected 2 backend requests, got %d", got)
	}
}

func TestGenerateCommand_Errors(t *testing.T) {
	p := newProject(t, `exit 3`)
	prompt := p.addPrompt(t, "Vault__deposit")
	notPrompt := p.writeFile(t, "notes.txt", "hello")

	_, _, err := p.execute("generate", notPrompt)
	if err == nil || !strings.Contains(err.Error(), "is not a prompt file") {
		t.Errorf("Expected prompt file error, got %v", err)
	}

	_, _, err = p.execute("generate", prompt)
	if err == nil || !strings.Contains(err.Error(), models.OutcomeRejected) {
		t.Errorf("Expected rejection error, got %v", err)
	}
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		harness string
		wantErr bool
		wantOut string
	}{
		{"passing", passingHarness, false, "valid: 2 passing, 0 failing, exit 0"},
		{"failing", `echo "  1 passing"; echo "  1 failing"; exit 1`, true, "invalid: 1 passing, 1 failing, exit 1"},
		{"no summary", `echo "Error: Cannot find module"`, true, "invalid: 0 passing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProject(t, tt.harness)
			spec := p.writeFile(t, "Vault.spec.ts", generatedTest)

			out, _, err := p.execute("validate", spec)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validate error = %v, wantErr %v", err, tt.wantErr)
			}
			if !strings.Contains(out, tt.wantOut) {
				t.Errorf("Expected %q in output, got: %s", tt.wantOut, out)
			}
			if !strings.Contains(out, "staged as") {
				t.Errorf("Expected staged path in output, got: %s", out)
			}
		})
	}
}

func TestValidateCommand_MissingFile(t *testing.T) {
	p := newProject(t, passingHarness)
	spec := p.writeFile(t, "Vault.spec.ts", generatedTest)

	out, _, err := p.execute("validate", spec, filepath.Join(p.root, "missing.spec.ts"))
	if err == nil || !strings.Contains(err.Error(), "1 of 2 file(s) failed validation") {
		t.Errorf("Expected one failure, got %v", err)
	}
	if !strings.Contains(out, "failed to read candidate") {
		t.Errorf("Expected read error in output, got: %s", out)
	}
}

func TestNormalizeCommand(t *testing.T) {
	p := newProject(t, passingHarness)
	legacy := `import { ethers } from "hardhat";
describe("T", () => { it("x", async () => {
  const one = ethers.utils.parseEther("1");
  const zero = ethers.constants.AddressZero;
}); });`
	spec := p.writeFile(t, "Token.spec.ts", legacy)

	out, stderr, err := p.execute("normalize", spec)
	if err != nil {
		t.Fatalf("normalize failed: %v\n%s", err, stderr)
	}
	if !strings.Contains(out, "ethers.parseEther(") || !strings.Contains(out, "ethers.ZeroAddress") {
		t.Errorf("Expected rewritten code, got: %s", out)
	}
	if stderr != "" {
		t.Errorf("Expected no violations, got: %s", stderr)
	}

	data, _ := os.ReadFile(spec)
	if string(data) != legacy {
		t.Error("File should be untouched without --write")
	}

	out, _, err = p.execute("normalize", spec, "--write")
	if err != nil {
		t.Fatalf("normalize --write failed: %v", err)
	}
	if !strings.Contains(out, "2 rewrite(s)") {
		t.Errorf("Expected rewrite count, got: %s", out)
	}
	data, _ = os.ReadFile(spec)
	if strings.Contains(string(data), "ethers.utils") {
		t.Errorf("Expected file rewritten, got: %s", data)
	}
}

func TestNormalizeCommand_Violations(t *testing.T) {
	p := newProject(t, passingHarness)
	spec := p.writeFile(t, "Token.spec.ts", `const w = new ethers.Wallet(key);
const url = "https://mainnet.infura.io/v3/abc";`)

	_, stderr, err := p.execute("normalize", spec)
	if err == nil || !strings.Contains(err.Error(), "policy violation(s)") {
		t.Fatalf("Expected violation error, got %v", err)
	}
	if !strings.Contains(stderr, "External wallet creation is forbidden") {
		t.Errorf("Expected wallet violation on stderr, got: %s", stderr)
	}
	if !strings.Contains(stderr, "External endpoints") {
		t.Errorf("Expected endpoint violation on stderr, got: %s", stderr)
	}
}

func TestStatusCommand(t *testing.T) {
	p := newProject(t, passingHarness)

	out, _, err := p.execute("status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "No runs recorded yet") {
		t.Errorf("Expected empty ledger message, got: %s", out)
	}

	p.addPrompt(t, "Vault__deposit")
	if _, _, err := p.execute("run", p.promptDir); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	out, _, err = p.execute("status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"Validated:", "Recent runs", "ollama / test-model", "1 total: 1 validated, 0 failed, 0 skipped", "VALIDATED 1", "Ledger agrees with the validated root (1 unit(s))"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in status output, got: %s", want, out)
		}
	}

	if err := os.Remove(filepath.Join(p.paths["valid"], "Vault__deposit"+models.SpecSuffix)); err != nil {
		t.Fatalf("Failed to remove validated output: %v", err)
	}
	if err := os.WriteFile(filepath.Join(p.paths["valid"], "Vault__manual"+models.SpecSuffix), []byte(generatedTest), 0644); err != nil {
		t.Fatalf("Failed to write manual output: %v", err)
	}

	out, _, err = p.execute("status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"1 validated file(s) not in the ledger: Vault__manual", "1 ledger validation(s) without a file: Vault__deposit"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in status output, got: %s", want, out)
		}
	}
}

func TestDrift(t *testing.T) {
	tests := []struct {
		name           string
		files          []string
		recorded       []string
		wantUnrecorded []string
		wantMissing    []string
	}{
		{name: "empty"},
		{name: "agree", files: []string{"B", "A"}, recorded: []string{"A", "B"}},
		{name: "file only", files: []string{"C", "A"}, recorded: []string{"A"}, wantUnrecorded: []string{"C"}},
		{name: "record only", files: []string{"A"}, recorded: []string{"A", "D", "B"}, wantMissing: []string{"B", "D"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unrecorded, missing := drift(tt.files, tt.recorded)
			if strings.Join(unrecorded, ",") != strings.Join(tt.wantUnrecorded, ",") {
				t.Errorf("unrecorded = %v, want %v", unrecorded, tt.wantUnrecorded)
			}
			if strings.Join(missing, ",") != strings.Join(tt.wantMissing, ",") {
				t.Errorf("missing = %v, want %v", missing, tt.wantMissing)
			}
		})
	}
}

func TestHistoryCommand(t *testing.T) {
	p := newProject(t, passingHarness)

	out, _, err := p.execute("history", "Vault__deposit")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(out, "No history found for Vault__deposit") {
		t.Errorf("Unexpected output: %s", out)
	}

	p.addPrompt(t, "Vault__deposit")
	for i := 0; i < 2; i++ {
		if _, _, err := p.execute("run", p.promptDir); err != nil {
			t.Fatalf("run failed: %v", err)
		}
	}

	out, _, err = p.execute("history", "Vault__deposit")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	for _, want := range []string{"Total passes: 2", models.OutcomeValidated, models.OutcomeSkipped, "Validated in 1 of 2 passes", "2 passing"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in history output, got: %s", want, out)
		}
	}
}

func TestHumanAge(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"30s", "30s"},
		{"5m", "5m"},
		{"3h", "3h"},
		{"50h", "2d"},
	}
	for _, tt := range tests {
		d, _ := time.ParseDuration(tt.in)
		if got := humanAge(d); got != tt.want {
			t.Errorf("humanAge(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
