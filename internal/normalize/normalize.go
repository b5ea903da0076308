// Package normalize reconciles generated test code with the single client API
// convention the Hardhat harness provides, and flags constructs that would let
// a unit test reach outside the sandboxed chain.
//
// Both tables are closed: a rewrite is a literal regex substitution and a ban
// is a regex match with a fixed human-readable message. Every rewrite
// replacement is outside its own pattern's language, so Normalize is
// idempotent.
package normalize

import (
	"errors"
	"regexp"

	"github.com/harrison/testsmith/internal/models"
)

// Rule is one rewrite from a legacy spelling to the harness spelling.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Ban is one disallowed construct.
type Ban struct {
	Name    string
	Pattern *regexp.Regexp
	Message string
}

const hardhatImport = `import { ethers } from "hardhat";`

// Rewrites is applied in order.
var Rewrites = []Rule{
	{"named-ethers-import", regexp.MustCompile(`(?m)^[ \t]*import\s+\{\s*ethers\s*\}\s+from\s+['"]ethers['"];?`), hardhatImport},
	{"default-ethers-import", regexp.MustCompile(`(?m)^[ \t]*import\s+ethers\s+from\s+['"]ethers['"];?`), hardhatImport},
	{"bare-ethers-import", regexp.MustCompile(`(?m)^[ \t]*import\s+['"]ethers['"];?`), hardhatImport},
	{"parse-units", regexp.MustCompile(`ethers\.utils\.parseUnits`), "ethers.parseUnits"},
	{"parse-ether", regexp.MustCompile(`ethers\.utils\.parseEther`), "ethers.parseEther"},
	{"format-ether", regexp.MustCompile(`ethers\.utils\.formatEther`), "ethers.formatEther"},
	{"format-units", regexp.MustCompile(`ethers\.utils\.formatUnits`), "ethers.formatUnits"},
	{"address-zero", regexp.MustCompile(`ethers\.constants\.AddressZero`), "ethers.ZeroAddress"},
	{"max-uint256", regexp.MustCompile(`ethers\.constants\.MaxUint256`), "ethers.MaxUint256"},
	{"hash-zero", regexp.MustCompile(`ethers\.constants\.HashZero`), "ethers.ZeroHash"},
	{"deployed", regexp.MustCompile(`\.deployed\(\)`), ".waitForDeployment()"},
	{"proper-address", regexp.MustCompile(`\.to\.properAddress`), ".to.be.properAddress"},
}

// Bans are checked against the rewritten code. Every match is reported.
var Bans = []Ban{
	{
		Name:    "json-rpc-provider",
		Pattern: regexp.MustCompile(`(?i)\bnew\s+ethers\.(?:providers\.)?JsonRpcProvider\s*\(`),
		Message: "External provider creation is forbidden. Use Hardhat network and ethers.getSigners().",
	},
	{
		Name:    "wallet",
		Pattern: regexp.MustCompile(`(?i)\bnew\s+ethers\.Wallet\s*\(`),
		Message: "External wallet creation is forbidden. Use ethers.getSigners().",
	},
	{
		Name:    "endpoint-literal",
		Pattern: regexp.MustCompile(`(?i)\bhttps?://[^\s'"]+`),
		Message: "External endpoints (RPC URLs) are forbidden in unit tests.",
	},
	{
		Name:    "rpc-provider-name",
		Pattern: regexp.MustCompile(`(?i)\binfura|alchemy|your_infura`),
		Message: "Do not reference external RPC providers (Infura/Alchemy placeholders found).",
	},
	{
		Name:    "raw-contract",
		Pattern: regexp.MustCompile(`(?i)\bnew\s+ethers\.Contract\s*\(`),
		Message: "Do not instantiate raw ethers.Contract in tests. Use Hardhat factories and deploy in a fixture.",
	},
	{
		Name:    "ethers-import",
		Pattern: regexp.MustCompile(`(?m)^[ \t]*import\s+\{\s*ethers\s*\}\s+from\s+['"]ethers['"];?`),
		Message: "Import must be from \"hardhat\": use `import { ethers } from \"hardhat\";`.",
	},
}

// Normalizer applies the rewrite and ban tables, and optionally the ABI
// surface check.
type Normalizer struct {
	rules        []Rule
	bans         []Ban
	artifactsDir string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithArtifacts enables the ABI surface check against Hardhat artifacts
// found under dir.
func WithArtifacts(dir string) Option {
	return func(n *Normalizer) {
		n.artifactsDir = dir
	}
}

// New creates a Normalizer with the default tables.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{rules: Rewrites, bans: Bans}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize rewrites legacy spellings and collects every ban match. It never
// fails; violations are data.
func (n *Normalizer) Normalize(code string) models.NormalizedCode {
	out := models.NormalizedCode{Code: code}
	for _, r := range n.rules {
		hits := r.Pattern.FindAllStringIndex(out.Code, -1)
		if len(hits) == 0 {
			continue
		}
		out.Rewrites += len(hits)
		out.Code = r.Pattern.ReplaceAllLiteralString(out.Code, r.Replacement)
	}
	out.Violations = n.scan(out.Code)
	return out
}

// NormalizeUnit is Normalize followed by the ABI surface check for the
// contract the unit identity names, when an artifacts directory is set and
// holds a matching artifact.
func (n *Normalizer) NormalizeUnit(identity, code string) (models.NormalizedCode, error) {
	out := n.Normalize(code)
	if n.artifactsDir == "" {
		return out, nil
	}

	abi, err := FindArtifact(n.artifactsDir, ContractName(identity), out.Code)
	if err != nil {
		if errors.Is(err, ErrNoArtifact) {
			return out, nil
		}
		return out, err
	}
	out.Violations = append(out.Violations, abi.Check(out.Code)...)
	return out, nil
}

// Scan reports the ban matches in code without rewriting it.
func (n *Normalizer) Scan(code string) []models.PolicyViolation {
	return n.scan(code)
}

func (n *Normalizer) scan(code string) []models.PolicyViolation {
	var violations []models.PolicyViolation
	for _, b := range n.bans {
		if b.Pattern.MatchString(code) {
			violations = append(violations, models.PolicyViolation(b.Message))
		}
	}
	return violations
}
