package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/harrison/testsmith/internal/models"
)

// ErrNoArtifact is returned when no artifact under the root names the contract.
var ErrNoArtifact = errors.New("no matching artifact")

// contractMembers are members every deployed contract handle carries
// regardless of its ABI.
var contractMembers = map[string]bool{
	"waitForDeployment": true, "getAddress": true, "connect": true, "attach": true,
	"deployed": true, "deployTransaction": true, "interface": true, "provider": true,
	"signer": true, "target": true, "runner": true, "getFunction": true,
	"getEvent": true, "queryFilter": true, "on": true, "off": true,
	"removeAllListeners": true, "listenerCount": true, "listeners": true,
	"addListener": true, "removeListener": true, "emit": true,
}

var (
	contractCallRe = regexp.MustCompile(`contract\.(\w+)\s*\(`)
	emitEventRe    = regexp.MustCompile("to\\.emit\\(\\s*contract\\s*,\\s*[\"'`](\\w+)[\"'`]\\s*\\)")
)

// ABI is the callable surface of one compiled contract.
type ABI struct {
	Path      string
	Functions map[string]bool
	Events    map[string]bool
}

type abiEntry struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type artifactFile struct {
	ContractName string     `json:"contractName"`
	ABI          []abiEntry `json:"abi"`
}

// ContractName returns the contract a unit identity refers to. Identities
// look like Name__size__address; the part before the first "__" is the name.
func ContractName(identity string) string {
	if i := strings.Index(identity, "__"); i > 0 {
		return identity[:i]
	}
	return identity
}

// FindArtifact walks root for Hardhat artifacts whose contractName matches
// name case-insensitively. When several match, the one whose ABI covers the
// most contract calls in code wins; ties go to the lexically first path.
func FindArtifact(root, name, code string) (*ABI, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("artifacts directory %s: %w", root, err)
	}

	var candidates []*ABI
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		abi, ok := readArtifact(path, name)
		if ok {
			candidates = append(candidates, abi)
		}
		return nil
	})

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w for contract %s under %s", ErrNoArtifact, name, root)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Path < candidates[j].Path })

	calls := contractCalls(code)
	best, bestScore := candidates[0], candidates[0].coverage(calls)
	for _, c := range candidates[1:] {
		if s := c.coverage(calls); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, nil
}

func readArtifact(path, name string) (*ABI, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var af artifactFile
	if err := json.Unmarshal(data, &af); err != nil {
		return nil, false
	}
	if af.ABI == nil || !strings.EqualFold(af.ContractName, name) {
		return nil, false
	}

	abi := &ABI{
		Path:      path,
		Functions: make(map[string]bool),
		Events:    make(map[string]bool),
	}
	for _, e := range af.ABI {
		switch e.Type {
		case "function":
			abi.Functions[e.Name] = true
		case "event":
			abi.Events[e.Name] = true
		}
	}
	return abi, true
}

func (a *ABI) coverage(calls []string) int {
	n := 0
	for _, c := range calls {
		if a.Functions[c] {
			n++
		}
	}
	return n
}

func contractCalls(code string) []string {
	var out []string
	for _, m := range contractCallRe.FindAllStringSubmatch(code, -1) {
		out = append(out, m[1])
	}
	return out
}

// Check reports contract calls and emitted events that the ABI does not
// declare. Lines containing TODO_AI are not checked for events. Each unknown
// name is reported once.
func (a *ABI) Check(code string) []models.PolicyViolation {
	var violations []models.PolicyViolation
	seen := make(map[string]bool)
	report := func(msg string) {
		if !seen[msg] {
			seen[msg] = true
			violations = append(violations, models.PolicyViolation(msg))
		}
	}

	for _, fn := range contractCalls(code) {
		if !contractMembers[fn] && !a.Functions[fn] {
			report("Function not in ABI: " + fn)
		}
	}

	for _, line := range strings.Split(code, "\n") {
		if strings.Contains(line, "TODO_AI") {
			continue
		}
		for _, m := range emitEventRe.FindAllStringSubmatch(line, -1) {
			if !a.Events[m[1]] {
				report("Event not in ABI: " + m[1])
			}
		}
	}
	return violations
}
