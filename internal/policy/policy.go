// Package policy evaluates a repository's tool outputs against a declarative
// gate document. Evaluation is a pure function of the report directory and
// the policy: missing artifacts mean zero findings, never an error.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Gate holds the thresholds for one tool. Which fields apply depends on the
// tool; unrecognized fields are simply never consulted.
type Gate struct {
	MaxSeverity  string         `yaml:"max_severity"`
	MaxCounts    map[string]int `yaml:"max_counts"`
	MaxEPSS      *float64       `yaml:"max_epss"`
	RequireNoKEV bool           `yaml:"require_no_kev"`
	MaxFindings  *int           `yaml:"max_findings"`
	MaxFlows     *int           `yaml:"max_flows"`
}

// Policy is the loaded gate document, keyed by tool name (grype, checkov,
// secrets, semgrep, semgrep_taint, bandit, trivy_fs).
type Policy struct {
	Gates map[string]Gate `yaml:"gates"`
}

// GateResult is the pass/fail outcome for one repository. Violations are
// human-readable strings naming the tool and the breached threshold.
type GateResult struct {
	Passed     bool     `json:"passed"`
	Violations []string `json:"violations,omitempty"`
}

// Load reads a policy document. An empty path or an absent file returns
// (nil, nil): the built-in default gate applies.
func Load(path string) (*Policy, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading policy %s: %w", path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing policy %s: %w", path, err)
	}
	return &p, nil
}
