package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/auditgh/auditgh/internal/findings"
)

// gateOrder fixes the evaluation sequence so violation lists are
// deterministic for identical inputs.
var gateOrder = []string{"grype", "checkov", "secrets", "semgrep", "semgrep_taint", "bandit", "trivy_fs"}

// artifact maps a gate name to the structured output it reads.
func artifact(reportDir, repoName, gate string) string {
	tool := gate
	switch gate {
	case "grype":
		tool = "grype_repo"
	case "secrets":
		tool = "gitleaks"
	}
	return filepath.Join(reportDir, repoName+"_"+tool+".json")
}

// Evaluate applies the policy to one repository's tool outputs. A nil policy
// applies the built-in default: fail on any high or critical
// infrastructure-as-code failed check. Calling it twice on unchanged inputs
// returns an identical result.
func Evaluate(p *Policy, reportDir, repoName string, intel findings.Intel) GateResult {
	if p == nil {
		return defaultGate(reportDir, repoName)
	}

	var violations []string
	for _, name := range gateOrder {
		gate, ok := p.Gates[name]
		if !ok {
			continue
		}
		violations = append(violations, evaluateGate(name, gate, reportDir, repoName, intel)...)
	}
	return GateResult{Passed: len(violations) == 0, Violations: violations}
}

func evaluateGate(name string, gate Gate, reportDir, repoName string, intel findings.Intel) []string {
	path := artifact(reportDir, repoName, name)
	switch name {
	case "grype":
		return grypeGate(name, gate, path, intel)
	case "secrets":
		n := countGitleaks(path)
		limit := 0
		if gate.MaxFindings != nil {
			limit = *gate.MaxFindings
		}
		if n > limit {
			return []string{fmt.Sprintf("%s: %d secret finding(s) exceed max_findings %d", name, n, limit)}
		}
		return nil
	case "semgrep_taint":
		n := countSemgrep(path)
		limit := 0
		if gate.MaxFlows != nil {
			limit = *gate.MaxFlows
		}
		if n > limit {
			return []string{fmt.Sprintf("%s: %d taint flow(s) exceed max_flows %d", name, n, limit)}
		}
		return nil
	case "checkov":
		return severityGate(name, gate, checkovCounts(path))
	case "semgrep":
		return severityGate(name, gate, semgrepCounts(path))
	case "bandit":
		return severityGate(name, gate, banditCounts(path))
	case "trivy_fs":
		return severityGate(name, gate, trivyCounts(path))
	}
	return nil
}

func grypeGate(name string, gate Gate, path string, intel findings.Intel) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	fs := findings.ParseGrype(data)

	counts := map[string]int{}
	var kevCount int
	var maxEPSS float64
	for i := range fs {
		counts[fs[i].Severity]++
		if fs[i].CVE == "" {
			continue
		}
		if intel.KEV[fs[i].CVE] {
			kevCount++
		}
		if s := intel.EPSS[fs[i].CVE]; s > maxEPSS {
			maxEPSS = s
		}
	}

	violations := severityGate(name, gate, counts)
	if gate.RequireNoKEV && kevCount > 0 {
		violations = append(violations,
			fmt.Sprintf("%s: %d known-exploited vulnerability(ies) present, require_no_kev set", name, kevCount))
	}
	if gate.MaxEPSS != nil && maxEPSS >= *gate.MaxEPSS {
		violations = append(violations,
			fmt.Sprintf("%s: exploit probability %.3f reaches max_epss %.3f", name, maxEPSS, *gate.MaxEPSS))
	}
	return violations
}

// severityGate applies max_severity and max_counts to a severity histogram.
func severityGate(name string, gate Gate, counts map[string]int) []string {
	var violations []string

	if gate.MaxSeverity != "" {
		// Inclusive: a finding at the threshold severity already violates.
		limit := findings.SeverityRank(gate.MaxSeverity)
		for _, sev := range sortedKeys(counts) {
			if counts[sev] > 0 && findings.SeverityRank(sev) <= limit {
				violations = append(violations,
					fmt.Sprintf("%s: %d %s finding(s) at or above max_severity %s",
						name, counts[sev], sev, strings.ToLower(gate.MaxSeverity)))
			}
		}
	}

	for _, sev := range sortedKeys(gate.MaxCounts) {
		limit := gate.MaxCounts[sev]
		if n := counts[strings.ToLower(sev)]; n > limit {
			violations = append(violations,
				fmt.Sprintf("%s: %d %s finding(s) exceed max_counts %d", name, n, strings.ToLower(sev), limit))
		}
	}
	return violations
}

// defaultGate fails only on high or critical infrastructure-as-code checks.
func defaultGate(reportDir, repoName string) GateResult {
	counts := checkovCounts(artifact(reportDir, repoName, "checkov"))
	n := counts["critical"] + counts["high"]
	if n > 0 {
		return GateResult{
			Passed:     false,
			Violations: []string{fmt.Sprintf("checkov: %d high/critical failed check(s)", n)},
		}
	}
	return GateResult{Passed: true}
}

// checkovCounts tolerates both the single-framework object form and the
// multi-framework array form of Checkov's JSON output.
func checkovCounts(path string) map[string]int {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]int{}
	}
	type report struct {
		Results struct {
			FailedChecks []struct {
				Severity string `json:"severity"`
			} `json:"failed_checks"`
		} `json:"results"`
	}

	var reports []report
	if err := json.Unmarshal(data, &reports); err != nil {
		var single report
		if err := json.Unmarshal(data, &single); err != nil {
			return map[string]int{}
		}
		reports = []report{single}
	}

	counts := map[string]int{}
	for _, r := range reports {
		for _, c := range r.Results.FailedChecks {
			counts[normalize(c.Severity)]++
		}
	}
	return counts
}

func semgrepCounts(path string) map[string]int {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]int{}
	}
	var doc struct {
		Results []struct {
			Extra struct {
				Severity string `json:"severity"`
			} `json:"extra"`
		} `json:"results"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return map[string]int{}
	}
	counts := map[string]int{}
	for _, r := range doc.Results {
		switch strings.ToUpper(r.Extra.Severity) {
		case "ERROR":
			counts["high"]++
		case "WARNING":
			counts["medium"]++
		case "INFO":
			counts["low"]++
		default:
			counts["unknown"]++
		}
	}
	return counts
}

func countSemgrep(path string) int {
	total := 0
	for _, n := range semgrepCounts(path) {
		total += n
	}
	return total
}

func banditCounts(path string) map[string]int {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]int{}
	}
	var doc struct {
		Results []struct {
			IssueSeverity string `json:"issue_severity"`
		} `json:"results"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return map[string]int{}
	}
	counts := map[string]int{}
	for _, r := range doc.Results {
		counts[normalize(r.IssueSeverity)]++
	}
	return counts
}

func trivyCounts(path string) map[string]int {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]int{}
	}
	counts := map[string]int{}
	for _, f := range findings.ParseTrivyFS(data) {
		counts[f.Severity]++
	}
	return counts
}

// countGitleaks counts entries in Gitleaks' top-level JSON array.
func countGitleaks(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var leaks []json.RawMessage
	if err := json.Unmarshal(data, &leaks); err != nil {
		return 0
	}
	return len(leaks)
}

func normalize(severity string) string {
	severity = strings.ToLower(strings.TrimSpace(severity))
	if severity == "" {
		return "unknown"
	}
	return severity
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
