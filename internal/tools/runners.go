package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Gitleaks scans the working tree and history for secrets. Exit 1 means
// findings were reported, which is still a completed scan.
type Gitleaks struct{}

func (Gitleaks) Name() string           { return "gitleaks" }
func (Gitleaks) Applicable(string) bool { return true }
func (g Gitleaks) Run(ctx context.Context, repoDir, reportDir, repoName string) Result {
	jsonPath, mdPath := artifactPaths(reportDir, repoName, g.Name())
	res := execute(ctx, g.Name(), invocation{
		binary:  "gitleaks",
		args:    []string{"detect", "-s", ".", "-f", "json"},
		dir:     repoDir,
		okExits: []int{0, 1},
	}, jsonPath, mdPath)
	if res.Err == nil {
		var findings []json.RawMessage
		readJSONArtifact(res.OutputPath, &findings)
		writeSummary(mdPath, "Gitleaks Secrets Scan", fmt.Sprintf("Total findings: %d\n", len(findings)))
	}
	return res
}

// Semgrep runs the default SAST ruleset.
type Semgrep struct{}

func (Semgrep) Name() string           { return "semgrep" }
func (Semgrep) Applicable(string) bool { return true }
func (s Semgrep) Run(ctx context.Context, repoDir, reportDir, repoName string) Result {
	return runSemgrep(ctx, s.Name(), "auto", repoDir, reportDir, repoName)
}

// SemgrepTaint runs a second Semgrep pass in taint mode against a user
// supplied ruleset. Registered only when a ruleset is configured.
type SemgrepTaint struct {
	Ruleset string
}

func (SemgrepTaint) Name() string           { return "semgrep_taint" }
func (SemgrepTaint) Applicable(string) bool { return true }
func (s SemgrepTaint) Run(ctx context.Context, repoDir, reportDir, repoName string) Result {
	return runSemgrep(ctx, s.Name(), s.Ruleset, repoDir, reportDir, repoName)
}

func runSemgrep(ctx context.Context, tool, ruleset, repoDir, reportDir, repoName string) Result {
	jsonPath, mdPath := artifactPaths(reportDir, repoName, tool)
	res := execute(ctx, tool, invocation{
		binary:  "semgrep",
		args:    []string{"--config", ruleset, "--json", "-q", "."},
		dir:     repoDir,
		okExits: []int{0, 1},
	}, jsonPath, mdPath)
	if res.Err == nil {
		var doc struct {
			Results []json.RawMessage `json:"results"`
		}
		readJSONArtifact(res.OutputPath, &doc)
		writeSummary(mdPath, "Semgrep Scan", fmt.Sprintf("**Ruleset:** %s\n\nTotal findings: %d\n", ruleset, len(doc.Results)))
	}
	return res
}

// Syft generates an SBOM for the checkout or for a docker image.
type Syft struct {
	Image  string // when set, scans the image instead of the checkout
	Format string // e.g. cyclonedx-json
}

func (s Syft) Name() string {
	if s.Image != "" {
		return "syft_image"
	}
	return "syft_repo"
}
func (Syft) Applicable(string) bool { return true }
func (s Syft) Run(ctx context.Context, repoDir, reportDir, repoName string) Result {
	target, dir := ".", repoDir
	if s.Image != "" {
		target, dir = s.Image, reportDir
	}
	format := s.Format
	if format == "" {
		format = "cyclonedx-json"
	}
	jsonPath, mdPath := artifactPaths(reportDir, repoName, s.Name())
	res := execute(ctx, s.Name(), invocation{
		binary: "syft",
		args:   []string{target, "-o", format},
		dir:    dir,
	}, jsonPath, mdPath)
	if res.Err == nil {
		var doc map[string]json.RawMessage
		readJSONArtifact(res.OutputPath, &doc)
		count := 0
		for _, key := range []string{"packages", "components", "artifacts"} {
			var items []json.RawMessage
			if raw, ok := doc[key]; ok && json.Unmarshal(raw, &items) == nil {
				count = len(items)
				break
			}
		}
		writeSummary(mdPath, "Syft SBOM", fmt.Sprintf("**Target:** %s\n\nPackages/Components: %d\n", target, count))
	}
	return res
}

// Grype scans the checkout or a docker image for known vulnerabilities,
// optionally refined by VEX documents.
type Grype struct {
	Image    string
	VEXFiles []string
}

func (g Grype) Name() string {
	if g.Image != "" {
		return "grype_image"
	}
	return "grype_repo"
}
func (Grype) Applicable(string) bool { return true }
func (g Grype) Run(ctx context.Context, repoDir, reportDir, repoName string) Result {
	target, dir := ".", repoDir
	if g.Image != "" {
		target, dir = g.Image, reportDir
	}
	args := []string{target, "-o", "json"}
	for _, vf := range g.VEXFiles {
		args = append(args, "--vex", vf)
	}
	jsonPath, mdPath := artifactPaths(reportDir, repoName, g.Name())
	res := execute(ctx, g.Name(), invocation{
		binary:  "grype",
		args:    args,
		dir:     dir,
		timeout: 15 * time.Minute,
	}, jsonPath, mdPath)
	if res.Err == nil {
		var doc struct {
			Matches []struct {
				Vulnerability struct {
					Severity string `json:"severity"`
				} `json:"vulnerability"`
			} `json:"matches"`
		}
		readJSONArtifact(res.OutputPath, &doc)
		counts := map[string]int{}
		for _, m := range doc.Matches {
			counts[titleCase(m.Vulnerability.Severity)]++
		}
		writeSummary(mdPath, "Grype Vulnerability Scan", severitySummary(counts, "Critical", "High", "Medium", "Low", "Negligible", "Unknown"))
	}
	return res
}

// Checkov scans Terraform when .tf files are present; otherwise the tool is
// skipped for the repository.
type Checkov struct{}

func (Checkov) Name() string { return "checkov" }
func (Checkov) Applicable(repoDir string) bool {
	return hasFileWithExt(repoDir, ".tf")
}
func (c Checkov) Run(ctx context.Context, repoDir, reportDir, repoName string) Result {
	jsonPath, mdPath := artifactPaths(reportDir, repoName, c.Name())
	res := execute(ctx, c.Name(), invocation{
		binary:  "checkov",
		args:    []string{"-d", ".", "-o", "json"},
		dir:     repoDir,
		okExits: []int{0, 1},
	}, jsonPath, mdPath)
	if res.Err == nil {
		var doc struct {
			Results struct {
				FailedChecks []struct {
					Severity string `json:"severity"`
				} `json:"failed_checks"`
			} `json:"results"`
		}
		readJSONArtifact(res.OutputPath, &doc)
		counts := map[string]int{}
		for _, chk := range doc.Results.FailedChecks {
			sev := strings.ToUpper(chk.Severity)
			if sev == "" {
				sev = "UNKNOWN"
			}
			counts[sev]++
		}
		writeSummary(mdPath, "Checkov Terraform Scan", severitySummary(counts, "CRITICAL", "HIGH", "MEDIUM", "LOW", "UNKNOWN"))
	}
	return res
}

// Bandit runs Python SAST when .py files are present.
type Bandit struct{}

func (Bandit) Name() string { return "bandit" }
func (Bandit) Applicable(repoDir string) bool {
	return hasFileWithExt(repoDir, ".py")
}
func (b Bandit) Run(ctx context.Context, repoDir, reportDir, repoName string) Result {
	jsonPath, mdPath := artifactPaths(reportDir, repoName, b.Name())
	res := execute(ctx, b.Name(), invocation{
		binary:  "bandit",
		args:    []string{"-r", ".", "-f", "json", "-q"},
		dir:     repoDir,
		okExits: []int{0, 1},
	}, jsonPath, mdPath)
	if res.Err == nil {
		var doc struct {
			Results []struct {
				IssueSeverity string `json:"issue_severity"`
			} `json:"results"`
		}
		readJSONArtifact(res.OutputPath, &doc)
		counts := map[string]int{}
		for _, r := range doc.Results {
			counts[strings.ToUpper(r.IssueSeverity)]++
		}
		writeSummary(mdPath, "Bandit Python Security Scan", severitySummary(counts, "HIGH", "MEDIUM", "LOW"))
	}
	return res
}

// TrivyFS runs the Trivy filesystem scan for vulnerabilities and
// misconfigurations.
type TrivyFS struct{}

func (TrivyFS) Name() string           { return "trivy_fs" }
func (TrivyFS) Applicable(string) bool { return true }
func (t TrivyFS) Run(ctx context.Context, repoDir, reportDir, repoName string) Result {
	jsonPath, mdPath := artifactPaths(reportDir, repoName, t.Name())
	res := execute(ctx, t.Name(), invocation{
		binary:  "trivy",
		args:    []string{"fs", "-q", "-f", "json", "."},
		dir:     repoDir,
		timeout: 15 * time.Minute,
	}, jsonPath, mdPath)
	if res.Err == nil {
		var doc struct {
			Results []struct {
				Vulnerabilities []struct {
					Severity string `json:"Severity"`
				} `json:"Vulnerabilities"`
			} `json:"Results"`
		}
		readJSONArtifact(res.OutputPath, &doc)
		counts := map[string]int{}
		for _, r := range doc.Results {
			for _, v := range r.Vulnerabilities {
				sev := strings.ToUpper(v.Severity)
				if sev == "" {
					sev = "UNKNOWN"
				}
				counts[sev]++
			}
		}
		writeSummary(mdPath, "Trivy Filesystem Scan", severitySummary(counts, "CRITICAL", "HIGH", "MEDIUM", "LOW", "UNKNOWN"))
	}
	return res
}

func readJSONArtifact(path string, v any) {
	if path == "" {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, v)
}

func severitySummary(counts map[string]int, order ...string) string {
	var b strings.Builder
	b.WriteString("## Summary\n\n")
	for _, k := range order {
		fmt.Fprintf(&b, "- %s: %d\n", titleCase(k), counts[k])
	}
	return b.String()
}

func titleCase(s string) string {
	if s == "" {
		return "Unknown"
	}
	s = strings.ToLower(s)
	return strings.ToUpper(s[:1]) + s[1:]
}
