package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Safety audits pinned Python requirements. Runs only when the checkout
// carries a requirements.txt at its root.
type Safety struct{}

func (Safety) Name() string { return "safety" }
func (Safety) Applicable(repoDir string) bool {
	return hasRootFile(repoDir, "requirements.txt")
}
func (s Safety) Run(ctx context.Context, repoDir, reportDir, repoName string) Result {
	jsonPath, mdPath := artifactPaths(reportDir, repoName, s.Name())
	res := execute(ctx, s.Name(), invocation{
		binary: "safety",
		args: []string{
			"scan", "--file", "requirements.txt", "--output", "json",
			"--ignore-unpinned-requirements", "--continue-on-error", "--disable-optional-output",
		},
		dir:     repoDir,
		okExits: []int{0, 1, 64},
	}, jsonPath, mdPath)
	if res.Err == nil {
		var doc struct {
			Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
		}
		readJSONArtifact(res.OutputPath, &doc)
		writeSummary(mdPath, "Safety Dependency Scan", fmt.Sprintf("Total vulnerabilities: %d\n", len(doc.Vulnerabilities)))
	}
	return res
}

// PipAudit cross-checks the same requirements against the PyPI advisory
// database.
type PipAudit struct{}

func (PipAudit) Name() string { return "pip_audit" }
func (PipAudit) Applicable(repoDir string) bool {
	return hasRootFile(repoDir, "requirements.txt")
}
func (p PipAudit) Run(ctx context.Context, repoDir, reportDir, repoName string) Result {
	jsonPath, mdPath := artifactPaths(reportDir, repoName, p.Name())
	res := execute(ctx, p.Name(), invocation{
		binary:  "pip-audit",
		args:    []string{"-r", "requirements.txt", "-f", "json"},
		dir:     repoDir,
		okExits: []int{0, 1},
	}, jsonPath, mdPath)
	if res.Err == nil {
		var doc struct {
			Dependencies []struct {
				Vulns []json.RawMessage `json:"vulns"`
			} `json:"dependencies"`
		}
		readJSONArtifact(res.OutputPath, &doc)
		vulnerable, total := 0, 0
		for _, d := range doc.Dependencies {
			if len(d.Vulns) > 0 {
				vulnerable++
				total += len(d.Vulns)
			}
		}
		writeSummary(mdPath, "pip-audit Dependency Scan",
			fmt.Sprintf("Vulnerable packages: %d\n\nTotal advisories: %d\n", vulnerable, total))
	}
	return res
}

// NPMAudit runs npm's advisory audit against the root package.json.
type NPMAudit struct{}

func (NPMAudit) Name() string { return "npm_audit" }
func (NPMAudit) Applicable(repoDir string) bool {
	return hasRootFile(repoDir, "package.json")
}
func (n NPMAudit) Run(ctx context.Context, repoDir, reportDir, repoName string) Result {
	jsonPath, mdPath := artifactPaths(reportDir, repoName, n.Name())
	res := execute(ctx, n.Name(), invocation{
		binary:  "npm",
		args:    []string{"audit", "--json"},
		dir:     repoDir,
		okExits: []int{0, 1},
	}, jsonPath, mdPath)
	if res.Err == nil {
		var doc struct {
			Advisories map[string]json.RawMessage `json:"advisories"`
			Metadata   struct {
				Vulnerabilities map[string]int `json:"vulnerabilities"`
			} `json:"metadata"`
		}
		readJSONArtifact(res.OutputPath, &doc)
		counts := map[string]int{}
		for sev, c := range doc.Metadata.Vulnerabilities {
			counts[strings.ToUpper(sev)] = c
		}
		writeSummary(mdPath, "npm Audit",
			fmt.Sprintf("Advisories: %d\n\n%s", len(doc.Advisories),
				severitySummary(counts, "CRITICAL", "HIGH", "MODERATE", "LOW", "INFO")))
	}
	return res
}

// Govulncheck reports reachable Go vulnerabilities for module checkouts.
type Govulncheck struct{}

func (Govulncheck) Name() string { return "govulncheck" }
func (Govulncheck) Applicable(repoDir string) bool {
	return hasRootFile(repoDir, "go.mod")
}
func (g Govulncheck) Run(ctx context.Context, repoDir, reportDir, repoName string) Result {
	jsonPath, mdPath := artifactPaths(reportDir, repoName, g.Name())
	res := execute(ctx, g.Name(), invocation{
		binary:  "govulncheck",
		args:    []string{"-json", "./..."},
		dir:     repoDir,
		okExits: []int{0, 3},
	}, jsonPath, mdPath)
	if res.Err == nil {
		n := countGovulnOSVs(res.OutputPath)
		writeSummary(mdPath, "Govulncheck Scan", fmt.Sprintf("Vulnerabilities: %d\n", n))
	}
	return res
}

// countGovulnOSVs counts distinct OSV identifiers in govulncheck's streamed
// JSON output (one message object per line, several per vulnerability).
func countGovulnOSVs(path string) int {
	if path == "" {
		return 0
	}
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	seen := map[string]bool{}
	dec := json.NewDecoder(f)
	for {
		var msg struct {
			Finding *struct {
				OSV string `json:"osv"`
			} `json:"finding"`
		}
		if err := dec.Decode(&msg); err != nil {
			break
		}
		if msg.Finding != nil && msg.Finding.OSV != "" {
			seen[msg.Finding.OSV] = true
		}
	}
	return len(seen)
}

// BundleAudit audits Ruby dependency locks against the ruby-advisory-db.
// Output is plain text, stored as the .txt artifact.
type BundleAudit struct{}

func (BundleAudit) Name() string { return "bundle_audit" }
func (BundleAudit) Applicable(repoDir string) bool {
	return hasRootFile(repoDir, "Gemfile.lock")
}
func (b BundleAudit) Run(ctx context.Context, repoDir, reportDir, repoName string) Result {
	txtPath := filepath.Join(reportDir, repoName+"_"+b.Name()+".txt")
	mdPath := filepath.Join(reportDir, repoName+"_"+b.Name()+".md")
	res := execute(ctx, b.Name(), invocation{
		binary:  "bundle",
		args:    []string{"audit", "--update"},
		dir:     repoDir,
		okExits: []int{0, 1},
	}, txtPath, mdPath)
	if res.Err == nil {
		data, _ := os.ReadFile(txtPath)
		n := strings.Count(string(data), "Name: ")
		writeSummary(mdPath, "Bundler Audit", fmt.Sprintf("Advisories: %d\n", n))
	}
	return res
}

// DependencyCheck runs OWASP Dependency-Check for JVM build files. The tool
// writes its own report directory; the JSON report inside it becomes the
// structured artifact.
type DependencyCheck struct{}

func (DependencyCheck) Name() string { return "dependency_check" }
func (DependencyCheck) Applicable(repoDir string) bool {
	return hasRootFile(repoDir, "pom.xml", "build.gradle", "build.gradle.kts")
}
func (d DependencyCheck) Run(ctx context.Context, repoDir, reportDir, repoName string) Result {
	outDir := filepath.Join(reportDir, repoName+"_dependency_check")
	mdPath := filepath.Join(reportDir, repoName+"_"+d.Name()+".md")
	res := execute(ctx, d.Name(), invocation{
		binary: "dependency-check",
		args: []string{
			"--project", repoName, "--scan", ".", "--out", outDir, "--format", "JSON",
			"--disableYarnAudit", "--disableNodeAudit", "--disableAssembly",
		},
		dir:     repoDir,
		timeout: 15 * time.Minute,
		okExits: []int{0, 1},
	}, "", mdPath)
	if res.Err == nil {
		reportPath := filepath.Join(outDir, "dependency-check-report.json")
		if _, err := os.Stat(reportPath); err == nil {
			res.OutputPath = reportPath
		}
		var doc struct {
			Dependencies []struct {
				Vulnerabilities []struct {
					Severity string `json:"severity"`
				} `json:"vulnerabilities"`
			} `json:"dependencies"`
		}
		readJSONArtifact(res.OutputPath, &doc)
		counts := map[string]int{}
		for _, dep := range doc.Dependencies {
			for _, v := range dep.Vulnerabilities {
				counts[strings.ToUpper(v.Severity)]++
			}
		}
		writeSummary(mdPath, "OWASP Dependency-Check", severitySummary(counts, "CRITICAL", "HIGH", "MEDIUM", "LOW"))
	}
	return res
}
