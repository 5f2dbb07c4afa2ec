package findings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// topPerSource bounds how many findings a single dependency audit contributes
// to ranking.
const topPerSource = 10

// ParseGrype normalizes a Grype JSON report into Findings. Unknown or missing
// fields degrade to "unknown"/empty rather than erroring; a malformed
// document yields no findings.
func ParseGrype(data []byte) []Finding {
	var doc struct {
		Matches []struct {
			Vulnerability struct {
				ID       string `json:"id"`
				Severity string `json:"severity"`
				Fix      struct {
					Versions []string `json:"versions"`
					State    string   `json:"state"`
				} `json:"fix"`
			} `json:"vulnerability"`
			Artifact struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"artifact"`
		} `json:"matches"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}

	out := make([]Finding, 0, len(doc.Matches))
	for _, m := range doc.Matches {
		name := m.Artifact.Name
		if name == "" {
			name = "unknown"
		}
		fixedIn := strings.Join(m.Vulnerability.Fix.Versions, ", ")
		if fixedIn == "" {
			fixedIn = m.Vulnerability.Fix.State
			if fixedIn == "" {
				fixedIn = "None"
			}
		}
		remediation := "Monitor vendor guidance"
		if fixedIn != "None" && fixedIn != "not-fixed" {
			remediation = fmt.Sprintf("Update %s to a fixed version", name)
		}
		out = append(out, Finding{
			SourceTool:    "Dependency",
			Subject:       name,
			Severity:      normalizeSeverity(m.Vulnerability.Severity),
			AffectedRange: m.Artifact.Version,
			FixedIn:       fixedIn,
			CVE:           m.Vulnerability.ID,
			Remediation:   remediation,
		})
	}
	return out
}

// ParseTrivyFS normalizes a Trivy filesystem JSON report into Findings.
func ParseTrivyFS(data []byte) []Finding {
	var doc struct {
		Results []struct {
			Vulnerabilities []struct {
				VulnerabilityID  string `json:"VulnerabilityID"`
				PkgName          string `json:"PkgName"`
				Severity         string `json:"Severity"`
				InstalledVersion string `json:"InstalledVersion"`
				FixedVersion     string `json:"FixedVersion"`
			} `json:"Vulnerabilities"`
		} `json:"Results"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}

	var out []Finding
	for _, res := range doc.Results {
		for _, v := range res.Vulnerabilities {
			name := v.PkgName
			if name == "" {
				name = "unknown"
			}
			out = append(out, Finding{
				SourceTool:    "Trivy",
				Subject:       name,
				Severity:      normalizeSeverity(v.Severity),
				AffectedRange: v.InstalledVersion,
				FixedIn:       v.FixedVersion,
				CVE:           v.VulnerabilityID,
				Remediation:   fmt.Sprintf("Update %s to a fixed version", name),
			})
		}
	}
	return out
}

// ParseSafety normalizes a safety JSON report, capped at topPerSource
// entries.
func ParseSafety(data []byte) []Finding {
	var doc struct {
		Vulnerabilities []struct {
			PackageName      string   `json:"package_name"`
			Severity         string   `json:"severity"`
			AffectedVersions []string `json:"affected_versions"`
			PatchedVersions  []string `json:"patched_versions"`
			CVE              string   `json:"CVE"`
		} `json:"vulnerabilities"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}

	vulns := doc.Vulnerabilities
	if len(vulns) > topPerSource {
		vulns = vulns[:topPerSource]
	}
	out := make([]Finding, 0, len(vulns))
	for _, v := range vulns {
		name := v.PackageName
		if name == "" {
			name = "unknown"
		}
		fixedIn := strings.Join(v.PatchedVersions, ", ")
		remediation := "Monitor vendor guidance"
		if fixedIn == "" {
			fixedIn = "None"
		} else {
			remediation = fmt.Sprintf("Update %s to a patched version", name)
		}
		out = append(out, Finding{
			SourceTool:    "Python",
			Subject:       name,
			Severity:      normalizeSeverity(v.Severity),
			AffectedRange: strings.Join(v.AffectedVersions, ", "),
			FixedIn:       fixedIn,
			CVE:           v.CVE,
			Remediation:   remediation,
		})
	}
	return out
}

// ParseNPMAudit normalizes npm audit's advisories form. Advisory keys are
// visited in sorted order so output is deterministic; capped at topPerSource.
func ParseNPMAudit(data []byte) []Finding {
	var doc struct {
		Advisories map[string]struct {
			ModuleName         string   `json:"module_name"`
			Severity           string   `json:"severity"`
			VulnerableVersions string   `json:"vulnerable_versions"`
			PatchedVersions    string   `json:"patched_versions"`
			CVEs               []string `json:"cves"`
		} `json:"advisories"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}

	keys := make([]string, 0, len(doc.Advisories))
	for k := range doc.Advisories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > topPerSource {
		keys = keys[:topPerSource]
	}

	out := make([]Finding, 0, len(keys))
	for _, k := range keys {
		a := doc.Advisories[k]
		name := a.ModuleName
		if name == "" {
			name = "unknown"
		}
		var cve string
		if len(a.CVEs) > 0 {
			cve = a.CVEs[0]
		}
		fixedIn := a.PatchedVersions
		remediation := "Monitor vendor guidance"
		if fixedIn == "" || fixedIn == "<0.0.0" {
			fixedIn = "None"
		} else {
			remediation = fmt.Sprintf("Update %s to a patched version", name)
		}
		out = append(out, Finding{
			SourceTool:    "Node",
			Subject:       name,
			Severity:      normalizeSeverity(a.Severity),
			AffectedRange: a.VulnerableVersions,
			FixedIn:       fixedIn,
			CVE:           cve,
			Remediation:   remediation,
		})
	}
	return out
}

// FromArtifacts loads and normalizes the structured tool outputs that feed
// exploitability ranking, by artifact naming convention. Missing files mean
// zero findings for that tool, never an error.
func FromArtifacts(reportDir, repoName string) []Finding {
	sources := []struct {
		tool  string
		parse func([]byte) []Finding
	}{
		{"grype_repo", ParseGrype},
		{"trivy_fs", ParseTrivyFS},
		{"safety", ParseSafety},
		{"npm_audit", ParseNPMAudit},
	}

	var out []Finding
	for _, s := range sources {
		path := filepath.Join(reportDir, repoName+"_"+s.tool+".json")
		if data, err := os.ReadFile(path); err == nil {
			out = append(out, s.parse(data)...)
		}
	}
	return out
}
