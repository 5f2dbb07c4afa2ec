package findings

import "strings"

// Finding is the normalized vulnerability record shared by every source tool.
// Ephemeral: recomputed per run, never persisted beyond the run's reports.
type Finding struct {
	SourceTool    string  `json:"type"`
	Subject       string  `json:"name"`
	Severity      string  `json:"severity"` // lower-cased; "unknown" when absent
	AffectedRange string  `json:"affected_versions"`
	FixedIn       string  `json:"fixed_in"`
	CVE           string  `json:"cve,omitempty"`
	KEV           bool    `json:"kev"`
	EPSS          float64 `json:"epss"`
	Remediation   string  `json:"remediation,omitempty"`
}

// SeverityRank orders critical < high < (moderate|medium) < low < unknown;
// lower is more severe. Used for ranking and for threshold comparisons.
func SeverityRank(severity string) int {
	return severityRank(severity)
}

func severityRank(severity string) int {
	switch strings.ToLower(severity) {
	case "critical":
		return 0
	case "high":
		return 1
	case "moderate", "medium":
		return 2
	case "low":
		return 3
	case "unknown":
		return 4
	default:
		return 5
	}
}

func normalizeSeverity(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	return s
}
