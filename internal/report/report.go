// Package report renders the per-repo and run-level summary artifacts.
// Markdown is assembled directly; the structured run summary is plain JSON.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/auditgh/auditgh/internal/findings"
	"github.com/auditgh/auditgh/internal/policy"
	"github.com/auditgh/auditgh/internal/tools"
)

// RepoSummary is everything the per-repo summary page needs. Gate is nil when
// policy evaluation did not run (stopped or failed jobs).
type RepoSummary struct {
	Repo          string
	Results       []tools.Result
	Top           []findings.Finding
	Gate          *policy.GateResult
	Stopped       bool
	StoppedBefore string
	Err           error
}

// WriteRepoSummary writes {repo}_summary.md into dir.
func WriteRepoSummary(dir string, s RepoSummary) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Security scan: %s\n\n", s.Repo)

	if s.Err != nil {
		fmt.Fprintf(&b, "**Job failed:** %s\n\n", SanitizeText(s.Err.Error()))
	}
	if s.Stopped {
		fmt.Fprintf(&b, "**Scan stopped** before `%s`; results below are partial.\n\n", s.StoppedBefore)
	}

	b.WriteString("## Tools\n\n")
	b.WriteString("| Tool | Outcome | Output |\n|---|---|---|\n")
	for _, r := range s.Results {
		fmt.Fprintf(&b, "| %s | %s | %s |\n", r.Tool, outcome(r), filepath.Base(r.OutputPath))
	}
	b.WriteString("\n")

	b.WriteString("## Top exploitable findings\n\n")
	if len(s.Top) == 0 {
		b.WriteString("None.\n\n")
	} else {
		b.WriteString("| Package | Severity | CVE | KEV | EPSS | Fixed in |\n|---|---|---|---|---|---|\n")
		for _, f := range s.Top {
			fmt.Fprintf(&b, "| %s %s | %s | %s | %s | %.3f | %s |\n",
				f.Subject, f.AffectedRange, f.Severity, orDash(f.CVE), yesNo(f.KEV), f.EPSS, orDash(f.FixedIn))
		}
		b.WriteString("\n")
	}

	if s.Gate != nil {
		b.WriteString("## Policy gate\n\n")
		if s.Gate.Passed {
			b.WriteString("PASSED\n")
		} else {
			b.WriteString("FAILED\n\n")
			for _, v := range s.Gate.Violations {
				fmt.Fprintf(&b, "- %s\n", v)
			}
		}
	}

	path := filepath.Join(dir, s.Repo+"_summary.md")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func outcome(r tools.Result) string {
	switch {
	case r.Skipped:
		return "skipped (not applicable)"
	case r.Err != nil:
		return SanitizeText(r.Err.Error())
	default:
		return fmt.Sprintf("exit %d", r.ExitCode)
	}
}

// RepoOutcome is one repository's terminal state in the run summary.
type RepoOutcome struct {
	Repo       string   `json:"repo"`
	State      string   `json:"state"`
	ToolsRun   int      `json:"tools_run"`
	GatePassed *bool    `json:"gate_passed,omitempty"`
	Violations []string `json:"violations,omitempty"`
	Error      string   `json:"error,omitempty"`
}

type RunSummary struct {
	RunID      string        `json:"run_id"`
	Target     string        `json:"target"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Repos      []RepoOutcome `json:"repos"`
}

// WriteRunSummary writes scan_summary.md and scan_summary.json into dir.
func WriteRunSummary(dir string, s RunSummary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	jsonPath := filepath.Join(dir, "scan_summary.json")
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", jsonPath, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Scan summary: %s\n\n", s.Target)
	fmt.Fprintf(&b, "Run `%s`, %s to %s.\n\n", s.RunID,
		s.StartedAt.Format(time.RFC3339), s.FinishedAt.Format(time.RFC3339))

	counts := map[string]int{}
	failedGates := 0
	for _, r := range s.Repos {
		counts[r.State]++
		if r.GatePassed != nil && !*r.GatePassed {
			failedGates++
		}
	}
	fmt.Fprintf(&b, "%d repositories: %d done, %d stopped, %d failed; %d failed the policy gate.\n\n",
		len(s.Repos), counts["done"], counts["stopped"], counts["failed"], failedGates)

	b.WriteString("| Repository | State | Tools | Gate |\n|---|---|---|---|\n")
	for _, r := range s.Repos {
		gate := "-"
		if r.GatePassed != nil {
			if *r.GatePassed {
				gate = "passed"
			} else {
				gate = fmt.Sprintf("failed (%d violation(s))", len(r.Violations))
			}
		}
		fmt.Fprintf(&b, "| %s | %s | %d | %s |\n", r.Repo, r.State, r.ToolsRun, gate)
	}

	mdPath := filepath.Join(dir, "scan_summary.md")
	if err := os.WriteFile(mdPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", mdPath, err)
	}
	return nil
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
