package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

var (
	ErrMissingToken  = errors.New("GitHub token is required (set GITHUB_TOKEN or pass --token)")
	ErrMissingTarget = errors.New("a target is required (set GITHUB_ORG, pass --org, or pass --repo owner/name)")
)

// Run holds the effective configuration for one scan run. Defaults come from
// the environment; command-line flags override them.
type Run struct {
	Org             string
	Repo            string // single-repo override ("name" or "owner/name"); empty scans the whole org
	Token           string
	APIBase         string
	ReportDir       string
	ControlDir      string
	IncludeForks    bool
	IncludeArchived bool
	Exclude         []string // repo name glob patterns
	MaxWorkers      int
	DryRun          bool
	DockerImage     string
	SyftFormat      string
	VEXFiles        []string
	SemgrepTaint    string
	PolicyPath      string
	Hotkeys         bool
}

func FromEnv() Run {
	return Run{
		Org:        os.Getenv("GITHUB_ORG"),
		Token:      os.Getenv("GITHUB_TOKEN"),
		APIBase:    envOr("GITHUB_API", "https://api.github.com"),
		ReportDir:  envOr("REPORT_DIR", "vulnerability_reports"),
		ControlDir: envOr("AUDITGH_CONTROL_DIR", ".auditgh_control"),
		SyftFormat: envOr("SYFT_FORMAT", "cyclonedx-json"),
		MaxWorkers: 4,
		Hotkeys:    true,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate reports configuration errors that must stop the process before any
// job starts.
func (r *Run) Validate() error {
	if r.Token == "" {
		return ErrMissingToken
	}
	if r.Org == "" && !strings.Contains(r.Repo, "/") {
		return ErrMissingTarget
	}
	if r.MaxWorkers < 1 {
		r.MaxWorkers = 1
	}
	r.APIBase = strings.TrimRight(r.APIBase, "/")
	if abs, err := filepath.Abs(r.ReportDir); err == nil {
		r.ReportDir = abs
	}
	for _, p := range r.Exclude {
		if _, err := glob.Compile(p); err != nil {
			return fmt.Errorf("invalid --exclude pattern %q: %w", p, err)
		}
	}
	for _, v := range r.VEXFiles {
		if _, err := os.Stat(v); err != nil {
			return fmt.Errorf("VEX document not readable: %w", err)
		}
	}
	if r.SemgrepTaint != "" && !strings.HasPrefix(r.SemgrepTaint, "p/") {
		if _, err := os.Stat(r.SemgrepTaint); err != nil {
			return fmt.Errorf("semgrep taint ruleset not readable: %w", err)
		}
	}
	return nil
}

// ExcludeMatchers compiles the --exclude patterns. Validate has already
// rejected malformed ones.
func (r *Run) ExcludeMatchers() []glob.Glob {
	out := make([]glob.Glob, 0, len(r.Exclude))
	for _, p := range r.Exclude {
		if g, err := glob.Compile(p); err == nil {
			out = append(out, g)
		}
	}
	return out
}

// Excluded reports whether a repository full name (or bare name) matches any
// exclude pattern.
func Excluded(matchers []glob.Glob, fullName string) bool {
	name := fullName
	if i := strings.LastIndex(fullName, "/"); i >= 0 {
		name = fullName[i+1:]
	}
	for _, g := range matchers {
		if g.Match(fullName) || g.Match(name) {
			return true
		}
	}
	return false
}
