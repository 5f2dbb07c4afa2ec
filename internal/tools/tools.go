package tools

import (
	"context"
	"errors"
)

var (
	// ErrToolMissing marks a scanner binary that is not installed. The tool is
	// skipped and the job continues.
	ErrToolMissing = errors.New("tool not installed")
	// ErrToolTimeout marks a subprocess that exceeded its per-tool timeout and
	// was killed. Only that tool fails; the job continues.
	ErrToolTimeout = errors.New("tool timed out")
)

// SyntheticExitCode is recorded when no subprocess exit code exists
// (missing binary, timeout before exit, skip).
const SyntheticExitCode = -1

// Result is the terminal record of one tool invocation for one repository.
// Created once, never mutated; read by aggregation and policy evaluation.
type Result struct {
	Tool        string
	ExitCode    int
	OutputPath  string // structured JSON artifact, "" when none was produced
	SummaryPath string // human-readable markdown artifact
	Stderr      string
	Skipped     bool // prerequisite not present, tool intentionally not attempted
	Err         error
}

// Runner is the capability each external scanner is invoked through. New
// tools are added by implementing Runner, not by branching on tool names
// elsewhere.
type Runner interface {
	Name() string
	// Applicable reports whether the checkout contains what the tool needs
	// (e.g. Terraform files for an IaC scanner). Inapplicable tools are
	// recorded as skipped, not attempted.
	Applicable(repoDir string) bool
	Run(ctx context.Context, repoDir, reportDir, repoName string) Result
}
