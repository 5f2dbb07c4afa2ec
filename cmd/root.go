/*
Copyright (c) 2026 the auditgh authors
*/

package cmd

import (
	"fmt"
	"os"

	"github.com/flanksource/commons/logger"
	"github.com/spf13/cobra"

	"github.com/auditgh/auditgh/internal/app"
	"github.com/auditgh/auditgh/internal/config"
	"github.com/auditgh/auditgh/internal/ui"
	appver "github.com/auditgh/auditgh/internal/version"
)

var (
	cfg       = config.FromEnv()
	noHotkeys bool
)

var rootCmd = &cobra.Command{
	Use:   "auditgh",
	Short: "auditgh scans every repository of a GitHub org or user with a fixed sequence of security tools and gates the results against a policy.",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg.Hotkeys = !noHotkeys
		if err := app.Run(&cfg); err != nil {
			fmt.Printf("%sAudit failed: %v%s\n", ui.ColorRed, err, ui.ColorReset)
			os.Exit(1)
		}
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
func init() {
	rootCmd.Version = appver.Value
	logger.BindFlags(rootCmd.PersistentFlags())

	f := rootCmd.Flags()
	f.StringVar(&cfg.Org, "org", cfg.Org, "GitHub organization or user to scan (default: $GITHUB_ORG)")
	f.StringVar(&cfg.Repo, "repo", cfg.Repo, "Scan a single repository ('name' or 'owner/name') instead of the whole org")
	f.StringVar(&cfg.Token, "token", cfg.Token, "GitHub token (default: $GITHUB_TOKEN)")
	f.StringVar(&cfg.APIBase, "api-base", cfg.APIBase, "GitHub API base URL")
	f.StringVar(&cfg.ReportDir, "report-dir", cfg.ReportDir, "Directory for per-repo and run-level reports")
	f.StringVar(&cfg.ControlDir, "control-dir", cfg.ControlDir, "Directory for pause/stop flag files and scan state")
	f.BoolVar(&cfg.IncludeForks, "include-forks", false, "Include forked repositories")
	f.BoolVar(&cfg.IncludeArchived, "include-archived", false, "Include archived repositories")
	f.StringArrayVar(&cfg.Exclude, "exclude", nil, "Repository name glob to skip (repeatable)")
	f.IntVar(&cfg.MaxWorkers, "max-workers", cfg.MaxWorkers, "Concurrent repository scans")
	f.BoolVar(&cfg.DryRun, "dry-run", false, "List the intended work without running any tool")
	f.StringVar(&cfg.DockerImage, "docker-image", "", "Also scan this container image with Syft and Grype")
	f.StringVar(&cfg.SyftFormat, "syft-format", cfg.SyftFormat, "SBOM output format for Syft")
	f.StringArrayVar(&cfg.VEXFiles, "vex", nil, "VEX document passed to Grype (repeatable)")
	f.StringVar(&cfg.SemgrepTaint, "semgrep-taint", "", "Extra Semgrep taint ruleset ('p/...' or a local path)")
	f.StringVar(&cfg.PolicyPath, "policy", "", "Policy document with per-tool gates")
	f.BoolVar(&noHotkeys, "no-hotkeys", false, "Disable the interactive hotkeys ('p' pause/resume, 's'/'q' stop)")

	rootCmd.Long = ui.AsciiArt + `
auditgh clones every repository of a GitHub organization or user and runs a
fixed sequence of security tools against each checkout: gitleaks, semgrep,
syft, grype, checkov, bandit and trivy. Aggregated findings are ranked by
exploitability (KEV, then EPSS, then severity) and checked against an
optional policy gate.

Example:
  auditgh --org acme
  auditgh --org acme --exclude 'archived-*' --max-workers 8
  auditgh --repo acme/api --policy policy.yaml

A running scan is driven through flag files in the control directory
(pause.flag, stop.flag) or, on a terminal, with the 'p' and 's' hotkeys.
Stop finishes in-flight tools and halts at the next checkpoint.

This tool is intended for auditing repositories you own or have explicit
permission to assess.
`
}
