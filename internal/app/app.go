// Package app wires configuration, the GitHub client, the control surface,
// and the orchestrator into one audit run.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/flanksource/commons/logger"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/auditgh/auditgh/internal/config"
	"github.com/auditgh/auditgh/internal/control"
	"github.com/auditgh/auditgh/internal/findings"
	"github.com/auditgh/auditgh/internal/gh"
	"github.com/auditgh/auditgh/internal/intel"
	"github.com/auditgh/auditgh/internal/policy"
	"github.com/auditgh/auditgh/internal/report"
	"github.com/auditgh/auditgh/internal/scan"
	"github.com/auditgh/auditgh/internal/tools"
	"github.com/auditgh/auditgh/internal/ui"
)

// Run executes one full audit run. The returned error is a configuration or
// target-resolution failure; per-repo failures and operator stops end up in
// the run summary, not here.
func Run(cfg *config.Run) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := ui.WaitForCancel(context.Background())
	defer cancel()

	client := gh.NewClient(cfg.APIBase, cfg.Token)
	repos, err := resolveRepos(ctx, client, cfg)
	if err != nil {
		return err
	}
	if len(repos) == 0 {
		logger.Warnf("no repositories to scan for %s", target(cfg))
		return nil
	}
	logger.Infof("scanning %d repositories for %s", len(repos), target(cfg))

	registry := tools.Registry(tools.Options{
		DockerImage:  cfg.DockerImage,
		SyftFormat:   cfg.SyftFormat,
		VEXFiles:     cfg.VEXFiles,
		TaintRuleset: cfg.SemgrepTaint,
	})

	if cfg.DryRun {
		printPlan(repos, registry)
		return nil
	}

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.ReportDir, 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}

	runID := uuid.NewString()
	ctrl, err := control.New(cfg.ControlDir, runID)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if ctrl.StopRequested() || ctrl.Paused() {
		ok, err := ui.Confirm("Stale control flags found from a previous run. Remove them and continue?")
		if err != nil || !ok {
			return fmt.Errorf("control flags present in %s, remove them to proceed", cfg.ControlDir)
		}
		ctrl.ClearStale()
	}

	fmt.Println(ui.ColorGray + ctrl.Instructions() + ui.ColorReset)
	var hk *control.HotkeyListener
	if cfg.Hotkeys {
		if hk = control.StartHotkeys(ctrl); hk != nil {
			fmt.Println(ui.ColorGray + "hotkeys: 'p' pause/resume, 's' or 'q' stop" + ui.ColorReset)
		}
	}
	defer hk.Stop()

	// Checkouts live under one tempdir for the whole run; without it no job
	// can do anything useful.
	cloneRoot, err := os.MkdirTemp("", "repo_scan_")
	if err != nil {
		return fmt.Errorf("creating checkout root: %w", err)
	}
	defer os.RemoveAll(cloneRoot)

	orch := &scan.Orchestrator{
		Workers:   cfg.MaxWorkers,
		CloneRoot: cloneRoot,
		ReportDir: cfg.ReportDir,
		Runners:   registry,
		Checkout:  scan.GitCheckout{Token: cfg.Token},
		Control:   ctrl,
		Policy:    pol,
		Intel:     intel.NewLoader(".cache").Load(ctx),
		TopN:      findings.DefaultTopN,
	}

	started := time.Now()
	jobs := orch.Run(ctx, repos)

	summary := report.RunSummary{
		RunID:      runID,
		Target:     target(cfg),
		StartedAt:  started,
		FinishedAt: time.Now(),
		Repos:      scan.Outcomes(jobs),
	}
	if err := report.WriteRunSummary(cfg.ReportDir, summary); err != nil {
		logger.Errorf("cannot write run summary: %v", err)
	}

	last := ""
	if len(jobs) > 0 {
		last = jobs[len(jobs)-1].Repo.FullName
	}
	if scan.Stopped(jobs) {
		ctrl.WriteState(control.StatusStopped, last)
	} else {
		ctrl.WriteState(control.StatusDone, last)
	}

	printOutcome(jobs, cfg.ReportDir)
	return nil
}

func target(cfg *config.Run) string {
	if cfg.Repo != "" {
		return cfg.Repo
	}
	return cfg.Org
}

func resolveRepos(ctx context.Context, client *gh.Client, cfg *config.Run) ([]gh.Repository, error) {
	if cfg.Repo != "" {
		repo, err := client.GetRepository(ctx, cfg.Repo, cfg.Org)
		if err != nil {
			return nil, err
		}
		return []gh.Repository{*repo}, nil
	}

	repos, err := client.ListRepositories(ctx, cfg.Org, gh.ListOptions{
		IncludeForks:    cfg.IncludeForks,
		IncludeArchived: cfg.IncludeArchived,
	})
	if err != nil {
		return nil, err
	}

	matchers := cfg.ExcludeMatchers()
	return lo.Filter(repos, func(r gh.Repository, _ int) bool {
		if config.Excluded(matchers, r.FullName) {
			logger.Infof("excluding %s", r.FullName)
			return false
		}
		return true
	}), nil
}

// printPlan lists the intended work without executing anything.
func printPlan(repos []gh.Repository, runners []tools.Runner) {
	names := lo.Map(runners, func(r tools.Runner, _ int) string { return r.Name() })
	fmt.Printf("%sDry run: %d repositories, tool sequence: %v%s\n",
		ui.ColorYellow, len(repos), names, ui.ColorReset)
	for _, r := range repos {
		fmt.Printf("  %s\n", r.FullName)
	}
}

func printOutcome(jobs []*scan.Job, reportDir string) {
	done, stopped, failed, gateFailed := 0, 0, 0, 0
	for _, j := range jobs {
		switch j.State {
		case scan.StateDone:
			done++
		case scan.StateStopped:
			stopped++
		case scan.StateFailed:
			failed++
		}
		if j.Gate != nil && !j.Gate.Passed {
			gateFailed++
		}
	}

	color := ui.ColorGreen
	if failed > 0 || gateFailed > 0 {
		color = ui.ColorRed
	} else if stopped > 0 {
		color = ui.ColorYellow
	}
	fmt.Printf("%s%d done, %d stopped, %d failed, %d failed the policy gate%s\n",
		color, done, stopped, failed, gateFailed, ui.ColorReset)
	fmt.Printf("%sReports written to %s%s\n", ui.ColorGray, reportDir, ui.ColorReset)
}
