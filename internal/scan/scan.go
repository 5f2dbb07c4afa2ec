// Package scan runs one job per repository through a bounded worker pool,
// checkpointing against the control surface before the checkout and before
// every tool invocation.
package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flanksource/commons/logger"

	"github.com/auditgh/auditgh/internal/control"
	"github.com/auditgh/auditgh/internal/findings"
	"github.com/auditgh/auditgh/internal/gh"
	"github.com/auditgh/auditgh/internal/policy"
	"github.com/auditgh/auditgh/internal/report"
	"github.com/auditgh/auditgh/internal/tools"
)

type JobState string

const (
	StateQueued  JobState = "queued"
	StateRunning JobState = "running"
	StateDone    JobState = "done"
	StateStopped JobState = "stopped"
	StateFailed  JobState = "failed"
)

// Job is one repository's scan. Owned exclusively by the worker that runs it;
// callers read it only after Run returns.
type Job struct {
	Repo         gh.Repository
	State        JobState
	CheckoutPath string
	Results      []tools.Result

	// StoppedBefore names the phase a stop request preempted ("checkout" or a
	// tool name). Empty unless State is StateStopped.
	StoppedBefore string

	Top  []findings.Finding
	Gate *policy.GateResult // nil unless the job reached policy evaluation
	Err  error

	StartedAt  time.Time
	FinishedAt time.Time
}

// Orchestrator fans repositories out to at most Workers concurrent jobs.
type Orchestrator struct {
	Workers   int
	CloneRoot string
	ReportDir string
	Runners   []tools.Runner
	Checkout  Checkout
	Control   *control.Controller
	Policy    *policy.Policy
	Intel     findings.Intel
	TopN      int
}

// Run executes one job per repository and returns the jobs in input order.
// A stop request drains in-flight tools but starts nothing new; it is not an
// error at this level.
func (o *Orchestrator) Run(ctx context.Context, repos []gh.Repository) []*Job {
	workers := o.Workers
	if workers < 1 {
		workers = 1
	}

	jobs := make([]*Job, len(repos))
	for i, r := range repos {
		jobs[i] = &Job{Repo: r, State: StateQueued}
	}

	queue := make(chan *Job)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				o.runJob(ctx, job)
			}
		}()
	}

	for _, job := range jobs {
		select {
		case queue <- job:
		case <-ctx.Done():
			job.State = StateStopped
			job.StoppedBefore = "checkout"
		}
	}
	close(queue)
	wg.Wait()
	return jobs
}

func (o *Orchestrator) runJob(ctx context.Context, job *Job) {
	job.State = StateRunning
	job.StartedAt = time.Now()
	defer func() { job.FinishedAt = time.Now() }()

	name := SanitizeRepoName(job.Repo.FullName)
	full := job.Repo.FullName

	if stopped := o.checkpoint(ctx, job, "checkout"); stopped {
		return
	}

	dest := filepath.Join(o.CloneRoot, name)
	job.CheckoutPath = dest
	defer o.Checkout.Cleanup(dest)

	if err := o.Checkout.Fetch(ctx, job.Repo, dest); err != nil {
		o.fail(job, fmt.Errorf("checkout: %w", err))
		return
	}

	repoReportDir := filepath.Join(o.ReportDir, name)
	if err := os.MkdirAll(repoReportDir, 0o755); err != nil {
		o.fail(job, fmt.Errorf("creating report dir: %w", err))
		return
	}

	for _, runner := range o.Runners {
		if stopped := o.checkpoint(ctx, job, runner.Name()); stopped {
			o.writeSummary(job, repoReportDir, name)
			return
		}
		if !runner.Applicable(dest) {
			job.Results = append(job.Results, tools.Result{
				Tool:     runner.Name(),
				ExitCode: tools.SyntheticExitCode,
				Skipped:  true,
			})
			continue
		}
		logger.Infof("[%s] running %s", full, runner.Name())
		res := runner.Run(ctx, dest, repoReportDir, name)
		if res.Err != nil {
			logger.Warnf("[%s] %s: %v", full, res.Tool, res.Err)
		}
		job.Results = append(job.Results, res)
	}

	all := findings.FromArtifacts(repoReportDir, name)
	job.Top = findings.Aggregate(all, o.Intel, o.TopN)

	gate := policy.Evaluate(o.Policy, repoReportDir, name, o.Intel)
	job.Gate = &gate
	if !gate.Passed {
		logger.Warnf("[%s] policy gate failed: %d violation(s)", full, len(gate.Violations))
	}

	if err := o.writeSummary(job, repoReportDir, name); err != nil {
		o.fail(job, err)
		return
	}
	job.State = StateDone
}

// checkpoint consults the control surface and, on stop or cancellation, moves
// the job to its stopped terminal state.
func (o *Orchestrator) checkpoint(ctx context.Context, job *Job, phase string) bool {
	err := o.Control.Checkpoint(ctx, job.Repo.FullName)
	if err == nil {
		return false
	}
	job.State = StateStopped
	job.StoppedBefore = phase
	if !errors.Is(err, control.ErrStopRequested) {
		job.Err = err
	}
	return true
}

func (o *Orchestrator) fail(job *Job, err error) {
	job.State = StateFailed
	job.Err = err
	logger.Errorf("[%s] job failed: %v", job.Repo.FullName, err)
}

func (o *Orchestrator) writeSummary(job *Job, dir, name string) error {
	return report.WriteRepoSummary(dir, report.RepoSummary{
		Repo:          name,
		Results:       job.Results,
		Top:           job.Top,
		Gate:          job.Gate,
		Stopped:       job.State == StateStopped,
		StoppedBefore: job.StoppedBefore,
		Err:           job.Err,
	})
}

// Outcomes converts finished jobs into the run-level summary rows.
func Outcomes(jobs []*Job) []report.RepoOutcome {
	out := make([]report.RepoOutcome, 0, len(jobs))
	for _, j := range jobs {
		o := report.RepoOutcome{
			Repo:     j.Repo.FullName,
			State:    string(j.State),
			ToolsRun: len(j.Results),
		}
		if j.Gate != nil {
			passed := j.Gate.Passed
			o.GatePassed = &passed
			o.Violations = j.Gate.Violations
		}
		if j.Err != nil {
			o.Error = report.SanitizeText(j.Err.Error())
		}
		out = append(out, o)
	}
	return out
}

// Stopped reports whether any job ended in the stopped state.
func Stopped(jobs []*Job) bool {
	for _, j := range jobs {
		if j.State == StateStopped {
			return true
		}
	}
	return false
}
