package scan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditgh/auditgh/internal/control"
	"github.com/auditgh/auditgh/internal/findings"
	"github.com/auditgh/auditgh/internal/gh"
	"github.com/auditgh/auditgh/internal/tools"
)

type fakeCheckout struct {
	err     error
	mu      sync.Mutex
	cleaned []string
}

func (f *fakeCheckout) Fetch(_ context.Context, _ gh.Repository, dest string) error {
	if f.err != nil {
		return f.err
	}
	return os.MkdirAll(dest, 0o755)
}

func (f *fakeCheckout) Cleanup(dest string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, dest)
}

type fakeRunner struct {
	name       string
	applicable bool
	onRun      func() // e.g. request a stop mid-job
}

func (f fakeRunner) Name() string           { return f.name }
func (f fakeRunner) Applicable(string) bool { return f.applicable }
func (f fakeRunner) Run(_ context.Context, _, _, repoName string) tools.Result {
	if f.onRun != nil {
		f.onRun()
	}
	return tools.Result{Tool: f.name, ExitCode: 0}
}

func testOrchestrator(t *testing.T, co Checkout, runners []tools.Runner) (*Orchestrator, *control.Controller) {
	t.Helper()
	ctrl, err := control.New(t.TempDir(), "test-run")
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)

	return &Orchestrator{
		Workers:   2,
		CloneRoot: t.TempDir(),
		ReportDir: t.TempDir(),
		Runners:   runners,
		Checkout:  co,
		Control:   ctrl,
		TopN:      findings.DefaultTopN,
	}, ctrl
}

func repos(names ...string) []gh.Repository {
	out := make([]gh.Repository, len(names))
	for i, n := range names {
		out[i] = gh.Repository{Name: n, FullName: "acme/" + n}
	}
	return out
}

func TestRunAllDone(t *testing.T) {
	co := &fakeCheckout{}
	orch, _ := testOrchestrator(t, co, []tools.Runner{
		fakeRunner{name: "alpha", applicable: true},
		fakeRunner{name: "beta", applicable: true},
	})

	jobs := orch.Run(context.Background(), repos("api", "web"))
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, StateDone, j.State)
		assert.Len(t, j.Results, 2)
		require.NotNil(t, j.Gate)
		assert.True(t, j.Gate.Passed)
		assert.False(t, j.FinishedAt.Before(j.StartedAt))

		summary := filepath.Join(orch.ReportDir, SanitizeRepoName(j.Repo.FullName), SanitizeRepoName(j.Repo.FullName)+"_summary.md")
		_, err := os.Stat(summary)
		assert.NoError(t, err, "per-repo summary should exist")
	}
	assert.Len(t, co.cleaned, 2, "every job cleans its checkout")
}

func TestStopBeforeFirstCheckpoint(t *testing.T) {
	co := &fakeCheckout{}
	orch, ctrl := testOrchestrator(t, co, []tools.Runner{fakeRunner{name: "alpha", applicable: true}})
	require.NoError(t, ctrl.RequestStop())

	jobs := orch.Run(context.Background(), repos("api"))
	require.Len(t, jobs, 1)
	assert.Equal(t, StateStopped, jobs[0].State)
	assert.Equal(t, "checkout", jobs[0].StoppedBefore)
	assert.Empty(t, jobs[0].Results, "a job stopped before its first checkpoint ran zero tools")
}

func TestStopBetweenTools(t *testing.T) {
	co := &fakeCheckout{}
	var ctrl *control.Controller
	orch, c := testOrchestrator(t, co, []tools.Runner{
		fakeRunner{name: "alpha", applicable: true, onRun: func() {
			require.NoError(t, ctrl.RequestStop())
		}},
		fakeRunner{name: "beta", applicable: true},
	})
	ctrl = c
	orch.Workers = 1

	jobs := orch.Run(context.Background(), repos("api"))
	require.Len(t, jobs, 1)
	j := jobs[0]
	assert.Equal(t, StateStopped, j.State)
	require.Len(t, j.Results, 1, "stop between tool N and N+1 leaves exactly N results")
	assert.Equal(t, "alpha", j.Results[0].Tool)
	assert.Equal(t, "beta", j.StoppedBefore)
	assert.Nil(t, j.Gate, "stopped jobs are not gated")
}

func TestCheckoutFailure(t *testing.T) {
	cloneErr := errors.New("remote hung up")
	co := &fakeCheckout{err: cloneErr}
	orch, _ := testOrchestrator(t, co, []tools.Runner{fakeRunner{name: "alpha", applicable: true}})

	jobs := orch.Run(context.Background(), repos("api"))
	require.Len(t, jobs, 1)
	assert.Equal(t, StateFailed, jobs[0].State)
	assert.ErrorIs(t, jobs[0].Err, cloneErr)
	assert.Empty(t, jobs[0].Results)
	assert.Len(t, co.cleaned, 1, "cleanup still runs on failure")
}

func TestInapplicableToolIsSkipped(t *testing.T) {
	co := &fakeCheckout{}
	orch, _ := testOrchestrator(t, co, []tools.Runner{
		fakeRunner{name: "alpha", applicable: false},
		fakeRunner{name: "beta", applicable: true},
	})

	jobs := orch.Run(context.Background(), repos("api"))
	require.Len(t, jobs, 1)
	j := jobs[0]
	assert.Equal(t, StateDone, j.State)
	require.Len(t, j.Results, 2, "skipped tools still record a result")
	assert.True(t, j.Results[0].Skipped)
	assert.Equal(t, tools.SyntheticExitCode, j.Results[0].ExitCode)
	assert.False(t, j.Results[1].Skipped)
}

func TestRunBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0

	co := &fakeCheckout{}
	orch, _ := testOrchestrator(t, co, []tools.Runner{
		fakeRunner{name: "alpha", applicable: true, onRun: func() {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}},
	})

	jobs := orch.Run(context.Background(), repos("a", "b", "c", "d", "e"))
	require.Len(t, jobs, 5)
	for _, j := range jobs {
		assert.Equal(t, StateDone, j.State)
	}
	assert.LessOrEqual(t, peak, orch.Workers, "the pool never runs more jobs than workers")
}

func TestRunHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	co := &fakeCheckout{}
	orch, _ := testOrchestrator(t, co, []tools.Runner{fakeRunner{name: "alpha", applicable: true}})

	done := make(chan []*Job, 1)
	go func() { done <- orch.Run(ctx, repos("api", "web", "cli")) }()

	select {
	case jobs := <-done:
		for _, j := range jobs {
			assert.Contains(t, []JobState{StateStopped, StateDone}, j.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestSanitizeRepoName(t *testing.T) {
	assert.Equal(t, "api", SanitizeRepoName("acme/api"))
	assert.Equal(t, "my_repo_1.2", SanitizeRepoName("my repo 1.2"))
	assert.Equal(t, "repo", SanitizeRepoName(".."))
	assert.Equal(t, "repo", SanitizeRepoName(""))
}
