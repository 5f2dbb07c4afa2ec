package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flanksource/commons/logger"
	"github.com/fsnotify/fsnotify"
)

const (
	PauseFlag = "pause.flag"
	StopFlag  = "stop.flag"
	StateFile = "scan_state.json"

	defaultPollInterval = 2 * time.Second
)

// ErrStopRequested is a controlled early termination, not a failure.
var ErrStopRequested = errors.New("stop requested")

type Status string

const (
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusDone    Status = "done"
)

// State is what gets persisted to scan_state.json at every checkpoint.
type State struct {
	RunID    string `json:"run_id"`
	Status   Status `json:"status"`
	LastRepo string `json:"last_repo"`
}

// Controller is the process-wide pause/resume/stop channel. Flag files in the
// control directory are the source of truth; the fsnotify watcher only wakes
// paused jobs early. Safe for concurrent use by all workers.
type Controller struct {
	dir          string
	runID        string
	pollInterval time.Duration

	mu      sync.Mutex // serializes state-file writes
	notify  chan struct{}
	watcher *fsnotify.Watcher
	closed  chan struct{}
}

func New(dir, runID string) (*Controller, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating control directory %s: %w", dir, err)
	}
	c := &Controller{
		dir:          dir,
		runID:        runID,
		pollInterval: defaultPollInterval,
		notify:       make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
	c.startWatcher()
	return c, nil
}

// startWatcher is best-effort: without it the pause loop still observes flag
// changes on its poll interval.
func (c *Controller) startWatcher() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debugf("control watcher unavailable, falling back to polling: %v", err)
		return
	}
	if err := w.Add(c.dir); err != nil {
		logger.Debugf("cannot watch control directory: %v", err)
		w.Close()
		return
	}
	c.watcher = w
	go func() {
		for {
			select {
			case <-c.closed:
				return
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				select {
				case c.notify <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

func (c *Controller) path(name string) string {
	return filepath.Join(c.dir, name)
}

func (c *Controller) flagSet(name string) bool {
	_, err := os.Stat(c.path(name))
	return err == nil
}

// StopRequested reports whether stop.flag exists.
func (c *Controller) StopRequested() bool { return c.flagSet(StopFlag) }

// Paused reports whether pause.flag exists.
func (c *Controller) Paused() bool { return c.flagSet(PauseFlag) }

// RequestStop creates stop.flag. Stop latches: it is honored at every
// subsequent checkpoint until the flag is removed out of band.
func (c *Controller) RequestStop() error {
	return os.WriteFile(c.path(StopFlag), nil, 0o644)
}

// TogglePause flips pause.flag and returns the new paused state.
func (c *Controller) TogglePause() (bool, error) {
	if c.Paused() {
		return false, os.Remove(c.path(PauseFlag))
	}
	return true, os.WriteFile(c.path(PauseFlag), nil, 0o644)
}

// ClearStale removes leftover flags from a previous run.
func (c *Controller) ClearStale() {
	for _, f := range []string{PauseFlag, StopFlag} {
		if err := os.Remove(c.path(f)); err != nil && !os.IsNotExist(err) {
			logger.Warnf("cannot remove stale %s: %v", f, err)
		}
	}
}

// Checkpoint consults the control surface on behalf of one job. It returns
// ErrStopRequested if stop has been requested, blocks (poll-sleep, no worker
// CPU) while paused re-checking stop on every wake, and otherwise records the
// running state and returns nil. Context cancellation unblocks it.
func (c *Controller) Checkpoint(ctx context.Context, repo string) error {
	if c.StopRequested() {
		c.WriteState(StatusStopped, repo)
		logger.Warnf("stop requested via %s, halting %s at checkpoint", StopFlag, repo)
		return ErrStopRequested
	}

	paused := false
	for c.Paused() {
		if !paused {
			paused = true
			c.WriteState(StatusPaused, repo)
			logger.Infof("paused by %s, remove the flag file (or press 'p') to resume", PauseFlag)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.notify:
		case <-time.After(c.pollInterval):
		}
		if c.StopRequested() {
			c.WriteState(StatusStopped, repo)
			logger.Warnf("stop requested during pause, halting %s", repo)
			return ErrStopRequested
		}
	}

	c.WriteState(StatusRunning, repo)
	return nil
}

// WriteState persists scan_state.json. Failures are logged, never fatal.
func (c *Controller) WriteState(status Status, lastRepo string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.MarshalIndent(State{RunID: c.runID, Status: status, LastRepo: lastRepo}, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(c.path(StateFile), data, 0o644); err != nil {
		logger.Debugf("cannot write %s: %v", StateFile, err)
	}
}

// ReadState loads the last persisted state, for tests and for resuming
// tooling that inspects the control directory.
func (c *Controller) ReadState() (State, error) {
	var st State
	data, err := os.ReadFile(c.path(StateFile))
	if err != nil {
		return st, err
	}
	err = json.Unmarshal(data, &st)
	return st, err
}

// Instructions returns the shell one-liners users need to drive the run.
func (c *Controller) Instructions() string {
	return fmt.Sprintf("pause:  touch %s\nresume: rm %s\nstop:   touch %s",
		c.path(PauseFlag), c.path(PauseFlag), c.path(StopFlag))
}

func (c *Controller) Close() {
	select {
	case <-c.closed:
		return
	default:
	}
	close(c.closed)
	if c.watcher != nil {
		c.watcher.Close()
	}
}
