package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/flanksource/commons/logger"
)

const defaultToolTimeout = 10 * time.Minute

// invocation describes one subprocess run: the binary, its arguments, the
// working directory, and which exit codes count as a completed scan (many
// scanners exit 1 when findings exist).
type invocation struct {
	binary  string
	args    []string
	dir     string
	timeout time.Duration
	okExits []int
}

// execute runs the invocation, writes captured stdout to outputPath (when
// non-empty), and returns a Result. A missing binary, a timeout, and an
// unexpected exit code all produce a Result rather than aborting the caller.
func execute(ctx context.Context, tool string, inv invocation, outputPath, summaryPath string) Result {
	res := Result{Tool: tool, ExitCode: SyntheticExitCode, SummaryPath: summaryPath}

	bin, err := exec.LookPath(inv.binary)
	if err != nil {
		res.Err = fmt.Errorf("%s: %w", inv.binary, ErrToolMissing)
		writeSummary(summaryPath, tool, fmt.Sprintf("%s is not installed; scan skipped.\n", inv.binary))
		return res
	}

	timeout := inv.timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, bin, inv.args...)
	cmd.Dir = inv.dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debugf("running %s: %s %s", tool, inv.binary, strings.Join(inv.args, " "))
	runErr := cmd.Run()
	res.Stderr = stderr.String()

	if outputPath != "" && stdout.Len() > 0 {
		if err := os.WriteFile(outputPath, stdout.Bytes(), 0o644); err != nil {
			logger.Warnf("cannot write %s output: %v", tool, err)
		} else {
			res.OutputPath = outputPath
		}
	}

	if runCtx.Err() == context.DeadlineExceeded {
		res.Err = fmt.Errorf("%s after %s: %w", tool, timeout, ErrToolTimeout)
		writeSummary(summaryPath, tool, fmt.Sprintf("Scan killed after exceeding the %s timeout.\n", timeout))
		return res
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.Err = fmt.Errorf("running %s: %w", tool, runErr)
			writeSummary(summaryPath, tool, fmt.Sprintf("Error running %s: %v\n", tool, runErr))
			return res
		}
	} else {
		res.ExitCode = 0
	}

	if !exitOK(res.ExitCode, inv.okExits) {
		res.Err = fmt.Errorf("%s exited %d: %s", tool, res.ExitCode, firstLine(res.Stderr))
	}
	return res
}

func exitOK(code int, okExits []int) bool {
	if len(okExits) == 0 {
		return code == 0
	}
	for _, ok := range okExits {
		if code == ok {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

func writeSummary(path, tool, body string) {
	if path == "" {
		return
	}
	content := fmt.Sprintf("# %s\n\n%s", tool, body)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		logger.Debugf("cannot write %s summary: %v", tool, err)
	}
}

// artifactPaths returns the {repoName}_{tool}.json / .md convention shared by
// every runner and by policy evaluation.
func artifactPaths(reportDir, repoName, tool string) (jsonPath, mdPath string) {
	base := filepath.Join(reportDir, repoName+"_"+tool)
	return base + ".json", base + ".md"
}

// hasRootFile reports whether any of the named files exists at the checkout
// root. Ecosystem manifests are honored there only, not in subdirectories.
func hasRootFile(dir string, names ...string) bool {
	for _, name := range names {
		if fi, err := os.Stat(filepath.Join(dir, name)); err == nil && !fi.IsDir() {
			return true
		}
	}
	return false
}

// hasFileWithExt walks the checkout looking for any file with one of the
// given extensions. Vendored trees are not special-cased.
func hasFileWithExt(dir string, exts ...string) bool {
	found := errors.New("found")
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		for _, ext := range exts {
			if strings.HasSuffix(d.Name(), ext) {
				return found
			}
		}
		return nil
	})
	return errors.Is(err, found)
}
