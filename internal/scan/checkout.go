package scan

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/flanksource/commons/logger"

	"github.com/auditgh/auditgh/internal/gh"
)

const checkoutTimeout = 5 * time.Minute

// Checkout obtains a working tree for a repository and disposes of it after
// the job's tool phase. Implementations must be safe for concurrent use
// across distinct destination paths.
type Checkout interface {
	Fetch(ctx context.Context, repo gh.Repository, dest string) error
	Cleanup(dest string)
}

// GitCheckout shallow-clones over HTTPS with the token injected into the
// remote URL. The token never reaches logs or reports; see report.SanitizeText
// for the error path.
type GitCheckout struct {
	Token string
}

func (g GitCheckout) Fetch(ctx context.Context, repo gh.Repository, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, checkoutTimeout)
	defer cancel()

	if _, err := os.Stat(dest); err == nil {
		// Leftover tree from an earlier attempt: refresh instead of recloning.
		if err := runGit(ctx, dest, "fetch", "--depth", "1", "origin"); err == nil {
			if err := runGit(ctx, dest, "reset", "--hard", "FETCH_HEAD"); err == nil {
				return nil
			}
		}
		logger.Debugf("stale checkout at %s unusable, recloning", dest)
		os.RemoveAll(dest)
	}

	url := authURL(repo.CloneURL, g.Token)
	if err := runGit(ctx, "", "clone", "--depth", "1", "--quiet", url, dest); err != nil {
		return fmt.Errorf("cloning %s: %w", repo.FullName, err)
	}
	return nil
}

func (g GitCheckout) Cleanup(dest string) {
	if err := os.RemoveAll(dest); err != nil {
		logger.Warnf("cannot remove checkout %s: %v", dest, err)
	}
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("git %s: %w", args[0], err)
		}
		return fmt.Errorf("git %s: %w: %s", args[0], err, msg)
	}
	return nil
}

func authURL(cloneURL, token string) string {
	if token == "" {
		return cloneURL
	}
	return strings.Replace(cloneURL, "https://", "https://x-access-token:"+token+"@", 1)
}

var unsafeRepoChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeRepoName maps a repository name to a filesystem-safe directory and
// artifact prefix.
func SanitizeRepoName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	out := unsafeRepoChars.ReplaceAllString(name, "_")
	if out == "" || out == "." || out == ".." {
		return "repo"
	}
	return out
}
