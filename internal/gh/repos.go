package gh

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/flanksource/commons/logger"
	"github.com/samber/lo"
)

const reposPerPage = 100

// Repository is the descriptor consumed by the orchestrator. Immutable once
// fetched.
type Repository struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	CloneURL      string `json:"clone_url"`
	HTMLURL       string `json:"html_url"`
	DefaultBranch string `json:"default_branch"`
	Fork          bool   `json:"fork"`
	Archived      bool   `json:"archived"`
}

type ListOptions struct {
	IncludeForks    bool
	IncludeArchived bool
}

// ListRepositories pages through all repositories of an owner. The org
// endpoint is tried first; a 404 on the first page falls back once to the
// user endpoint and restarts pagination. A 404 after the fallback surfaces
// ErrNotFound. Forked and archived repositories are filtered per page unless
// explicitly included.
func (c *Client) ListRepositories(ctx context.Context, owner string, opts ListOptions) ([]Repository, error) {
	var repos []Repository
	page := 1
	userFallback := false

	for {
		base := "orgs"
		if userFallback {
			base = "users"
		}
		params := url.Values{
			"type":     {"all"},
			"sort":     {"full_name"},
			"per_page": {strconv.Itoa(reposPerPage)},
			"page":     {strconv.Itoa(page)},
		}

		resp, err := c.Get(ctx, fmt.Sprintf("/%s/%s/repos", base, owner), params)
		if err != nil {
			if IsNotFound(err) && !userFallback && page == 1 {
				logger.Infof("organization %q not found or inaccessible, retrying as a user account", owner)
				userFallback = true
				page = 1
				repos = repos[:0]
				continue
			}
			return nil, fmt.Errorf("listing repositories for %s: %w", owner, err)
		}

		var pageRepos []Repository
		if err := json.Unmarshal(resp.Body, &pageRepos); err != nil {
			return nil, fmt.Errorf("decoding repository page %d for %s: %w", page, owner, err)
		}
		if len(pageRepos) == 0 {
			break
		}

		repos = append(repos, lo.Filter(pageRepos, func(r Repository, _ int) bool {
			if r.Fork && !opts.IncludeForks {
				return false
			}
			if r.Archived && !opts.IncludeArchived {
				return false
			}
			return true
		})...)

		if len(pageRepos) < reposPerPage {
			break
		}
		page++
	}

	return repos, nil
}

// GetRepository resolves a single repository given "owner/name" or a bare
// name (owner defaults to defaultOwner).
func (c *Client) GetRepository(ctx context.Context, identifier, defaultOwner string) (*Repository, error) {
	owner, name := defaultOwner, identifier
	if i := strings.Index(identifier, "/"); i >= 0 {
		owner, name = identifier[:i], identifier[i+1:]
	}

	resp, err := c.Get(ctx, fmt.Sprintf("/repos/%s/%s", owner, name), nil)
	if err != nil {
		return nil, fmt.Errorf("fetching repository %s/%s: %w", owner, name, err)
	}

	var repo Repository
	if err := json.Unmarshal(resp.Body, &repo); err != nil {
		return nil, fmt.Errorf("decoding repository %s/%s: %w", owner, name, err)
	}
	return &repo, nil
}
