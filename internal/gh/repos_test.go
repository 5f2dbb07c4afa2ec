package gh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func repoJSON(t *testing.T, repos []Repository) []byte {
	t.Helper()
	data, err := json.Marshal(repos)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestListRepositoriesFiltersForksAndArchived(t *testing.T) {
	page := []Repository{
		{Name: "api", FullName: "acme/api"},
		{Name: "fork", FullName: "acme/fork", Fork: true},
		{Name: "old", FullName: "acme/old", Archived: true},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orgs/acme/repos" {
			http.NotFound(w, r)
			return
		}
		w.Write(repoJSON(t, page))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	repos, err := c.ListRepositories(context.Background(), "acme", ListOptions{})
	if err != nil {
		t.Fatalf("ListRepositories: %v", err)
	}
	if len(repos) != 1 || repos[0].FullName != "acme/api" {
		t.Fatalf("repos = %+v, want only acme/api", repos)
	}

	repos, err = c.ListRepositories(context.Background(), "acme", ListOptions{IncludeForks: true, IncludeArchived: true})
	if err != nil {
		t.Fatalf("ListRepositories: %v", err)
	}
	if len(repos) != 3 {
		t.Fatalf("len = %d, want 3", len(repos))
	}
}

func TestListRepositoriesPaginates(t *testing.T) {
	full := make([]Repository, reposPerPage+2)
	for i := range full {
		full[i] = Repository{Name: fmt.Sprintf("r%03d", i), FullName: fmt.Sprintf("acme/r%03d", i)}
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		lo := (page - 1) * reposPerPage
		hi := lo + reposPerPage
		if lo > len(full) {
			lo = len(full)
		}
		if hi > len(full) {
			hi = len(full)
		}
		w.Write(repoJSON(t, full[lo:hi]))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	repos, err := c.ListRepositories(context.Background(), "acme", ListOptions{})
	if err != nil {
		t.Fatalf("ListRepositories: %v", err)
	}
	if len(repos) != len(full) {
		t.Fatalf("len = %d, want %d", len(repos), len(full))
	}
}

func TestListRepositoriesUserFallback(t *testing.T) {
	var orgHits, userHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/orgs/jane/repos":
			orgHits++
			http.NotFound(w, r)
		case "/users/jane/repos":
			userHits++
			w.Write(repoJSON(t, []Repository{{Name: "blog", FullName: "jane/blog"}}))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	repos, err := c.ListRepositories(context.Background(), "jane", ListOptions{})
	if err != nil {
		t.Fatalf("ListRepositories: %v", err)
	}
	if orgHits != 1 || userHits != 1 {
		t.Fatalf("orgHits=%d userHits=%d, want 1/1", orgHits, userHits)
	}
	if len(repos) != 1 || repos[0].FullName != "jane/blog" {
		t.Fatalf("repos = %+v, want jane/blog", repos)
	}
}

func TestListRepositoriesNotFoundAfterFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.ListRepositories(context.Background(), "ghost", ListOptions{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetRepository(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/api" {
			http.NotFound(w, r)
			return
		}
		data, err := json.Marshal(Repository{Name: "api", FullName: "acme/api"})
		if err != nil {
			t.Error(err)
		}
		w.Write(data)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	// Bare name resolves against the default owner.
	repo, err := c.GetRepository(context.Background(), "api", "acme")
	if err != nil {
		t.Fatalf("GetRepository: %v", err)
	}
	if repo.FullName != "acme/api" {
		t.Fatalf("FullName = %q", repo.FullName)
	}

	if _, err := c.GetRepository(context.Background(), "acme/nope", ""); !IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}
