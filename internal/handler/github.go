package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/repotrack/internal/github"
	"github.com/sakif/repotrack/internal/logging"
)

// GitHubClient is the read-only GitHub API surface the handler uses.
type GitHubClient interface {
	ListRepositories(ctx context.Context, username string) ([]github.Repository, error)
	ListCommits(ctx context.Context, owner, repo string) ([]github.Commit, error)
	RepositoriesWithCommits(ctx context.Context, username string) ([]github.RepositoryWithCommits, error)
}

// GitHubHandler proxies a user's public repositories and commits.
type GitHubHandler struct {
	client GitHubClient
	logger *slog.Logger
}

// NewGitHubHandler creates a GitHubHandler.
func NewGitHubHandler(client GitHubClient, logger *slog.Logger) *GitHubHandler {
	return &GitHubHandler{client: client, logger: logger}
}

// HandleRepositories lists a user's repositories, most recently pushed first.
//
// HTTP: GET /github/user/{username}/repos
func (h *GitHubHandler) HandleRepositories(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	repos, err := h.client.ListRepositories(r.Context(), username)
	if err != nil {
		h.fail(w, "listing repositories", err, slog.String("username", username))
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

// HandleCommits lists the commits of one repository.
//
// HTTP: GET /github/user/{username}/repos/{repo}/commits
func (h *GitHubHandler) HandleCommits(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	repo := chi.URLParam(r, "repo")
	commits, err := h.client.ListCommits(r.Context(), username, repo)
	if err != nil {
		h.fail(w, "listing commits", err, slog.String("username", username), slog.String("repo", repo))
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

// HandleInfo returns every repository of a user together with its commits.
//
// HTTP: GET /github/user/{username}/info
func (h *GitHubHandler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	info, err := h.client.RepositoriesWithCommits(r.Context(), username)
	if err != nil {
		h.fail(w, "aggregating repository info", err, slog.String("username", username))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// fail logs everything except a plain 404 and writes the mapped response.
func (h *GitHubHandler) fail(w http.ResponseWriter, op string, err error, attrs ...any) {
	if !errors.Is(err, github.ErrNotFound) {
		logging.LogError(h.logger, op+" failed", err, attrs...)
	}
	writeError(w, err)
}
