// Package github is a read-only client for the GitHub REST API: a user's
// public repositories and their commits.
//
// Requests are authenticated with a static personal access token through
// golang.org/x/oauth2 when one is configured; without a token the client
// still works within GitHub's anonymous rate limit.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/samber/oops"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBaseURL is the public GitHub REST endpoint.
	DefaultBaseURL = "https://api.github.com"

	apiVersion = "2022-11-28"
	perPage    = 100
)

var (
	// ErrNotFound is returned when GitHub answers 404 for a user or repo.
	ErrNotFound = errors.New("github: not found")

	// ErrUpstream covers every other non-2xx answer and transport failure.
	ErrUpstream = errors.New("github: upstream error")
)

// Config configures a Client.
type Config struct {
	BaseURL        string
	Token          string
	Timeout        time.Duration
	MaxConcurrency int
}

// Repository is the subset of GitHub's repository object the app shows.
// Field names follow GitHub's JSON so responses pass through unchanged.
type Repository struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	FullName        string    `json:"full_name"`
	Description     *string   `json:"description"`
	HTMLURL         string    `json:"html_url"`
	Language        *string   `json:"language"`
	Private         bool      `json:"private"`
	Fork            bool      `json:"fork"`
	StargazersCount int       `json:"stargazers_count"`
	ForksCount      int       `json:"forks_count"`
	DefaultBranch   string    `json:"default_branch"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	PushedAt        time.Time `json:"pushed_at"`
}

// Commit is the subset of GitHub's commit object the app shows.
type Commit struct {
	SHA     string        `json:"sha"`
	HTMLURL string        `json:"html_url"`
	Commit  CommitDetails `json:"commit"`
	Author  *Account      `json:"author"`
}

type CommitDetails struct {
	Message   string        `json:"message"`
	Author    CommitPerson  `json:"author"`
	Committer *CommitPerson `json:"committer,omitempty"`
}

type CommitPerson struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Date  time.Time `json:"date"`
}

// Account is a GitHub user reference attached to a commit.
type Account struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

// RepositoryWithCommits is one entry of the aggregated info view.
type RepositoryWithCommits struct {
	Repository
	Commits     []Commit `json:"commits"`
	CommitCount int      `json:"commitCount"`
}

// Client talks to the GitHub REST API.
type Client struct {
	http           *http.Client
	baseURL        string
	maxConcurrency int
	logger         *slog.Logger
}

// New builds a Client. An empty cfg.Token yields an anonymous client.
func New(cfg Config, logger *slog.Logger) *Client {
	httpClient := &http.Client{}
	if cfg.Token != "" {
		// oauth2.NewClient adds "Authorization: Bearer <token>" to every
		// request made through the returned client.
		httpClient = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.Token,
			TokenType:   "Bearer",
		}))
	}
	if cfg.Timeout > 0 {
		httpClient.Timeout = cfg.Timeout
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}

	return &Client{
		http:           httpClient,
		baseURL:        baseURL,
		maxConcurrency: maxConcurrency,
		logger:         logger,
	}
}

// ListRepositories returns username's public repositories, most recently
// pushed first.
func (c *Client) ListRepositories(ctx context.Context, username string) ([]Repository, error) {
	path := fmt.Sprintf("/users/%s/repos", url.PathEscape(username))

	var repos []Repository
	if err := c.get(ctx, path, url.Values{"per_page": {fmt.Sprint(perPage)}, "sort": {"pushed"}}, &repos); err != nil {
		return nil, err
	}

	slices.SortStableFunc(repos, func(a, b Repository) int {
		return b.PushedAt.Compare(a.PushedAt)
	})
	return repos, nil
}

// ListCommits returns the most recent commits of owner/repo. An empty
// repository yields an empty list, not an error.
func (c *Client) ListCommits(ctx context.Context, owner, repo string) ([]Commit, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits", url.PathEscape(owner), url.PathEscape(repo))

	commits := []Commit{}
	err := c.get(ctx, path, url.Values{"per_page": {fmt.Sprint(perPage)}}, &commits)
	if errors.Is(err, errEmptyRepository) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, err
	}
	return commits, nil
}

// RepositoriesWithCommits lists username's repositories and fetches the
// commits of each, at most MaxConcurrency at a time. Any failure aborts the
// whole call.
func (c *Client) RepositoriesWithCommits(ctx context.Context, username string) ([]RepositoryWithCommits, error) {
	repos, err := c.ListRepositories(ctx, username)
	if err != nil {
		return nil, err
	}

	out := make([]RepositoryWithCommits, len(repos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrency)

	for i, repo := range repos {
		g.Go(func() error {
			commits, err := c.ListCommits(gctx, username, repo.Name)
			if err != nil {
				return err
			}
			out[i] = RepositoryWithCommits{
				Repository:  repo,
				Commits:     commits,
				CommitCount: len(commits),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// errEmptyRepository marks GitHub's 409 answer for a repo with no commits.
var errEmptyRepository = errors.New("github: repository is empty")

func (c *Client) get(ctx context.Context, path string, query url.Values, dst any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return oops.In("github").Code("GITHUB_REQUEST_INVALID").With("path", path).Wrap(err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", "repotrack")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return oops.In("github").Code("GITHUB_UNREACHABLE").With("path", path).Wrap(errors.Join(ErrUpstream, err))
	}
	defer resp.Body.Close()

	c.logger.Debug("github request",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return oops.In("github").Code("GITHUB_NOT_FOUND").With("path", path).Wrap(ErrNotFound)
	case resp.StatusCode == http.StatusConflict:
		return errEmptyRepository
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return oops.In("github").
			Code("GITHUB_BAD_STATUS").
			With("path", path).
			With("status", resp.StatusCode).
			With("body", string(body)).
			Wrap(ErrUpstream)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return oops.In("github").Code("GITHUB_DECODE_FAILED").With("path", path).Wrap(errors.Join(ErrUpstream, err))
	}
	return nil
}
