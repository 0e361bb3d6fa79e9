package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/repotrack/internal/config"
	"github.com/sakif/repotrack/internal/github"
	"github.com/sakif/repotrack/internal/repository/sqlstore"
	"github.com/sakif/repotrack/internal/server"
)

// =========================================================================
// HELPERS
// =========================================================================

type stubGitHub struct{}

func (stubGitHub) ListRepositories(_ context.Context, username string) ([]github.Repository, error) {
	if username == "ghost" {
		return nil, fmt.Errorf("user %s: %w", username, github.ErrNotFound)
	}
	return []github.Repository{{ID: 1, Name: "hello-world"}}, nil
}

func (stubGitHub) ListCommits(context.Context, string, string) ([]github.Commit, error) {
	return []github.Commit{{SHA: "abc123"}}, nil
}

func (stubGitHub) RepositoriesWithCommits(context.Context, string) ([]github.RepositoryWithCommits, error) {
	return nil, fmt.Errorf("rate limited: %w", github.ErrUpstream)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "server-test-secret-0123456789"
	cfg.Auth.BcryptCost = 4
	cfg.Auth.HashWorkers = 2
	cfg.HTTP.ShutdownTimeout = 2 * time.Second
	return cfg
}

type testServer struct {
	t       *testing.T
	handler http.Handler
}

func newTestServer(t *testing.T, cfg config.Config) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := sqlstore.Open(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv, err := server.New(cfg, store, logger, server.WithGitHubClient(stubGitHub{}))
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	return &testServer{t: t, handler: srv.Handler()}
}

func (ts *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(ts.t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), "body: %s", rr.Body.String())
	return v
}

var ana = map[string]any{
	"firstName":   "Ana",
	"lastName":    "Diaz",
	"email":       "ana@ucn.cl",
	"password":    "secret1",
	"dateOfBirth": "1999-01-01",
}

func (ts *testServer) registerAna() string {
	ts.t.Helper()
	rr := ts.do(http.MethodPost, "/api/users/register", "", ana)
	require.Equal(ts.t, http.StatusCreated, rr.Code, rr.Body.String())
	token := decode[map[string]string](ts.t, rr)["token"]
	require.NotEmpty(ts.t, token)
	return token
}

// =========================================================================
// ACCOUNT FLOW
// =========================================================================

func TestServer_RegisterThenCurrentUser(t *testing.T) {
	ts := newTestServer(t, testConfig())
	token := ts.registerAna()

	rr := ts.do(http.MethodGet, "/api/users/current-user", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, map[string]any{
		"firstName":   "Ana",
		"lastName":    "Diaz",
		"email":       "ana@ucn.cl",
		"dateOfBirth": "1999-01-01",
	}, decode[map[string]any](t, rr))
}

func TestServer_DuplicateRegistration(t *testing.T) {
	ts := newTestServer(t, testConfig())
	ts.registerAna()

	rr := ts.do(http.MethodPost, "/api/users/register", "", ana)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "validation_error", decode[map[string]string](t, rr)["error"])
}

func TestServer_Login(t *testing.T) {
	ts := newTestServer(t, testConfig())
	ts.registerAna()

	rr := ts.do(http.MethodPost, "/api/users/login", "", map[string]string{"email": "ana@ucn.cl", "password": "secret1"})
	require.Equal(t, http.StatusOK, rr.Code)
	token := decode[map[string]string](t, rr)["token"]

	rr = ts.do(http.MethodGet, "/api/protected", token, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(http.MethodPost, "/api/users/login", "", map[string]string{"email": "ana@ucn.cl", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(http.MethodPost, "/api/users/login", "", map[string]string{"email": "who@ucn.cl", "password": "secret1"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_LoginRejectsPasswordBeyondStoredLength(t *testing.T) {
	ts := newTestServer(t, testConfig())
	password := strings.Repeat("a", 72)

	account := maps.Clone(ana)
	account["password"] = password
	rr := ts.do(http.MethodPost, "/api/users/register", "", account)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = ts.do(http.MethodPost, "/api/users/login", "", map[string]string{"email": "ana@ucn.cl", "password": password + "not-my-password"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(http.MethodPost, "/api/users/login", "", map[string]string{"email": "ana@ucn.cl", "password": password})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestServer_UpdateProfileChangesOnlyEmail(t *testing.T) {
	ts := newTestServer(t, testConfig())
	token := ts.registerAna()

	rr := ts.do(http.MethodPut, "/api/users/update-profile", token, map[string]string{"email": "ana.diaz@ucn.cl"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = ts.do(http.MethodGet, "/api/users/current-user", token, nil)
	profile := decode[map[string]any](t, rr)
	assert.Equal(t, "ana.diaz@ucn.cl", profile["email"])
	assert.Equal(t, "Ana", profile["firstName"])
	assert.Equal(t, "Diaz", profile["lastName"])
	assert.Equal(t, "1999-01-01", profile["dateOfBirth"])
}

func TestServer_UpdatePassword(t *testing.T) {
	ts := newTestServer(t, testConfig())
	token := ts.registerAna()

	rr := ts.do(http.MethodPut, "/api/users/update-password", token, map[string]string{"password": "secret2"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = ts.do(http.MethodPost, "/api/users/login", "", map[string]string{"email": "ana@ucn.cl", "password": "secret1"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.do(http.MethodPost, "/api/users/login", "", map[string]string{"email": "ana@ucn.cl", "password": "secret2"})
	assert.Equal(t, http.StatusOK, rr.Code)
}

// =========================================================================
// AUTH GUARD
// =========================================================================

func TestServer_ProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, testConfig())

	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/users/current-user"},
		{http.MethodPut, "/api/users/update-profile"},
		{http.MethodPut, "/api/users/update-password"},
		{http.MethodGet, "/api/users/all-users"},
		{http.MethodGet, "/api/users/protected"},
		{http.MethodGet, "/api/protected"},
		{http.MethodGet, "/github/user/octocat/repos"},
		{http.MethodGet, "/github/user/octocat/repos/hello-world/commits"},
		{http.MethodGet, "/github/user/octocat/info"},
	}

	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			rr := ts.do(rt.method, rt.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, "no token provided", decode[map[string]string](t, rr)["message"])

			rr = ts.do(rt.method, rt.path, "not.a.jwt", nil)
			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, "invalid token", decode[map[string]string](t, rr)["message"])
		})
	}
}

func TestServer_BareTokenRejected(t *testing.T) {
	ts := newTestServer(t, testConfig())
	token := ts.registerAna()

	req := httptest.NewRequest(http.MethodGet, "/api/protected", nil)
	req.Header.Set("Authorization", token)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestServer_AccountListVisibility(t *testing.T) {
	t.Run("bearer by default", func(t *testing.T) {
		ts := newTestServer(t, testConfig())
		token := ts.registerAna()

		assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/api/users/all-users", "", nil).Code)

		rr := ts.do(http.MethodGet, "/api/users/all-users", token, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.NotContains(t, rr.Body.String(), "password")
		list := decode[[]map[string]any](t, rr)
		require.Len(t, list, 1)
		assert.Equal(t, "ana@ucn.cl", list[0]["email"])
	})

	t.Run("public when configured", func(t *testing.T) {
		cfg := testConfig()
		cfg.Auth.PublicAccountList = true
		ts := newTestServer(t, cfg)

		rr := ts.do(http.MethodGet, "/api/users/all-users", "", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "[]\n", rr.Body.String())
	})
}

// =========================================================================
// GITHUB PROXY, HEALTH, METRICS
// =========================================================================

func TestServer_GitHubRoutes(t *testing.T) {
	ts := newTestServer(t, testConfig())
	token := ts.registerAna()

	rr := ts.do(http.MethodGet, "/github/user/octocat/repos", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hello-world", decode[[]map[string]any](t, rr)[0]["name"])

	rr = ts.do(http.MethodGet, "/github/user/octocat/repos/hello-world/commits", token, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/github/user/ghost/repos", token, nil).Code)
	assert.Equal(t, http.StatusBadGateway, ts.do(http.MethodGet, "/github/user/octocat/info", token, nil).Code)
}

func TestServer_Healthz(t *testing.T) {
	ts := newTestServer(t, testConfig())

	rr := ts.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rr)["status"])
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t, testConfig())
	ts.registerAna()
	ts.do(http.MethodGet, "/api/protected", "", nil)

	rr := ts.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	body := rr.Body.String()
	assert.Contains(t, body, `repotrack_auth_events_total{event="register",outcome="success"} 1`)
	assert.Contains(t, body, `repotrack_auth_events_total{event="token",outcome="missing"} 1`)
	assert.Contains(t, body, `route="/api/users/register"`)
	assert.Contains(t, body, "repotrack_password_hash_duration_seconds")
}

func TestServer_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	ts := newTestServer(t, cfg)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/metrics", "", nil).Code)
}

func TestServer_CORSPreflight(t *testing.T) {
	ts := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodOptions, "/api/users/login", nil)
	req.Header.Set("Origin", "http://localhost:8081")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestServer_CORSRestrictedOrigins(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.CORSOrigins = []string{"https://app.example.com"}
	ts := newTestServer(t, cfg)

	get := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("Origin", origin)
		rr := httptest.NewRecorder()
		ts.handler.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, "https://app.example.com", get("https://app.example.com").Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, get("https://evil.example.com").Header().Get("Access-Control-Allow-Origin"))
}

// =========================================================================
// LIFECYCLE
// =========================================================================

func TestServer_ServeStopsOnCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := sqlstore.Open(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	defer store.Close()

	srv, err := server.New(testConfig(), store, logger, server.WithGitHubClient(stubGitHub{}))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
