// Package server is the composition root: it builds every dependency from
// the Config, mounts the routes and runs the HTTP server until its context
// is canceled.
//
// DEPENDENCY FLOW:
//
//	config.Config ─┬→ auth.TokenService ─────────────┐
//	               ├→ auth.PasswordService → HashPool ┼→ AccountService → AccountHandler
//	Store ─────────┼──────────────────────────────────┘
//	               ├→ github.Client ─────────────────────→ GitHubHandler
//	               └→ metrics.Metrics (middleware, /metrics, pool, auth events)
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/samber/oops"

	"github.com/sakif/repotrack/internal/auth"
	"github.com/sakif/repotrack/internal/config"
	"github.com/sakif/repotrack/internal/github"
	"github.com/sakif/repotrack/internal/handler"
	"github.com/sakif/repotrack/internal/metrics"
	"github.com/sakif/repotrack/internal/middleware"
	"github.com/sakif/repotrack/internal/repository"
	"github.com/sakif/repotrack/internal/service"
)

// Store is what the server needs from persistence: the account repository
// plus a health probe. *sqlstore.Store implements it.
type Store interface {
	repository.AccountRepository
	Ping(ctx context.Context) error
}

// Option customizes New. Tests use them to swap out collaborators.
type Option func(*options)

type options struct {
	github handler.GitHubClient
}

// WithGitHubClient replaces the client built from cfg.GitHub.
func WithGitHubClient(c handler.GitHubClient) Option {
	return func(o *options) { o.github = c }
}

// Server owns the router and the hash pool. The store belongs to the caller,
// which opened it and closes it after Run returns.
type Server struct {
	router  *chi.Mux
	config  config.Config
	logger  *slog.Logger
	pool    *auth.HashPool
	metrics *metrics.Metrics
}

// New wires every layer and starts the hash pool. Call Close (or Run, which
// closes on return) to stop it.
func New(cfg config.Config, store Store, logger *slog.Logger, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret)
	if err != nil {
		return nil, oops.In("server").Wrapf(err, "creating token service")
	}

	passwords, err := auth.NewPasswordService(cfg.Auth.BcryptCost)
	if err != nil {
		return nil, oops.In("server").Wrapf(err, "creating password service")
	}

	m := metrics.New()

	pool := auth.NewHashPool(passwords, auth.PoolConfig{
		Workers: cfg.Auth.HashWorkers,
		Observe: m.ObserveHash,
	}, logger)
	pool.Start()

	if o.github == nil {
		o.github = github.New(github.Config{
			BaseURL:        cfg.GitHub.BaseURL,
			Token:          cfg.GitHub.Token,
			Timeout:        cfg.GitHub.Timeout,
			MaxConcurrency: cfg.GitHub.MaxConcurrency,
		}, logger)
	}

	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		pool:    pool,
		metrics: m,
	}

	accounts := service.NewAccountService(store, pool, tokens, logger, service.WithEventRecorder(m))
	s.setupRoutes(
		handler.NewAccountHandler(accounts, logger),
		handler.NewGitHubHandler(o.github, logger),
		handler.NewHealthHandler(store, logger),
		auth.RequireAuth(tokens, s.onReject),
	)

	return s, nil
}

// setupRoutes mounts every route.
//
//	GET  /healthz                                       health probe
//	GET  /metrics                                       Prometheus (metrics.enabled)
//	POST /api/users/register                            public
//	POST /api/users/login                               public
//	GET  /api/users/all-users                           bearer unless auth.publicAccountList
//	GET  /api/users/current-user                        bearer
//	PUT  /api/users/update-profile                      bearer
//	PUT  /api/users/update-password                     bearer
//	GET  /api/users/protected, /api/protected           bearer
//	GET  /github/user/{username}/repos                  bearer
//	GET  /github/user/{username}/repos/{repo}/commits   bearer
//	GET  /github/user/{username}/info                   bearer
//
// Middleware order: request id first so every log line has one, metrics
// and logging outside Recoverer so a recovered panic is still counted as
// a 500. CORS answers preflight requests before routing (http.corsOrigins).
func (s *Server) setupRoutes(
	accounts *handler.AccountHandler,
	gh *handler.GitHubHandler,
	health *handler.HealthHandler,
	requireAuth func(http.Handler) http.Handler,
) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	if s.config.Metrics.Enabled {
		s.router.Use(middleware.Metrics(s.metrics))
	}
	s.router.Use(chimiddleware.Recoverer)
	if len(s.config.HTTP.CORSOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.HTTP.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	s.router.Get("/healthz", health.HandleHealth)
	if s.config.Metrics.Enabled {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/users/register", accounts.HandleRegister)
		r.Post("/users/login", accounts.HandleLogin)

		if s.config.Auth.PublicAccountList {
			r.Get("/users/all-users", accounts.HandleListAccounts)
		}

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			if !s.config.Auth.PublicAccountList {
				r.Get("/users/all-users", accounts.HandleListAccounts)
			}
			r.Get("/users/current-user", accounts.HandleCurrentUser)
			r.Put("/users/update-profile", accounts.HandleUpdateProfile)
			r.Put("/users/update-password", accounts.HandleUpdatePassword)
			r.Get("/users/protected", accounts.HandleProtected)
			r.Get("/protected", accounts.HandleProtected)
		})
	})

	s.router.Route("/github/user/{username}", func(r chi.Router) {
		r.Use(requireAuth)
		r.Get("/repos", gh.HandleRepositories)
		r.Get("/repos/{repo}/commits", gh.HandleCommits)
		r.Get("/info", gh.HandleInfo)
	})
}

func (s *Server) onReject(r *http.Request, err error) {
	outcome := "invalid"
	if errors.Is(err, auth.ErrNoToken) {
		outcome = "missing"
	} else if errors.Is(err, auth.ErrTokenExpired) {
		outcome = "expired"
	}
	s.metrics.AuthEvent("token", outcome)
	s.logger.Debug("request rejected",
		slog.String("path", r.URL.Path),
		slog.String("reason", outcome),
		slog.String("requestID", chimiddleware.GetReqID(r.Context())),
	)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops the hash pool. Safe to call more than once.
func (s *Server) Close() {
	s.pool.Stop()
}

// Run serves on cfg.HTTP.Port until ctx is canceled, then shuts down
// gracefully: stop accepting, let in-flight requests finish within
// http.shutdownTimeout, stop the hash pool.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.Close()
		return oops.In("server").With("addr", addr).Wrapf(err, "listening")
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.Close()

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.HTTP.ReadTimeout,
		WriteTimeout: s.config.HTTP.WriteTimeout,
		IdleTimeout:  s.config.HTTP.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.String("addr", ln.Addr().String()),
			slog.Bool("metrics", s.config.Metrics.Enabled),
			slog.Bool("publicAccountList", s.config.Auth.PublicAccountList),
		)
		serverErrors <- srv.Serve(ln)
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return oops.In("server").Wrapf(err, "serving")
		}
		return nil

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.HTTP.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return oops.In("server").Wrapf(err, "graceful shutdown")
		}
		s.logger.Info("server stopped gracefully", slog.Duration("timeout", s.config.HTTP.ShutdownTimeout))
	}

	return nil
}
