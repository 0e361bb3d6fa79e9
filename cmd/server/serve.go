package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/sakif/repotrack/internal/config"
	"github.com/sakif/repotrack/internal/logging"
	"github.com/sakif/repotrack/internal/repository/sqlstore"
	"github.com/sakif/repotrack/internal/server"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Open the store (migrating it to the latest schema), start the password
hashing pool and serve the API until SIGINT or SIGTERM.`,
		RunE: serveE(configFile),
	}
}

// serveE is the serve action. The root command runs it too when no
// subcommand is given.
func serveE(configFile *string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(*configFile, cmd.Flags())
		if err != nil {
			return err
		}

		logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return runServe(ctx, *cfg, logger)
	}
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := sqlstore.Open(ctx, cfg.Store.DSN, logger)
	if err != nil {
		logging.LogError(logger, "opening store", err)
		return oops.In("serve").Code("DB_CONNECT_FAILED").Wrap(err)
	}
	defer store.Close()

	srv, err := server.New(cfg, store, logger)
	if err != nil {
		return oops.In("serve").Wrapf(err, "creating server")
	}

	if err := srv.Run(ctx); err != nil {
		logging.LogError(logger, "server error", err)
		return err
	}
	return nil
}
