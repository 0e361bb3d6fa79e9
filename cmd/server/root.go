package main

import (
	"github.com/spf13/cobra"

	"github.com/sakif/repotrack/internal/config"
)

// NewRootCmd creates the root command. Without a subcommand it serves.
// Settings flags are persistent so serve and migrate read the same
// configuration.
func NewRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "repotrack",
		Short: "repotrack - account and GitHub activity API for the mobile app",
		Long: `repotrack serves the mobile app's account API (register, login,
profile, password) and a read-only proxy to a user's GitHub repositories.

Configuration comes from, in increasing priority: built-in defaults, the
YAML file given with --config, environment variables (JWT_SECRET, PORT,
DATABASE_URL, GITHUB_TOKEN, ... or REPOTRACK_<SECTION>_<KEY>) and flags.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE:         serveE(&configFile),
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (YAML)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewServeCmd(&configFile))
	cmd.AddCommand(NewMigrateCmd(&configFile))

	return cmd
}
