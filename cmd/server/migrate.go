package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/sakif/repotrack/internal/config"
	"github.com/sakif/repotrack/internal/repository/sqlstore"
)

// NewMigrateCmd creates the migrate command and its up/down/status
// subcommands. Plain "migrate" is "migrate up".
func NewMigrateCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long:  `Apply, roll back or inspect the embedded schema migrations.`,
		RunE:  migrateUp(configFile),
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE:  migrateUp(configFile),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := connect(cmd, *configFile)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.MigrateDown(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("Rolled back one migration")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := connect(cmd, *configFile)
			if err != nil {
				return err
			}
			defer store.Close()

			statuses, err := store.MigrationStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printMigrationStatus(cmd, statuses)
		},
	})

	return cmd
}

func migrateUp(configFile *string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		store, err := connect(cmd, *configFile)
		if err != nil {
			return err
		}
		defer store.Close()

		cmd.Println("Running migrations...")
		applied, err := store.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("Migrations completed successfully (%d applied)\n", applied)
		return nil
	}
}

// connect reads the configuration without validating the parts migrate
// does not use and opens the store without migrating it.
func connect(cmd *cobra.Command, configFile string) (*sqlstore.Store, error) {
	cfg, err := config.Read(configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := sqlstore.Connect(ctx, cfg.Store.DSN)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
	}
	return store, nil
}

func printMigrationStatus(cmd *cobra.Command, statuses []sqlstore.MigrationStatus) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE\tAPPLIED AT")
	for _, st := range statuses {
		state, at := "pending", "-"
		if st.Applied {
			state = "applied"
			at = st.AppliedAt.UTC().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", st.Version, st.Name, state, at)
	}
	return w.Flush()
}
