package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns everything it wrote.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"JWT_SECRET", "DATABASE_URL", "PORT", "LOG_LEVEL", "LOG_FORMAT", "BCRYPT_COST", "HASH_WORKERS"} {
		t.Setenv(name, "")
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := NewRootCmd()

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["migrate"])

	for _, flag := range []string{"config", "port", "dsn", "log-level", "bcrypt-cost", "public-account-list"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), "flag --%s", flag)
	}
}

func TestMigrate_UpThenStatusThenDown(t *testing.T) {
	clearEnv(t)
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "repotrack.db")

	out, err := execute(t, "migrate", "status", "--dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "create_accounts")
	assert.Contains(t, out, "pending")

	out, err = execute(t, "migrate", "up", "--dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "(1 applied)")

	out, err = execute(t, "migrate", "--dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "(0 applied)")

	out, err = execute(t, "migrate", "status", "--dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "applied")
	assert.NotContains(t, out, "pending")

	_, err = execute(t, "migrate", "down", "--dsn", dsn)
	require.NoError(t, err)

	out, err = execute(t, "migrate", "status", "--dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "pending")
}

func TestServe_RequiresJWTSecret(t *testing.T) {
	clearEnv(t)
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "repotrack.db")

	_, err := execute(t, "serve", "--dsn", dsn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.jwtSecret")
}

func TestRoot_WithoutSubcommandServes(t *testing.T) {
	clearEnv(t)
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "repotrack.db")

	// Reaching config validation shows the serve action ran instead of help.
	_, err := execute(t, "--dsn", dsn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.jwtSecret")
}
