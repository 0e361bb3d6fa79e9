// Package main is the repotrack entry point: a cobra CLI whose default
// subcommand, serve, runs the HTTP API.
//
// cmd/ holds executables; everything they run lives under internal/.
package main

import (
	"fmt"
	"os"
)

// Version information set at build time with -ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	cmd := NewRootCmd()
	cmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
