package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/BaSui01/agentorch/internal/runstore"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printMigrateUsage(stderr)
		return 1
	}

	subcommand := args[0]
	switch subcommand {
	case "up", "down", "version":
	case "help", "-h", "--help":
		printMigrateUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage(stderr)
		return 1
	}

	fs := flag.NewFlagSet("migrate "+subcommand, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	m, err := runstore.NewMigrator(cfg.Database, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to create migrator: %v\n", err)
		return 1
	}
	defer func() { _ = m.Close() }()

	switch subcommand {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	}
	if err != nil {
		fmt.Fprintf(stderr, "Migration %s failed: %v\n", subcommand, err)
		return 1
	}

	version, dirty, err := m.Version()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to read migration version: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "version %d", version)
	if dirty {
		fmt.Fprint(stdout, " (dirty)")
	}
	fmt.Fprintln(stdout)
	return 0
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Database Migration Commands

Usage:
  agentorch migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Roll back the last migration
  version   Show current migration version
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)

Migrations are embedded in the binary and support postgres and mysql.
SQLite databases are created by the server on startup.`)
}
