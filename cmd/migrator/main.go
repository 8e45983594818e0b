// Package main provides the database migration CLI for auditpipe's
// audit store: up/down/status/version/drop against the SQLite DDL files
// read from the MIGRATIONS_PATH directory (default ./migrations).
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
)

const (
	version = "1.0.0-dev"
	name    = "migrator"
)

func main() {
	var (
		showHelp    = flag.Bool("help", false, "show help information")
		showVersion = flag.Bool("version", false, "show version information")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *showHelp || len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	command := os.Args[1]

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	runner, err := NewMigrationRunner(cfg)
	if err != nil {
		log.Fatalf("failed to create migration runner: %v", err)
	}
	defer runner.Close()

	if err := executeCommand(command, runner); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
}

func executeCommand(command string, runner MigrationRunner) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		fmt.Print("WARNING: this will drop all tables. Are you sure? (y/N): ")

		var response string

		fmt.Scanln(&response)

		if response == "y" || response == "Y" {
			return runner.Drop()
		}

		fmt.Println("operation cancelled")

		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage() {
	fmt.Printf(`%s v%s - database migration tool for auditpipe

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up      apply all pending migrations
    down    roll back the last migration
    status  show migration status
    version show current migration version
    drop    drop all tables (requires confirmation)

OPTIONS:
    --help     show this help message
    --version  show version information

ENVIRONMENT VARIABLES:
    AUDIT_DB_PATH     path to the audit store's SQLite file
                      (default: ./auditpipe.db)

    MIGRATIONS_PATH   path to migration files directory
                      (default: ./migrations)

    MIGRATION_TABLE   name of migration tracking table
                      (default: schema_migrations)
`, name, version, name)
}
