package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
)

// migrate applies the SQL files in migrations/ to the Postgres database that
// backs submissions, exit events and (with STORE_DRIVER=postgres) snapshots.
func main() {
	var (
		migrationDir string
		databaseURL  string
	)
	flag.StringVar(&migrationDir, "path", "migrations", "Path to migration files")
	flag.StringVar(&databaseURL, "database", "", "Database URL (defaults to DATABASE_URL)")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With().Str("component", "migrate").Logger()

	if databaseURL == "" {
		databaseURL = cfg.DatabaseURL
	}
	if databaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is not set")
	}

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}

	m, err := migrate.New("file://"+migrationDir, databaseURL)
	if err != nil {
		log.Fatal().Err(err).Str("path", migrationDir).Msg("Migration failed to initialize")
	}
	defer m.Close()

	switch args[0] {
	case "up":
		check(log.Fatal, "up", m.Up())
		log.Info().Msg("Migrated up")
	case "down":
		check(log.Fatal, "down", m.Down())
		log.Info().Msg("Migrated down")
	case "steps":
		n := intArg(args, "steps")
		check(log.Fatal, "steps", m.Steps(n))
		log.Info().Int("steps", n).Msg("Migrated steps")
	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("Version: none")
			return
		}
		if err != nil {
			log.Fatal().Err(err).Msg("Version failed")
		}
		fmt.Printf("Version: %d, Dirty: %t\n", version, dirty)
	case "force":
		v := intArg(args, "force")
		if err := m.Force(v); err != nil {
			log.Fatal().Err(err).Msg("Force failed")
		}
		log.Info().Int("version", v).Msg("Forced version")
	default:
		printUsage()
		os.Exit(2)
	}
}

func check(fatal func() *zerolog.Event, op string, err error) {
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		fatal().Err(err).Str("op", op).Msg("Migration failed")
	}
}

func intArg(args []string, command string) int {
	if len(args) < 2 {
		fmt.Printf("%s requires a numeric argument\n", command)
		os.Exit(2)
	}
	v, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Printf("Invalid %s argument %q\n", command, args[1])
		os.Exit(2)
	}
	return v
}

func printUsage() {
	fmt.Println("Usage: migrate [flags] <command>")
	fmt.Println("Commands: up, down, steps <n>, version, force <version>")
	fmt.Println("Flags:")
	flag.PrintDefaults()
}
