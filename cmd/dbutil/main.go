// dbutil manages the job database: CSV import/export, statistics and status
// reset. The scheduler consumes the store this tool prepares.
//
// Usage:
//
//	dbutil import [-no-reset] <db_file> <csv_file>
//	dbutil export [-status s] <db_file> <csv_file>
//	dbutil stats  <db_file>
//	dbutil reset  <db_file>
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/jobshed/jobshed/config"
	"github.com/jobshed/jobshed/internal/infrastructure/sqlite"
	"github.com/jobshed/jobshed/internal/loader"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg.Env, cfg.SlogLevel())

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx := context.Background()
	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "import":
		fs := flag.NewFlagSet("import", flag.ExitOnError)
		noReset := fs.Bool("no-reset", false, "keep statuses from the file instead of resetting to pending")
		_ = fs.Parse(args)
		if fs.NArg() != 2 {
			usage()
			os.Exit(1)
		}
		db, err := sqlite.Open(ctx, fs.Arg(0))
		if err != nil {
			logger.Error("open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		n, err := loader.ImportCSV(ctx, db, fs.Arg(1), !*noReset, logger)
		if err != nil {
			logger.Error("import failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Imported %d jobs from %s\n", n, fs.Arg(1))

	case "export":
		fs := flag.NewFlagSet("export", flag.ExitOnError)
		status := fs.String("status", "", "only export jobs with this status")
		_ = fs.Parse(args)
		if fs.NArg() != 2 {
			usage()
			os.Exit(1)
		}
		db, err := openExisting(ctx, fs.Arg(0), logger)
		if err != nil {
			os.Exit(1)
		}
		defer db.Close()

		n, err := loader.ExportCSV(ctx, db, fs.Arg(1), *status)
		if err != nil {
			logger.Error("export failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Exported %d jobs to %s\n", n, fs.Arg(1))

	case "stats":
		if len(args) != 1 {
			usage()
			os.Exit(1)
		}
		db, err := openExisting(ctx, args[0], logger)
		if err != nil {
			os.Exit(1)
		}
		defer db.Close()

		repo := sqlite.NewJobRepository(db, logger)
		counts, err := repo.CountByStatus(ctx)
		if err != nil {
			logger.Error("stats failed", "error", err)
			os.Exit(1)
		}
		fmt.Println("Job statistics:")
		fmt.Printf("  Total:   %d\n", counts["total"])
		fmt.Printf("  Pending: %d\n", counts["pending"])
		fmt.Printf("  Running: %d\n", counts["running"])
		fmt.Printf("  Done:    %d\n", counts["done"])
		fmt.Printf("  Error:   %d\n", counts["error"])

	case "reset":
		if len(args) != 1 {
			usage()
			os.Exit(1)
		}
		db, err := openExisting(ctx, args[0], logger)
		if err != nil {
			os.Exit(1)
		}
		defer db.Close()

		repo := sqlite.NewJobRepository(db, logger)
		n, err := repo.ResetAll(ctx)
		if err != nil {
			logger.Error("reset failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Reset %d jobs to pending status\n", n)

	default:
		usage()
		os.Exit(1)
	}
}

func openExisting(ctx context.Context, path string, logger *slog.Logger) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		logger.Error("database file not found", "path", path)
		return nil, err
	}
	db, err := sqlite.Open(ctx, path)
	if err != nil {
		logger.Error("open database", "error", err)
		return nil, err
	}
	return db, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage:
  dbutil import [-no-reset] <db_file> <csv_file>
  dbutil export [-status s] <db_file> <csv_file>
  dbutil stats  <db_file>
  dbutil reset  <db_file>`)
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(inner)
}
