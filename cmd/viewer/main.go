// viewer is the read-only progress monitor for a job database. By default it
// re-renders progress in the terminal; with -http it serves the same data as
// JSON.
//
// Usage:
//
//	viewer [flags] <db_file>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jobshed/jobshed/config"
	"github.com/jobshed/jobshed/internal/health"
	"github.com/jobshed/jobshed/internal/infrastructure/sqlite"
	"github.com/jobshed/jobshed/internal/metrics"
	"github.com/jobshed/jobshed/internal/viewer"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	interval := flag.Int("interval", 5, "refresh interval in seconds (terminal mode)")
	once := flag.Bool("once", false, "render one snapshot and exit")
	httpAddr := flag.String("http", "", "serve progress over HTTP on this address instead of the terminal")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <db_file>\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	dbPath := flag.Arg(0)

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	if _, err := os.Stat(dbPath); err != nil {
		logger.Error("database file not found", "path", dbPath)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(ctx, dbPath)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := sqlite.NewJobRepository(db, logger)

	if *httpAddr != "" {
		metrics.Register()
		checker := health.NewChecker(db, logger, prometheus.DefaultRegisterer)
		router := viewer.NewRouter(logger, repo, checker)

		srv := &http.Server{Addr: *httpAddr, Handler: router}
		go func() {
			logger.Info("viewer server started", "addr", *httpAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("viewer server", "error", err)
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("viewer server shutdown", "error", err)
		}
		return
	}

	render := func() {
		snap, err := viewer.Collect(ctx, repo)
		if err != nil {
			logger.Error("collect progress", "error", err)
			return
		}
		snap.Render(os.Stdout)
		fmt.Println()
	}

	render()
	if *once {
		return
	}

	ticker := time.NewTicker(time.Duration(*interval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			render()
		}
	}
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
