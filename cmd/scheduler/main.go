// The scheduler claims pending jobs from a shared SQLite batch database and
// runs one subprocess per job under a wall-clock budget.
//
// Usage:
//
//	scheduler [flags] <db_file> <command>
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

	"github.com/jobshed/jobshed/config"
	"github.com/jobshed/jobshed/internal/infrastructure/sqlite"
	ctxlog "github.com/jobshed/jobshed/internal/log"
	"github.com/jobshed/jobshed/internal/metrics"
	"github.com/jobshed/jobshed/internal/notify"
	"github.com/jobshed/jobshed/internal/repository"
	"github.com/jobshed/jobshed/internal/scheduler"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	maxRuntime := flag.Int("max-runtime", 86400, "maximum total runtime per worker in seconds")
	marginTime := flag.Int("margin-time", 0, "margin subtracted from the remaining budget in seconds")
	speedFactor := flag.Float64("speed-factor", 1.0, "speed factor dividing estimate_time")
	smart := flag.Bool("smart-scheduling", true, "only claim jobs whose estimate fits the remaining budget")
	namedArgs := flag.Bool("named-args", false, "pass user columns as --name value instead of positional")
	parallel := flag.Int("parallel", 1, "number of workers")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <db_file> <command>\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}
	dbPath := flag.Arg(0)
	command := flag.Arg(1)

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	if _, err := os.Stat(dbPath); err != nil {
		logger.Error("database file not found", "path", dbPath)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()
	var metricsSrv *http.Server
	if cfg.MetricsPort != "" {
		metricsSrv = metrics.NewServer(":" + cfg.MetricsPort)
		go func() {
			logger.Info("metrics server started", "port", cfg.MetricsPort)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "error", err)
			}
		}()
	}

	db, err := sqlite.Open(ctx, dbPath)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := sqlite.NewJobRepository(db, logger)

	logger.Info("scheduler starting",
		"database", dbPath,
		"command", command,
		"max_runtime", *maxRuntime,
		"margin_time", *marginTime,
		"speed_factor", *speedFactor,
		"smart_scheduling", *smart,
		"named_args", *namedArgs,
		"parallel", *parallel,
	)

	// Rows abandoned in running by a prior crash must be reclaimed before any
	// worker starts, so recovery never races our own claims.
	recovered, err := repo.RecoverOrphans(ctx)
	if err != nil {
		logger.Error("orphan recovery failed", "error", err)
	} else if recovered > 0 {
		metrics.OrphansRecoveredTotal.Add(float64(recovered))
		logger.Warn("reset orphaned running jobs to pending", "count", recovered)
	}

	executor := scheduler.NewExecutor(command, *namedArgs, logger)
	repoFactory := func(fctx context.Context) (repository.JobRepository, func(), error) {
		wdb, err := sqlite.Open(fctx, dbPath)
		if err != nil {
			return nil, nil, err
		}
		return sqlite.NewJobRepository(wdb, logger), func() { _ = wdb.Close() }, nil
	}

	pool := scheduler.NewPool(repoFactory, executor, *parallel, scheduler.Options{
		MaxRuntime:  time.Duration(*maxRuntime) * time.Second,
		MarginTime:  time.Duration(*marginTime) * time.Second,
		SpeedFactor: *speedFactor,
		Smart:       *smart,
	}, logger)

	summary := pool.Run(ctx)
	stop()

	// The run may have ended on a signal; the summary still has to be read
	// and reported.
	tailCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counts, err := repo.CountByStatus(tailCtx)
	if err != nil {
		logger.Error("final status counts", "error", err)
		counts = map[string]int{}
	}

	logger.Info("scheduler finished",
		"elapsed", summary.Elapsed.Round(10*time.Millisecond),
		"completed", summary.JobsCompleted,
		"failed", summary.JobsFailed,
		"pending", counts["pending"],
		"done", counts["done"],
		"error", counts["error"],
	)

	sender := notify.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, cfg.NotifyTo, logger)
	body := fmt.Sprintf(
		"Batch run finished in %s.\n\nCompleted: %d\nFailed: %d\nPending: %d\nDone: %d\nError: %d\n",
		summary.Elapsed.Round(time.Second),
		summary.JobsCompleted, summary.JobsFailed,
		counts["pending"], counts["done"], counts["error"],
	)
	if err := sender.Send(tailCtx, "Batch run finished: "+dbPath, body); err != nil {
		logger.Warn("run summary notification failed", "error", err)
	}

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(tailCtx); err != nil {
			logger.Error("metrics server shutdown", "error", err)
		}
	}
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
