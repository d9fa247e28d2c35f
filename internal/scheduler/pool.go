package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jobshed/jobshed/internal/repository"
)

// RepoFactory opens a private store connection for one worker. The returned
// closer releases it. Workers never share a connection; all coordination goes
// through the store itself.
type RepoFactory func(ctx context.Context) (repository.JobRepository, func(), error)

// Summary reports how a finished pool run went.
type Summary struct {
	Workers       int
	JobsCompleted int
	JobsFailed    int
	Elapsed       time.Duration
}

// Pool runs N workers over the same batch and waits for all of them.
type Pool struct {
	repoFactory RepoFactory
	runner      JobRunner
	workers     int
	opts        Options
	logger      *slog.Logger
}

func NewPool(repoFactory RepoFactory, runner JobRunner, workers int, opts Options, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		repoFactory: repoFactory,
		runner:      runner,
		workers:     workers,
		opts:        opts,
		logger:      logger.With("component", "pool"),
	}
}

// Run spawns the workers and blocks until every one of them exits, either by
// draining the batch, exhausting its budget, or observing shutdown.
func (p *Pool) Run(ctx context.Context) Summary {
	start := time.Now()
	p.logger.InfoContext(ctx, "starting workers", "count", p.workers)

	workers := make([]*Worker, 0, p.workers)
	var wg sync.WaitGroup

	for i := 0; i < p.workers; i++ {
		repo, closeRepo, err := p.repoFactory(ctx)
		if err != nil {
			p.logger.ErrorContext(ctx, "worker store connection failed", "worker", i, "error", err)
			continue
		}

		w := NewWorker(i, repo, p.runner, p.opts, p.logger)
		workers = append(workers, w)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer closeRepo()
			w.Run(ctx)
		}()
	}

	wg.Wait()

	summary := Summary{Workers: len(workers), Elapsed: time.Since(start)}
	for _, w := range workers {
		summary.JobsCompleted += w.JobsCompleted
		summary.JobsFailed += w.JobsFailed
	}

	p.logger.InfoContext(ctx, "all workers finished",
		"workers", summary.Workers,
		"completed", summary.JobsCompleted,
		"failed", summary.JobsFailed,
		"elapsed", summary.Elapsed.Round(10*time.Millisecond),
	)
	return summary
}
