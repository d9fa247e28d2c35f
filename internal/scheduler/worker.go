package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jobshed/jobshed/internal/domain"
	"github.com/jobshed/jobshed/internal/jobctx"
	"github.com/jobshed/jobshed/internal/metrics"
	"github.com/jobshed/jobshed/internal/repository"
)

const heartbeatInterval = 10 * time.Second

// Options are the per-run scheduling knobs shared by all workers.
type Options struct {
	// MaxRuntime is the total wall-clock budget of one worker.
	MaxRuntime time.Duration
	// MarginTime is subtracted from the remaining budget when deciding
	// eligibility and computing deadlines.
	MarginTime time.Duration
	// SpeedFactor normalizes estimate_time against host speed.
	SpeedFactor float64
	// Smart enables the deadline predicate on claims.
	Smart bool
}

// JobRunner runs one claimed job against a deadline. Satisfied by *Executor;
// tests pass a fake.
type JobRunner interface {
	Run(ctx context.Context, job *domain.Job, deadline time.Duration) ExecutionResult
}

// Worker claims and runs jobs one at a time until its budget runs out, the
// batch drains, or shutdown is requested.
type Worker struct {
	id         int
	instanceID string
	repo       repository.JobRepository
	runner     JobRunner
	opts       Options
	logger     *slog.Logger

	startTime     time.Time
	JobsCompleted int
	JobsFailed    int
}

func NewWorker(id int, repo repository.JobRepository, runner JobRunner, opts Options, logger *slog.Logger) *Worker {
	hostname, _ := os.Hostname()
	return &Worker{
		id:         id,
		instanceID: fmt.Sprintf("%s-w%d-%s", hostname, id, uuid.NewString()[:8]),
		repo:       repo,
		runner:     runner,
		opts:       opts,
		logger:     logger.With("component", "worker"),
	}
}

// Run is the claim-and-run loop. It returns when the worker's budget is
// exhausted, no eligible job remains, or ctx is cancelled. Exhaustion is
// terminal: a drained batch does not warrant idle polling.
func (w *Worker) Run(ctx context.Context) {
	w.startTime = time.Now()
	ctx = jobctx.WithWorkerID(ctx, w.instanceID)

	metrics.WorkersActive.Inc()
	defer metrics.WorkersActive.Dec()

	w.logger.InfoContext(ctx, "worker started")

	for {
		if ctx.Err() != nil {
			w.logger.InfoContext(ctx, "worker stopping on shutdown signal")
			return
		}

		elapsed := time.Since(w.startTime)
		if elapsed >= w.opts.MaxRuntime {
			w.logger.InfoContext(ctx, "reached maximum total runtime, stopping")
			return
		}

		available := w.opts.MaxRuntime - elapsed - w.opts.MarginTime
		if available <= 0 {
			w.logger.InfoContext(ctx, "not enough available time remaining (considering margin), stopping")
			return
		}

		job, err := w.repo.ClaimNext(ctx, repository.ClaimFilter{
			AvailableSeconds: available.Seconds(),
			SpeedFactor:      w.opts.SpeedFactor,
			Smart:            w.opts.Smart,
			WorkerID:         w.instanceID,
		})
		if err != nil {
			w.logger.ErrorContext(ctx, "claim failed, stopping", "error", err)
			return
		}
		if job == nil {
			metrics.ClaimsTotal.WithLabelValues("empty").Inc()
			w.logger.InfoContext(ctx, "no suitable jobs available, stopping")
			return
		}
		metrics.ClaimsTotal.WithLabelValues("claimed").Inc()

		w.runOne(ctx, job, available)

		if ctx.Err() != nil {
			w.logger.InfoContext(ctx, "worker exiting after shutdown")
			return
		}
	}
}

func (w *Worker) runOne(ctx context.Context, job *domain.Job, deadline time.Duration) {
	jctx := jobctx.WithJobID(ctx, job.ID)

	hbCtx, stopHeartbeat := context.WithCancel(jctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, job.ID)

	result := w.runner.Run(jctx, job, deadline)
	stopHeartbeat()

	elapsedSeconds := result.Elapsed.Seconds()

	var status domain.Status
	var outcome string
	var errMsg *string
	switch {
	case result.ExitCode == 0:
		status, outcome = domain.StatusDone, "done"
		w.JobsCompleted++
	case result.ExitCode == ExitInterrupted:
		// Timeout or shutdown: back to pending so the next run retries it.
		status, outcome = domain.StatusPending, "requeued"
		errMsg = &result.ErrMessage
	default:
		status, outcome = domain.StatusError, "error"
		errMsg = &result.ErrMessage
		w.JobsFailed++
	}

	metrics.JobExecutionDuration.WithLabelValues(outcome).Observe(elapsedSeconds)
	metrics.JobsCompletedTotal.WithLabelValues(outcome).Inc()

	// Shutdown may already have cancelled ctx; the outcome (a killed child is
	// re-queued as pending) must still reach the store before the worker exits.
	finalizeCtx := context.WithoutCancel(jctx)
	if err := w.repo.Finalize(finalizeCtx, job.ID, status, elapsedSeconds, errMsg); err != nil {
		w.logger.ErrorContext(jctx, "finalize failed", "status", status, "error", err)
	}
}

// heartbeat refreshes the job's heartbeat column while it runs. Liveness only
// feeds the viewer; no recovery decision is taken from it.
func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.repo.UpdateHeartbeat(ctx, jobID); err != nil {
				w.logger.WarnContext(ctx, "heartbeat update failed", "error", err)
			}
		}
	}
}
