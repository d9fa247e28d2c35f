package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/jobshed/jobshed/internal/domain"
	"github.com/jobshed/jobshed/internal/repository"
	"github.com/jobshed/jobshed/internal/scheduler"
)

func TestPool_DrainsBatchAcrossWorkers(t *testing.T) {
	repo := &fakeRepo{queue: []*domain.Job{
		{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}, {ID: "e"},
	}}
	runner := &successRunner{}

	factory := func(context.Context) (repository.JobRepository, func(), error) {
		return repo, func() {}, nil
	}

	pool := scheduler.NewPool(factory, runner, 3, opts(), discardLogger())
	summary := pool.Run(context.Background())

	if summary.Workers != 3 {
		t.Fatalf("workers = %d, want 3", summary.Workers)
	}
	if summary.JobsCompleted != 5 || summary.JobsFailed != 0 {
		t.Fatalf("summary = %+v, want 5 completed", summary)
	}
	if len(repo.finalized) != 5 {
		t.Fatalf("finalized %d, want 5", len(repo.finalized))
	}
	for _, f := range repo.finalized {
		if f.status != domain.StatusDone {
			t.Fatalf("job %s finalized as %s", f.jobID, f.status)
		}
	}
}

func TestPool_MoreWorkersThanJobs(t *testing.T) {
	repo := &fakeRepo{queue: []*domain.Job{{ID: "only"}}}
	runner := &successRunner{}

	factory := func(context.Context) (repository.JobRepository, func(), error) {
		return repo, func() {}, nil
	}

	pool := scheduler.NewPool(factory, runner, 4, opts(), discardLogger())
	summary := pool.Run(context.Background())

	// The extra workers find nothing and exit without claiming.
	if summary.JobsCompleted != 1 {
		t.Fatalf("completed = %d, want 1", summary.JobsCompleted)
	}
}

func TestPool_EmptyBatchExitsImmediately(t *testing.T) {
	repo := &fakeRepo{}
	runner := &successRunner{}

	factory := func(context.Context) (repository.JobRepository, func(), error) {
		return repo, func() {}, nil
	}

	start := time.Now()
	summary := scheduler.NewPool(factory, runner, 2, opts(), discardLogger()).Run(context.Background())

	if summary.JobsCompleted != 0 || summary.JobsFailed != 0 {
		t.Fatalf("summary = %+v, want zero counters", summary)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("empty batch did not exit promptly")
	}
}

// successRunner is a thread-safe runner for pool tests.
type successRunner struct{}

func (successRunner) Run(_ context.Context, _ *domain.Job, _ time.Duration) scheduler.ExecutionResult {
	return scheduler.ExecutionResult{ExitCode: 0, Elapsed: time.Millisecond}
}
