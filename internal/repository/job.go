package repository

import (
	"context"

	"github.com/jobshed/jobshed/internal/domain"
)

// ClaimFilter narrows the set of claimable jobs for one claim attempt.
type ClaimFilter struct {
	// AvailableSeconds is the worker's remaining wall-clock budget.
	AvailableSeconds float64
	// SpeedFactor divides the job's estimate when checking the budget.
	SpeedFactor float64
	// Smart enables the deadline predicate; when false jobs are picked by
	// priority alone.
	Smart bool
	// WorkerID is stamped on the claimed row.
	WorkerID string
}

// Workers depend on the interface, not the sqlite implementation, so tests can
// pass a fake and the store could be swapped without touching the scheduler.
type JobRepository interface {
	// ClaimNext atomically transitions the best eligible pending job to
	// running and returns it. Returns (nil, nil) when no job is eligible or
	// the write lock could not be taken before the busy timeout.
	ClaimNext(ctx context.Context, filter ClaimFilter) (*domain.Job, error)

	// Finalize records a terminal state for a claimed job. A nil errMsg
	// clears the error column.
	Finalize(ctx context.Context, jobID string, status domain.Status, elapsedSeconds float64, errMsg *string) error

	// RecoverOrphans resets every running row back to pending and returns
	// how many rows were touched.
	RecoverOrphans(ctx context.Context) (int, error)

	// UpdateHeartbeat refreshes the heartbeat column of a running job.
	UpdateHeartbeat(ctx context.Context, jobID string) error

	// CountByStatus returns per-status row counts plus a "total" entry.
	CountByStatus(ctx context.Context) (map[string]int, error)
}
