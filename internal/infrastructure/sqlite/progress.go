package sqlite

import (
	"context"
	"fmt"

	"github.com/jobshed/jobshed/internal/domain"
)

// ReadyCounts splits the pending population by dependency state.
type ReadyCounts struct {
	// Ready jobs have no blocking dependency.
	Ready int `json:"ready"`
	// Waiting jobs have at least one dependency still pending or running.
	Waiting int `json:"waiting"`
	// Blocked jobs depend on an errored or missing job and cannot make
	// progress without intervention.
	Blocked int `json:"blocked"`
}

// RunningJob is the viewer's projection of an in-flight row.
type RunningJob struct {
	ID        string  `json:"id"`
	StartedAt *string `json:"started_at"`
	Priority  int     `json:"priority"`
	WorkerID  *string `json:"worker_id"`
	Heartbeat *string `json:"heartbeat"`
}

// FinishedJob is the viewer's projection of a completed row.
type FinishedJob struct {
	ID           string   `json:"id"`
	Status       string   `json:"status"`
	FinishedAt   *string  `json:"finished_at"`
	ElapsedTime  *float64 `json:"elapsed_time"`
	ErrorMessage *string  `json:"error_message,omitempty"`
}

// ReadyCounts classifies pending jobs by their dependency state. Without a
// dependency table every pending job is ready.
func (r *JobRepository) ReadyCounts(ctx context.Context) (ReadyCounts, error) {
	var rc ReadyCounts

	hasDeps, err := hasDependencyTable(ctx, r.db)
	if err != nil {
		return rc, fmt.Errorf("check dependency table: %w", err)
	}
	if !hasDeps {
		counts, err := r.CountByStatus(ctx)
		if err != nil {
			return rc, err
		}
		rc.Ready = counts[string(domain.StatusPending)]
		return rc, nil
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE `+domain.ColStatus+` = 'pending'`+dependencyPredicate).Scan(&rc.Ready)
	if err != nil {
		return rc, fmt.Errorf("count ready: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs j
		WHERE j.`+domain.ColStatus+` = 'pending'
		AND EXISTS (
			SELECT 1 FROM job_dependencies d
			JOIN jobs dep ON d.depends_on = dep.`+domain.ColJobID+`
			WHERE d.job_id = j.`+domain.ColJobID+`
			AND dep.`+domain.ColStatus+` IN ('running', 'pending')
		)`).Scan(&rc.Waiting)
	if err != nil {
		return rc, fmt.Errorf("count waiting: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs j
		WHERE j.`+domain.ColStatus+` = 'pending'
		AND EXISTS (
			SELECT 1 FROM job_dependencies d
			LEFT JOIN jobs dep ON d.depends_on = dep.`+domain.ColJobID+`
			WHERE d.job_id = j.`+domain.ColJobID+`
			AND (dep.`+domain.ColStatus+` IS NULL OR dep.`+domain.ColStatus+` = 'error')
		)`).Scan(&rc.Blocked)
	if err != nil {
		return rc, fmt.Errorf("count blocked: %w", err)
	}

	return rc, nil
}

// RunningJobs lists in-flight rows, most recently started first.
func (r *JobRepository) RunningJobs(ctx context.Context) ([]RunningJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+domain.ColJobID+`, `+domain.ColStartedAt+`, `+domain.ColPriority+`,
		       `+domain.ColWorkerID+`, `+domain.ColHeartbeat+`
		FROM jobs
		WHERE `+domain.ColStatus+` = 'running'
		ORDER BY `+domain.ColStartedAt+` DESC`)
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	defer rows.Close()

	var jobs []RunningJob
	for rows.Next() {
		var j RunningJob
		if err := rows.Scan(&j.ID, &j.StartedAt, &j.Priority, &j.WorkerID, &j.Heartbeat); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// RecentFinished lists the most recently finished rows (done or error).
func (r *JobRepository) RecentFinished(ctx context.Context, limit int) ([]FinishedJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+domain.ColJobID+`, `+domain.ColStatus+`, `+domain.ColFinishedAt+`,
		       `+domain.ColElapsedTime+`, `+domain.ColErrorMessage+`
		FROM jobs
		WHERE `+domain.ColStatus+` IN ('done', 'error')
		ORDER BY `+domain.ColFinishedAt+` DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list finished jobs: %w", err)
	}
	defer rows.Close()

	var jobs []FinishedJob
	for rows.Next() {
		var j FinishedJob
		if err := rows.Scan(&j.ID, &j.Status, &j.FinishedAt, &j.ElapsedTime, &j.ErrorMessage); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
