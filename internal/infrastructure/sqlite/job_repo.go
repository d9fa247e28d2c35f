package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jobshed/jobshed/internal/domain"
	"github.com/jobshed/jobshed/internal/metrics"
	"github.com/jobshed/jobshed/internal/repository"
)

type JobRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewJobRepository(db *sql.DB, logger *slog.Logger) *JobRepository {
	return &JobRepository{db: db, logger: logger.With("component", "job_repo")}
}

const claimOrder = " ORDER BY " + domain.ColPriority + " DESC, " + domain.ColJobID + " LIMIT 1"

// dependencyPredicate blocks a job while any of its dependencies is missing
// or not yet done. A dangling dependency counts as not done.
const dependencyPredicate = ` AND NOT EXISTS (
	SELECT 1 FROM job_dependencies d
	LEFT JOIN jobs dep ON d.depends_on = dep.` + domain.ColJobID + `
	WHERE d.job_id = jobs.` + domain.ColJobID + `
	AND (dep.` + domain.ColStatus + ` IS NULL OR dep.` + domain.ColStatus + ` != 'done')
)`

// ClaimNext selects the best eligible pending job under an immediate write
// transaction and transitions it to running. The immediate lock plus the
// guarded update make the claim serializable across workers and hosts.
func (r *JobRepository) ClaimNext(ctx context.Context, filter repository.ClaimFilter) (*domain.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		if IsBusy(err) {
			metrics.LockConflictsTotal.Inc()
			r.logger.Warn("claim: database lock conflict", "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	hasDeps, err := hasDependencyTable(ctx, tx)
	if err != nil {
		if IsBusy(err) {
			metrics.LockConflictsTotal.Inc()
			r.logger.Warn("claim: database lock conflict", "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("check dependency table: %w", err)
	}

	query := "SELECT * FROM jobs WHERE " + domain.ColStatus + " = 'pending'"
	var args []any
	if filter.Smart && filter.AvailableSeconds > 0 {
		query += " AND (" + domain.ColEstimateTime + " * 3600.0 / ?) <= ?"
		args = append(args, filter.SpeedFactor, filter.AvailableSeconds)
	}
	if hasDeps {
		query += dependencyPredicate
	}
	query += claimOrder

	job, err := scanOneJob(ctx, tx, query, args...)
	if err != nil {
		if IsBusy(err) {
			metrics.LockConflictsTotal.Inc()
			r.logger.Warn("claim: database lock conflict", "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("select pending job: %w", err)
	}
	if job == nil {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET `+domain.ColStatus+` = 'running',
		    `+domain.ColStartedAt+` = datetime('now'),
		    `+domain.ColWorkerID+` = ?,
		    `+domain.ColHeartbeat+` = datetime('now')
		WHERE `+domain.ColJobID+` = ?`,
		filter.WorkerID, job.ID)
	if err != nil {
		return nil, fmt.Errorf("mark job running: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if IsBusy(err) {
			metrics.LockConflictsTotal.Inc()
			r.logger.Warn("claim: commit lock conflict", "job_id", job.ID, "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	job.Status = domain.StatusRunning
	return job, nil
}

// Finalize records the terminal state of a job run. Re-queueing (status
// pending) keeps the elapsed time and error message as the retry trace but
// clears started_at so the row looks unclaimed again.
func (r *JobRepository) Finalize(ctx context.Context, jobID string, status domain.Status, elapsedSeconds float64, errMsg *string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE jobs
		SET ` + domain.ColStatus + ` = ?,
		    ` + domain.ColElapsedTime + ` = ?,
		    ` + domain.ColFinishedAt + ` = datetime('now'),
		    ` + domain.ColErrorMessage + ` = ?`
	if status == domain.StatusPending {
		query += `, ` + domain.ColStartedAt + ` = NULL`
	}
	query += ` WHERE ` + domain.ColJobID + ` = ?`

	if _, err := tx.ExecContext(ctx, query, string(status), elapsedSeconds, errMsg, jobID); err != nil {
		return fmt.Errorf("finalize job %s: %w", jobID, err)
	}
	return tx.Commit()
}

// RecoverOrphans resets rows abandoned in running by a crashed scheduler.
// Safe to run repeatedly: a second pass finds nothing to touch.
func (r *JobRepository) RecoverOrphans(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recovery transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var orphans int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE "+domain.ColStatus+" = 'running'").Scan(&orphans)
	if err != nil {
		return 0, fmt.Errorf("count orphans: %w", err)
	}
	if orphans == 0 {
		return 0, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET `+domain.ColStatus+` = 'pending',
		    `+domain.ColStartedAt+` = NULL
		WHERE `+domain.ColStatus+` = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("reset orphans: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recovery: %w", err)
	}
	return orphans, nil
}

func (r *JobRepository) UpdateHeartbeat(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET `+domain.ColHeartbeat+` = datetime('now')
		WHERE `+domain.ColJobID+` = ? AND `+domain.ColStatus+` = 'running'`, jobID)
	return err
}

func (r *JobRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+domain.ColStatus+`, COUNT(*) FROM jobs GROUP BY `+domain.ColStatus)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, fmt.Errorf("count total: %w", err)
	}
	counts["total"] = total
	return counts, nil
}

// ResetAll rewrites every row back to pending, clearing run bookkeeping.
// Administrative; the scheduler never deletes rows.
func (r *JobRepository) ResetAll(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET `+domain.ColStatus+` = 'pending',
		    `+domain.ColStartedAt+` = NULL,
		    `+domain.ColFinishedAt+` = NULL,
		    `+domain.ColElapsedTime+` = NULL,
		    `+domain.ColErrorMessage+` = NULL,
		    `+domain.ColWorkerID+` = NULL,
		    `+domain.ColHeartbeat+` = NULL`)
	if err != nil {
		return 0, fmt.Errorf("reset jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func hasDependencyTable(ctx context.Context, q querier) (bool, error) {
	var name string
	err := q.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name='job_dependencies'").Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// scanOneJob runs a SELECT * query and maps the single resulting row onto a
// domain.Job. The jobs table has an open column set, so rows are scanned by
// column name; user columns keep their declared order.
func scanOneJob(ctx context.Context, q querier, query string, args ...any) (*domain.Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	if !rows.Next() {
		return nil, rows.Err()
	}

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan job row: %w", err)
	}

	job := &domain.Job{}
	for i, col := range columns {
		v := values[i]
		switch col {
		case domain.ColJobID:
			job.ID = asString(v)
		case domain.ColStatus:
			job.Status = domain.Status(asString(v))
		case domain.ColPriority:
			job.Priority = int(asInt(v))
		case domain.ColEstimateTime:
			job.EstimateTime = asFloat(v)
		case domain.ColElapsedTime:
			job.ElapsedTime = asFloatPtr(v)
		case domain.ColCreatedAt:
			job.CreatedAt = asStringPtr(v)
		case domain.ColStartedAt:
			job.StartedAt = asStringPtr(v)
		case domain.ColFinishedAt:
			job.FinishedAt = asStringPtr(v)
		case domain.ColErrorMessage:
			job.ErrorMessage = asStringPtr(v)
		case domain.ColDependsOn:
			job.DependsOn = asStringPtr(v)
		case domain.ColWorkerID:
			job.WorkerID = asStringPtr(v)
		case domain.ColHeartbeat:
			job.Heartbeat = asStringPtr(v)
		default:
			job.Args = append(job.Args, domain.Arg{Column: col, Value: asStringPtr(v)})
		}
	}
	return job, nil
}

func asString(v any) string {
	p := asStringPtr(v)
	if p == nil {
		return ""
	}
	return *p
}

func asStringPtr(v any) *string {
	var s string
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		s = x
	case []byte:
		s = string(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	case float64:
		s = strconv.FormatFloat(x, 'g', -1, 64)
	default:
		s = fmt.Sprint(x)
	}
	return &s
}

func asInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	default:
		return 0
	}
}

func asFloatPtr(v any) *float64 {
	if v == nil {
		return nil
	}
	f := asFloat(v)
	return &f
}
