package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jobshed/jobshed/internal/domain"
)

// CreateSchema creates the jobs table, its indexes and the dependency
// relation. userColumns extend the fixed scheduler columns; every user column
// is TEXT — the subprocess owns parsing.
func CreateSchema(ctx context.Context, db *sql.DB, userColumns []string) error {
	columns := []string{
		domain.ColJobID + " TEXT PRIMARY KEY",
		domain.ColStatus + " TEXT NOT NULL DEFAULT 'pending'",
		domain.ColPriority + " INTEGER DEFAULT 0",
		domain.ColEstimateTime + " REAL DEFAULT 0",
		domain.ColElapsedTime + " REAL",
		domain.ColCreatedAt + " TEXT DEFAULT (datetime('now'))",
		domain.ColStartedAt + " TEXT",
		domain.ColFinishedAt + " TEXT",
		domain.ColErrorMessage + " TEXT",
		domain.ColDependsOn + " TEXT",
		domain.ColWorkerID + " TEXT",
		domain.ColHeartbeat + " TEXT",
	}
	for _, col := range userColumns {
		if !domain.IsReservedColumn(col) {
			columns = append(columns, col+" TEXT")
		}
	}

	createSQL := "CREATE TABLE IF NOT EXISTS jobs (" + strings.Join(columns, ", ") + ")"
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_status_priority
		 ON jobs(` + domain.ColStatus + `, ` + domain.ColPriority + ` DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_status_estimate
		 ON jobs(` + domain.ColStatus + `, ` + domain.ColEstimateTime + `)`,
	}
	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS job_dependencies (
			job_id     TEXT NOT NULL,
			depends_on TEXT NOT NULL,
			PRIMARY KEY (job_id, depends_on)
		)`)
	if err != nil {
		return fmt.Errorf("create job_dependencies table: %w", err)
	}
	return nil
}

// TableColumns returns the declared column names of the jobs table, in
// declared order. Column order matters: it is the argv order.
func TableColumns(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info(jobs)")
	if err != nil {
		return nil, fmt.Errorf("table_info: %w", err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info: %w", err)
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

// AddColumn extends the jobs table with one new TEXT user column.
func AddColumn(ctx context.Context, db *sql.DB, name string) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE jobs ADD COLUMN %s TEXT", name)); err != nil {
		return fmt.Errorf("add column %s: %w", name, err)
	}
	return nil
}

// ReplaceDependencies rewrites the dependency rows for jobID. Writers keep the
// relation in sync with the denormalized JOBSCHEDULER_DEPENDS_ON column.
func ReplaceDependencies(ctx context.Context, db *sql.DB, jobID string, dependsOn []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM job_dependencies WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("clear dependencies: %w", err)
	}
	for _, dep := range dependsOn {
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO job_dependencies (job_id, depends_on) VALUES (?, ?)",
			jobID, dep)
		if err != nil {
			return fmt.Errorf("insert dependency %s -> %s: %w", jobID, dep, err)
		}
	}
	return tx.Commit()
}
