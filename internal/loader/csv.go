// Package loader moves batches between CSV files and the job store. Every
// user column is stored as TEXT; the subprocess owns parsing.
package loader

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/jobshed/jobshed/internal/domain"
	"github.com/jobshed/jobshed/internal/infrastructure/sqlite"
)

// ImportCSV loads a batch file into the jobs table, extending the schema with
// any new user columns, and keeps the dependency relation in sync with the
// JOBSCHEDULER_DEPENDS_ON column. Returns the number of imported rows.
//
// When resetStatus is true (the default for a fresh run), every imported row
// starts over as pending regardless of what the file says.
func ImportCSV(ctx context.Context, db *sql.DB, csvPath string, resetStatus bool, logger *slog.Logger) (int, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return 0, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("read csv: %w", err)
	}
	if len(records) < 2 {
		logger.Warn("csv file has no job rows", "path", csvPath)
		return 0, nil
	}

	header := records[0]
	rows := records[1:]

	var userColumns []string
	for _, col := range header {
		if !domain.IsReservedColumn(col) {
			userColumns = append(userColumns, col)
		}
	}

	if err := sqlite.CreateSchema(ctx, db, userColumns); err != nil {
		return 0, err
	}

	// A batch file may introduce columns an existing table lacks.
	existing, err := sqlite.TableColumns(ctx, db)
	if err != nil {
		return 0, err
	}
	existingSet := make(map[string]struct{}, len(existing))
	for _, col := range existing {
		existingSet[col] = struct{}{}
	}
	for _, col := range header {
		if _, ok := existingSet[col]; !ok && !domain.IsReservedColumn(col) {
			if err := sqlite.AddColumn(ctx, db, col); err != nil {
				return 0, err
			}
		}
	}

	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[col] = i
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	type jobDeps struct {
		jobID string
		deps  []string
	}
	var allDeps []jobDeps

	imported := 0
	for _, record := range rows {
		field := func(col string) (string, bool) {
			i, ok := colIndex[col]
			if !ok || i >= len(record) {
				return "", false
			}
			return record[i], true
		}

		jobID, ok := field(domain.ColJobID)
		if !ok || jobID == "" {
			jobID = fmt.Sprintf("job_%08d", imported)
		}

		status := string(domain.StatusPending)
		if !resetStatus {
			if s, ok := field(domain.ColStatus); ok && s != "" {
				status = s
			}
		}

		priority := 0
		if s, ok := field(domain.ColPriority); ok && s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				priority = n
			}
		}

		estimate := 0.0
		if s, ok := field(domain.ColEstimateTime); ok && s != "" {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				estimate = f
			}
		}

		columns := []string{domain.ColJobID, domain.ColStatus, domain.ColPriority, domain.ColEstimateTime}
		values := []any{jobID, status, priority, estimate}

		if dependsOn, ok := field(domain.ColDependsOn); ok {
			columns = append(columns, domain.ColDependsOn)
			values = append(values, dependsOn)

			deps := domain.ParseDependsOn(dependsOn)
			kept := deps[:0]
			for _, dep := range deps {
				if dep == jobID {
					// A job waiting on itself would never become eligible.
					logger.Warn("self-dependency ignored", "job_id", jobID)
					continue
				}
				kept = append(kept, dep)
			}
			allDeps = append(allDeps, jobDeps{jobID: jobID, deps: kept})
		}

		for _, col := range userColumns {
			if v, ok := field(col); ok {
				columns = append(columns, col)
				values = append(values, v)
			}
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
		insertSQL := fmt.Sprintf("INSERT OR REPLACE INTO jobs (%s) VALUES (%s)",
			strings.Join(columns, ","), placeholders)

		if _, err := tx.ExecContext(ctx, insertSQL, values...); err != nil {
			return 0, fmt.Errorf("insert job %s: %w", jobID, err)
		}
		imported++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}

	for _, jd := range allDeps {
		if err := sqlite.ReplaceDependencies(ctx, db, jd.jobID, jd.deps); err != nil {
			return imported, err
		}
	}

	logger.Info("imported jobs", "count", imported, "path", csvPath)
	return imported, nil
}

// ExportCSV writes the jobs table to a CSV file in declared column order,
// one row per job, ordered by job ID. NULL values export as empty fields.
func ExportCSV(ctx context.Context, db *sql.DB, csvPath string, statusFilter string) (int, error) {
	query := "SELECT * FROM jobs"
	var args []any
	if statusFilter != "" {
		query += " WHERE " + domain.ColStatus + " = ?"
		args = append(args, statusFilter)
	}
	query += " ORDER BY " + domain.ColJobID

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("select jobs: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return 0, err
	}

	f, err := os.Create(csvPath)
	if err != nil {
		return 0, fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	if err := writer.Write(columns); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	exported := 0
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return exported, fmt.Errorf("scan job row: %w", err)
		}
		record := make([]string, len(columns))
		for i, v := range values {
			record[i] = fieldString(v)
		}
		if err := writer.Write(record); err != nil {
			return exported, fmt.Errorf("write row: %w", err)
		}
		exported++
	}
	if err := rows.Err(); err != nil {
		return exported, err
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return exported, fmt.Errorf("flush csv: %w", err)
	}
	return exported, nil
}

func fieldString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
