package sqlite_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jobshed/jobshed/internal/domain"
	"github.com/jobshed/jobshed/internal/infrastructure/sqlite"
	"github.com/jobshed/jobshed/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) (string, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	db, err := sqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := sqlite.CreateSchema(context.Background(), db, []string{"param"}); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return path, db
}

type seedJob struct {
	id       string
	status   domain.Status
	priority int
	estimate float64
	param    string
}

func seed(t *testing.T, db *sql.DB, jobs ...seedJob) {
	t.Helper()
	for _, j := range jobs {
		status := j.status
		if status == "" {
			status = domain.StatusPending
		}
		_, err := db.Exec(`
			INSERT INTO jobs (
				JOBSCHEDULER_JOB_ID, JOBSCHEDULER_STATUS, JOBSCHEDULER_PRIORITY,
				JOBSCHEDULER_ESTIMATE_TIME, param
			) VALUES (?, ?, ?, ?, ?)`,
			j.id, string(status), j.priority, j.estimate, j.param)
		if err != nil {
			t.Fatalf("seed %s: %v", j.id, err)
		}
	}
}

func addDep(t *testing.T, db *sql.DB, jobID, dependsOn string) {
	t.Helper()
	_, err := db.Exec("INSERT INTO job_dependencies (job_id, depends_on) VALUES (?, ?)", jobID, dependsOn)
	if err != nil {
		t.Fatalf("add dep %s -> %s: %v", jobID, dependsOn, err)
	}
}

func defaultFilter() repository.ClaimFilter {
	return repository.ClaimFilter{
		AvailableSeconds: 3600,
		SpeedFactor:      1.0,
		Smart:            true,
		WorkerID:         "test-worker",
	}
}

func TestClaimNext_PriorityThenID(t *testing.T) {
	_, db := newTestDB(t)
	repo := sqlite.NewJobRepository(db, testLogger())
	seed(t, db,
		seedJob{id: "zz", priority: 5},
		seedJob{id: "aa", priority: 5},
		seedJob{id: "top", priority: 9},
		seedJob{id: "low", priority: 1},
	)

	var order []string
	for {
		job, err := repo.ClaimNext(context.Background(), defaultFilter())
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if job == nil {
			break
		}
		order = append(order, job.ID)
	}

	want := []string{"top", "aa", "zz", "low"}
	if len(order) != len(want) {
		t.Fatalf("claimed %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("claimed %v, want %v", order, want)
		}
	}
}

func TestClaimNext_StampsRunningState(t *testing.T) {
	_, db := newTestDB(t)
	repo := sqlite.NewJobRepository(db, testLogger())
	seed(t, db, seedJob{id: "a", param: "x"})

	job, err := repo.ClaimNext(context.Background(), defaultFilter())
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	if job.Status != domain.StatusRunning {
		t.Fatalf("status = %s, want running", job.Status)
	}
	if len(job.Args) != 1 || job.Args[0].Column != "param" || *job.Args[0].Value != "x" {
		t.Fatalf("args = %+v", job.Args)
	}

	var status string
	var startedAt, workerID sql.NullString
	err = db.QueryRow(`
		SELECT JOBSCHEDULER_STATUS, JOBSCHEDULER_STARTED_AT, JOBSCHEDULER_WORKER_ID
		FROM jobs WHERE JOBSCHEDULER_JOB_ID = 'a'`).Scan(&status, &startedAt, &workerID)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if status != "running" || !startedAt.Valid || workerID.String != "test-worker" {
		t.Fatalf("row = %s/%v/%v", status, startedAt, workerID)
	}
}

func TestClaimNext_SmartFilterByEstimate(t *testing.T) {
	_, db := newTestDB(t)
	repo := sqlite.NewJobRepository(db, testLogger())
	seed(t, db,
		seedJob{id: "big", priority: 9, estimate: 2},      // 2h, never fits 60s
		seedJob{id: "small", priority: 1, estimate: 0.01}, // 36s
		seedJob{id: "zero", priority: 0, estimate: 0},     // always eligible
	)

	filter := defaultFilter()
	filter.AvailableSeconds = 60

	job, err := repo.ClaimNext(context.Background(), filter)
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	if job.ID != "small" {
		t.Fatalf("claimed %s, want small (big must not fit the budget)", job.ID)
	}

	job, err = repo.ClaimNext(context.Background(), filter)
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	if job.ID != "zero" {
		t.Fatalf("claimed %s, want zero", job.ID)
	}

	if job, _ := repo.ClaimNext(context.Background(), filter); job != nil {
		t.Fatalf("claimed %s, want none while big cannot fit", job.ID)
	}
}

func TestClaimNext_SpeedFactorScalesEstimate(t *testing.T) {
	_, db := newTestDB(t)
	repo := sqlite.NewJobRepository(db, testLogger())
	seed(t, db, seedJob{id: "hour", estimate: 1})

	filter := defaultFilter()
	filter.AvailableSeconds = 1800

	if job, _ := repo.ClaimNext(context.Background(), filter); job != nil {
		t.Fatalf("claimed %s on a slow host, want none", job.ID)
	}

	// Twice the reference speed halves the effective estimate.
	filter.SpeedFactor = 2.0
	job, err := repo.ClaimNext(context.Background(), filter)
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
}

func TestClaimNext_SmartDisabledIgnoresEstimate(t *testing.T) {
	_, db := newTestDB(t)
	repo := sqlite.NewJobRepository(db, testLogger())
	seed(t, db, seedJob{id: "big", estimate: 100})

	filter := defaultFilter()
	filter.AvailableSeconds = 1
	filter.Smart = false

	job, err := repo.ClaimNext(context.Background(), filter)
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
}

func TestClaimNext_DependencyBlocking(t *testing.T) {
	_, db := newTestDB(t)
	repo := sqlite.NewJobRepository(db, testLogger())
	seed(t, db,
		seedJob{id: "a", priority: 0},
		seedJob{id: "b", priority: 9}, // higher priority but blocked on a
	)
	addDep(t, db, "b", "a")

	job, err := repo.ClaimNext(context.Background(), defaultFilter())
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	if job.ID != "a" {
		t.Fatalf("claimed %s, want a (b is blocked)", job.ID)
	}

	// b stays blocked while a is merely running.
	if job, _ := repo.ClaimNext(context.Background(), defaultFilter()); job != nil {
		t.Fatalf("claimed %s while dependency unresolved", job.ID)
	}

	if err := repo.Finalize(context.Background(), "a", domain.StatusDone, 1.5, nil); err != nil {
		t.Fatalf("finalize a: %v", err)
	}

	job, err = repo.ClaimNext(context.Background(), defaultFilter())
	if err != nil || job == nil {
		t.Fatalf("claim after dep done: job=%v err=%v", job, err)
	}
	if job.ID != "b" {
		t.Fatalf("claimed %s, want b", job.ID)
	}
}

func TestClaimNext_DanglingAndSelfDependenciesBlock(t *testing.T) {
	_, db := newTestDB(t)
	repo := sqlite.NewJobRepository(db, testLogger())
	seed(t, db,
		seedJob{id: "dangling"},
		seedJob{id: "selfdep"},
	)
	addDep(t, db, "dangling", "ghost")
	addDep(t, db, "selfdep", "selfdep")

	if job, _ := repo.ClaimNext(context.Background(), defaultFilter()); job != nil {
		t.Fatalf("claimed %s, want none (all jobs blocked)", job.ID)
	}
}

func TestFinalize_TerminalAndRequeue(t *testing.T) {
	_, db := newTestDB(t)
	repo := sqlite.NewJobRepository(db, testLogger())
	seed(t, db, seedJob{id: "a"}, seedJob{id: "b"})

	for range 2 {
		if job, err := repo.ClaimNext(context.Background(), defaultFilter()); job == nil || err != nil {
			t.Fatalf("claim: job=%v err=%v", job, err)
		}
	}

	if err := repo.Finalize(context.Background(), "a", domain.StatusDone, 2.5, nil); err != nil {
		t.Fatalf("finalize done: %v", err)
	}
	msg := "Timeout: exceeded maximum runtime"
	if err := repo.Finalize(context.Background(), "b", domain.StatusPending, 60, &msg); err != nil {
		t.Fatalf("finalize requeue: %v", err)
	}

	var status string
	var finishedAt sql.NullString
	var elapsed sql.NullFloat64
	err := db.QueryRow(`
		SELECT JOBSCHEDULER_STATUS, JOBSCHEDULER_FINISHED_AT, JOBSCHEDULER_ELAPSED_TIME
		FROM jobs WHERE JOBSCHEDULER_JOB_ID = 'a'`).Scan(&status, &finishedAt, &elapsed)
	if err != nil {
		t.Fatalf("read a: %v", err)
	}
	if status != "done" || !finishedAt.Valid || elapsed.Float64 != 2.5 {
		t.Fatalf("a = %s/%v/%v", status, finishedAt, elapsed)
	}

	var startedAt, errMsg sql.NullString
	err = db.QueryRow(`
		SELECT JOBSCHEDULER_STATUS, JOBSCHEDULER_STARTED_AT, JOBSCHEDULER_ERROR_MESSAGE
		FROM jobs WHERE JOBSCHEDULER_JOB_ID = 'b'`).Scan(&status, &startedAt, &errMsg)
	if err != nil {
		t.Fatalf("read b: %v", err)
	}
	if status != "pending" || startedAt.Valid {
		t.Fatalf("requeued b = %s, started_at=%v (want pending, cleared)", status, startedAt)
	}
	if errMsg.String != msg {
		t.Fatalf("b error message = %q", errMsg.String)
	}

	// b is claimable again.
	job, err := repo.ClaimNext(context.Background(), defaultFilter())
	if err != nil || job == nil || job.ID != "b" {
		t.Fatalf("reclaim b: job=%v err=%v", job, err)
	}
}

func TestRecoverOrphans_Idempotent(t *testing.T) {
	_, db := newTestDB(t)
	repo := sqlite.NewJobRepository(db, testLogger())
	seed(t, db,
		seedJob{id: "a", status: domain.StatusRunning},
		seedJob{id: "b", status: domain.StatusRunning},
		seedJob{id: "c", status: domain.StatusDone},
	)

	n, err := repo.RecoverOrphans(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("recovered %d, want 2", n)
	}

	n, err = repo.RecoverOrphans(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second recovery: n=%d err=%v, want 0/nil", n, err)
	}

	counts, err := repo.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["pending"] != 2 || counts["running"] != 0 || counts["done"] != 1 || counts["total"] != 3 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestResetAll(t *testing.T) {
	_, db := newTestDB(t)
	repo := sqlite.NewJobRepository(db, testLogger())
	seed(t, db,
		seedJob{id: "a", status: domain.StatusDone},
		seedJob{id: "b", status: domain.StatusError},
	)

	n, err := repo.ResetAll(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("reset: n=%d err=%v", n, err)
	}

	counts, _ := repo.CountByStatus(context.Background())
	if counts["pending"] != 2 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestReadyCounts(t *testing.T) {
	_, db := newTestDB(t)
	repo := sqlite.NewJobRepository(db, testLogger())
	seed(t, db,
		seedJob{id: "dep-done", status: domain.StatusDone},
		seedJob{id: "dep-running", status: domain.StatusRunning},
		seedJob{id: "dep-error", status: domain.StatusError},
		seedJob{id: "ready"},
		seedJob{id: "ready2"},
		seedJob{id: "waiting"},
		seedJob{id: "blocked"},
	)
	addDep(t, db, "ready2", "dep-done")
	addDep(t, db, "waiting", "dep-running")
	addDep(t, db, "blocked", "dep-error")

	rc, err := repo.ReadyCounts(context.Background())
	if err != nil {
		t.Fatalf("ready counts: %v", err)
	}
	if rc.Ready != 2 || rc.Waiting != 1 || rc.Blocked != 1 {
		t.Fatalf("ready counts = %+v", rc)
	}
}

// Concurrent claimers over separate connections must never hand out the same
// job twice, and must drain the batch completely.
func TestClaimNext_ConcurrentNoDoubleClaim(t *testing.T) {
	path, db := newTestDB(t)

	const jobCount = 40
	const claimers = 8
	for i := 0; i < jobCount; i++ {
		seed(t, db, seedJob{id: jobID(i)})
	}

	var mu sync.Mutex
	claimed := map[string]int{}

	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wdb, err := sqlite.Open(context.Background(), path)
			if err != nil {
				t.Errorf("open worker connection: %v", err)
				return
			}
			defer wdb.Close()
			repo := sqlite.NewJobRepository(wdb, testLogger())

			for {
				job, err := repo.ClaimNext(context.Background(), defaultFilter())
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
				if err := repo.Finalize(context.Background(), job.ID, domain.StatusDone, 0.001, nil); err != nil {
					t.Errorf("finalize: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobCount {
		t.Fatalf("claimed %d distinct jobs, want %d", len(claimed), jobCount)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}

	repo := sqlite.NewJobRepository(db, testLogger())
	counts, err := repo.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["done"] != jobCount || counts["running"] != 0 {
		t.Fatalf("counts = %v", counts)
	}
}

func jobID(i int) string {
	return string(rune('a'+i/26)) + string(rune('a'+i%26))
}
