// Package viewer is the read-only progress surface over the job store. It
// never writes; WAL lets it read while workers hold the write lock.
package viewer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jobshed/jobshed/internal/infrastructure/sqlite"
)

const recentLimit = 5

// Snapshot bundles everything one refresh of the viewer shows.
type Snapshot struct {
	Counts  map[string]int       `json:"counts"`
	Ready   sqlite.ReadyCounts   `json:"ready"`
	Running []sqlite.RunningJob  `json:"running"`
	Recent  []sqlite.FinishedJob `json:"recent"`
}

// Collect reads one consistent-enough snapshot of batch progress.
func Collect(ctx context.Context, repo *sqlite.JobRepository) (*Snapshot, error) {
	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	ready, err := repo.ReadyCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("ready counts: %w", err)
	}
	running, err := repo.RunningJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("running jobs: %w", err)
	}
	recent, err := repo.RecentFinished(ctx, recentLimit)
	if err != nil {
		return nil, fmt.Errorf("recent finished: %w", err)
	}
	return &Snapshot{Counts: counts, Ready: ready, Running: running, Recent: recent}, nil
}

// Render writes a human-readable progress report.
func (s *Snapshot) Render(w io.Writer) {
	now := time.Now().Format("2006-01-02 15:04:05")
	fmt.Fprintf(w, "Job progress  (%s)\n", now)
	fmt.Fprintf(w, "  Total:   %d\n", s.Counts["total"])
	fmt.Fprintf(w, "  Pending: %d  (ready %d, waiting %d, blocked %d)\n",
		s.Counts["pending"], s.Ready.Ready, s.Ready.Waiting, s.Ready.Blocked)
	fmt.Fprintf(w, "  Running: %d\n", s.Counts["running"])
	fmt.Fprintf(w, "  Done:    %d\n", s.Counts["done"])
	fmt.Fprintf(w, "  Error:   %d\n", s.Counts["error"])

	if len(s.Running) > 0 {
		fmt.Fprintln(w, "\nRunning jobs:")
		for _, j := range s.Running {
			fmt.Fprintf(w, "  %-24s started=%s worker=%s heartbeat=%s\n",
				j.ID, deref(j.StartedAt), deref(j.WorkerID), deref(j.Heartbeat))
		}
	}

	if len(s.Recent) > 0 {
		fmt.Fprintln(w, "\nRecently finished:")
		for _, j := range s.Recent {
			line := fmt.Sprintf("  %-24s %-7s finished=%s", j.ID, j.Status, deref(j.FinishedAt))
			if j.ElapsedTime != nil {
				line += fmt.Sprintf(" elapsed=%.2fs", *j.ElapsedTime)
			}
			if j.ErrorMessage != nil {
				line += " error=" + *j.ErrorMessage
			}
			fmt.Fprintln(w, line)
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
