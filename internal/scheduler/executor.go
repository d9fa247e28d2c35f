package scheduler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jobshed/jobshed/internal/domain"
)

// Exit codes synthesized by the supervisor. Any other nonzero value is the
// child's own exit code.
const (
	// ExitInterrupted marks a run cut short by timeout or shutdown; the
	// worker re-queues the job.
	ExitInterrupted = -2
	// ExitSpawnFailure marks a run that never started.
	ExitSpawnFailure = -1
)

const (
	pollInterval = 100 * time.Millisecond
	// termGrace is how long a child gets between SIGTERM and SIGKILL.
	termGrace = 5 * time.Second
	// drainGrace bounds the wait for the output pumps after process exit;
	// lines still buffered past it are dropped.
	drainGrace = 2 * time.Second
)

// ExecutionResult is the supervisor's verdict on one subprocess run.
type ExecutionResult struct {
	ExitCode   int
	Elapsed    time.Duration
	ErrMessage string // empty when the run succeeded
}

// Executor spawns the user command once per claimed job, with the job's user
// columns appended as arguments, and supervises it against a deadline.
type Executor struct {
	command   string
	namedArgs bool
	logger    *slog.Logger
}

func NewExecutor(command string, namedArgs bool, logger *slog.Logger) *Executor {
	return &Executor{
		command:   command,
		namedArgs: namedArgs,
		logger:    logger.With("component", "executor"),
	}
}

// BuildArgv tokenizes the configured command and appends the job's user
// columns in declared column order, skipping NULLs. A bare ".sh" script gets
// "bash" prepended.
func (e *Executor) BuildArgv(job *domain.Job) []string {
	argv := strings.Fields(e.command)

	if len(argv) == 1 && strings.HasSuffix(argv[0], ".sh") && !strings.HasPrefix(argv[0], "bash") {
		argv = append([]string{"bash"}, argv...)
	}

	for _, arg := range job.Args {
		if arg.Value == nil {
			continue
		}
		if e.namedArgs {
			argv = append(argv, "--"+arg.Column, *arg.Value)
		} else {
			argv = append(argv, *arg.Value)
		}
	}
	return argv
}

// Run executes the job's subprocess and supervises it until it exits, the
// deadline passes, or ctx is cancelled. Cancellation and timeout both follow
// the SIGTERM, grace, SIGKILL sequence and synthesize ExitInterrupted.
func (e *Executor) Run(ctx context.Context, job *domain.Job, deadline time.Duration) ExecutionResult {
	start := time.Now()

	argv := e.BuildArgv(job)
	if len(argv) == 0 {
		return ExecutionResult{
			ExitCode:   ExitSpawnFailure,
			Elapsed:    time.Since(start),
			ErrMessage: "Exception: empty command",
		}
	}

	e.logger.InfoContext(ctx, "job starting", "command", strings.Join(argv, " "))

	cmd := exec.Command(argv[0], argv[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ExecutionResult{ExitCode: ExitSpawnFailure, Elapsed: time.Since(start), ErrMessage: "Exception: " + err.Error()}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ExecutionResult{ExitCode: ExitSpawnFailure, Elapsed: time.Since(start), ErrMessage: "Exception: " + err.Error()}
	}

	if err := cmd.Start(); err != nil {
		return ExecutionResult{ExitCode: ExitSpawnFailure, Elapsed: time.Since(start), ErrMessage: "Exception: " + err.Error()}
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go e.pumpLines(ctx, stdout, "stdout", &pumps)
	go e.pumpLines(ctx, stderr, "stderr", &pumps)

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	exitCode, errMessage := e.superviseWait(ctx, cmd, waitDone, start.Add(deadline))
	elapsed := time.Since(start)

	// Give the pumps a bounded window to flush what the child wrote.
	drained := make(chan struct{})
	go func() {
		pumps.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainGrace):
	}

	if exitCode != 0 && errMessage == "" {
		errMessage = fmt.Sprintf("Process exited with code %d", exitCode)
	}

	e.logger.InfoContext(ctx, "job finished",
		"exit_code", exitCode,
		"elapsed", elapsed.Round(10*time.Millisecond),
	)
	return ExecutionResult{ExitCode: exitCode, Elapsed: elapsed, ErrMessage: errMessage}
}

// superviseWait polls the child at a fixed cadence, enforcing the deadline and
// the shutdown flag. Returns the effective exit code and, for interruptions,
// the reason.
func (e *Executor) superviseWait(ctx context.Context, cmd *exec.Cmd, waitDone <-chan error, deadlineAt time.Time) (int, string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-waitDone:
			return exitCodeOf(cmd, err), ""

		case <-ctx.Done():
			e.logger.WarnContext(ctx, "shutdown requested, terminating job")
			e.terminate(ctx, cmd, waitDone)
			return ExitInterrupted, "Interrupted by shutdown signal"

		case <-ticker.C:
			if time.Now().After(deadlineAt) {
				e.logger.WarnContext(ctx, "job exceeded maximum runtime, terminating")
				e.terminate(ctx, cmd, waitDone)
				return ExitInterrupted, "Timeout: exceeded maximum runtime"
			}
		}
	}
}

// terminate asks the child to exit, then kills it after the grace period.
func (e *Executor) terminate(ctx context.Context, cmd *exec.Cmd, waitDone <-chan error) {
	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-waitDone:
		return
	case <-time.After(termGrace):
		e.logger.WarnContext(ctx, "job did not terminate gracefully, killing")
		_ = cmd.Process.Kill()
		<-waitDone
	}
}

// pumpLines forwards one output stream to the logger, line by line. The pump
// ends when the child's end of the pipe closes.
func (e *Executor) pumpLines(ctx context.Context, r io.Reader, stream string, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		e.logger.InfoContext(ctx, "job output", "stream", stream, "line", scanner.Text())
	}
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return ExitSpawnFailure
}
