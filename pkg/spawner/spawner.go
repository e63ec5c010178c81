// Package spawner launches pipeline worker processes. The controller is
// fire-and-forget: it starts a worker per CR and relies on the run row and
// event stream for progress. The Spawner interface leaves room for a
// cluster-job implementation later.
package spawner

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// logAppendTimeout bounds each captured-output write to the KVS.
const logAppendTimeout = 5 * time.Second

// Spawner starts a worker for a CR.
type Spawner interface {
	Spawn(ctx context.Context, crID string) error
}

// logSink receives captured worker output. The intervention manager
// satisfies it.
type logSink interface {
	AppendWorkerLog(ctx context.Context, crID, text string) error
}

// SubprocessSpawner runs workers as local child processes.
type SubprocessSpawner struct {
	binary string
	logs   logSink
	log    *slog.Logger
}

// NewSubprocessSpawner creates a spawner for the given worker binary.
func NewSubprocessSpawner(binary string, logs logSink, log *slog.Logger) *SubprocessSpawner {
	if log == nil {
		log = slog.Default()
	}
	return &SubprocessSpawner{binary: binary, logs: logs, log: log}
}

// Spawn starts `{binary} --cr-id {id}` detached from the controller's
// signal group and captures its combined output into the worker log. The
// call returns once the process has started; a background goroutine reaps
// it.
func (s *SubprocessSpawner) Spawn(_ context.Context, crID string) error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create log pipe: %w", err)
	}

	// The worker must not die with the controller's terminal, so it gets
	// its own process group. Context deliberately not attached: workers
	// outlive the request that spawned them.
	cmd := exec.Command(s.binary, "--cr-id", crID)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return fmt.Errorf("failed to start worker for %s: %w", crID, err)
	}
	// Parent's copy of the write end; the child holds its own.
	_ = w.Close()

	s.log.Info("Spawned worker", "cr_id", crID, "pid", cmd.Process.Pid, "binary", s.binary)

	go s.capture(crID, r)
	go func() {
		if err := cmd.Wait(); err != nil {
			s.log.Warn("Worker exited with error", "cr_id", crID, "pid", cmd.Process.Pid, "error", err)
			return
		}
		s.log.Info("Worker exited", "cr_id", crID, "pid", cmd.Process.Pid)
	}()
	return nil
}

// capture streams the worker's combined output into the log sink line by
// line until the pipe closes.
func (s *SubprocessSpawner) capture(crID string, r *os.File) {
	defer func() {
		_ = r.Close()
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ctx, cancel := context.WithTimeout(context.Background(), logAppendTimeout)
		if err := s.logs.AppendWorkerLog(ctx, crID, scanner.Text()+"\n"); err != nil {
			s.log.Warn("Failed to capture worker log line", "cr_id", crID, "error", err)
		}
		cancel()
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn("Worker log capture ended with error", "cr_id", crID, "error", err)
	}
}
