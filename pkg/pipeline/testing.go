package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/hadron-ai/hadron/pkg/agent/tools"
)

const (
	testTimeout       = 120 * time.Second
	testOutputTail    = 3000
	maxTestOutputSize = 50_000
)

// RunTests executes a repo's test command inside its worktree with the
// same scrubbed environment and kill-on-timeout semantics as run_command.
// The {cr_id} placeholder in the command is substituted before execution.
func RunTests(ctx context.Context, dir, command, crID string) (bool, string) {
	command = strings.ReplaceAll(command, "{cr_id}", crID)

	ctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = tools.ScrubEnv(os.Environ())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return false, fmt.Sprintf("Test command timed out after %d seconds", int(testTimeout.Seconds()))
	}

	text := string(output)
	if len(text) > maxTestOutputSize {
		text = text[len(text)-maxTestOutputSize:]
	}
	if err != nil {
		return false, text
	}
	return true, text
}

// outputTail returns the last n characters of test output, the part that
// carries the failure summary in most test runners.
func outputTail(output string, n int) string {
	if len(output) <= n {
		return output
	}
	return output[len(output)-n:]
}
