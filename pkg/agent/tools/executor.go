// Package tools implements the sandboxed tool surface exposed to agents:
// read_file, write_file, list_directory, and run_command, all confined to
// a single working directory.
//
// Tool failures never surface as Go errors. Every failure becomes an
// "Error: ..." string in the tool result so the model can observe it and
// react within the conversation.
package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Tool names.
const (
	ToolReadFile      = "read_file"
	ToolWriteFile     = "write_file"
	ToolListDirectory = "list_directory"
	ToolRunCommand    = "run_command"
)

const (
	maxReadBytes     = 100_000
	maxCommandOutput = 50_000
	maxDirEntries    = 200
	commandTimeout   = 120 * time.Second
	truncationMarker = "\n...(truncated)"
)

// AllToolNames is the full tool surface, in the order presented to models.
var AllToolNames = []string{ToolReadFile, ToolWriteFile, ToolListDirectory, ToolRunCommand}

// ReadOnlyToolNames is the restricted surface used by the Explore phase.
var ReadOnlyToolNames = []string{ToolReadFile, ToolListDirectory}

// Executor runs tools inside a fixed working directory.
type Executor struct {
	workDir string
}

// NewExecutor creates an executor rooted at workDir. The directory must
// exist; its resolved path is the confinement boundary for every tool.
func NewExecutor(workDir string) (*Executor, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve working directory: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("working directory does not exist: %w", err)
	}
	return &Executor{workDir: resolved}, nil
}

// WorkDir returns the confinement root.
func (e *Executor) WorkDir() string {
	return e.workDir
}

// Execute runs a named tool with the given input and returns its string
// result. Unknown tools and all failures are reported in the result.
func (e *Executor) Execute(ctx context.Context, name string, input map[string]any) string {
	switch name {
	case ToolReadFile:
		return e.readFile(stringInput(input, "path"))
	case ToolWriteFile:
		return e.writeFile(stringInput(input, "path"), stringInput(input, "content"))
	case ToolListDirectory:
		path := stringInput(input, "path")
		if path == "" {
			path = "."
		}
		return e.listDirectory(path)
	case ToolRunCommand:
		return e.runCommand(ctx, stringInput(input, "command"))
	default:
		return fmt.Sprintf("Error: Unknown tool: %s", name)
	}
}

func stringInput(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

// resolvePath resolves a user-supplied path against the working directory,
// following symlinks, and rejects anything that escapes it. This is the
// single confinement check for every filesystem tool.
func (e *Executor) resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(e.workDir, abs)
	}
	abs = filepath.Clean(abs)

	// The target may not exist yet (write_file), so resolve symlinks on
	// the deepest existing ancestor and rejoin the remainder.
	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", err
	}

	if resolved != e.workDir && !strings.HasPrefix(resolved, e.workDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes working directory")
	}
	return resolved, nil
}

func resolveExisting(path string) (string, error) {
	var suffix []string
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(append([]string{resolved}, suffix...)...), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", os.ErrNotExist
		}
		suffix = append([]string{filepath.Base(current)}, suffix...)
		current = parent
	}
}

func (e *Executor) readFile(path string) string {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return pathError(path, err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return fmt.Sprintf("Error: Failed to read %s: %v", path, err)
	}
	if len(data) > maxReadBytes {
		return string(data[:maxReadBytes]) + truncationMarker
	}
	return string(data)
}

func (e *Executor) writeFile(path, content string) string {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return pathError(path, err)
	}
	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Sprintf("Error: Failed to create directories for %s: %v", path, err)
	}

	// Atomic write: temp file in the target directory, then rename.
	tmp, err := os.CreateTemp(dir, ".hadron-write-*")
	if err != nil {
		return fmt.Sprintf("Error: Failed to write %s: %v", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Sprintf("Error: Failed to write %s: %v", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Sprintf("Error: Failed to write %s: %v", path, err)
	}
	if err := os.Rename(tmpName, resolved); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Sprintf("Error: Failed to write %s: %v", path, err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path)
}

func (e *Executor) listDirectory(path string) string {
	resolved, err := e.resolvePath(path)
	if err != nil {
		return pathError(path, err)
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return fmt.Sprintf("Error: Failed to list %s: %v", path, err)
	}
	if len(entries) == 0 {
		return "(empty directory)"
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		prefix := "f "
		if entry.IsDir() {
			prefix = "d "
		}
		names = append(names, prefix+entry.Name())
	}
	sort.Strings(names)

	if len(names) > maxDirEntries {
		names = names[:maxDirEntries]
		names = append(names, fmt.Sprintf("... (%d more entries)", len(entries)-maxDirEntries))
	}
	return strings.Join(names, "\n")
}

func (e *Executor) runCommand(ctx context.Context, command string) string {
	if strings.TrimSpace(command) == "" {
		return "Error: command is required"
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.workDir
	cmd.Env = ScrubEnv(os.Environ())
	// Run the shell in its own process group so a timeout kills the whole
	// tree, not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("Error: Command timed out after %d seconds", int(commandTimeout.Seconds()))
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return fmt.Sprintf("Error: Failed to run command: %v", err)
		}
	}

	text := string(output)
	if len(text) > maxCommandOutput {
		text = text[:maxCommandOutput] + truncationMarker
	}
	return fmt.Sprintf("Exit code: %d\n%s", exitCode, text)
}

func pathError(path string, err error) string {
	if strings.Contains(err.Error(), "escapes working directory") {
		return fmt.Sprintf("Error: Path escapes working directory: %s", path)
	}
	return fmt.Sprintf("Error: Invalid path %s: %v", path, err)
}
