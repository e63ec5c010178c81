package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	e, err := NewExecutor(t.TempDir())
	require.NoError(t, err)
	return e
}

func TestReadWriteRoundTrip(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	result := e.Execute(ctx, ToolWriteFile, map[string]any{"path": "src/app.go", "content": "package app\n"})
	assert.Contains(t, result, "Wrote 12 bytes")

	result = e.Execute(ctx, ToolReadFile, map[string]any{"path": "src/app.go"})
	assert.Equal(t, "package app\n", result)
}

func TestReadFileTruncation(t *testing.T) {
	e := newTestExecutor(t)
	big := strings.Repeat("a", maxReadBytes+500)
	require.NoError(t, os.WriteFile(filepath.Join(e.WorkDir(), "big.txt"), []byte(big), 0o644))

	result := e.Execute(context.Background(), ToolReadFile, map[string]any{"path": "big.txt"})
	assert.True(t, strings.HasSuffix(result, truncationMarker))
	assert.Len(t, result, maxReadBytes+len(truncationMarker))
}

func TestReadMissingFile(t *testing.T) {
	e := newTestExecutor(t)
	result := e.Execute(context.Background(), ToolReadFile, map[string]any{"path": "nope.txt"})
	assert.True(t, strings.HasPrefix(result, "Error:"), result)
}

func TestPathEscapeRejected(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	for _, path := range []string{"../../etc/passwd", "/etc/passwd", "a/../../outside"} {
		result := e.Execute(ctx, ToolReadFile, map[string]any{"path": path})
		assert.Equal(t, fmt.Sprintf("Error: Path escapes working directory: %s", path), result)
	}
}

func TestSymlinkEscapeRejected(t *testing.T) {
	e := newTestExecutor(t)
	outside := t.TempDir()
	link := filepath.Join(e.WorkDir(), "sneaky")
	require.NoError(t, os.Symlink(outside, link))

	result := e.Execute(context.Background(), ToolReadFile, map[string]any{"path": "sneaky/secret.txt"})
	assert.Contains(t, result, "Path escapes working directory")
}

func TestWriteCreatesParents(t *testing.T) {
	e := newTestExecutor(t)
	result := e.Execute(context.Background(), ToolWriteFile, map[string]any{
		"path": "deep/nested/dir/file.txt", "content": "x",
	})
	assert.Contains(t, result, "Wrote 1 bytes")

	data, err := os.ReadFile(filepath.Join(e.WorkDir(), "deep/nested/dir/file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestListDirectory(t *testing.T) {
	e := newTestExecutor(t)
	require.NoError(t, os.MkdirAll(filepath.Join(e.WorkDir(), "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.WorkDir(), "b.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(e.WorkDir(), "a.txt"), nil, 0o644))

	result := e.Execute(context.Background(), ToolListDirectory, map[string]any{})
	assert.Equal(t, "d sub\nf a.txt\nf b.txt", result)
}

func TestListDirectoryEmpty(t *testing.T) {
	e := newTestExecutor(t)
	result := e.Execute(context.Background(), ToolListDirectory, map[string]any{"path": "."})
	assert.Equal(t, "(empty directory)", result)
}

func TestListDirectoryCap(t *testing.T) {
	e := newTestExecutor(t)
	for i := 0; i < maxDirEntries+10; i++ {
		name := fmt.Sprintf("f%04d.txt", i)
		require.NoError(t, os.WriteFile(filepath.Join(e.WorkDir(), name), nil, 0o644))
	}

	result := e.Execute(context.Background(), ToolListDirectory, map[string]any{})
	lines := strings.Split(result, "\n")
	assert.Len(t, lines, maxDirEntries+1)
	assert.Contains(t, lines[len(lines)-1], "10 more entries")
}

func TestRunCommand(t *testing.T) {
	e := newTestExecutor(t)
	result := e.Execute(context.Background(), ToolRunCommand, map[string]any{"command": "echo hello"})
	assert.Equal(t, "Exit code: 0\nhello\n", result)
}

func TestRunCommandNonZeroExit(t *testing.T) {
	e := newTestExecutor(t)
	result := e.Execute(context.Background(), ToolRunCommand, map[string]any{"command": "exit 3"})
	assert.Equal(t, "Exit code: 3\n", result)
}

func TestRunCommandMergesStderr(t *testing.T) {
	e := newTestExecutor(t)
	result := e.Execute(context.Background(), ToolRunCommand, map[string]any{"command": "echo out; echo err 1>&2"})
	assert.Contains(t, result, "out")
	assert.Contains(t, result, "err")
}

func TestRunCommandScrubbedEnv(t *testing.T) {
	t.Setenv("HADRON_POSTGRES_URL", "postgres://secret")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-secret")
	t.Setenv("GH_TOKEN", "ghp_secret")
	t.Setenv("HARMLESS_VAR", "visible")

	e := newTestExecutor(t)
	result := e.Execute(context.Background(), ToolRunCommand, map[string]any{"command": "env"})

	assert.NotContains(t, result, "secret")
	assert.Contains(t, result, "HARMLESS_VAR=visible")
	assert.Contains(t, result, "PYTHONDONTWRITEBYTECODE=1")
	assert.Contains(t, result, "PATH=")
}

func TestUnknownTool(t *testing.T) {
	e := newTestExecutor(t)
	result := e.Execute(context.Background(), "delete_everything", nil)
	assert.Equal(t, "Error: Unknown tool: delete_everything", result)
}

func TestScrubEnv(t *testing.T) {
	environ := []string{
		"PATH=/usr/bin",
		"HOME=/home/u",
		"HADRON_REDIS_URL=redis://x",
		"AWS_SECRET_ACCESS_KEY=abc",
		"DATABASE_URL=postgres://y",
		"SECRET_KEY=z",
		"LANG=C",
	}
	scrubbed := ScrubEnv(environ)
	joined := strings.Join(scrubbed, "\n")

	assert.Contains(t, joined, "PATH=/usr/bin")
	assert.Contains(t, joined, "HOME=/home/u")
	assert.Contains(t, joined, "LANG=C")
	assert.Contains(t, joined, "PYTHONDONTWRITEBYTECODE=1")
	assert.NotContains(t, joined, "HADRON_")
	assert.NotContains(t, joined, "AWS_")
	assert.NotContains(t, joined, "DATABASE_URL")
	assert.NotContains(t, joined, "SECRET_KEY")
}

func TestDefinitions(t *testing.T) {
	defs := Definitions(AllToolNames)
	assert.Len(t, defs, 4)
	defs = Definitions(ReadOnlyToolNames)
	require.Len(t, defs, 2)
	assert.Equal(t, ToolReadFile, defs[0].Name)
	assert.Equal(t, ToolListDirectory, defs[1].Name)
}
