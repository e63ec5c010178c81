package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Setenv("GIT_AUTHOR_NAME", "hadron-test")
	t.Setenv("GIT_AUTHOR_EMAIL", "hadron-test@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "hadron-test")
	t.Setenv("GIT_COMMITTER_EMAIL", "hadron-test@example.com")
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

// initRemote creates a bare "remote" with one commit on main and returns
// its path plus a seed clone for pushing further commits.
func initRemote(t *testing.T) (remote, seed string) {
	t.Helper()
	requireGit(t)

	remote = filepath.Join(t.TempDir(), "origin.git")
	runGit(t, t.TempDir(), "init", "--bare", "-b", "main", remote)

	seed = t.TempDir()
	runGit(t, seed, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(seed, "README.md"), []byte("# demo\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(seed, "app.py"), []byte("print('v1')\n"), 0o644))
	runGit(t, seed, "add", "-A")
	runGit(t, seed, "commit", "-m", "initial")
	runGit(t, seed, "remote", "add", "origin", remote)
	runGit(t, seed, "push", "origin", "main")
	return remote, seed
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	return m
}

func TestRepoName(t *testing.T) {
	assert.Equal(t, "demo", RepoName("https://github.com/acme/demo.git"))
	assert.Equal(t, "demo", RepoName("git@github.com:acme/demo.git"))
	assert.Equal(t, "demo", RepoName("/tmp/repos/demo"))
	assert.Equal(t, "repo", RepoName(""))
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "ai/cr-CR-1234abcd", BranchName("CR-1234abcd"))
}

func TestEnsureMirrorIdempotent(t *testing.T) {
	remote, _ := initRemote(t)
	m := newManager(t)
	ctx := context.Background()

	first, err := m.EnsureMirror(ctx, remote)
	require.NoError(t, err)
	assert.DirExists(t, first)

	second, err := m.EnsureMirror(ctx, remote)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAddWorktreeCreatesBranch(t *testing.T) {
	remote, _ := initRemote(t)
	m := newManager(t)
	ctx := context.Background()

	dir, err := m.AddWorktree(ctx, "CR-1", remote, "main")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "README.md"))

	branch, err := m.CurrentBranch(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, "ai/cr-CR-1", branch)

	// Second call reuses the checkout.
	again, err := m.AddWorktree(ctx, "CR-1", remote, "main")
	require.NoError(t, err)
	assert.Equal(t, dir, again)
}

func TestCommitAndPush(t *testing.T) {
	remote, _ := initRemote(t)
	m := newManager(t)
	ctx := context.Background()

	dir, err := m.AddWorktree(ctx, "CR-2", remote, "main")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "feature.py"), []byte("print('new')\n"), 0o644))
	require.NoError(t, m.CommitAndPush(ctx, dir, "add feature"))

	refs := runGit(t, remote, "branch")
	assert.Contains(t, refs, "ai/cr-CR-2")

	// No pending changes: commit is skipped, push still succeeds.
	require.NoError(t, m.CommitAndPush(ctx, dir, "noop"))
}

func TestDiffAndChangedFiles(t *testing.T) {
	remote, _ := initRemote(t)
	m := newManager(t)
	ctx := context.Background()

	dir, err := m.AddWorktree(ctx, "CR-3", remote, "main")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('v2')\n"), 0o644))
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-m", "bump")

	diff, err := m.Diff(ctx, dir, "main")
	require.NoError(t, err)
	assert.Contains(t, diff, "-print('v1')")
	assert.Contains(t, diff, "+print('v2')")

	files, err := m.ChangedFiles(ctx, dir, "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"app.py"}, files)
}

func TestRebaseCleanAndForcePush(t *testing.T) {
	remote, seed := initRemote(t)
	m := newManager(t)
	ctx := context.Background()

	dir, err := m.AddWorktree(ctx, "CR-4", remote, "main")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "feature.py"), []byte("print('feat')\n"), 0o644))
	require.NoError(t, m.CommitAndPush(ctx, dir, "feature"))

	// Base advances with a non-conflicting change.
	require.NoError(t, os.WriteFile(filepath.Join(seed, "other.py"), []byte("print('other')\n"), 0o644))
	runGit(t, seed, "add", "-A")
	runGit(t, seed, "commit", "-m", "other")
	runGit(t, seed, "push", "origin", "main")

	clean, err := m.Rebase(ctx, dir, "main")
	require.NoError(t, err)
	assert.True(t, clean)
	require.NoError(t, m.ForcePush(ctx, dir))
}

func TestRebaseConflictResolveContinue(t *testing.T) {
	remote, seed := initRemote(t)
	m := newManager(t)
	ctx := context.Background()

	dir, err := m.AddWorktree(ctx, "CR-5", remote, "main")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('cr change')\n"), 0o644))
	require.NoError(t, m.CommitAndPush(ctx, dir, "cr change"))

	// Conflicting change lands on main.
	require.NoError(t, os.WriteFile(filepath.Join(seed, "app.py"), []byte("print('main change')\n"), 0o644))
	runGit(t, seed, "add", "-A")
	runGit(t, seed, "commit", "-m", "main change")
	runGit(t, seed, "push", "origin", "main")

	clean, err := m.Rebase(ctx, dir, "main")
	require.NoError(t, err)
	assert.False(t, clean)

	conflicts, err := m.ConflictFiles(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"app.py"}, conflicts)

	// Resolve and continue.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('merged')\n"), 0o644))
	clean, err = m.ContinueRebase(ctx, dir)
	require.NoError(t, err)
	assert.True(t, clean)

	conflicts, err = m.ConflictFiles(ctx, dir)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestRebaseConflictAbort(t *testing.T) {
	remote, seed := initRemote(t)
	m := newManager(t)
	ctx := context.Background()

	dir, err := m.AddWorktree(ctx, "CR-6", remote, "main")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('cr change')\n"), 0o644))
	require.NoError(t, m.CommitAndPush(ctx, dir, "cr change"))

	require.NoError(t, os.WriteFile(filepath.Join(seed, "app.py"), []byte("print('main change')\n"), 0o644))
	runGit(t, seed, "add", "-A")
	runGit(t, seed, "commit", "-m", "main change")
	runGit(t, seed, "push", "origin", "main")

	clean, err := m.Rebase(ctx, dir, "main")
	require.NoError(t, err)
	require.False(t, clean)

	require.NoError(t, m.AbortRebase(ctx, dir))

	data, err := os.ReadFile(filepath.Join(dir, "app.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('cr change')\n", string(data))
}

func TestRecoverFromRemote(t *testing.T) {
	remote, _ := initRemote(t)
	m := newManager(t)
	ctx := context.Background()

	dir, err := m.AddWorktree(ctx, "CR-7", remote, "main")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pushed.py"), []byte("print('pushed')\n"), 0o644))
	require.NoError(t, m.CommitAndPush(ctx, dir, "pushed"))

	// Local-only damage after the push.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pushed.py"), []byte("garbage"), 0o644))

	require.NoError(t, m.RecoverFromRemote(ctx, dir, "CR-7"))
	data, err := os.ReadFile(filepath.Join(dir, "pushed.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('pushed')\n", string(data))
}

func TestDirectoryTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "pkg", "deep", "deeper"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "lodash"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.py"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "pkg", "util.py"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "pkg", "deep", "hidden.py"), nil, 0o644))

	tree, err := DirectoryTree(root)
	require.NoError(t, err)

	assert.Contains(t, tree, "src/")
	assert.Contains(t, tree, "  main.py")
	assert.Contains(t, tree, "    util.py")
	assert.NotContains(t, tree, "node_modules")
	assert.NotContains(t, tree, ".git")
	// Depth is capped at three levels.
	assert.NotContains(t, tree, "hidden.py")
	assert.True(t, strings.HasPrefix(tree, "src/") || strings.Contains(tree, "README.md"))
}
