// Package worktree manages the git working copies the pipeline operates
// on: one shared bare mirror per repository plus one worktree per change
// request, on a dedicated ai/cr-{id} branch.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	// BranchPrefix is prepended to the change request id to name its branch.
	BranchPrefix = "ai/cr-"

	gitTimeout = 5 * time.Minute
)

// Manager owns a workspace directory holding mirrors and per-CR worktrees.
type Manager struct {
	workspaceDir string
	log          *slog.Logger
}

// NewManager creates the workspace layout under workspaceDir.
func NewManager(workspaceDir string, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	for _, sub := range []string{"repos", "runs"} {
		if err := os.MkdirAll(filepath.Join(workspaceDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace directory: %w", err)
		}
	}
	return &Manager{workspaceDir: workspaceDir, log: log}, nil
}

// BranchName returns the pipeline branch for a change request.
func BranchName(crID string) string {
	return BranchPrefix + crID
}

// RepoName derives a directory-safe name from a repository URL.
func RepoName(repoURL string) string {
	name := strings.TrimSuffix(repoURL, "/")
	name = strings.TrimSuffix(name, ".git")
	if i := strings.LastIndexAny(name, "/:"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		name = "repo"
	}
	return name
}

func (m *Manager) mirrorPath(repoURL string) string {
	return filepath.Join(m.workspaceDir, "repos", RepoName(repoURL)+".git")
}

// WorktreePath returns the checkout directory for one CR and repository.
func (m *Manager) WorktreePath(crID, repoURL string) string {
	return filepath.Join(m.workspaceDir, "runs", "cr-"+crID, RepoName(repoURL))
}

// EnsureMirror clones a bare mirror of the repository on first use and
// refreshes it on every later call.
func (m *Manager) EnsureMirror(ctx context.Context, repoURL string) (string, error) {
	path := m.mirrorPath(repoURL)
	if _, err := os.Stat(path); err == nil {
		if _, err := m.git(ctx, path, "fetch", "--all", "--prune"); err != nil {
			return "", fmt.Errorf("failed to refresh mirror for %s: %w", repoURL, err)
		}
		return path, nil
	}

	m.log.Info("cloning mirror", "repo", repoURL)
	if _, err := m.git(ctx, m.workspaceDir, "clone", "--mirror", repoURL, path); err != nil {
		return "", fmt.Errorf("failed to clone mirror for %s: %w", repoURL, err)
	}
	return path, nil
}

// AddWorktree checks out a fresh worktree for the CR on a new branch cut
// from the base branch. An existing checkout for the same CR is reused.
func (m *Manager) AddWorktree(ctx context.Context, crID, repoURL, baseBranch string) (string, error) {
	mirror, err := m.EnsureMirror(ctx, repoURL)
	if err != nil {
		return "", err
	}

	path := m.WorktreePath(crID, repoURL)
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create worktree parent: %w", err)
	}

	branch := BranchName(crID)
	if _, err := m.git(ctx, m.workspaceDir, "clone", "--origin", "origin", mirror, path); err != nil {
		return "", fmt.Errorf("failed to clone worktree for %s: %w", crID, err)
	}
	// Point pushes at the real remote, not the local mirror.
	if _, err := m.git(ctx, path, "remote", "set-url", "origin", repoURL); err != nil {
		return "", fmt.Errorf("failed to set remote for %s: %w", crID, err)
	}
	if _, err := m.git(ctx, path, "checkout", "-B", branch, "origin/"+baseBranch); err != nil {
		// Branch may already exist on the remote from a previous run.
		if _, err2 := m.git(ctx, path, "checkout", "-B", branch, baseBranch); err2 != nil {
			return "", fmt.Errorf("failed to create branch %s: %w", branch, err)
		}
	}
	return path, nil
}

// RecoverFromRemote rebuilds a worktree's state from the pushed branch,
// used when a restarted worker resumes a CR whose local checkout is stale.
func (m *Manager) RecoverFromRemote(ctx context.Context, dir, crID string) error {
	branch := BranchName(crID)
	if _, err := m.git(ctx, dir, "fetch", "origin", branch); err != nil {
		return fmt.Errorf("failed to fetch %s: %w", branch, err)
	}
	if _, err := m.git(ctx, dir, "reset", "--hard", "origin/"+branch); err != nil {
		return fmt.Errorf("failed to reset to origin/%s: %w", branch, err)
	}
	return nil
}

// CommitAndPush stages everything, commits with the given message when
// there is anything to commit, and pushes the current branch.
func (m *Manager) CommitAndPush(ctx context.Context, dir, message string) error {
	if _, err := m.git(ctx, dir, "add", "-A"); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}
	status, err := m.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	if strings.TrimSpace(status) != "" {
		if _, err := m.git(ctx, dir, "commit", "-m", message); err != nil {
			return fmt.Errorf("failed to commit: %w", err)
		}
	}

	branch, err := m.CurrentBranch(ctx, dir)
	if err != nil {
		return err
	}
	if _, err := m.git(ctx, dir, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("failed to push %s: %w", branch, err)
	}
	return nil
}

// CurrentBranch returns the checked-out branch name.
func (m *Manager) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := m.git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Diff returns the three-dot diff of the worktree branch against base.
func (m *Manager) Diff(ctx context.Context, dir, baseBranch string) (string, error) {
	out, err := m.git(ctx, dir, "diff", baseBranch+"...HEAD")
	if err != nil {
		// The base may only exist on the remote in a fresh clone.
		out, err = m.git(ctx, dir, "diff", "origin/"+baseBranch+"...HEAD")
		if err != nil {
			return "", fmt.Errorf("failed to diff against %s: %w", baseBranch, err)
		}
	}
	return out, nil
}

// ChangedFiles lists the files the worktree branch touched relative to base.
func (m *Manager) ChangedFiles(ctx context.Context, dir, baseBranch string) ([]string, error) {
	out, err := m.git(ctx, dir, "diff", "--name-only", baseBranch+"...HEAD")
	if err != nil {
		out, err = m.git(ctx, dir, "diff", "--name-only", "origin/"+baseBranch+"...HEAD")
		if err != nil {
			return nil, fmt.Errorf("failed to list changed files: %w", err)
		}
	}
	return splitLines(out), nil
}

// Rebase rebases the worktree branch onto the freshly fetched base branch.
// A conflicting rebase is left in progress so the conflict resolver can
// work on the markers; callers decide between ContinueRebase and
// AbortRebase.
func (m *Manager) Rebase(ctx context.Context, dir, baseBranch string) (clean bool, err error) {
	if _, err := m.git(ctx, dir, "fetch", "origin", baseBranch); err != nil {
		return false, fmt.Errorf("failed to fetch %s: %w", baseBranch, err)
	}
	if _, err := m.git(ctx, dir, "rebase", "origin/"+baseBranch); err != nil {
		conflicts, listErr := m.ConflictFiles(ctx, dir)
		if listErr == nil && len(conflicts) > 0 {
			return false, nil
		}
		// Not a content conflict; leave nothing in progress.
		_, _ = m.git(ctx, dir, "rebase", "--abort")
		return false, fmt.Errorf("failed to rebase onto %s: %w", baseBranch, err)
	}
	return true, nil
}

// ConflictFiles lists paths with unresolved merge conflicts.
func (m *Manager) ConflictFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := m.git(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	return splitLines(out), nil
}

// ContinueRebase stages resolutions and continues an in-progress rebase.
func (m *Manager) ContinueRebase(ctx context.Context, dir string) (clean bool, err error) {
	if _, err := m.git(ctx, dir, "add", "-A"); err != nil {
		return false, fmt.Errorf("failed to stage resolutions: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := m.gitCmd(ctx, dir, "rebase", "--continue")
	cmd.Env = append(cmd.Env, "GIT_EDITOR=true")
	if out, err := cmd.CombinedOutput(); err != nil {
		conflicts, listErr := m.ConflictFiles(ctx, dir)
		if listErr == nil && len(conflicts) > 0 {
			return false, nil
		}
		return false, fmt.Errorf("failed to continue rebase: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return true, nil
}

// AbortRebase abandons an in-progress rebase and restores the branch.
func (m *Manager) AbortRebase(ctx context.Context, dir string) error {
	if _, err := m.git(ctx, dir, "rebase", "--abort"); err != nil {
		return fmt.Errorf("failed to abort rebase: %w", err)
	}
	return nil
}

// ForcePush force-pushes the current branch, required after a rebase.
func (m *Manager) ForcePush(ctx context.Context, dir string) error {
	branch, err := m.CurrentBranch(ctx, dir)
	if err != nil {
		return err
	}
	if _, err := m.git(ctx, dir, "push", "--force-with-lease", "origin", branch); err != nil {
		return fmt.Errorf("failed to force push %s: %w", branch, err)
	}
	return nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := m.gitCmd(ctx, dir, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

func (m *Manager) gitCmd(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Never block a pipeline on a credential prompt.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
