package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hadron-ai/hadron/pkg/agent"
	"github.com/hadron-ai/hadron/pkg/models"
	"github.com/hadron-ai/hadron/pkg/worktree"
)

// runRepoID validates the affected repository list. This design trusts
// the repositories named at submission time and does not discover more.
func (p *Pipeline) runRepoID(_ context.Context, st *models.PipelineState) (models.Delta, error) {
	var d models.Delta
	if len(st.AffectedRepos) == 0 {
		d.Status = models.StringPtr(models.StatusFailed)
		d.Error = models.StringPtr("No affected repositories specified")
		return d, nil
	}
	d.AffectedRepos = st.AffectedRepos
	return d, nil
}

// runWorktreeSetup prepares a working copy per repository and captures
// prompt context for later stages: agent instruction files plus a compact
// directory tree.
func (p *Pipeline) runWorktreeSetup(ctx context.Context, st *models.PipelineState) (models.Delta, error) {
	var d models.Delta
	d.Worktrees = make(map[string]string, len(st.AffectedRepos))
	d.RepoContexts = make(map[string]string, len(st.AffectedRepos))

	for _, repoURL := range st.AffectedRepos {
		dir, err := p.git.AddWorktree(ctx, st.CRID, repoURL, p.baseBranch(st))
		if err != nil {
			return d, fmt.Errorf("failed to set up worktree for %s: %w", repoURL, err)
		}
		name := worktree.RepoName(repoURL)
		d.Worktrees[name] = dir
		d.RepoContexts[name] = repoContext(dir)
	}
	return d, nil
}

// baseBranch prefers the branch named on the submission over the
// config-wide default.
func (p *Pipeline) baseBranch(st *models.PipelineState) string {
	if branch, ok := st.CR["repo_default_branch"].(string); ok && branch != "" {
		return branch
	}
	if st.Config.BaseBranch != "" {
		return st.Config.BaseBranch
	}
	return "main"
}

// repoContext reads repository-level agent instructions (AGENTS.md or
// CLAUDE.md) and appends a directory tree.
func repoContext(dir string) string {
	b := &agent.PromptBuilder{}
	for _, name := range []string{"AGENTS.md", "CLAUDE.md"} {
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			b.Add("Repository instructions ("+name+")", string(data))
			break
		}
	}
	if tree, err := worktree.DirectoryTree(dir); err == nil && tree != "" {
		b.Add("Repository layout", tree)
	}
	return b.String()
}
