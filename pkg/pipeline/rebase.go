package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/hadron-ai/hadron/pkg/agent"
	"github.com/hadron-ai/hadron/pkg/agent/tools"
	"github.com/hadron-ai/hadron/pkg/config"
	"github.com/hadron-ai/hadron/pkg/models"
)

// maxConflictResolutions bounds the conflict-resolver attempts beyond the
// initial rebase.
const maxConflictResolutions = 3

const conflictResolverSystemPrompt = `You are resolving git rebase conflicts. The listed files contain
conflict markers (<<<<<<<, =======, >>>>>>>). Read each one, merge both
sides so the change request's behaviour and the upstream changes are
both preserved, and write the resolved file back without any markers.
Reply with a summary of how you resolved each file.`

// runRebase rebases each worktree onto the freshly fetched base branch,
// driving the conflict resolver when needed, and re-runs the full test
// suite after a successful rebase. Unresolved conflicts or a failed fetch
// pause the run.
func (p *Pipeline) runRebase(ctx context.Context, st *models.PipelineState) (models.Delta, error) {
	var d models.Delta

	for repo, dir := range st.Worktrees {
		clean, err := p.git.Rebase(ctx, dir, p.baseBranch(st))
		if err != nil {
			// Likely a fetch failure; pausing is safer than pretending the
			// branch is current.
			d.RebaseClean = models.BoolPtr(false)
			d.Error = models.StringPtr(fmt.Sprintf("rebase failed for %s: %v", repo, err))
			return d, nil
		}

		if !clean {
			resolved, cost, rerr := p.resolveConflicts(ctx, st, repo, dir)
			d.CostUSD += cost.CostUSD
			d.CostInputTokens += cost.CostInputTokens
			d.CostOutputTokens += cost.CostOutputTokens
			if rerr != nil {
				return d, rerr
			}
			if !resolved {
				files, _ := p.git.ConflictFiles(ctx, dir)
				if aerr := p.git.AbortRebase(ctx, dir); aerr != nil {
					p.log.Warn("Failed to abort rebase", "cr_id", st.CRID, "repo", repo, "error", aerr)
				}
				d.RebaseClean = models.BoolPtr(false)
				d.Error = models.StringPtr(fmt.Sprintf(
					"Unresolved rebase conflicts in: %s", strings.Join(files, ", ")))
				return d, nil
			}
		}

		passed, output := RunTests(ctx, dir, p.testCommand(st), st.CRID)
		p.emit(ctx, st.CRID, models.EventTestRun, StageRebase, map[string]any{
			"repo":   repo,
			"passed": passed,
			"output": outputTail(output, testOutputTail),
		})
		if !passed {
			d.RebaseClean = models.BoolPtr(false)
			d.Error = models.StringPtr(fmt.Sprintf(
				"tests failing after rebase of %s", repo))
			return d, nil
		}

		if err := p.git.ForcePush(ctx, dir); err != nil {
			return d, fmt.Errorf("failed to push rebased branch for %s: %w", repo, err)
		}
	}

	d.RebaseClean = models.BoolPtr(true)
	return d, nil
}

// resolveConflicts drives the conflict-resolver agent through an
// in-progress rebase. Each continue may surface conflicts on a later
// commit, so the loop allows a bounded number of extra rounds.
func (p *Pipeline) resolveConflicts(ctx context.Context, st *models.PipelineState, repo, dir string) (bool, models.Delta, error) {
	var cost models.Delta

	for attempt := 0; attempt <= maxConflictResolutions; attempt++ {
		files, err := p.git.ConflictFiles(ctx, dir)
		if err != nil {
			return false, cost, fmt.Errorf("failed to list conflicts for %s: %w", repo, err)
		}
		if len(files) == 0 {
			return true, cost, nil
		}
		if attempt == maxConflictResolutions {
			return false, cost, nil
		}

		b := &agent.PromptBuilder{}
		b.Add("Change request", p.intakeSummary(st))
		b.Add("Conflicted files", strings.Join(files, "\n"))

		result, err := p.runAgent(ctx, st, agentSpec{
			role:         config.RoleConflictResolver,
			repo:         repo,
			stageTag:     StageRebase,
			systemPrompt: conflictResolverSystemPrompt,
			userPrompt:   b.String(),
			workDir:      dir,
			allowedTools: tools.AllToolNames,
		})
		if err != nil {
			return false, cost, fmt.Errorf("conflict resolver failed for %s: %w", repo, err)
		}
		cost.CostUSD += result.CostUSD
		cost.CostInputTokens += result.InputTokens
		cost.CostOutputTokens += result.OutputTokens

		clean, err := p.git.ContinueRebase(ctx, dir)
		if err != nil {
			return false, cost, fmt.Errorf("failed to continue rebase for %s: %w", repo, err)
		}
		if clean {
			return true, cost, nil
		}
	}
	return false, cost, nil
}
