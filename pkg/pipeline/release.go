package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/hadron-ai/hadron/pkg/models"
	"github.com/hadron-ai/hadron/pkg/worktree"
)

// runReleaseGate decides whether the delivered branches may be released.
// With auto-approval on (the default) it approves and logs a summary; with
// it off, a pending intervention containing "approve" is required, and its
// absence pauses the run for an operator.
func (p *Pipeline) runReleaseGate(ctx context.Context, st *models.PipelineState) (models.Delta, error) {
	var d models.Delta

	if st.Config.AutoApproveRelease {
		p.log.Info("Release gate auto-approved",
			"cr_id", st.CRID,
			"all_delivered", st.AllDelivered,
			"cost_usd", st.CostUSD)
		d.ReleaseGateApproved = models.BoolPtr(true)
		return d, nil
	}

	msg := p.interventionText(ctx, st.CRID)
	if strings.Contains(strings.ToLower(msg), "approve") {
		d.ReleaseGateApproved = models.BoolPtr(true)
		return d, nil
	}

	d.ReleaseGateApproved = models.BoolPtr(false)
	d.Status = models.StringPtr(models.StatusPaused)
	d.Error = models.StringPtr("release gate awaiting operator approval")
	return d, nil
}

// runRelease records the release. The branches are already pushed; this
// design has no further external effect.
func (p *Pipeline) runRelease(ctx context.Context, st *models.PipelineState) (models.Delta, error) {
	var d models.Delta
	branches := make(map[string]string, len(st.Worktrees))
	for repo := range st.Worktrees {
		branches[repo] = worktree.BranchName(st.CRID)
	}
	p.emit(ctx, st.CRID, models.EventCostUpdate, StageRelease, map[string]any{
		"total_cost_usd": st.CostUSD,
	})
	p.log.Info("Released", "cr_id", st.CRID, "branches", branches)
	d.Released = models.BoolPtr(true)
	return d, nil
}

// runRetrospective closes the run: totals are logged and the state is
// marked completed. The worker emits the terminal event.
func (p *Pipeline) runRetrospective(_ context.Context, st *models.PipelineState) (models.Delta, error) {
	summary := fmt.Sprintf(
		"stages=%d cost_usd=%.4f input_tokens=%d output_tokens=%d delivered=%t released=%t",
		len(st.StageHistory)+1,
		st.CostUSD,
		st.CostInputTokens,
		st.CostOutputTokens,
		st.AllDelivered,
		st.Released,
	)
	p.log.Info("Pipeline retrospective", "cr_id", st.CRID, "summary", summary)

	var d models.Delta
	d.Retrospective = models.StringPtr(summary)
	d.Status = models.StringPtr(models.StatusCompleted)
	return d, nil
}
