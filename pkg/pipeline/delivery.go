package pipeline

import (
	"context"
	"fmt"

	"github.com/hadron-ai/hadron/pkg/models"
)

// runDelivery runs the full suite per repository and pushes a final
// delivery commit for the ones that pass. A failing repository is
// recorded, not pushed; the pipeline itself still completes.
func (p *Pipeline) runDelivery(ctx context.Context, st *models.PipelineState) (models.Delta, error) {
	var d models.Delta
	d.Delivery = make(map[string]models.DeliveryResult, len(st.Worktrees))
	allDelivered := true

	for repo, dir := range st.Worktrees {
		passed, output := RunTests(ctx, dir, p.testCommand(st), st.CRID)
		p.emit(ctx, st.CRID, models.EventTestRun, StageDelivery, map[string]any{
			"repo":   repo,
			"passed": passed,
			"output": outputTail(output, testOutputTail),
		})

		result := models.DeliveryResult{TestsPassing: passed}
		if passed {
			if err := p.git.CommitAndPush(ctx, dir, fmt.Sprintf("hadron: delivery for %s", st.CRID)); err != nil {
				return d, fmt.Errorf("failed to push delivery for %s: %w", repo, err)
			}
			result.BranchPushed = true
		} else {
			allDelivered = false
		}
		d.Delivery[repo] = result
	}

	d.AllDelivered = models.BoolPtr(allDelivered)
	return d, nil
}
