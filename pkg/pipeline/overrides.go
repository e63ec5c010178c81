package pipeline

import (
	"github.com/hadron-ai/hadron/pkg/models"
)

// overrideProducers maps resume-override keys to the node treated as
// having produced them.
var overrideProducers = map[string]string{
	"behaviour_verified": StageVerification,
	"review_passed":      StageReview,
	"rebase_clean":       StageRebase,
	"all_delivered":      StageDelivery,
}

// ResumeNode picks the node a resume-with-overrides continues from: the
// latest producing node in pipeline order across the override keys.
// Overrides with no known producer resume from the paused position ("").
func ResumeNode(overrides map[string]any) string {
	best := ""
	bestIdx := -1
	for key := range overrides {
		node, ok := overrideProducers[key]
		if !ok {
			continue
		}
		if idx := stageIndex(node); idx > bestIdx {
			best, bestIdx = node, idx
		}
	}
	return best
}

// DeltaFromOverrides converts a resume-override map into a state delta.
// Unknown keys are ignored; the caller validated intent at the API edge.
func DeltaFromOverrides(overrides map[string]any) models.Delta {
	var d models.Delta
	if v, ok := overrides["behaviour_verified"].(bool); ok {
		d.BehaviourVerified = models.BoolPtr(v)
	}
	if v, ok := overrides["review_passed"].(bool); ok {
		d.ReviewPassed = models.BoolPtr(v)
	}
	if v, ok := overrides["rebase_clean"].(bool); ok {
		d.RebaseClean = models.BoolPtr(v)
	}
	if v, ok := overrides["all_delivered"].(bool); ok {
		d.AllDelivered = models.BoolPtr(v)
	}
	if v, ok := overrides["release_gate_approved"].(bool); ok {
		d.ReleaseGateApproved = models.BoolPtr(v)
	}
	if v, ok := overrides["error"].(string); ok {
		d.Error = models.StringPtr(v)
	}
	return d
}
