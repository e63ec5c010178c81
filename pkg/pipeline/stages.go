// Package pipeline implements the change request pipeline: the twelve
// stage nodes, the graph engine that sequences them with conditional
// edges and checkpointing, and the supporting diff/test helpers.
package pipeline

// Stage names. These are both graph node names and the stage tags on
// emitted events.
const (
	StageIntake        = "intake"
	StageRepoID        = "repo_id"
	StageWorktreeSetup = "worktree_setup"
	StageTranslation   = "translation"
	StageVerification  = "verification"
	StageTDD           = "tdd"
	StageReview        = "review"
	StageRebase        = "rebase"
	StageDelivery      = "delivery"
	StageReleaseGate   = "release_gate"
	StageRelease       = "release"
	StageRetrospective = "retrospective"

	// StagePaused is the terminal pseudo-node circuit breakers route to.
	StagePaused = "paused"
)

// StageOrder is the pipeline order, used for resume-node selection.
var StageOrder = []string{
	StageIntake,
	StageRepoID,
	StageWorktreeSetup,
	StageTranslation,
	StageVerification,
	StageTDD,
	StageReview,
	StageRebase,
	StageDelivery,
	StageReleaseGate,
	StageRelease,
	StageRetrospective,
}

func stageIndex(name string) int {
	for i, s := range StageOrder {
		if s == name {
			return i
		}
	}
	return -1
}
