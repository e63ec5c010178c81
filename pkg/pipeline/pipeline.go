package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hadron-ai/hadron/pkg/agent"
	"github.com/hadron-ai/hadron/pkg/config"
	"github.com/hadron-ai/hadron/pkg/models"
)

// AgentExecutor runs agent tasks. The provider chain satisfies it.
type AgentExecutor interface {
	Execute(ctx context.Context, task agent.Task) (*agent.Result, error)
}

// EventSink appends events to a CR's stream. The event bus satisfies it.
type EventSink interface {
	Emit(ctx context.Context, ev models.Event) error
}

// OverrideStore is the slice of the intervention manager the nodes use.
type OverrideStore interface {
	ConsumeIntervention(ctx context.Context, crID string) (string, bool, error)
	ConsumeNudge(ctx context.Context, crID, role string) (string, bool, error)
	StoreConversation(ctx context.Context, crID, role, repo string, conversation []byte) (string, error)
}

// GitManager is the slice of the worktree manager the nodes use.
type GitManager interface {
	AddWorktree(ctx context.Context, crID, repoURL, baseBranch string) (string, error)
	CommitAndPush(ctx context.Context, dir, message string) error
	Diff(ctx context.Context, dir, baseBranch string) (string, error)
	ChangedFiles(ctx context.Context, dir, baseBranch string) ([]string, error)
	Rebase(ctx context.Context, dir, baseBranch string) (bool, error)
	ConflictFiles(ctx context.Context, dir string) ([]string, error)
	ContinueRebase(ctx context.Context, dir string) (bool, error)
	AbortRebase(ctx context.Context, dir string) error
	ForcePush(ctx context.Context, dir string) error
}

// Pipeline holds the stage implementations and their dependencies.
type Pipeline struct {
	agents    AgentExecutor
	events    EventSink
	git       GitManager
	overrides OverrideStore
	log       *slog.Logger
}

// New wires a pipeline.
func New(agents AgentExecutor, events EventSink, git GitManager, overrides OverrideStore, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{agents: agents, events: events, git: git, overrides: overrides, log: log}
}

// Graph builds the fixed stage graph.
func (p *Pipeline) Graph() *Graph {
	g := NewGraph(StageIntake)

	g.AddNode(StageIntake, p.stage(StageIntake, p.runIntake))
	g.AddNode(StageRepoID, p.stage(StageRepoID, p.runRepoID))
	g.AddNode(StageWorktreeSetup, p.stage(StageWorktreeSetup, p.runWorktreeSetup))
	g.AddNode(StageTranslation, p.stage(StageTranslation, p.runTranslation))
	g.AddNode(StageVerification, p.stage(StageVerification, p.runVerification))
	g.AddNode(StageTDD, p.stage(StageTDD, p.runTDD))
	g.AddNode(StageReview, p.stage(StageReview, p.runReview))
	g.AddNode(StageRebase, p.stage(StageRebase, p.runRebase))
	g.AddNode(StageDelivery, p.stage(StageDelivery, p.runDelivery))
	g.AddNode(StageReleaseGate, p.stage(StageReleaseGate, p.runReleaseGate))
	g.AddNode(StageRelease, p.stage(StageRelease, p.runRelease))
	g.AddNode(StageRetrospective, p.stage(StageRetrospective, p.runRetrospective))
	g.AddNode(StagePaused, p.runPaused)

	g.AddEdge(StageIntake, StageRepoID)
	g.AddEdge(StageRepoID, StageWorktreeSetup)
	g.AddEdge(StageWorktreeSetup, StageTranslation)
	g.AddEdge(StageTranslation, StageVerification)
	g.AddConditionalEdge(StageVerification, afterVerification)
	g.AddEdge(StageTDD, StageReview)
	g.AddConditionalEdge(StageReview, afterReview)
	g.AddConditionalEdge(StageRebase, afterRebase)
	g.AddEdge(StageDelivery, StageReleaseGate)
	g.AddEdge(StageReleaseGate, StageRelease)
	g.AddEdge(StageRelease, StageRetrospective)

	return g
}

func afterVerification(st *models.PipelineState) string {
	if st.BehaviourVerified {
		return StageTDD
	}
	if st.VerificationLoops < st.Config.MaxVerificationLoops {
		return StageTranslation
	}
	return StagePaused
}

func afterReview(st *models.PipelineState) string {
	if st.ReviewPassed {
		return StageRebase
	}
	if st.ReviewDevLoops < st.Config.MaxReviewDevLoops {
		return StageTDD
	}
	return StagePaused
}

func afterRebase(st *models.PipelineState) string {
	if st.RebaseClean {
		return StageDelivery
	}
	return StagePaused
}

// runPaused is the terminal pseudo-node circuit breakers route to. The
// producing node has already recorded why in state.error.
func (p *Pipeline) runPaused(_ context.Context, st *models.PipelineState) (models.Delta, error) {
	d := models.Delta{Status: models.StringPtr(models.StatusPaused)}
	if st.Error == "" {
		d.Error = models.StringPtr("pipeline paused by circuit breaker")
	}
	return d, nil
}

// stage wraps a node with stage events and stage-history bookkeeping.
func (p *Pipeline) stage(name string, run NodeFunc) NodeFunc {
	return func(ctx context.Context, st *models.PipelineState) (models.Delta, error) {
		p.emit(ctx, st.CRID, models.EventStageEntered, name, nil)
		delta, err := run(ctx, st)
		if err != nil {
			p.emit(ctx, st.CRID, models.EventError, name, map[string]any{"error": err.Error()})
			return delta, err
		}
		delta.CurrentStage = models.StringPtr(name)
		delta.StageHistory = append(delta.StageHistory, name)
		p.emit(ctx, st.CRID, models.EventStageCompleted, name, nil)
		return delta, nil
	}
}

func (p *Pipeline) emit(ctx context.Context, crID string, t models.EventType, stage string, data map[string]any) {
	if err := p.events.Emit(ctx, models.NewEvent(crID, t, stage, data)); err != nil {
		p.log.Warn("Failed to emit event", "cr_id", crID, "event_type", t, "error", err)
	}
}

// agentSpec describes one agent invocation made by a node.
type agentSpec struct {
	role         string
	repo         string
	stageTag     string
	systemPrompt string
	userPrompt   string
	workDir      string
	allowedTools []string
	threePhase   bool
}

// runAgent executes one agent invocation through the chain: model
// selection from the config snapshot, nudge polling, event emission, and
// conversation storage.
func (p *Pipeline) runAgent(ctx context.Context, st *models.PipelineState, spec agentSpec) (*agent.Result, error) {
	model := st.Config.AgentModels[spec.role]
	if model == "" {
		model = config.DefaultFallbackModels[config.ProviderAnthropic]
	}

	task := agent.Task{
		Role:         spec.role,
		SystemPrompt: spec.systemPrompt,
		UserPrompt:   spec.userPrompt,
		WorkDir:      spec.workDir,
		AllowedTools: spec.allowedTools,
		Model:        model,
		PollNudge: func(ctx context.Context) (string, bool) {
			msg, ok, err := p.overrides.ConsumeNudge(ctx, st.CRID, spec.role)
			if err != nil {
				p.log.Warn("Nudge poll failed", "cr_id", st.CRID, "role", spec.role, "error", err)
				return "", false
			}
			if ok {
				p.emit(ctx, st.CRID, models.EventAgentNudge, spec.stageTag, map[string]any{
					"role":    spec.role,
					"message": msg,
				})
			}
			return msg, ok
		},
		OnToolCall: func(name string, input map[string]any, result string) {
			p.emit(ctx, st.CRID, models.EventAgentToolCall, spec.stageTag, map[string]any{
				"role":   spec.role,
				"repo":   spec.repo,
				"tool":   name,
				"input":  input,
				"result": excerpt(result, 500),
			})
		},
		OnOutput: func(text string) {
			p.emit(ctx, st.CRID, models.EventAgentOutput, spec.stageTag, map[string]any{
				"role": spec.role,
				"repo": spec.repo,
				"text": excerpt(text, 2000),
			})
		},
	}
	if spec.threePhase {
		task.ExploreModel = st.Config.ExploreModel
		task.PlanModel = st.Config.PlanModel
	}

	p.emit(ctx, st.CRID, models.EventAgentStarted, spec.stageTag, map[string]any{
		"role":          spec.role,
		"repo":          spec.repo,
		"model":         model,
		"allowed_tools": spec.allowedTools,
	})

	result, err := p.agents.Execute(ctx, task)
	if err != nil {
		return nil, err
	}

	convKey := ""
	if payload, merr := json.Marshal(result.Conversation); merr == nil {
		key, serr := p.overrides.StoreConversation(ctx, st.CRID, spec.role, spec.repo, payload)
		if serr != nil {
			p.log.Warn("Failed to store conversation", "cr_id", st.CRID, "role", spec.role, "error", serr)
		} else {
			convKey = key
		}
	}

	p.emit(ctx, st.CRID, models.EventAgentCompleted, spec.stageTag, map[string]any{
		"role":             spec.role,
		"repo":             spec.repo,
		"output":           excerpt(result.Output, 2000),
		"input_tokens":     result.InputTokens,
		"output_tokens":    result.OutputTokens,
		"cost_usd":         result.CostUSD,
		"rounds":           result.Rounds,
		"conversation_key": convKey,
	})
	p.emit(ctx, st.CRID, models.EventCostUpdate, spec.stageTag, map[string]any{
		"cost_usd":       result.CostUSD,
		"total_cost_usd": st.CostUSD + result.CostUSD,
	})
	return result, nil
}

// interventionText consumes any pending operator intervention for the CR.
func (p *Pipeline) interventionText(ctx context.Context, crID string) string {
	msg, ok, err := p.overrides.ConsumeIntervention(ctx, crID)
	if err != nil {
		p.log.Warn("Intervention poll failed", "cr_id", crID, "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return msg
}

// addCost folds an agent result's usage into a node delta.
func addCost(d *models.Delta, res *agent.Result) {
	d.CostUSD += res.CostUSD
	d.CostInputTokens += res.InputTokens
	d.CostOutputTokens += res.OutputTokens
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
