package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadron-ai/hadron/pkg/agent"
	"github.com/hadron-ai/hadron/pkg/config"
	"github.com/hadron-ai/hadron/pkg/models"
)

// fakeAgents scripts agent outputs per role. Each call pops the role's
// queue; the last entry repeats. Safe for the reviewers' parallel calls.
type fakeAgents struct {
	mu      sync.Mutex
	outputs map[string][]string
	calls   []agent.Task
}

func (f *fakeAgents) Execute(_ context.Context, task agent.Task) (*agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, task)

	queue := f.outputs[task.Role]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no scripted output for role %s", task.Role)
	}
	out := queue[0]
	if len(queue) > 1 {
		f.outputs[task.Role] = queue[1:]
	}
	return &agent.Result{
		Output:       out,
		InputTokens:  100,
		OutputTokens: 50,
		CostUSD:      0.01,
		Rounds:       1,
	}, nil
}

func (f *fakeAgents) callsFor(role string) []agent.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []agent.Task
	for _, c := range f.calls {
		if c.Role == role {
			out = append(out, c)
		}
	}
	return out
}

type fakeSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (f *fakeSink) Emit(_ context.Context, ev models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) count(t models.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fakeOverrideStore struct {
	mu            sync.Mutex
	interventions map[string]string
	nudges        map[string]string
	conversations map[string][]byte
}

func newFakeOverrideStore() *fakeOverrideStore {
	return &fakeOverrideStore{
		interventions: make(map[string]string),
		nudges:        make(map[string]string),
		conversations: make(map[string][]byte),
	}
}

func (f *fakeOverrideStore) ConsumeIntervention(_ context.Context, crID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.interventions[crID]
	delete(f.interventions, crID)
	return msg, ok, nil
}

func (f *fakeOverrideStore) ConsumeNudge(_ context.Context, crID, role string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := crID + ":" + role
	msg, ok := f.nudges[key]
	delete(f.nudges, key)
	return msg, ok, nil
}

func (f *fakeOverrideStore) StoreConversation(_ context.Context, crID, role, repo string, conversation []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("hadron:cr:%s:conv:%s:%s:0", crID, role, repo)
	f.conversations[key] = conversation
	return key, nil
}

type fakeGit struct {
	mu            sync.Mutex
	dir           string
	diff          string
	changed       []string
	rebaseClean   bool
	rebaseErr     error
	conflicts     []string
	continueClean bool
	commits       []string
	forcePushes   int
}

func (f *fakeGit) AddWorktree(_ context.Context, _, _, _ string) (string, error) {
	return f.dir, nil
}

func (f *fakeGit) CommitAndPush(_ context.Context, _, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, message)
	return nil
}

func (f *fakeGit) Diff(context.Context, string, string) (string, error) {
	return f.diff, nil
}

func (f *fakeGit) ChangedFiles(context.Context, string, string) ([]string, error) {
	return f.changed, nil
}

func (f *fakeGit) Rebase(context.Context, string, string) (bool, error) {
	return f.rebaseClean, f.rebaseErr
}

func (f *fakeGit) ConflictFiles(context.Context, string) ([]string, error) {
	return f.conflicts, nil
}

func (f *fakeGit) ContinueRebase(context.Context, string) (bool, error) {
	if f.continueClean {
		f.conflicts = nil
	}
	return f.continueClean, nil
}

func (f *fakeGit) AbortRebase(context.Context, string) error { return nil }

func (f *fakeGit) ForcePush(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forcePushes++
	return nil
}

type fakeCheckpoints struct {
	mu    sync.Mutex
	nodes []string
}

func (f *fakeCheckpoints) SaveCheckpoint(_ context.Context, _, node string, _ *models.PipelineState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = append(f.nodes, node)
	return nil
}

func happyAgents() *fakeAgents {
	return &fakeAgents{outputs: map[string][]string{
		config.RoleAnalyst:           {`{"title":"Add /status","description":"expose status","priority":"low"}`},
		config.RoleSpecWriter:        {"wrote features/status.feature"},
		config.RoleSpecVerifier:      {`{"verified": true}`},
		config.RoleTestWriter:        {"wrote tests/test_status.py"},
		config.RoleCodeWriter:        {"implemented /status"},
		config.RoleSecurityReviewer:  {`{"findings": []}`},
		config.RoleQualityReviewer:   {`{"findings": []}`},
		config.RoleSpecComplianceRev: {`{"findings": []}`},
		config.RoleConflictResolver:  {"resolved"},
	}}
}

func newTestState(t *testing.T) *models.PipelineState {
	t.Helper()
	return &models.PipelineState{
		CRID:   "CR-test0001",
		Source: "api",
		CR: map[string]any{
			"title":               "Add /status endpoint",
			"description":         "Expose a JSON status endpoint",
			"test_command":        "true",
			"repo_default_branch": "main",
		},
		Status:        models.StatusRunning,
		AffectedRepos: []string{"https://github.com/acme/demo.git"},
		Config:        config.DefaultPipeline().Snapshot(),
	}
}

func newTestPipeline(t *testing.T, agents *fakeAgents, git *fakeGit) (*Pipeline, *fakeSink, *fakeOverrideStore) {
	t.Helper()
	sink := &fakeSink{}
	overrides := newFakeOverrideStore()
	if git.dir == "" {
		git.dir = t.TempDir()
	}
	return New(agents, sink, git, overrides, nil), sink, overrides
}

func TestPipelineHappyPath(t *testing.T) {
	agents := happyAgents()
	git := &fakeGit{diff: "diff --git a/app.py b/app.py\n+new", changed: []string{"app.py"}, rebaseClean: true}
	p, sink, _ := newTestPipeline(t, agents, git)
	checkpoints := &fakeCheckpoints{}
	engine := NewEngine(p.Graph(), checkpoints, nil)

	st := newTestState(t)
	require.NoError(t, engine.Run(context.Background(), st))

	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, StageOrder, st.StageHistory)
	assert.True(t, st.BehaviourVerified)
	assert.True(t, st.ReviewPassed)
	assert.True(t, st.RebaseClean)
	assert.True(t, st.AllDelivered)
	assert.True(t, st.ReleaseGateApproved)
	assert.True(t, st.Released)
	assert.NotEmpty(t, st.Retrospective)
	assert.Empty(t, st.Error)

	// analyst + spec_writer + verifier + test_writer + code_writer + 3 reviewers
	assert.InDelta(t, 0.08, st.CostUSD, 1e-9)
	assert.Equal(t, 800, st.CostInputTokens)
	assert.Equal(t, 400, st.CostOutputTokens)

	delivery := st.Delivery["demo"]
	assert.True(t, delivery.TestsPassing)
	assert.True(t, delivery.BranchPushed)

	assert.Equal(t, len(StageOrder), sink.count(models.EventStageEntered))
	assert.Equal(t, len(StageOrder), sink.count(models.EventStageCompleted))
	assert.Equal(t, StageOrder, checkpoints.nodes)
	assert.Equal(t, 1, git.forcePushes)
	require.Len(t, git.commits, 2)
	assert.Contains(t, git.commits[0], "TDD implementation")
	assert.Contains(t, git.commits[1], "delivery")
}

func TestVerificationCircuitBreaker(t *testing.T) {
	agents := happyAgents()
	agents.outputs[config.RoleSpecVerifier] = []string{`{"verified": false, "feedback": "missing scenarios"}`}
	git := &fakeGit{rebaseClean: true}
	p, _, _ := newTestPipeline(t, agents, git)
	engine := NewEngine(p.Graph(), nil, nil)

	st := newTestState(t)
	require.NoError(t, engine.Run(context.Background(), st))

	assert.Equal(t, models.StatusPaused, st.Status)
	assert.Contains(t, st.Error, "verification circuit breaker")
	assert.Equal(t, 3, st.VerificationLoops)
	assert.False(t, st.BehaviourVerified)

	// Spec writer ran once per verification loop, carrying the feedback
	// from the second attempt on.
	writerCalls := agents.callsFor(config.RoleSpecWriter)
	require.Len(t, writerCalls, 3)
	assert.NotContains(t, writerCalls[0].UserPrompt, "missing scenarios")
	assert.Contains(t, writerCalls[1].UserPrompt, "missing scenarios")
	assert.Contains(t, writerCalls[2].UserPrompt, "missing scenarios")
}

func TestReviewCircuitBreaker(t *testing.T) {
	agents := happyAgents()
	agents.outputs[config.RoleSecurityReviewer] = []string{
		`{"findings": [{"severity": "critical", "summary": "hardcoded secret", "file": "app.py"}]}`,
	}
	git := &fakeGit{diff: "diff --git a/app.py b/app.py", changed: []string{"app.py"}, rebaseClean: true}
	p, sink, _ := newTestPipeline(t, agents, git)
	engine := NewEngine(p.Graph(), nil, nil)

	st := newTestState(t)
	require.NoError(t, engine.Run(context.Background(), st))

	assert.Equal(t, models.StatusPaused, st.Status)
	assert.Contains(t, st.Error, "review circuit breaker")
	assert.Equal(t, 3, st.ReviewDevLoops)
	assert.False(t, st.ReviewPassed)

	assert.Len(t, agents.callsFor(config.RoleTestWriter), 3)
	assert.Equal(t, 3, sink.count(models.EventReviewFinding))

	// The blocking finding reaches the TDD prompts on later loops.
	writerCalls := agents.callsFor(config.RoleTestWriter)
	assert.Contains(t, writerCalls[1].UserPrompt, "hardcoded secret")
}

func TestRepoIDFailsFast(t *testing.T) {
	p, _, _ := newTestPipeline(t, happyAgents(), &fakeGit{})
	engine := NewEngine(p.Graph(), nil, nil)

	st := newTestState(t)
	st.AffectedRepos = nil
	require.NoError(t, engine.Run(context.Background(), st))

	assert.Equal(t, models.StatusFailed, st.Status)
	assert.Equal(t, "No affected repositories specified", st.Error)
	assert.Equal(t, []string{StageIntake, StageRepoID}, st.StageHistory)
}

func TestRebaseConflictPausesAfterBudget(t *testing.T) {
	agents := happyAgents()
	git := &fakeGit{
		diff:          "diff --git a/app.py b/app.py",
		changed:       []string{"app.py"},
		rebaseClean:   false,
		conflicts:     []string{"app.py"},
		continueClean: false,
	}
	p, _, _ := newTestPipeline(t, agents, git)
	engine := NewEngine(p.Graph(), nil, nil)

	st := newTestState(t)
	require.NoError(t, engine.Run(context.Background(), st))

	assert.Equal(t, models.StatusPaused, st.Status)
	assert.Contains(t, st.Error, "Unresolved rebase conflicts in: app.py")
	assert.False(t, st.RebaseClean)
	assert.Len(t, agents.callsFor(config.RoleConflictResolver), maxConflictResolutions)
}

func TestRebaseConflictResolved(t *testing.T) {
	agents := happyAgents()
	git := &fakeGit{
		diff:          "diff --git a/app.py b/app.py",
		changed:       []string{"app.py"},
		rebaseClean:   false,
		conflicts:     []string{"app.py"},
		continueClean: true,
	}
	p, _, _ := newTestPipeline(t, agents, git)
	engine := NewEngine(p.Graph(), nil, nil)

	st := newTestState(t)
	require.NoError(t, engine.Run(context.Background(), st))

	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.True(t, st.RebaseClean)
	assert.Len(t, agents.callsFor(config.RoleConflictResolver), 1)
	assert.Equal(t, 1, git.forcePushes)
}

func TestRebaseFetchFailurePauses(t *testing.T) {
	agents := happyAgents()
	git := &fakeGit{
		diff:      "diff --git a/app.py b/app.py",
		changed:   []string{"app.py"},
		rebaseErr: fmt.Errorf("could not resolve host"),
	}
	p, _, _ := newTestPipeline(t, agents, git)
	engine := NewEngine(p.Graph(), nil, nil)

	st := newTestState(t)
	require.NoError(t, engine.Run(context.Background(), st))

	assert.Equal(t, models.StatusPaused, st.Status)
	assert.Contains(t, st.Error, "rebase failed")
}

func TestResumeWithOverridesContinuesFromReview(t *testing.T) {
	agents := happyAgents()
	git := &fakeGit{rebaseClean: true}
	p, _, _ := newTestPipeline(t, agents, git)
	checkpoints := &fakeCheckpoints{}
	engine := NewEngine(p.Graph(), checkpoints, nil)

	st := newTestState(t)
	st.Status = models.StatusPaused
	st.CurrentStage = StageReview
	st.ReviewDevLoops = 3
	st.Error = "review circuit breaker tripped after 3 loops"
	st.Worktrees = map[string]string{"demo": t.TempDir()}
	st.IntakeRecord = map[string]any{"title": "Add /status"}

	overrides := map[string]any{"review_passed": true}
	node := ResumeNode(overrides)
	require.Equal(t, StageReview, node)

	require.NoError(t, engine.ResumeFrom(context.Background(), node, DeltaFromOverrides(overrides), st))

	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.True(t, st.ReviewPassed)
	assert.True(t, st.Released)
	assert.Empty(t, agents.callsFor(config.RoleSpecWriter))
	// Resume checkpoints the overridden node first, then the continuation.
	assert.Equal(t, StageReview, checkpoints.nodes[0])
	assert.Contains(t, checkpoints.nodes, StageRetrospective)
}

func TestIntakeParseFallback(t *testing.T) {
	agents := happyAgents()
	agents.outputs[config.RoleAnalyst] = []string{"I could not produce structured output, sorry."}
	p, _, _ := newTestPipeline(t, agents, &fakeGit{})

	st := newTestState(t)
	delta, err := p.runIntake(context.Background(), st)
	require.NoError(t, err)

	require.NotNil(t, delta.IntakeRecord)
	assert.Equal(t, "Add /status endpoint", delta.IntakeRecord["title"])
	assert.Equal(t, []any{"intake_parse_failed"}, delta.IntakeRecord["risk_flags"])
}

func TestReviewerParseFailureBlocks(t *testing.T) {
	agents := happyAgents()
	agents.outputs[config.RoleQualityReviewer] = []string{"looks good to me!"}
	git := &fakeGit{diff: "diff --git a/app.py b/app.py", changed: []string{"app.py"}, rebaseClean: true}
	p, _, _ := newTestPipeline(t, agents, git)

	st := newTestState(t)
	st.Worktrees = map[string]string{"demo": t.TempDir()}
	delta, err := p.runReview(context.Background(), st)
	require.NoError(t, err)

	assert.False(t, *delta.ReviewPassed)
	require.Len(t, delta.ReviewFindings, 1)
	assert.Equal(t, models.SeverityMajor, delta.ReviewFindings[0].Severity)
	assert.Contains(t, delta.ReviewFindings[0].Summary, "could not be parsed")
}

func TestSecurityReviewerGetsDiffScope(t *testing.T) {
	agents := happyAgents()
	git := &fakeGit{
		diff:        "diff --git a/Dockerfile b/Dockerfile",
		changed:     []string{"Dockerfile", "requirements.txt"},
		rebaseClean: true,
	}
	p, _, _ := newTestPipeline(t, agents, git)

	st := newTestState(t)
	st.Worktrees = map[string]string{"demo": t.TempDir()}
	_, err := p.runReview(context.Background(), st)
	require.NoError(t, err)

	secCalls := agents.callsFor(config.RoleSecurityReviewer)
	require.Len(t, secCalls, 1)
	assert.Contains(t, secCalls[0].UserPrompt, `"touches_infra":true`)
	assert.Contains(t, secCalls[0].UserPrompt, `"touches_dependencies":true`)
	assert.Contains(t, secCalls[0].UserPrompt, "UNTRUSTED INPUT")

	qualCalls := agents.callsFor(config.RoleQualityReviewer)
	require.Len(t, qualCalls, 1)
	assert.NotContains(t, qualCalls[0].UserPrompt, "touches_infra")
}

func TestReleaseGateRequiresApprovalWhenManual(t *testing.T) {
	p, _, overrides := newTestPipeline(t, happyAgents(), &fakeGit{})

	st := newTestState(t)
	st.Config.AutoApproveRelease = false

	delta, err := p.runReleaseGate(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, *delta.Status)
	assert.False(t, *delta.ReleaseGateApproved)

	overrides.interventions[st.CRID] = "approve the release"
	delta, err = p.runReleaseGate(context.Background(), st)
	require.NoError(t, err)
	assert.True(t, *delta.ReleaseGateApproved)
	assert.Nil(t, delta.Status)
}

func TestInterventionReachesPrompt(t *testing.T) {
	agents := happyAgents()
	p, _, overrides := newTestPipeline(t, agents, &fakeGit{})

	st := newTestState(t)
	st.Worktrees = map[string]string{"demo": t.TempDir()}
	overrides.interventions[st.CRID] = "focus on the error paths"

	_, err := p.runTranslation(context.Background(), st)
	require.NoError(t, err)

	calls := agents.callsFor(config.RoleSpecWriter)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].UserPrompt, "focus on the error paths")

	// Consumed exactly once.
	_, ok, err := overrides.ConsumeIntervention(context.Background(), st.CRID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngineNodeErrorMarksFailed(t *testing.T) {
	g := NewGraph("boom")
	g.AddNode("boom", func(context.Context, *models.PipelineState) (models.Delta, error) {
		return models.Delta{}, fmt.Errorf("provider exploded")
	})
	checkpoints := &fakeCheckpoints{}
	engine := NewEngine(g, checkpoints, nil)

	st := newTestState(t)
	err := engine.Run(context.Background(), st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider exploded")
	assert.Equal(t, models.StatusFailed, st.Status)
	// A failed node leaves no checkpoint.
	assert.Empty(t, checkpoints.nodes)
}

func TestResumeNodePicksLatestProducer(t *testing.T) {
	assert.Equal(t, StageVerification, ResumeNode(map[string]any{"behaviour_verified": true}))
	assert.Equal(t, StageRebase, ResumeNode(map[string]any{
		"behaviour_verified": true,
		"rebase_clean":       true,
	}))
	assert.Equal(t, "", ResumeNode(map[string]any{"mystery_key": 1}))
}

func TestStageEventsBracketAgentEvents(t *testing.T) {
	agents := happyAgents()
	git := &fakeGit{diff: "d", changed: []string{"app.py"}, rebaseClean: true}
	p, sink, _ := newTestPipeline(t, agents, git)
	engine := NewEngine(p.Graph(), nil, nil)

	st := newTestState(t)
	require.NoError(t, engine.Run(context.Background(), st))

	var intakeEntered, intakeAgentDone, intakeCompleted int
	for i, ev := range sink.events {
		if ev.Stage != StageIntake {
			continue
		}
		switch ev.Type {
		case models.EventStageEntered:
			intakeEntered = i
		case models.EventAgentCompleted:
			intakeAgentDone = i
		case models.EventStageCompleted:
			intakeCompleted = i
		}
	}
	assert.Less(t, intakeEntered, intakeAgentDone)
	assert.Less(t, intakeAgentDone, intakeCompleted)
}

func TestRunTests(t *testing.T) {
	dir := t.TempDir()

	passed, output := RunTests(context.Background(), dir, "echo hello", "CR-1")
	assert.True(t, passed)
	assert.Contains(t, output, "hello")

	passed, _ = RunTests(context.Background(), dir, "exit 1", "CR-1")
	assert.False(t, passed)

	passed, output = RunTests(context.Background(), dir, "echo run for {cr_id}", "CR-42")
	assert.True(t, passed)
	assert.Contains(t, output, "run for CR-42")
}

func TestOutputTail(t *testing.T) {
	assert.Equal(t, "short", outputTail("short", 10))
	long := strings.Repeat("a", 100) + "tail"
	assert.Equal(t, "tail", outputTail(long, 4))
}
