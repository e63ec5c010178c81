package models

// Run statuses persisted on the CR-run row and carried in pipeline state.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Finding severities. Critical and major findings block review.
const (
	SeverityCritical = "critical"
	SeverityMajor    = "major"
	SeverityMinor    = "minor"
	SeverityInfo     = "info"
)

// Finding is a single reviewer observation.
type Finding struct {
	Reviewer string `json:"reviewer"`
	Repo     string `json:"repo"`
	Severity string `json:"severity"`
	Summary  string `json:"summary"`
	Detail   string `json:"detail,omitempty"`
	File     string `json:"file,omitempty"`
}

// Blocking reports whether the finding prevents review from passing.
func (f Finding) Blocking() bool {
	return f.Severity == SeverityCritical || f.Severity == SeverityMajor
}

// DeliveryResult records the delivery outcome for one repository.
type DeliveryResult struct {
	TestsPassing bool   `json:"tests_passing"`
	BranchPushed bool   `json:"branch_pushed"`
	PRURL        string `json:"pr_url,omitempty"`
}

// ConfigSnapshot is the pipeline configuration frozen into a run at trigger
// time. Loop maxima and patterns are read from the snapshot for the whole
// run, so config changes never affect in-flight CRs.
type ConfigSnapshot struct {
	MaxVerificationLoops int               `json:"max_verification_loops"`
	MaxReviewDevLoops    int               `json:"max_review_dev_loops"`
	MaxTDDIterations     int               `json:"max_tdd_iterations"`
	BaseBranch           string            `json:"base_branch"`
	ProviderChain        []string          `json:"provider_chain"`
	AgentModels          map[string]string `json:"agent_models"`
	ExploreModel         string            `json:"explore_model,omitempty"`
	PlanModel            string            `json:"plan_model,omitempty"`
	InfraPatterns        []string          `json:"infra_patterns"`
	DependencyPatterns   []string          `json:"dependency_patterns"`
	AutoApproveRelease   bool              `json:"auto_approve_release"`
}

// PipelineState is the full state record flowing through the graph. It is
// checkpointed as JSON after every node. Fields fall into three kinds:
// overwriting (last writer wins), accumulating (summed/appended via Apply),
// and control (status/error/intervention).
type PipelineState struct {
	CRID   string         `json:"cr_id"`
	Source string         `json:"source"`
	CR     map[string]any `json:"cr"`

	Status       string   `json:"status"`
	CurrentStage string   `json:"current_stage"`
	StageHistory []string `json:"stage_history"`

	IntakeRecord  map[string]any `json:"intake_record,omitempty"`
	AffectedRepos []string       `json:"affected_repos,omitempty"`

	// Worktrees maps repo name to its working-copy path; RepoContexts holds
	// the directory tree plus any AGENTS.md content captured at setup.
	Worktrees    map[string]string `json:"worktrees,omitempty"`
	RepoContexts map[string]string `json:"repo_contexts,omitempty"`

	TranslationOutputs   map[string]string `json:"translation_outputs,omitempty"`
	VerificationFeedback map[string]string `json:"verification_feedback,omitempty"`
	BehaviourVerified    bool              `json:"behaviour_verified"`
	VerificationLoops    int               `json:"verification_loops"`

	TDDReport map[string]any `json:"tdd_report,omitempty"`

	ReviewFindings []Finding `json:"review_findings,omitempty"`
	ReviewPassed   bool      `json:"review_passed"`
	ReviewDevLoops int       `json:"review_dev_loops"`

	RebaseClean bool `json:"rebase_clean"`

	Delivery     map[string]DeliveryResult `json:"delivery,omitempty"`
	AllDelivered bool                      `json:"all_delivered"`

	ReleaseGateApproved bool   `json:"release_gate_approved"`
	Released            bool   `json:"released"`
	Retrospective       string `json:"retrospective,omitempty"`

	Error        string `json:"error,omitempty"`
	Intervention string `json:"intervention,omitempty"`

	CostUSD          float64 `json:"cost_usd"`
	CostInputTokens  int     `json:"cost_input_tokens"`
	CostOutputTokens int     `json:"cost_output_tokens"`

	Config ConfigSnapshot `json:"config"`
}

// Delta is a partial state update returned by a pipeline node. Pointer
// fields overwrite when set; map and slice fields overwrite when non-nil
// except StageHistory (appended) and the cost fields (summed).
type Delta struct {
	Status       *string
	CurrentStage *string
	StageHistory []string

	IntakeRecord  map[string]any
	AffectedRepos []string

	Worktrees    map[string]string
	RepoContexts map[string]string

	TranslationOutputs   map[string]string
	VerificationFeedback map[string]string
	BehaviourVerified    *bool
	VerificationLoops    *int

	TDDReport map[string]any

	ReviewFindings []Finding
	ReviewPassed   *bool
	ReviewDevLoops *int

	RebaseClean *bool

	Delivery     map[string]DeliveryResult
	AllDelivered *bool

	ReleaseGateApproved *bool
	Released            *bool
	Retrospective       *string

	Error        *string
	Intervention *string

	CostUSD          float64
	CostInputTokens  int
	CostOutputTokens int
}

// Apply merges a node's delta into the state using the per-field reducers:
// accumulators add/append, everything else overwrites when present.
func (s *PipelineState) Apply(d Delta) {
	if d.Status != nil {
		s.Status = *d.Status
	}
	if d.CurrentStage != nil {
		s.CurrentStage = *d.CurrentStage
	}
	s.StageHistory = append(s.StageHistory, d.StageHistory...)

	if d.IntakeRecord != nil {
		s.IntakeRecord = d.IntakeRecord
	}
	if d.AffectedRepos != nil {
		s.AffectedRepos = d.AffectedRepos
	}
	if d.Worktrees != nil {
		s.Worktrees = d.Worktrees
	}
	if d.RepoContexts != nil {
		s.RepoContexts = d.RepoContexts
	}
	if d.TranslationOutputs != nil {
		s.TranslationOutputs = d.TranslationOutputs
	}
	if d.VerificationFeedback != nil {
		s.VerificationFeedback = d.VerificationFeedback
	}
	if d.BehaviourVerified != nil {
		s.BehaviourVerified = *d.BehaviourVerified
	}
	if d.VerificationLoops != nil {
		s.VerificationLoops = *d.VerificationLoops
	}
	if d.TDDReport != nil {
		s.TDDReport = d.TDDReport
	}
	if d.ReviewFindings != nil {
		s.ReviewFindings = d.ReviewFindings
	}
	if d.ReviewPassed != nil {
		s.ReviewPassed = *d.ReviewPassed
	}
	if d.ReviewDevLoops != nil {
		s.ReviewDevLoops = *d.ReviewDevLoops
	}
	if d.RebaseClean != nil {
		s.RebaseClean = *d.RebaseClean
	}
	if d.Delivery != nil {
		s.Delivery = d.Delivery
	}
	if d.AllDelivered != nil {
		s.AllDelivered = *d.AllDelivered
	}
	if d.ReleaseGateApproved != nil {
		s.ReleaseGateApproved = *d.ReleaseGateApproved
	}
	if d.Released != nil {
		s.Released = *d.Released
	}
	if d.Retrospective != nil {
		s.Retrospective = *d.Retrospective
	}
	if d.Error != nil {
		s.Error = *d.Error
	}
	if d.Intervention != nil {
		s.Intervention = *d.Intervention
	}

	s.CostUSD += d.CostUSD
	s.CostInputTokens += d.CostInputTokens
	s.CostOutputTokens += d.CostOutputTokens
}

// Helpers for building deltas without one-line temporaries at call sites.

func StringPtr(s string) *string { return &s }
func BoolPtr(b bool) *bool       { return &b }
func IntPtr(i int) *int          { return &i }
