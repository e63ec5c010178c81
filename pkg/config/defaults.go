package config

import "github.com/hadron-ai/hadron/pkg/models"

// Agent roles used by the pipeline nodes.
const (
	RoleAnalyst           = "analyst"
	RoleSpecWriter        = "spec_writer"
	RoleSpecVerifier      = "spec_verifier"
	RoleTestWriter        = "test_writer"
	RoleCodeWriter        = "code_writer"
	RoleSecurityReviewer  = "security_reviewer"
	RoleQualityReviewer   = "quality_reviewer"
	RoleSpecComplianceRev = "spec_compliance_reviewer"
	RoleConflictResolver  = "conflict_resolver"
)

// PipelineDefaults are the tunables frozen into each run's config snapshot.
type PipelineDefaults struct {
	MaxVerificationLoops int
	MaxReviewDevLoops    int
	MaxTDDIterations     int
	BaseBranch           string
	ProviderChain        []string
	AgentModels          map[string]string
	ExploreModel         string
	PlanModel            string
	InfraPatterns        []string
	DependencyPatterns   []string
	AutoApproveRelease   bool
}

// DefaultPipeline returns the stock pipeline configuration.
func DefaultPipeline() PipelineDefaults {
	return PipelineDefaults{
		MaxVerificationLoops: 3,
		MaxReviewDevLoops:    3,
		MaxTDDIterations:     5,
		BaseBranch:           "main",
		ProviderChain:        []string{"anthropic", "gemini"},
		AgentModels: map[string]string{
			RoleAnalyst:           "claude-haiku-4-5-20251001",
			RoleSpecWriter:        "claude-sonnet-4-20250514",
			RoleSpecVerifier:      "claude-sonnet-4-20250514",
			RoleTestWriter:        "claude-sonnet-4-20250514",
			RoleCodeWriter:        "claude-sonnet-4-20250514",
			RoleSecurityReviewer:  "claude-sonnet-4-20250514",
			RoleQualityReviewer:   "claude-sonnet-4-20250514",
			RoleSpecComplianceRev: "claude-sonnet-4-20250514",
			RoleConflictResolver:  "claude-sonnet-4-20250514",
		},
		ExploreModel: "claude-haiku-4-5-20251001",
		PlanModel:    "claude-sonnet-4-20250514",
		InfraPatterns: []string{
			`Dockerfile`,
			`docker-compose`,
			`\.github/`,
			`\.gitlab-ci`,
			`Makefile`,
			`\.tf$`,
			`\.env`,
			`k8s/`,
			`deploy/`,
			`Jenkinsfile`,
			`Procfile`,
			`nginx\.conf`,
		},
		DependencyPatterns: []string{
			`package\.json$`,
			`package-lock\.json$`,
			`requirements.*\.txt$`,
			`pyproject\.toml$`,
			`Cargo\.toml$`,
			`go\.mod$`,
			`go\.sum$`,
			`Gemfile`,
			`pom\.xml$`,
			`build\.gradle`,
			`yarn\.lock$`,
			`pnpm-lock\.yaml$`,
			`composer\.json$`,
			`Pipfile`,
		},
		AutoApproveRelease: true,
	}
}

// Snapshot freezes the defaults into the form stored with a run.
func (p PipelineDefaults) Snapshot() models.ConfigSnapshot {
	agentModels := make(map[string]string, len(p.AgentModels))
	for role, model := range p.AgentModels {
		agentModels[role] = model
	}
	return models.ConfigSnapshot{
		MaxVerificationLoops: p.MaxVerificationLoops,
		MaxReviewDevLoops:    p.MaxReviewDevLoops,
		MaxTDDIterations:     p.MaxTDDIterations,
		BaseBranch:           p.BaseBranch,
		ProviderChain:        append([]string(nil), p.ProviderChain...),
		AgentModels:          agentModels,
		ExploreModel:         p.ExploreModel,
		PlanModel:            p.PlanModel,
		InfraPatterns:        append([]string(nil), p.InfraPatterns...),
		DependencyPatterns:   append([]string(nil), p.DependencyPatterns...),
		AutoApproveRelease:   p.AutoApproveRelease,
	}
}
