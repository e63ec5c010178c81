package api

import (
	"time"

	"github.com/hadron-ai/hadron/pkg/models"
)

// InterveneRequest is the body of POST /api/pipeline/{cr_id}/intervene.
type InterveneRequest struct {
	Instructions string `json:"instructions"`
}

// NudgeRequest is the body of POST /api/pipeline/{cr_id}/nudge.
type NudgeRequest struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

// ResumeRequest is the body of POST /api/pipeline/{cr_id}/resume.
type ResumeRequest struct {
	StateOverrides map[string]any `json:"state_overrides"`
}

// TriggerResponse acknowledges a newly created run.
type TriggerResponse struct {
	CRID   string `json:"cr_id"`
	Status string `json:"status"`
}

// RunSummary is the list/get representation of a CR run.
type RunSummary struct {
	CRID       string    `json:"cr_id"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status"`
	Source     string    `json:"source"`
	ExternalID string    `json:"external_id,omitempty"`
	CostUSD    float64   `json:"cost_usd"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CheckpointSummary is the latest-checkpoint view included in run detail.
type CheckpointSummary struct {
	Node         string   `json:"node"`
	CurrentStage string   `json:"current_stage"`
	StageHistory []string `json:"stage_history,omitempty"`
	Status       string   `json:"status"`
	Error        string   `json:"error,omitempty"`
	CostUSD      float64  `json:"cost_usd"`
	AllDelivered bool     `json:"all_delivered"`
	Released     bool     `json:"released"`
}

// RunDetail is the response of GET /api/pipeline/{cr_id}.
type RunDetail struct {
	RunSummary
	Checkpoint *CheckpointSummary `json:"checkpoint,omitempty"`
}

// ReadyResponse is the readiness report.
type ReadyResponse struct {
	Status string          `json:"status"`
	Checks map[string]bool `json:"checks"`
}

// ProvidersResponse describes the configured provider chain.
type ProvidersResponse struct {
	Providers      []string          `json:"providers"`
	FallbackModels map[string]string `json:"fallback_models"`
}

func checkpointSummary(node string, st *models.PipelineState) *CheckpointSummary {
	return &CheckpointSummary{
		Node:         node,
		CurrentStage: st.CurrentStage,
		StageHistory: st.StageHistory,
		Status:       st.Status,
		Error:        st.Error,
		CostUSD:      st.CostUSD,
		AllDelivered: st.AllDelivered,
		Released:     st.Released,
	}
}
