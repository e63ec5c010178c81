package pipeline

import (
	"context"
	"strings"

	"github.com/hadron-ai/hadron/pkg/agent"
	"github.com/hadron-ai/hadron/pkg/config"
	"github.com/hadron-ai/hadron/pkg/models"
)

const intakeSystemPrompt = `You are a change request analyst. You receive a raw change request and
produce a structured record of it. Reply with a single JSON object with
these fields:
  title: string, a cleaned-up one-line title
  description: string, the normalized description
  acceptance_criteria: array of strings
  affected_domains: array of strings (e.g. "api", "storage", "auth")
  priority: "low" | "medium" | "high"
  constraints: array of strings
  risk_flags: array of strings
Reply with the JSON object only.`

// runIntake normalizes the raw submission into a structured intake record
// via a tool-less analyst call. A parse failure degrades to a minimal
// record tagged intake_parse_failed; the pipeline never stops here.
func (p *Pipeline) runIntake(ctx context.Context, st *models.PipelineState) (models.Delta, error) {
	title, _ := st.CR["title"].(string)
	description, _ := st.CR["description"].(string)

	b := &agent.PromptBuilder{}
	b.Add("Title", title)
	b.Add("Description", description)
	if criteria, ok := st.CR["acceptance_criteria"].([]any); ok && len(criteria) > 0 {
		var lines []string
		for _, c := range criteria {
			if s, ok := c.(string); ok {
				lines = append(lines, "- "+s)
			}
		}
		b.Add("Acceptance criteria", strings.Join(lines, "\n"))
	}
	if msg := p.interventionText(ctx, st.CRID); msg != "" {
		b.Add("Operator instructions", msg)
	}

	var d models.Delta
	result, err := p.runAgent(ctx, st, agentSpec{
		role:         config.RoleAnalyst,
		stageTag:     StageIntake,
		systemPrompt: intakeSystemPrompt,
		userPrompt:   b.String(),
	})
	if err != nil {
		return d, err
	}
	addCost(&d, result)

	record, perr := ExtractJSON(result.Output)
	if perr != nil {
		p.log.Warn("Intake output not parseable, using fallback record", "cr_id", st.CRID, "error", perr)
		record = map[string]any{
			"title":       title,
			"description": description,
			"risk_flags":  []any{"intake_parse_failed"},
		}
	}
	d.IntakeRecord = record
	return d, nil
}
