package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hadron-ai/hadron/pkg/agent"
	"github.com/hadron-ai/hadron/pkg/agent/tools"
	"github.com/hadron-ai/hadron/pkg/config"
	"github.com/hadron-ai/hadron/pkg/models"
)

const specWriterSystemPrompt = `You are a behaviour specification writer. Translate the change request
into Gherkin .feature files and write them into the features/ directory
of the repository using the write_file tool. Cover the acceptance
criteria and the obvious edge cases. When you are done, reply with a
short summary of the scenarios you wrote.`

const specVerifierSystemPrompt = `You are a behaviour specification verifier. Inspect the .feature files
in the repository and judge whether they fully express the change
request. Reply with a single JSON object:
  verified: boolean
  feedback: string, what must change when not verified
  missing_scenarios: array of strings
  issues: array of strings
Reply with the JSON object only.`

// runTranslation runs the spec writer per repository. Retries carry the
// previous verification feedback so the writer can close the gaps.
func (p *Pipeline) runTranslation(ctx context.Context, st *models.PipelineState) (models.Delta, error) {
	var d models.Delta
	d.TranslationOutputs = make(map[string]string, len(st.Worktrees))
	intervention := p.interventionText(ctx, st.CRID)

	for repo, dir := range st.Worktrees {
		b := &agent.PromptBuilder{}
		b.Add("Change request", p.intakeSummary(st))
		b.Add("Repository context", st.RepoContexts[repo])
		b.Add("Verification feedback from the previous attempt", st.VerificationFeedback[repo])
		b.Add("Operator instructions", intervention)

		result, err := p.runAgent(ctx, st, agentSpec{
			role:         config.RoleSpecWriter,
			repo:         repo,
			stageTag:     StageTranslation,
			systemPrompt: specWriterSystemPrompt,
			userPrompt:   b.String(),
			workDir:      dir,
			allowedTools: tools.AllToolNames,
			threePhase:   true,
		})
		if err != nil {
			return d, fmt.Errorf("spec writer failed for %s: %w", repo, err)
		}
		addCost(&d, result)
		d.TranslationOutputs[repo] = result.Output
	}
	return d, nil
}

// runVerification checks the written behaviour specs per repository and
// advances the verification loop counter. behaviour_verified is the AND
// over repositories.
func (p *Pipeline) runVerification(ctx context.Context, st *models.PipelineState) (models.Delta, error) {
	var d models.Delta
	d.VerificationFeedback = make(map[string]string, len(st.Worktrees))

	verified := true
	for repo, dir := range st.Worktrees {
		b := &agent.PromptBuilder{}
		b.Add("Change request", p.intakeSummary(st))
		b.Add("Spec writer summary", st.TranslationOutputs[repo])

		result, err := p.runAgent(ctx, st, agentSpec{
			role:         config.RoleSpecVerifier,
			repo:         repo,
			stageTag:     StageVerification,
			systemPrompt: specVerifierSystemPrompt,
			userPrompt:   b.String(),
			workDir:      dir,
			allowedTools: tools.ReadOnlyToolNames,
		})
		if err != nil {
			return d, fmt.Errorf("spec verifier failed for %s: %w", repo, err)
		}
		addCost(&d, result)

		verdict, perr := ExtractJSON(result.Output)
		if perr != nil {
			// An unparseable verdict is never authoritative approval.
			p.log.Warn("Verifier output not parseable", "cr_id", st.CRID, "repo", repo, "error", perr)
			verified = false
			d.VerificationFeedback[repo] = "Verifier output could not be parsed; rewrite the feature files with clearer scenarios."
			continue
		}

		repoVerified := jsonBool(verdict, "verified")
		verified = verified && repoVerified
		if !repoVerified {
			d.VerificationFeedback[repo] = verifierFeedback(verdict)
		}
	}

	loops := st.VerificationLoops + 1
	d.BehaviourVerified = models.BoolPtr(verified)
	d.VerificationLoops = models.IntPtr(loops)
	if !verified && loops >= st.Config.MaxVerificationLoops {
		d.Error = models.StringPtr(fmt.Sprintf(
			"verification circuit breaker tripped after %d loops", loops))
	}
	return d, nil
}

func verifierFeedback(verdict map[string]any) string {
	var parts []string
	if fb := jsonString(verdict, "feedback"); fb != "" {
		parts = append(parts, fb)
	}
	if missing := jsonStrings(verdict, "missing_scenarios"); len(missing) > 0 {
		parts = append(parts, "Missing scenarios: "+strings.Join(missing, "; "))
	}
	if issues := jsonStrings(verdict, "issues"); len(issues) > 0 {
		parts = append(parts, "Issues: "+strings.Join(issues, "; "))
	}
	if len(parts) == 0 {
		return "Specs not verified; no feedback provided."
	}
	return strings.Join(parts, "\n")
}

// intakeSummary renders the structured intake record for prompts, falling
// back to the raw submission when intake has not produced one.
func (p *Pipeline) intakeSummary(st *models.PipelineState) string {
	record := st.IntakeRecord
	if record == nil {
		record = st.CR
	}
	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", record)
	}
	return string(payload)
}
