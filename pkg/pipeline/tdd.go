package pipeline

import (
	"context"
	"fmt"

	"github.com/hadron-ai/hadron/pkg/agent"
	"github.com/hadron-ai/hadron/pkg/agent/tools"
	"github.com/hadron-ai/hadron/pkg/config"
	"github.com/hadron-ai/hadron/pkg/models"
)

const testWriterSystemPrompt = `You are a test-first developer. Write failing tests that pin down the
behaviour described by the feature files and the change request. Use the
repository's existing test conventions and the write_file tool. Do not
implement the behaviour itself. Reply with a summary of the tests you
wrote.`

const codeWriterSystemPrompt = `You are an implementation developer. Make the failing tests pass with
the smallest reasonable change, following the repository's conventions.
Use the tools to read, write, and run what you need. Reply with a
summary of what you changed.`

// Sub-stage tags for TDD events.
const (
	tagTestWriter = StageTDD + ":test_writer"
	tagCodeWriter = StageTDD + ":code_writer"
)

// runTDD is the red/green loop: per repository, write failing tests, then
// alternate code writing and test runs until the suite passes or the
// iteration budget is spent. Work is committed and pushed either way so
// nothing is lost to a later crash.
func (p *Pipeline) runTDD(ctx context.Context, st *models.PipelineState) (models.Delta, error) {
	var d models.Delta
	report := make(map[string]any, len(st.Worktrees))
	intervention := p.interventionText(ctx, st.CRID)

	for repo, dir := range st.Worktrees {
		b := &agent.PromptBuilder{}
		b.Add("Change request", p.intakeSummary(st))
		b.Add("Repository context", st.RepoContexts[repo])
		b.Add("Review findings to address", findingsSummary(st.ReviewFindings, repo))
		b.Add("Operator instructions", intervention)

		result, err := p.runAgent(ctx, st, agentSpec{
			role:         config.RoleTestWriter,
			repo:         repo,
			stageTag:     tagTestWriter,
			systemPrompt: testWriterSystemPrompt,
			userPrompt:   b.String(),
			workDir:      dir,
			allowedTools: tools.AllToolNames,
		})
		if err != nil {
			return d, fmt.Errorf("test writer failed for %s: %w", repo, err)
		}
		addCost(&d, result)
		testSummary := result.Output

		passed := false
		lastOutput := ""
		iterations := 0
		for i := 0; i < st.Config.MaxTDDIterations; i++ {
			iterations = i + 1

			cb := &agent.PromptBuilder{}
			cb.Add("Change request", p.intakeSummary(st))
			cb.Add("Tests to make pass", testSummary)
			cb.Add("Last test run output", outputTail(lastOutput, testOutputTail))

			result, err := p.runAgent(ctx, st, agentSpec{
				role:         config.RoleCodeWriter,
				repo:         repo,
				stageTag:     tagCodeWriter,
				systemPrompt: codeWriterSystemPrompt,
				userPrompt:   cb.String(),
				workDir:      dir,
				allowedTools: tools.AllToolNames,
				threePhase:   true,
			})
			if err != nil {
				return d, fmt.Errorf("code writer failed for %s: %w", repo, err)
			}
			addCost(&d, result)

			var output string
			passed, output = RunTests(ctx, dir, p.testCommand(st), st.CRID)
			lastOutput = output
			p.emit(ctx, st.CRID, models.EventTestRun, StageTDD, map[string]any{
				"repo":      repo,
				"iteration": iterations,
				"passed":    passed,
				"output":    outputTail(output, testOutputTail),
			})
			if passed {
				break
			}
		}

		// Push whatever exists; a failing branch is still reviewable and
		// resumable.
		if err := p.git.CommitAndPush(ctx, dir, fmt.Sprintf("hadron: TDD implementation for %s", st.CRID)); err != nil {
			return d, fmt.Errorf("failed to push TDD work for %s: %w", repo, err)
		}

		report[repo] = map[string]any{
			"iterations":    iterations,
			"tests_passing": passed,
			"last_output":   outputTail(lastOutput, testOutputTail),
		}
	}

	d.TDDReport = report
	return d, nil
}

// testCommand returns the validated per-CR test command.
func (p *Pipeline) testCommand(st *models.PipelineState) string {
	if cmd, ok := st.CR["test_command"].(string); ok && cmd != "" {
		return cmd
	}
	return "pytest"
}

func findingsSummary(findings []models.Finding, repo string) string {
	var out string
	for _, f := range findings {
		if f.Repo != repo || !f.Blocking() {
			continue
		}
		out += fmt.Sprintf("- [%s/%s] %s", f.Reviewer, f.Severity, f.Summary)
		if f.File != "" {
			out += " (" + f.File + ")"
		}
		out += "\n"
	}
	return out
}
