package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hadron-ai/hadron/pkg/agent/tools"
	"github.com/hadron-ai/hadron/pkg/config"
)

const (
	defaultMaxRounds = 30
	defaultMaxTokens = 8192

	// maxRateLimitRetries bounds completion attempts when the provider is
	// rate limiting; attempt n waits backend base × (n+1) before retrying.
	maxRateLimitRetries = 5
)

const (
	roleUser      = "user"
	roleAssistant = "assistant"
)

// Runner drives tasks against a single backend: the multi-round tool loop,
// the optional Explore/Plan phases, rate-limit retries, and cost accounting.
type Runner struct {
	backend Backend
	log     *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner for one backend.
func NewRunner(backend Backend, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		backend: backend,
		log:     log.With("provider", backend.Name()),
		sleep:   sleepContext,
	}
}

// Run executes a task to completion. When the task requests three-phase
// execution, a read-only Explore loop and a tool-less Plan call run first
// and their outputs are folded into the Act prompt.
func (r *Runner) Run(ctx context.Context, task Task) (*Result, error) {
	if task.MaxRounds <= 0 {
		task.MaxRounds = defaultMaxRounds
	}
	if task.MaxTokens <= 0 {
		task.MaxTokens = defaultMaxTokens
	}

	result := &Result{}
	var findings, plan string

	if task.ExploreModel != "" && task.WorkDir != "" {
		r.phase(task, "explore", "started")
		explore := task
		explore.Model = task.ExploreModel
		explore.AllowedTools = tools.ReadOnlyToolNames
		explore.SystemPrompt = exploreSystemPrompt(task.SystemPrompt)
		out, err := r.loop(ctx, explore, result, false)
		if err != nil {
			return nil, fmt.Errorf("explore phase failed: %w", err)
		}
		findings = out
		r.phase(task, "explore", "completed")
	}

	if task.PlanModel != "" {
		r.phase(task, "plan", "started")
		comp, err := r.completeWithRetry(ctx, &CompletionRequest{
			Model:  task.PlanModel,
			System: task.SystemPrompt,
			Messages: []Message{
				{Role: roleUser, Content: planUserPrompt(task.UserPrompt, findings)},
			},
			MaxTokens: task.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("plan phase failed: %w", err)
		}
		r.account(result, task.PlanModel, comp)
		result.Rounds++
		plan = comp.Text
		r.phase(task, "plan", "completed")
	}

	act := task
	act.UserPrompt = actUserPrompt(task.UserPrompt, findings, plan)
	out, err := r.loop(ctx, act, result, true)
	if err != nil {
		return nil, err
	}
	result.Output = out
	return result, nil
}

// loop runs the multi-round tool conversation for one phase and returns the
// model's final text. Token and cost totals accumulate into result.
func (r *Runner) loop(ctx context.Context, task Task, result *Result, capture bool) (string, error) {
	var executor *tools.Executor
	if len(task.AllowedTools) > 0 && task.WorkDir != "" {
		var err error
		executor, err = tools.NewExecutor(task.WorkDir)
		if err != nil {
			return "", fmt.Errorf("failed to create tool executor: %w", err)
		}
	}
	defs := tools.Definitions(task.AllowedTools)

	messages := []Message{{Role: roleUser, Content: task.UserPrompt}}
	var finalText string

	for round := 0; round < task.MaxRounds; round++ {
		comp, err := r.completeWithRetry(ctx, &CompletionRequest{
			Model:     task.Model,
			System:    task.SystemPrompt,
			Messages:  messages,
			Tools:     defs,
			MaxTokens: task.MaxTokens,
		})
		if err != nil {
			return "", err
		}
		r.account(result, task.Model, comp)
		result.Rounds++

		if comp.Text != "" {
			finalText = comp.Text
			if task.OnOutput != nil {
				task.OnOutput(comp.Text)
			}
		}
		messages = append(messages, Message{
			Role:      roleAssistant,
			Content:   comp.Text,
			ToolCalls: comp.ToolCalls,
		})

		if len(comp.ToolCalls) == 0 {
			break
		}

		results := make([]ToolResult, 0, len(comp.ToolCalls))
		for _, call := range comp.ToolCalls {
			content := "Error: tool execution is not available for this task"
			if executor != nil {
				content = executor.Execute(ctx, call.Name, call.Input)
			}
			results = append(results, ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    content,
			})
			result.ToolCalls = append(result.ToolCalls, ToolCallRecord{
				Name:   call.Name,
				Input:  call.Input,
				Result: content,
			})
			if task.OnToolCall != nil {
				task.OnToolCall(call.Name, call.Input, content)
			}
		}

		next := Message{Role: roleUser, ToolResults: results}
		if task.PollNudge != nil {
			if msg, ok := task.PollNudge(ctx); ok {
				next.Content = "Operator guidance: " + msg
				r.log.Info("nudge injected", "role", task.Role)
			}
		}
		messages = append(messages, next)
	}

	if capture {
		result.Conversation = messages
	}
	return finalText, nil
}

func (r *Runner) completeWithRetry(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	var lastErr error
	for attempt := 0; attempt < maxRateLimitRetries; attempt++ {
		comp, err := r.backend.Complete(ctx, req)
		if err == nil {
			return comp, nil
		}
		if !r.backend.IsRateLimit(err) {
			return nil, err
		}
		lastErr = err
		if attempt == maxRateLimitRetries-1 {
			break
		}
		wait := r.backend.RateLimitBaseWait() * time.Duration(attempt+1)
		r.log.Warn("rate limited, backing off",
			"model", req.Model,
			"attempt", attempt+1,
			"wait", wait)
		if err := r.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("rate limit retries exhausted after %d attempts: %w", maxRateLimitRetries, lastErr)
}

func (r *Runner) account(result *Result, model string, comp *Completion) {
	result.InputTokens += comp.InputTokens
	result.OutputTokens += comp.OutputTokens
	result.CostUSD += config.CostUSD(model, comp.InputTokens, comp.OutputTokens)
}

func (r *Runner) phase(task Task, phase, status string) {
	if task.OnPhase != nil {
		task.OnPhase(phase, status)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
