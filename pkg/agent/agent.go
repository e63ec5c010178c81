// Package agent implements the multi-round LLM tool-use loop, the
// provider backends (Anthropic, Gemini), and the provider failover chain.
package agent

import (
	"context"
	"time"

	"github.com/hadron-ai/hadron/pkg/agent/tools"
)

// Message is one provider-neutral conversation turn. Assistant turns may
// carry tool calls; the following user turn carries their results.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult is the string outcome of one tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
}

// CompletionRequest is one model call.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []tools.Definition
	MaxTokens int
}

// Completion is the provider-neutral response to one model call.
type Completion struct {
	Text         string
	ToolCalls    []ToolCall
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Backend is one LLM provider. Implementations classify their own
// rate-limit errors and choose their own backoff base.
type Backend interface {
	// Name returns the provider identifier ("anthropic", "gemini").
	Name() string

	// Complete performs one model call.
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)

	// IsRateLimit reports whether an error from Complete is a rate limit.
	IsRateLimit(err error) bool

	// RateLimitBaseWait is the base backoff; attempt n waits base×(n+1).
	RateLimitBaseWait() time.Duration
}

// Task is one agent invocation.
type Task struct {
	Role         string
	SystemPrompt string
	UserPrompt   string
	WorkDir      string
	AllowedTools []string
	Model        string
	MaxTokens    int
	MaxRounds    int

	// ExploreModel and PlanModel request three-phase execution. When
	// ExploreModel is set, a read-only Explore loop runs first; when
	// PlanModel is set, a tool-less Plan call follows; the Act phase then
	// runs the normal loop with a prompt composed from both.
	ExploreModel string
	PlanModel    string

	// Callbacks. All optional.
	OnToolCall func(name string, input map[string]any, result string)
	OnOutput   func(text string)
	OnPhase    func(phase, status string)
	PollNudge  func(ctx context.Context) (string, bool)
}

// ToolCallRecord is one executed tool call kept in the result.
type ToolCallRecord struct {
	Name   string         `json:"name"`
	Input  map[string]any `json:"input"`
	Result string         `json:"result"`
}

// Result is the outcome of a full agent invocation, all phases included.
type Result struct {
	Output       string           `json:"output"`
	InputTokens  int              `json:"input_tokens"`
	OutputTokens int              `json:"output_tokens"`
	CostUSD      float64          `json:"cost_usd"`
	ToolCalls    []ToolCallRecord `json:"tool_calls,omitempty"`
	Conversation []Message        `json:"conversation"`
	Rounds       int              `json:"rounds"`
}
