package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hadron-ai/hadron/pkg/agent/tools"
	"github.com/hadron-ai/hadron/pkg/config"
)

const anthropicRateLimitBase = 60 * time.Second

// AnthropicBackend serves Claude models through the official SDK.
type AnthropicBackend struct {
	client anthropic.Client
}

// NewAnthropicBackend creates a backend authenticated with the given key.
func NewAnthropicBackend(apiKey string) *AnthropicBackend {
	return &AnthropicBackend{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

func (b *AnthropicBackend) Name() string {
	return config.ProviderAnthropic
}

func (b *AnthropicBackend) RateLimitBaseWait() time.Duration {
	return anthropicRateLimitBase
}

// IsRateLimit reports 429 responses and rate-limit shaped errors.
func (b *AnthropicBackend) IsRateLimit(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.StatusCode == http.StatusServiceUnavailable
	}
	msg := err.Error()
	return strings.Contains(msg, "rate_limit") || strings.Contains(msg, "overloaded")
}

func (b *AnthropicBackend) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		converted, err := toAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = converted
	}

	msg, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion failed: %w", err)
	}

	comp := &Completion{
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	var texts []string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			texts = append(texts, block.Text)
		case "tool_use":
			var input map[string]any
			if err := json.Unmarshal(block.Input, &input); err != nil {
				return nil, fmt.Errorf("failed to decode tool input for %s: %w", block.Name, err)
			}
			comp.ToolCalls = append(comp.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}
	comp.Text = strings.Join(texts, "\n")
	return comp, nil
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		var blocks []anthropic.ContentBlockParamUnion

		if m.Role == roleAssistant {
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, call.Input, call.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
			continue
		}

		// Tool results precede any injected operator guidance.
		for _, tr := range m.ToolResults {
			isError := strings.HasPrefix(tr.Content, "Error:")
			blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, isError))
		}
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		out = append(out, anthropic.NewUserMessage(blocks...))
	}
	return out
}

func toAnthropicTools(defs []tools.Definition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(def.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool definition for %s", def.Name)
		}
		param.OfTool.Description = anthropic.String(def.Description)
		out = append(out, param)
	}
	return out, nil
}
