package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/hadron-ai/hadron/pkg/agent/tools"
	"github.com/hadron-ai/hadron/pkg/config"
)

const geminiRateLimitBase = 30 * time.Second

// GeminiBackend serves Gemini models through the official genai SDK.
type GeminiBackend struct {
	client *genai.Client
}

// NewGeminiBackend creates a backend authenticated with the given key.
func NewGeminiBackend(ctx context.Context, apiKey string) (*GeminiBackend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiBackend{client: client}, nil
}

func (b *GeminiBackend) Name() string {
	return config.ProviderGemini
}

func (b *GeminiBackend) RateLimitBaseWait() time.Duration {
	return geminiRateLimitBase
}

// IsRateLimit reports quota exhaustion and 429 shaped errors.
func (b *GeminiBackend) IsRateLimit(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit")
}

func (b *GeminiBackend) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		converted, err := toGeminiTools(req.Tools)
		if err != nil {
			return nil, err
		}
		cfg.Tools = converted
	}

	resp, err := b.client.Models.GenerateContent(ctx, req.Model, toGeminiContents(req.Messages), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini completion failed: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	candidate := resp.Candidates[0]
	comp := &Completion{StopReason: string(candidate.FinishReason)}
	if resp.UsageMetadata != nil {
		comp.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		comp.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	var texts []string
	if candidate.Content != nil {
		for i, part := range candidate.Content.Parts {
			if part.Text != "" {
				texts = append(texts, part.Text)
			}
			if part.FunctionCall != nil {
				id := part.FunctionCall.ID
				if id == "" {
					// Gemini often omits call IDs; synthesize one so the
					// response can be matched back in the next turn.
					id = fmt.Sprintf("%s-%d", part.FunctionCall.Name, i)
				}
				comp.ToolCalls = append(comp.ToolCalls, ToolCall{
					ID:    id,
					Name:  part.FunctionCall.Name,
					Input: part.FunctionCall.Args,
				})
			}
		}
	}
	comp.Text = strings.Join(texts, "\n")
	return comp, nil
}

func toGeminiContents(messages []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := genai.RoleUser
		if m.Role == roleAssistant {
			role = genai.RoleModel
		}

		var parts []*genai.Part
		for _, tr := range m.ToolResults {
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       tr.ToolCallID,
					Name:     tr.Name,
					Response: map[string]any{"result": tr.Content},
				},
			})
		}
		if m.Content != "" {
			parts = append(parts, &genai.Part{Text: m.Content})
		}
		for _, call := range m.ToolCalls {
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Name,
					Args: call.Input,
				},
			})
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

func toGeminiTools(defs []tools.Definition) ([]*genai.Tool, error) {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		var schema map[string]any
		if err := json.Unmarshal(def.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  toGeminiSchema(schema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}, nil
}

// toGeminiSchema converts a JSON Schema map to the genai schema type.
func toGeminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGeminiSchema(items)
	}
	return s
}
