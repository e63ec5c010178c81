package agent

import (
	"fmt"
	"strings"
)

// maxContextChars caps each prompt section so a single oversized diff or
// repo dump cannot blow the model context window.
const maxContextChars = 48_000

const contextTruncationMarker = "\n...(context truncated)"

// TruncateContext caps a prompt section at maxContextChars.
func TruncateContext(s string) string {
	if len(s) <= maxContextChars {
		return s
	}
	return s[:maxContextChars] + contextTruncationMarker
}

// PromptBuilder assembles a prompt from titled sections. Each section body
// is truncated independently so one large block cannot starve the others.
type PromptBuilder struct {
	sections []string
}

// Add appends a titled section. Empty bodies are skipped.
func (b *PromptBuilder) Add(title, body string) *PromptBuilder {
	body = strings.TrimSpace(body)
	if body == "" {
		return b
	}
	b.sections = append(b.sections, fmt.Sprintf("## %s\n\n%s", title, TruncateContext(body)))
	return b
}

// AddRaw appends untitled text, still subject to truncation.
func (b *PromptBuilder) AddRaw(body string) *PromptBuilder {
	body = strings.TrimSpace(body)
	if body == "" {
		return b
	}
	b.sections = append(b.sections, TruncateContext(body))
	return b
}

func (b *PromptBuilder) String() string {
	return strings.Join(b.sections, "\n\n")
}

// exploreSystemPrompt wraps the task's system prompt for the read-only
// Explore phase.
func exploreSystemPrompt(base string) string {
	return base + "\n\n" +
		"You are in an exploration phase. Use the read_file and list_directory tools " +
		"to understand the repository before any changes are made. Do not propose " +
		"edits yet. When you have seen enough, reply with a concise summary of the " +
		"relevant files, structures, and conventions you found."
}

// planUserPrompt composes the tool-less Plan phase prompt from the original
// task and the Explore phase findings.
func planUserPrompt(userPrompt, findings string) string {
	b := &PromptBuilder{}
	b.Add("Task", userPrompt)
	b.Add("Exploration findings", findings)
	b.AddRaw("Write a concrete step-by-step plan for completing the task: which files " +
		"to create or modify, in what order, and what to verify. Reply with the plan only.")
	return b.String()
}

// actUserPrompt composes the Act phase prompt from the original task plus
// whatever earlier phases produced.
func actUserPrompt(userPrompt, findings, plan string) string {
	b := &PromptBuilder{}
	b.Add("Task", userPrompt)
	b.Add("Exploration findings", findings)
	b.Add("Plan", plan)
	if findings != "" || plan != "" {
		b.AddRaw("Carry out the task now, following the plan above where it still makes sense.")
	}
	return b.String()
}
