package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(.*?)```")
	fencedAnyRe  = regexp.MustCompile("(?s)```(?:[a-zA-Z]*\\n)?(.*?)```")
)

// ExtractJSON pulls a JSON object out of free-form model output. Strategies
// in order: fenced json block, any fenced block, first {...} substring,
// the whole string. Models wrap JSON unpredictably; trusting a single
// format loses real responses.
func ExtractJSON(output string) (map[string]any, error) {
	candidates := make([]string, 0, 4)

	if m := fencedJSONRe.FindStringSubmatch(output); m != nil {
		candidates = append(candidates, m[1])
	}
	if m := fencedAnyRe.FindStringSubmatch(output); m != nil {
		candidates = append(candidates, m[1])
	}
	if start := strings.Index(output, "{"); start >= 0 {
		if end := strings.LastIndex(output, "}"); end > start {
			candidates = append(candidates, output[start:end+1])
		}
	}
	candidates = append(candidates, output)

	for _, candidate := range candidates {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(candidate)), &parsed); err == nil {
			return parsed, nil
		}
	}
	return nil, fmt.Errorf("no parseable JSON object in output")
}

// jsonString reads a string field, tolerating absence.
func jsonString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// jsonBool reads a bool field, tolerating absence and "true"/"false" strings.
func jsonBool(m map[string]any, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

// jsonStrings reads a string-array field, tolerating absence and mixed types.
func jsonStrings(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
