package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONFencedJSON(t *testing.T) {
	out, err := ExtractJSON("Here you go:\n```json\n{\"verified\": true}\n```\nDone.")
	require.NoError(t, err)
	assert.Equal(t, true, out["verified"])
}

func TestExtractJSONAnyFence(t *testing.T) {
	out, err := ExtractJSON("```\n{\"a\": 1}\n```")
	require.NoError(t, err)
	assert.Equal(t, float64(1), out["a"])
}

func TestExtractJSONBraceSubstring(t *testing.T) {
	out, err := ExtractJSON(`The verdict is {"verified": false, "feedback": "needs work"} as discussed.`)
	require.NoError(t, err)
	assert.Equal(t, false, out["verified"])
	assert.Equal(t, "needs work", out["feedback"])
}

func TestExtractJSONWholeString(t *testing.T) {
	out, err := ExtractJSON(`{"findings": []}`)
	require.NoError(t, err)
	assert.Empty(t, out["findings"])
}

func TestExtractJSONPrefersFencedBlock(t *testing.T) {
	// The fenced block wins even when earlier braces exist in prose.
	input := "ignore {this} please\n```json\n{\"picked\": true}\n```"
	out, err := ExtractJSON(input)
	require.NoError(t, err)
	assert.Equal(t, true, out["picked"])
}

func TestExtractJSONFailure(t *testing.T) {
	_, err := ExtractJSON("no structured data here")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no parseable JSON")
}

func TestJSONHelpers(t *testing.T) {
	m := map[string]any{
		"s":    "x",
		"b1":   true,
		"b2":   "TRUE",
		"list": []any{"a", 1, "b"},
	}
	assert.Equal(t, "x", jsonString(m, "s"))
	assert.Equal(t, "", jsonString(m, "missing"))
	assert.True(t, jsonBool(m, "b1"))
	assert.True(t, jsonBool(m, "b2"))
	assert.False(t, jsonBool(m, "missing"))
	assert.Equal(t, []string{"a", "b"}, jsonStrings(m, "list"))
	assert.Nil(t, jsonStrings(m, "missing"))
}

func TestAnalyseDiffScope(t *testing.T) {
	infra := []string{`Dockerfile`, `\.github/`}
	deps := []string{`package\.json$`, `go\.mod$`}

	scope := AnalyseDiffScope([]string{"src/app.py", "docs/readme.md"}, infra, deps)
	assert.False(t, scope.TouchesInfra)
	assert.False(t, scope.TouchesDependencies)

	scope = AnalyseDiffScope([]string{"Dockerfile", ".github/workflows/ci.yml", "package.json"}, infra, deps)
	assert.True(t, scope.TouchesInfra)
	assert.True(t, scope.TouchesDependencies)
	assert.Equal(t, []string{"Dockerfile", ".github/workflows/ci.yml"}, scope.InfraFiles)
	assert.Equal(t, []string{"package.json"}, scope.DependencyFiles)
}

func TestAnalyseDiffScopeSkipsInvalidPattern(t *testing.T) {
	scope := AnalyseDiffScope([]string{"Dockerfile"}, []string{`[invalid`, `Dockerfile`}, nil)
	assert.True(t, scope.TouchesInfra)
}
