package tools

import "strings"

// scrubbedPrefixes are dropped wholesale from the command environment so
// credentials never leak into agent-run subprocesses.
var scrubbedPrefixes = []string{
	"HADRON_",
	"ANTHROPIC_",
	"OPENAI_",
	"GITHUB_",
	"AZURE_",
	"AWS_",
}

// scrubbedKeys are individual secret-bearing variables dropped by exact name.
var scrubbedKeys = map[string]bool{
	"DATABASE_URL":    true,
	"REDIS_URL":       true,
	"SECRET_KEY":      true,
	"API_KEY":         true,
	"GH_TOKEN":        true,
	"GITLAB_TOKEN":    true,
	"BITBUCKET_TOKEN": true,
}

// ScrubEnv filters a process environment for agent-run commands: secret
// prefixes and keys are removed, PATH and the rest pass through, and
// PYTHONDONTWRITEBYTECODE is set so test runs leave worktrees clean.
func ScrubEnv(environ []string) []string {
	out := make([]string, 0, len(environ)+1)
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if scrubbedKeys[name] {
			continue
		}
		if hasScrubbedPrefix(name) {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, "PYTHONDONTWRITEBYTECODE=1")
	return out
}

func hasScrubbedPrefix(name string) bool {
	for _, prefix := range scrubbedPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
