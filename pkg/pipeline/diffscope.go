package pipeline

import (
	"log/slog"
	"regexp"
)

// DiffScope is the deterministic pre-pass over a change's file list,
// injected into the security reviewer's payload.
type DiffScope struct {
	TouchesInfra        bool     `json:"touches_infra"`
	TouchesDependencies bool     `json:"touches_dependencies"`
	InfraFiles          []string `json:"infra_files,omitempty"`
	DependencyFiles     []string `json:"dependency_files,omitempty"`
}

// AnalyseDiffScope matches changed file paths against the configured
// infrastructure and dependency-manifest patterns. Invalid patterns are
// skipped with a warning rather than failing review.
func AnalyseDiffScope(files []string, infraPatterns, dependencyPatterns []string) DiffScope {
	infra := compilePatterns(infraPatterns)
	deps := compilePatterns(dependencyPatterns)

	var scope DiffScope
	for _, file := range files {
		if matchesAny(infra, file) {
			scope.TouchesInfra = true
			scope.InfraFiles = append(scope.InfraFiles, file)
		}
		if matchesAny(deps, file) {
			scope.TouchesDependencies = true
			scope.DependencyFiles = append(scope.DependencyFiles, file)
		}
	}
	return scope
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			slog.Warn("Skipping invalid diff scope pattern", "pattern", p, "error", err)
			continue
		}
		out = append(out, re)
	}
	return out
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
