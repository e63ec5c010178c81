// Package models defines the core domain types shared by the controller,
// the pipeline worker, and the event stream: change requests, pipeline
// state, and events.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Sources a change request may originate from.
var ValidSources = []string{"api", "jira", "github", "ado", "slack"}

// MaxTitleLength bounds CR titles at the API boundary.
const MaxTitleLength = 500

// DefaultTestCommand is used when a CR does not supply a test command.
const DefaultTestCommand = "pytest"

// testCommandAllowList holds the base commands a CR test_command may start with.
// Anything else is rejected before a run is created.
var testCommandAllowList = []string{
	"pytest",
	"python -m pytest",
	"npm test",
	"npm run test",
	"npx jest",
	"yarn test",
	"pnpm test",
	"go test",
	"cargo test",
	"mvn test",
	"mvn verify",
	"gradle test",
	"gradlew test",
	"./gradlew test",
	"make test",
	"make check",
	"bundle exec rspec",
	"phpunit",
	"dotnet test",
}

// forbiddenShellTokens are the metacharacters that would let a test command
// chain, redirect, or substitute. The command runs through a shell, so these
// are rejected outright.
var forbiddenShellTokens = []string{";", "|", "`", "\n", "$(", "&&", "||", ">>", ">", "<"}

// ChangeRequest is the raw CR submission accepted by the controller.
type ChangeRequest struct {
	CRID                string         `json:"cr_id,omitempty"`
	Title               string         `json:"title"`
	Description         string         `json:"description"`
	AcceptanceCriteria  []string       `json:"acceptance_criteria,omitempty"`
	Source              string         `json:"source,omitempty"`
	ExternalID          string         `json:"external_id,omitempty"`
	ExternalURL         string         `json:"external_url,omitempty"`
	RepoURL             string         `json:"repo_url,omitempty"`
	RepoDefaultBranch   string         `json:"repo_default_branch,omitempty"`
	TestCommand         string         `json:"test_command,omitempty"`
	Language            string         `json:"language,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	SubmittedAt         time.Time      `json:"submitted_at,omitempty"`
}

// Validate checks submission bounds and normalizes defaulted fields in place.
// The test command is normalized through NormalizeTestCommand; a violation
// there is a validation error like any other.
func (cr *ChangeRequest) Validate() error {
	title := strings.TrimSpace(cr.Title)
	if title == "" {
		return fmt.Errorf("title is required")
	}
	if len(cr.Title) > MaxTitleLength {
		return fmt.Errorf("title exceeds maximum length of %d characters", MaxTitleLength)
	}
	if strings.TrimSpace(cr.Description) == "" {
		return fmt.Errorf("description is required")
	}

	if cr.Source == "" {
		cr.Source = "api"
	}
	if !validSource(cr.Source) {
		return fmt.Errorf("source must be one of %s", strings.Join(ValidSources, ", "))
	}

	if cr.RepoDefaultBranch == "" {
		cr.RepoDefaultBranch = "main"
	}

	normalized, err := NormalizeTestCommand(cr.TestCommand)
	if err != nil {
		return err
	}
	cr.TestCommand = normalized
	return nil
}

func validSource(s string) bool {
	for _, v := range ValidSources {
		if s == v {
			return true
		}
	}
	return false
}

// NormalizeTestCommand strips whitespace, applies the default, and enforces
// the shell-safety policy: no chaining/redirect metacharacters, and the
// command must begin with an allow-listed base command.
func NormalizeTestCommand(cmd string) (string, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return DefaultTestCommand, nil
	}

	for _, tok := range forbiddenShellTokens {
		if strings.Contains(cmd, tok) {
			return "", fmt.Errorf("test_command contains disallowed shell metacharacters")
		}
	}

	for _, prefix := range testCommandAllowList {
		if cmd == prefix || strings.HasPrefix(cmd, prefix+" ") {
			return cmd, nil
		}
	}
	return "", fmt.Errorf("test_command must start with one of: %s", strings.Join(testCommandAllowList, ", "))
}
