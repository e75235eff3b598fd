package config

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/astrid-app/astrid-agent/internal/logging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "agent.bash_timeout")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// branchPrefixRegex validates branch prefix characters
var branchPrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	levels := logging.ValidLevels()
	for i, l := range levels {
		levels[i] = strings.ToLower(l)
	}
	return levels
}

// ValidProviders returns the provider names an executor can be built for.
func ValidProviders() []string {
	return []string{"claude", "openai"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateAgent()...)
	errors = append(errors, c.validateWorktree()...)
	errors = append(errors, c.validateProviders()...)
	errors = append(errors, c.validateWebhook()...)
	errors = append(errors, c.validateLogging()...)

	if strings.TrimSpace(c.AgentUserID) == "" {
		errors = append(errors, ValidationError{
			Field:   "agent_user_id",
			Value:   c.AgentUserID,
			Message: "must not be empty",
		})
	}

	return errors
}

func (c *Config) validateAgent() []ValidationError {
	var errors []ValidationError
	a := c.Agent

	positive := []struct {
		field string
		value int
	}{
		{"agent.max_planning_iterations", a.MaxPlanningIterations},
		{"agent.max_execution_iterations", a.MaxExecutionIterations},
		{"agent.max_tool_output", a.MaxToolOutput},
		{"agent.max_bash_output_bytes", a.MaxBashOutputBytes},
		{"agent.glob_limit", a.GlobLimit},
		{"agent.grep_limit", a.GrepLimit},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errors = append(errors, ValidationError{Field: p.field, Value: p.value, Message: "must be positive"})
		}
	}

	const maxIterations = 200
	if a.MaxPlanningIterations > maxIterations {
		errors = append(errors, ValidationError{
			Field:   "agent.max_planning_iterations",
			Value:   a.MaxPlanningIterations,
			Message: fmt.Sprintf("exceeds maximum of %d", maxIterations),
		})
	}
	if a.MaxExecutionIterations > maxIterations {
		errors = append(errors, ValidationError{
			Field:   "agent.max_execution_iterations",
			Value:   a.MaxExecutionIterations,
			Message: fmt.Sprintf("exceeds maximum of %d", maxIterations),
		})
	}

	if a.BashTimeout < time.Second {
		errors = append(errors, ValidationError{
			Field:   "agent.bash_timeout",
			Value:   a.BashTimeout,
			Message: "must be at least 1s",
		})
	}

	if a.MaxBudgetPerTask < 0 {
		errors = append(errors, ValidationError{
			Field:   "agent.max_budget_per_task",
			Value:   a.MaxBudgetPerTask,
			Message: "must be non-negative (0 = unlimited)",
		})
	}

	for i, p := range a.BlockedBashPatterns {
		if strings.TrimSpace(p) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("agent.blocked_bash_patterns[%d]", i),
				Value:   p,
				Message: "must not be blank",
			})
		}
	}

	for i, p := range a.ProtectedPaths {
		if strings.HasPrefix(p, "/") || strings.Contains(p, "..") {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("agent.protected_paths[%d]", i),
				Value:   p,
				Message: "must be relative to the worktree root",
			})
		}
	}

	return errors
}

func (c *Config) validateWorktree() []ValidationError {
	var errors []ValidationError

	if c.Worktree.BranchPrefix != "" && !branchPrefixRegex.MatchString(c.Worktree.BranchPrefix) {
		errors = append(errors, ValidationError{
			Field:   "worktree.branch_prefix",
			Value:   c.Worktree.BranchPrefix,
			Message: "must start with a letter and contain only letters, digits, hyphens, or underscores",
		})
	}

	if c.Worktree.GitTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "worktree.git_timeout",
			Value:   c.Worktree.GitTimeout,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateProviders() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidProviders(), c.Providers.Default) {
		errors = append(errors, ValidationError{
			Field:   "providers.default",
			Value:   c.Providers.Default,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidProviders(), ", ")),
		})
	}

	for name, p := range map[string]ProviderConfig{"claude": c.Providers.Claude, "openai": c.Providers.OpenAI} {
		if p.BaseURL == "" {
			continue
		}
		if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("providers.%s.base_url", name),
				Value:   p.BaseURL,
				Message: "must be an absolute URL",
			})
		}
	}

	return errors
}

func (c *Config) validateWebhook() []ValidationError {
	var errors []ValidationError

	if c.Webhook.URL != "" {
		if u, err := url.Parse(c.Webhook.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errors = append(errors, ValidationError{
				Field:   "webhook.url",
				Value:   c.Webhook.URL,
				Message: "must be an http or https URL",
			})
		}
	}
	if c.Webhook.MaxAge <= 0 {
		errors = append(errors, ValidationError{
			Field:   "webhook.max_age",
			Value:   c.Webhook.MaxAge,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
