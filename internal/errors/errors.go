// Package errors provides the error taxonomy used across the orchestration
// engine: sentinel errors, typed errors carrying task/workflow context, and
// classification helpers.
//
// # Error Types
//
// Domain errors identify which subsystem failed:
//   - WorkflowError: a planning or execution phase failed for a task
//   - GitError: a git operation (worktree, branch, push) failed
//   - ToolExecutionError: a sandboxed tool failed; recoverable by the model
//   - SandboxViolationError: a tool call was refused by the sandbox
//   - SignatureVerificationError: an inbound webhook failed verification
//
// Semantic errors describe common conditions:
//   - NotFoundError, AlreadyExistsError, ValidationError, TimeoutError
//   - AuthorizationError: an actor may not trigger the requested transition
//
// # Usage
//
//	err := errors.NewWorkflowError("planning failed", errors.ErrMaxIterations).
//		WithTaskID("t1").WithStep("planning")
//
//	if errors.Is(err, errors.ErrMaxIterations) { ... }
//
//	var wfErr *errors.WorkflowError
//	if errors.As(err, &wfErr) { ... }
//
// # Error Classification
//
// Errors can be classified by severity and behavior:
//   - Retryable: transient errors that may succeed on retry
//   - UserFacing: errors safe to post back to a task as a comment
//   - Severity: Debug, Info, Warning, Error, Critical
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Workflow sentinel errors
var (
	// ErrWorkflowNotFound indicates that no workflow exists for a task.
	ErrWorkflowNotFound = New("workflow not found")
	// ErrWorkflowExists indicates that a task already has a workflow.
	ErrWorkflowExists = New("workflow already exists for task")
	// ErrInvalidTransition indicates a status change outside the workflow graph.
	ErrInvalidTransition = New("invalid workflow transition")
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrNotCreator indicates a comment author is not the task's creator.
	ErrNotCreator = New("comment author is not the task creator")
)

// Executor sentinel errors
var (
	// ErrMaxIterations indicates a tool-calling loop ran out of iterations.
	ErrMaxIterations = New("Max iterations reached")
	// ErrPlanInvalid indicates that a plan failed validation.
	ErrPlanInvalid = New("plan is invalid")
	// ErrPlanNotFound indicates that a workflow has no stored plan.
	ErrPlanNotFound = New("plan not found")
	// ErrBudgetExceeded indicates a task spent more than its configured budget.
	ErrBudgetExceeded = New("task budget exceeded")
	// ErrUnknownProvider indicates no executor is registered for a service name.
	ErrUnknownProvider = New("unknown AI provider")
)

// Sandbox sentinel errors
var (
	// ErrPathEscape indicates a tool path resolved outside the worktree root.
	ErrPathEscape = New("path escapes worktree root")
	// ErrProtectedPath indicates a write to a protected path.
	ErrProtectedPath = New("path is protected")
	// ErrBlockedCommand indicates a shell command matched the denylist.
	ErrBlockedCommand = New("command is blocked")
	// ErrUnknownTool indicates a tool name outside the sandbox vocabulary.
	ErrUnknownTool = New("unknown tool")
)

// Git sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrWorktreeNotFound indicates that a worktree could not be found.
	ErrWorktreeNotFound = New("worktree not found")
	// ErrBranchNotFound indicates that a branch could not be found.
	ErrBranchNotFound = New("branch not found")
	// ErrNoDefaultBranch indicates neither origin/HEAD, main, nor master resolved.
	ErrNoDefaultBranch = New("could not determine default branch")
)

// Webhook sentinel errors
var (
	// ErrSignatureMismatch indicates the computed HMAC did not match.
	ErrSignatureMismatch = New("signature mismatch")
	// ErrTimestampExpired indicates the request timestamp is outside the replay window.
	ErrTimestampExpired = New("timestamp outside replay window")
	// ErrMissingSignature indicates the signature or timestamp header is absent.
	ErrMissingSignature = New("missing signature headers")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrUnauthorized indicates the caller may not perform the operation.
	ErrUnauthorized = New("unauthorized")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// AstridError is the interface implemented by all typed errors in this package.
type AstridError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the operation may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the message is safe to post to a task.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// formatWithContext renders "<kind> [k=v, ...]: message: cause".
func formatWithContext(kind string, parts []string, message string, cause error) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// WorkflowError represents a failed orchestration phase.
// Step names the phase ("planning", "execution", "push", "finalize") and is
// recorded in workflow metadata when the workflow moves to FAILED.
//
// Example:
//
//	err := errors.NewWorkflowError("execution failed", cause).WithTaskID("t1").WithStep("execution")
//	fmt.Println(err) // "workflow error [task=t1, step=execution]: execution failed: ..."
type WorkflowError struct {
	baseError
	TaskID     string
	WorkflowID string
	Step       string
}

// NewWorkflowError creates a new WorkflowError.
func NewWorkflowError(message string, cause error) *WorkflowError {
	return &WorkflowError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithTaskID adds a task ID to the error context.
func (e *WorkflowError) WithTaskID(id string) *WorkflowError {
	e.TaskID = id
	return e
}

// WithWorkflowID adds a workflow ID to the error context.
func (e *WorkflowError) WithWorkflowID(id string) *WorkflowError {
	e.WorkflowID = id
	return e
}

// WithStep names the phase that failed.
func (e *WorkflowError) WithStep(step string) *WorkflowError {
	e.Step = step
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *WorkflowError) WithRetryable(r bool) *WorkflowError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *WorkflowError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.WorkflowID != "" {
		parts = append(parts, fmt.Sprintf("workflow=%s", e.WorkflowID))
	}
	if e.Step != "" {
		parts = append(parts, fmt.Sprintf("step=%s", e.Step))
	}
	return formatWithContext("workflow error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *WorkflowError) Is(target error) bool {
	if _, ok := target.(*WorkflowError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// GitError represents errors related to git operations.
//
// Example:
//
//	err := errors.NewGitError("failed to create worktree", cause)
//	err = err.WithBranch("astrid/task-1a2b3c4d").WithWorktree("/path/to/worktree")
type GitError struct {
	baseError
	Branch     string
	Worktree   string
	Repository string
	GitOutput  string
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithWorktree adds a worktree path to the error context.
func (e *GitError) WithWorktree(path string) *GitError {
	e.Worktree = path
	return e
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = output
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *GitError) WithRetryable(r bool) *GitError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Worktree != "" {
		parts = append(parts, fmt.Sprintf("worktree=%s", e.Worktree))
	}
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}

	msg := formatWithContext("git error", parts, e.message, e.cause)
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ToolExecutionError represents a sandboxed tool that failed to complete.
// These are recoverable: the sandbox renders them into a failed tool result
// so the model can correct itself.
type ToolExecutionError struct {
	baseError
	Tool string
}

// NewToolExecutionError creates a new ToolExecutionError.
func NewToolExecutionError(tool, message string, cause error) *ToolExecutionError {
	return &ToolExecutionError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityInfo,
			retryable:  true,
			userFacing: false,
		},
		Tool: tool,
	}
}

// Error returns the formatted error message.
func (e *ToolExecutionError) Error() string {
	return formatWithContext("tool error", []string{"tool=" + e.Tool}, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ToolExecutionError) Is(target error) bool {
	if _, ok := target.(*ToolExecutionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// SandboxViolationError represents a tool call refused before it ran:
// a denylisted command, a protected path, or a path outside the root.
type SandboxViolationError struct {
	baseError
	Tool   string
	Target string
}

// NewSandboxViolationError creates a new SandboxViolationError wrapping one of
// ErrBlockedCommand, ErrProtectedPath, or ErrPathEscape.
func NewSandboxViolationError(tool, target string, cause error) *SandboxViolationError {
	return &SandboxViolationError{
		baseError: baseError{
			message:    "sandbox violation",
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: false,
		},
		Tool:   tool,
		Target: target,
	}
}

// Error returns the formatted error message.
func (e *SandboxViolationError) Error() string {
	parts := []string{"tool=" + e.Tool}
	if e.Target != "" {
		parts = append(parts, fmt.Sprintf("target=%q", e.Target))
	}
	return formatWithContext("sandbox violation", parts, "refused", e.cause)
}

// Is checks if this error matches the target.
func (e *SandboxViolationError) Is(target error) bool {
	if _, ok := target.(*SandboxViolationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// SignatureVerificationError represents an inbound webhook that failed
// verification. Source records which secret was attempted last.
type SignatureVerificationError struct {
	baseError
	Source string
}

// NewSignatureVerificationError creates a new SignatureVerificationError.
func NewSignatureVerificationError(source string, cause error) *SignatureVerificationError {
	return &SignatureVerificationError{
		baseError: baseError{
			message:    "webhook signature rejected",
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: false,
		},
		Source: source,
	}
}

// Error returns the formatted error message.
func (e *SignatureVerificationError) Error() string {
	var parts []string
	if e.Source != "" {
		parts = append(parts, "source="+e.Source)
	}
	return formatWithContext("signature error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *SignatureVerificationError) Is(target error) bool {
	if _, ok := target.(*SignatureVerificationError); ok {
		return true
	}
	if errors.Is(target, ErrUnauthorized) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("workflow", "t1")
//	fmt.Println(err) // "workflow 't1' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// AlreadyExistsError represents a resource that already exists.
type AlreadyExistsError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(resourceType, resourceID string) *AlreadyExistsError {
	return &AlreadyExistsError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' already exists", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *AlreadyExistsError) WithCause(cause error) *AlreadyExistsError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *AlreadyExistsError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' already exists: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' already exists", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *AlreadyExistsError) Is(target error) bool {
	if _, ok := target.(*AlreadyExistsError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state, such as a malformed plan
// or webhook payload. It is never silently coerced.
//
// Example:
//
//	err := errors.NewValidationError("plan lists no files").WithField("files")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatWithContext("validation error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// AuthorizationError represents an actor that may not perform an operation.
// Comment handlers drop these silently instead of replying to the author.
type AuthorizationError struct {
	baseError
	ActorID string
}

// NewAuthorizationError creates a new AuthorizationError.
func NewAuthorizationError(actorID, message string) *AuthorizationError {
	return &AuthorizationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityDebug,
			retryable:  false,
			userFacing: false,
		},
		ActorID: actorID,
	}
}

// Error returns the formatted error message.
func (e *AuthorizationError) Error() string {
	return formatWithContext("authorization error", []string{"actor=" + e.ActorID}, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *AuthorizationError) Is(target error) bool {
	if _, ok := target.(*AuthorizationError); ok {
		return true
	}
	if errors.Is(target, ErrUnauthorized) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("run_bash", 120*time.Second)
//	fmt.Println(err) // "timeout error: run_bash (timeout: 2m0s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var astridErr AstridError
	if As(err, &astridErr) {
		return astridErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to post to a task.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var astridErr AstridError
	if As(err, &astridErr) {
		return astridErr.IsUserFacing()
	}
	return false
}

// IsAuthorization reports whether err is an AuthorizationError.
func IsAuthorization(err error) bool {
	var authErr *AuthorizationError
	return As(err, &authErr)
}

// IsSandboxViolation reports whether err is a SandboxViolationError.
func IsSandboxViolation(err error) bool {
	var v *SandboxViolationError
	return As(err, &v)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement AstridError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var astridErr AstridError
	if As(err, &astridErr) {
		return astridErr.Severity()
	}
	return SeverityError
}

// StepOf returns the failed step recorded on a WorkflowError, or fallback.
func StepOf(err error, fallback string) string {
	var wfErr *WorkflowError
	if As(err, &wfErr) && wfErr.Step != "" {
		return wfErr.Step
	}
	return fallback
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
