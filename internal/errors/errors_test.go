package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWorkflowError(t *testing.T) {
	err := NewWorkflowError("planning failed", ErrMaxIterations).
		WithTaskID("t1").
		WithWorkflowID("wf-1").
		WithStep("planning")

	want := "workflow error [task=t1, workflow=wf-1, step=planning]: planning failed: Max iterations reached"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrMaxIterations) {
		t.Error("errors.Is(err, ErrMaxIterations) = false, want true")
	}
	if !err.IsRetryable() {
		t.Error("IsRetryable() = false, want true")
	}
	if got := StepOf(fmt.Errorf("outer: %w", err), "unknown"); got != "planning" {
		t.Errorf("StepOf() = %q, want %q", got, "planning")
	}
	if got := StepOf(errors.New("plain"), "execution"); got != "execution" {
		t.Errorf("StepOf(plain) = %q, want %q", got, "execution")
	}
}

func TestGitError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *GitError
		want string
	}{
		{
			name: "message only",
			err:  NewGitError("push failed", nil),
			want: "git error: push failed",
		},
		{
			name: "with branch and output",
			err:  NewGitError("push failed", ErrBranchNotFound).WithBranch("astrid/task-abc").WithGitOutput("rejected"),
			want: "git error [branch=astrid/task-abc]: push failed: branch not found\ngit output: rejected",
		},
		{
			name: "with worktree and repo",
			err:  NewGitError("add failed", nil).WithWorktree("/wt").WithRepository("/repo"),
			want: "git error [worktree=/wt, repo=/repo]: add failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSandboxViolationError(t *testing.T) {
	err := NewSandboxViolationError("run_bash", "sudo rm -rf /", ErrBlockedCommand)

	if !errors.Is(err, ErrBlockedCommand) {
		t.Error("errors.Is(err, ErrBlockedCommand) = false, want true")
	}
	if !IsSandboxViolation(fmt.Errorf("wrapped: %w", err)) {
		t.Error("IsSandboxViolation() = false, want true")
	}
	if err.IsRetryable() {
		t.Error("IsRetryable() = true, want false")
	}
}

func TestAuthorizationError(t *testing.T) {
	err := NewAuthorizationError("user-2", "only the task creator may act")

	if !IsAuthorization(err) {
		t.Error("IsAuthorization() = false, want true")
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Error("errors.Is(err, ErrUnauthorized) = false, want true")
	}
	if IsUserFacing(err) {
		t.Error("IsUserFacing() = true, want false")
	}
}

func TestSignatureVerificationError(t *testing.T) {
	err := NewSignatureVerificationError("env", ErrSignatureMismatch)

	want := "signature error [source=env]: webhook signature rejected: signature mismatch"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Error("errors.Is(err, ErrSignatureMismatch) = false, want true")
	}
}

func TestSemanticErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"not found", NewNotFoundError("workflow", "t1"), "workflow 't1' not found"},
		{"already exists", NewAlreadyExistsError("workflow", "t1"), "workflow 't1' already exists"},
		{"validation", NewValidationError("plan lists no files").WithField("files"), "validation error [field=files]: plan lists no files"},
		{"timeout", NewTimeoutError("run_bash", 2*time.Minute), "timeout error: run_bash (timeout: 2m0s)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
			if !IsUserFacing(tt.err) {
				t.Error("IsUserFacing() = false, want true")
			}
		})
	}
}

func TestValidationError_IsInvalidInput(t *testing.T) {
	if !errors.Is(NewValidationError("bad"), ErrInvalidInput) {
		t.Error("ValidationError should match ErrInvalidInput")
	}
}

func TestTimeoutError_IsTimeout(t *testing.T) {
	err := NewTimeoutError("model call", time.Second)
	if !errors.Is(err, ErrTimeout) {
		t.Error("TimeoutError should match ErrTimeout")
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable() = false, want true")
	}
}

func TestGetSeverity(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Severity
	}{
		{"nil", nil, SeverityDebug},
		{"plain", errors.New("x"), SeverityError},
		{"tool", NewToolExecutionError("read_file", "missing", nil), SeverityInfo},
		{"wrapped validation", Wrap(NewValidationError("x"), "ctx"), SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetSeverity(tt.err); got != tt.want {
				t.Errorf("GetSeverity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if Wrapf(nil, "x %d", 1) != nil {
		t.Error("Wrapf(nil) should return nil")
	}

	err := Wrapf(ErrWorkflowExists, "start task %s", "t1")
	if err.Error() != "start task t1: workflow already exists for task" {
		t.Errorf("Wrapf() = %q", err.Error())
	}
	if !errors.Is(err, ErrWorkflowExists) {
		t.Error("Wrapf should preserve the chain")
	}
}
