package worktree

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	aerrors "github.com/astrid-app/astrid-agent/internal/errors"
)

// -----------------------------------------------------------------------------
// Mock Command Executor for Unit Tests
// -----------------------------------------------------------------------------

var errNotConfigured = errors.New("exit status 1")

type mockCall struct {
	dir  string
	line string
}

type mockResponse struct {
	output string
	err    error
}

// mockExecutor answers commands by their full command line. Commands with no
// configured response fail, so refs are absent unless a test adds them.
type mockExecutor struct {
	mu        sync.Mutex
	calls     []mockCall
	responses map[string]mockResponse
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{responses: make(map[string]mockResponse)}
}

func (m *mockExecutor) on(line, output string, err error) {
	m.responses[line] = mockResponse{output: output, err: err}
}

func (m *mockExecutor) ok(format string, args ...any) {
	m.on(fmt.Sprintf(format, args...), "", nil)
}

func (m *mockExecutor) Run(_ context.Context, dir string, name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockCall{dir: dir, line: line})
	if resp, ok := m.responses[line]; ok {
		return []byte(resp.output), resp.err
	}
	return nil, errNotConfigured
}

func (m *mockExecutor) called(line string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c.line == line {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Git Unit Tests
// -----------------------------------------------------------------------------

func TestGit_DefaultBranch(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(m *mockExecutor)
		wantName  string
		wantStart string
		wantErr   bool
	}{
		{
			name: "origin HEAD",
			setup: func(m *mockExecutor) {
				m.on("git symbolic-ref --short refs/remotes/origin/HEAD", "origin/trunk\n", nil)
			},
			wantName:  "trunk",
			wantStart: "origin/trunk",
		},
		{
			name: "local main",
			setup: func(m *mockExecutor) {
				m.ok("git show-ref --verify --quiet refs/heads/main")
			},
			wantName:  "main",
			wantStart: "main",
		},
		{
			name: "remote master only",
			setup: func(m *mockExecutor) {
				m.ok("git show-ref --verify --quiet refs/remotes/origin/master")
			},
			wantName:  "master",
			wantStart: "origin/master",
		},
		{
			name:    "nothing resolves",
			setup:   func(m *mockExecutor) {},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockExecutor()
			tt.setup(mock)

			name, start, err := NewGit(mock).DefaultBranch(context.Background(), "/repo")
			if tt.wantErr {
				if !aerrors.Is(err, aerrors.ErrNoDefaultBranch) {
					t.Fatalf("DefaultBranch() error = %v, want ErrNoDefaultBranch", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DefaultBranch() error = %v", err)
			}
			if name != tt.wantName || start != tt.wantStart {
				t.Errorf("DefaultBranch() = %q, %q, want %q, %q", name, start, tt.wantName, tt.wantStart)
			}
		})
	}
}

func TestGit_CommitAll(t *testing.T) {
	tests := []struct {
		name      string
		commitOut string
		commitErr error
		wantErr   bool
	}{
		{name: "commits", commitOut: "[main abc] msg"},
		{name: "nothing to commit", commitOut: "nothing to commit, working tree clean", commitErr: errNotConfigured},
		{name: "hook rejects", commitOut: "pre-commit failed", commitErr: errNotConfigured, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockExecutor()
			mock.ok("git add -A")
			mock.on("git commit -m msg", tt.commitOut, tt.commitErr)

			err := NewGit(mock).CommitAll(context.Background(), "/wt", "msg")
			if (err != nil) != tt.wantErr {
				t.Fatalf("CommitAll() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var gitErr *aerrors.GitError
				if !aerrors.As(err, &gitErr) || !strings.Contains(err.Error(), "pre-commit failed") {
					t.Errorf("error should carry git output: %v", err)
				}
			}
		})
	}
}

func TestGit_HasUncommittedChanges(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"clean", "", false},
		{"whitespace only", "\n", false},
		{"modified", " M main.go\n", true},
		{"untracked", "?? new.go\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockExecutor()
			mock.on("git status --porcelain", tt.output, nil)

			got, err := NewGit(mock).HasUncommittedChanges(context.Background(), "/wt")
			if err != nil {
				t.Fatalf("HasUncommittedChanges() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("HasUncommittedChanges() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGit_ChangedFiles(t *testing.T) {
	mock := newMockExecutor()
	mock.on("git diff --name-only main...HEAD", "a.go\n\nb/c.go\n", nil)

	files, err := NewGit(mock).ChangedFiles(context.Background(), "/wt", "main")
	if err != nil {
		t.Fatalf("ChangedFiles() error = %v", err)
	}
	if strings.Join(files, ",") != "a.go,b/c.go" {
		t.Errorf("ChangedFiles() = %v", files)
	}
}

func TestGit_PushIsRetryable(t *testing.T) {
	mock := newMockExecutor()
	mock.on("git push -u origin astrid/task-1", "rejected", errNotConfigured)

	err := NewGit(mock).Push(context.Background(), "/wt", "astrid/task-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !aerrors.IsRetryable(err) {
		t.Error("push failures should be retryable")
	}
}

func TestCLICommandExecutor_Run(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	e := NewCLICommandExecutor(time.Second)

	out, err := e.Run(context.Background(), t.TempDir(), "sh", "-c", "echo hello")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.TrimSpace(string(out)) != "hello" {
		t.Errorf("Run() output = %q", out)
	}
}

func TestCLICommandExecutor_Timeout(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	e := NewCLICommandExecutor(200 * time.Millisecond)

	// The background child keeps the output pipe open after sh is killed.
	start := time.Now()
	_, err := e.Run(context.Background(), t.TempDir(), "sh", "-c", "sleep 30 & wait")
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Run() returned after %v", elapsed)
	}

	var timeoutErr *aerrors.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Run() error = %v, want TimeoutError", err)
	}
	if timeoutErr.Operation != "sh -c" || timeoutErr.Duration != 200*time.Millisecond {
		t.Errorf("TimeoutError = %+v", timeoutErr)
	}
	if !aerrors.IsRetryable(err) {
		t.Error("timeouts should be retryable")
	}
}

func TestCLICommandExecutor_CanceledIsNotTimeout(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCLICommandExecutor(time.Second).Run(ctx, t.TempDir(), "sh", "-c", "sleep 5")
	if err == nil {
		t.Fatal("expected error")
	}
	var timeoutErr *aerrors.TimeoutError
	if errors.As(err, &timeoutErr) {
		t.Errorf("canceled command reported as timeout: %v", err)
	}
}

func TestNewCLICommandExecutor_DefaultTimeout(t *testing.T) {
	if got := NewCLICommandExecutor(0).Timeout; got != DefaultCommandTimeout {
		t.Errorf("Timeout = %v, want %v", got, DefaultCommandTimeout)
	}
}
