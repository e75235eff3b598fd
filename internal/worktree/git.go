package worktree

import (
	"context"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/astrid-app/astrid-agent/internal/errors"
)

// CommandExecutor abstracts command execution for testability.
// This allows tests to mock git commands without executing them.
// It also satisfies pr.CommandRunner so the gh CLI client can share it.
type CommandExecutor interface {
	// Run executes a command in dir and returns combined output.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// DefaultCommandTimeout bounds a git or gh subprocess when no timeout is
// configured.
const DefaultCommandTimeout = 2 * time.Minute

// CLICommandExecutor executes commands using os/exec. Each command runs in
// its own process group, which is killed when Timeout expires.
type CLICommandExecutor struct {
	Timeout time.Duration
}

// NewCLICommandExecutor creates a CLI command executor. A non-positive
// timeout uses DefaultCommandTimeout.
func NewCLICommandExecutor(timeout time.Duration) *CLICommandExecutor {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &CLICommandExecutor{Timeout: timeout}
}

// Run executes a command and returns combined output. A command that outlives
// the timeout fails with a TimeoutError.
func (e *CLICommandExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	out, err := cmd.CombinedOutput()
	if err != nil && ctx.Err() == nil && runCtx.Err() == context.DeadlineExceeded {
		op := name
		if len(args) > 0 {
			op += " " + args[0]
		}
		return out, errors.NewTimeoutError(op, timeout).WithCause(err)
	}
	return out, err
}

// Git runs git subcommands through a CommandExecutor.
type Git struct {
	executor CommandExecutor
}

// NewGit creates a Git helper. A nil executor uses the git binary.
func NewGit(executor CommandExecutor) *Git {
	if executor == nil {
		executor = NewCLICommandExecutor(0)
	}
	return &Git{executor: executor}
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := g.executor.Run(ctx, dir, "git", args...)
	return string(out), err
}

// Fetch updates remote-tracking refs from origin.
func (g *Git) Fetch(ctx context.Context, repo string) error {
	out, err := g.run(ctx, repo, "fetch", "origin", "--prune")
	if err != nil {
		return errors.NewGitError("failed to fetch origin", err).
			WithRepository(repo).
			WithGitOutput(out)
	}
	return nil
}

// RefExists reports whether ref (for example refs/heads/main) resolves.
func (g *Git) RefExists(ctx context.Context, repo, ref string) bool {
	_, err := g.run(ctx, repo, "show-ref", "--verify", "--quiet", ref)
	return err == nil
}

// BranchExists reports whether branch exists locally and as origin/branch.
func (g *Git) BranchExists(ctx context.Context, repo, branch string) (local, remote bool) {
	local = g.RefExists(ctx, repo, "refs/heads/"+branch)
	remote = g.RefExists(ctx, repo, "refs/remotes/origin/"+branch)
	return local, remote
}

// DefaultBranch returns the branch new work starts from and the ref to
// branch off. origin/HEAD wins; otherwise main, then master.
func (g *Git) DefaultBranch(ctx context.Context, repo string) (name, startPoint string, err error) {
	if out, err := g.run(ctx, repo, "symbolic-ref", "--short", "refs/remotes/origin/HEAD"); err == nil {
		ref := strings.TrimSpace(out)
		if name := strings.TrimPrefix(ref, "origin/"); name != "" && name != ref {
			return name, ref, nil
		}
	}

	for _, candidate := range []string{"main", "master"} {
		if g.RefExists(ctx, repo, "refs/heads/"+candidate) {
			return candidate, candidate, nil
		}
		if g.RefExists(ctx, repo, "refs/remotes/origin/"+candidate) {
			return candidate, "origin/" + candidate, nil
		}
	}
	return "", "", errors.NewGitError("no default branch", errors.ErrNoDefaultBranch).WithRepository(repo)
}

// AddWorktree checks out an existing local branch at path.
func (g *Git) AddWorktree(ctx context.Context, repo, path, branch string) error {
	out, err := g.run(ctx, repo, "worktree", "add", path, branch)
	if err != nil {
		return errors.NewGitError("failed to create worktree", err).
			WithBranch(branch).
			WithWorktree(path).
			WithGitOutput(out)
	}
	return nil
}

// AddWorktreeNewBranch creates branch from startPoint and checks it out at
// path. Tracking is set up when startPoint is a remote branch.
func (g *Git) AddWorktreeNewBranch(ctx context.Context, repo, path, branch, startPoint string, track bool) error {
	args := []string{"worktree", "add"}
	if track {
		args = append(args, "--track")
	} else {
		args = append(args, "--no-track")
	}
	args = append(args, "-b", branch, path, startPoint)

	out, err := g.run(ctx, repo, args...)
	if err != nil {
		return errors.NewGitError("failed to create worktree from "+startPoint, err).
			WithBranch(branch).
			WithWorktree(path).
			WithGitOutput(out)
	}
	return nil
}

// RemoveWorktree force-removes the worktree at path.
func (g *Git) RemoveWorktree(ctx context.Context, repo, path string) error {
	out, err := g.run(ctx, repo, "worktree", "remove", "--force", path)
	if err != nil {
		return errors.NewGitError("failed to remove worktree", err).
			WithWorktree(path).
			WithGitOutput(out)
	}
	return nil
}

// Prune drops administrative records for worktrees that no longer exist.
func (g *Git) Prune(ctx context.Context, repo string) error {
	out, err := g.run(ctx, repo, "worktree", "prune")
	if err != nil {
		return errors.NewGitError("failed to prune worktrees", err).
			WithRepository(repo).
			WithGitOutput(out)
	}
	return nil
}

// HasUncommittedChanges returns true if there are uncommitted changes.
func (g *Git) HasUncommittedChanges(ctx context.Context, path string) (bool, error) {
	out, err := g.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, errors.NewGitError("failed to check git status", err).
			WithWorktree(path).
			WithGitOutput(out)
	}
	return len(strings.TrimSpace(out)) > 0, nil
}

// CommitAll stages and commits all changes with the given message.
// Returns nil if there are no changes to commit.
func (g *Git) CommitAll(ctx context.Context, path, message string) error {
	out, err := g.run(ctx, path, "add", "-A")
	if err != nil {
		return errors.NewGitError("failed to stage changes", err).
			WithWorktree(path).
			WithGitOutput(out)
	}

	out, err = g.run(ctx, path, "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") {
			return nil
		}
		return errors.NewGitError("failed to commit changes", err).
			WithWorktree(path).
			WithGitOutput(out)
	}
	return nil
}

// Push pushes branch to origin and sets it as upstream.
func (g *Git) Push(ctx context.Context, path, branch string) error {
	out, err := g.run(ctx, path, "push", "-u", "origin", branch)
	if err != nil {
		return errors.NewGitError("failed to push", err).
			WithBranch(branch).
			WithWorktree(path).
			WithGitOutput(out).
			WithRetryable(true)
	}
	return nil
}

// RemoteURL returns the fetch URL of origin.
func (g *Git) RemoteURL(ctx context.Context, repo string) (string, error) {
	out, err := g.run(ctx, repo, "remote", "get-url", "origin")
	if err != nil {
		return "", errors.NewGitError("failed to read origin URL", err).
			WithRepository(repo).
			WithGitOutput(out)
	}
	return strings.TrimSpace(out), nil
}

// ChangedFiles lists files that differ between base and HEAD.
func (g *Git) ChangedFiles(ctx context.Context, path, base string) ([]string, error) {
	out, err := g.run(ctx, path, "diff", "--name-only", base+"...HEAD")
	if err != nil {
		return nil, errors.NewGitError("failed to get changed files", err).
			WithWorktree(path).
			WithGitOutput(out)
	}

	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}
