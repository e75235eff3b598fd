// Package testutil builds throwaway git repositories for tests that need a
// real git binary.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

const (
	testName  = "Astrid Test"
	testEmail = "test@astrid.dev"
)

// SetupTestRepo creates a temporary repository on branch main with one
// commit. It is removed when the test completes.
func SetupTestRepo(t *testing.T) string {
	t.Helper()
	SkipIfNoGit(t)

	dir := t.TempDir()
	Git(t, dir, "init")
	Git(t, dir, "config", "user.email", testEmail)
	Git(t, dir, "config", "user.name", testName)
	WriteAndCommit(t, dir, map[string]string{"README.md": "# Test Repository\n"}, "Initial commit")
	Git(t, dir, "branch", "-M", "main")
	return dir
}

// SetupTestRepoWithRemote creates a repository whose origin is a local bare
// repository with main pushed and origin/HEAD set.
func SetupTestRepoWithRemote(t *testing.T) (repoDir, remoteDir string) {
	t.Helper()

	remoteDir = t.TempDir()
	Git(t, remoteDir, "init", "--bare", "--initial-branch=main")

	repoDir = SetupTestRepo(t)
	Git(t, repoDir, "remote", "add", "origin", remoteDir)
	Git(t, repoDir, "push", "-u", "origin", "main")
	Git(t, repoDir, "remote", "set-head", "origin", "main")
	return repoDir, remoteDir
}

// WriteAndCommit writes files (relative path to content) and commits them.
func WriteAndCommit(t *testing.T, dir string, files map[string]string, message string) {
	t.Helper()

	for path, content := range files {
		WriteFile(t, dir, path, content)
	}
	Git(t, dir, "add", "-A")
	Git(t, dir, "commit", "-m", message)
}

// WriteFile writes content to a path relative to dir, creating parents.
func WriteFile(t *testing.T, dir, path, content string) {
	t.Helper()

	full := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
}

// Git runs git in dir and returns trimmed output, failing the test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+testName,
		"GIT_AUTHOR_EMAIL="+testEmail,
		"GIT_COMMITTER_NAME="+testName,
		"GIT_COMMITTER_EMAIL="+testEmail,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// RefExists reports whether ref resolves in dir.
func RefExists(t *testing.T, dir, ref string) bool {
	t.Helper()

	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", ref)
	cmd.Dir = dir
	return cmd.Run() == nil
}

// ListWorktrees returns the paths of all worktrees in the repository.
func ListWorktrees(t *testing.T, repoDir string) []string {
	t.Helper()

	var worktrees []string
	for _, line := range strings.Split(Git(t, repoDir, "worktree", "list", "--porcelain"), "\n") {
		if path, ok := strings.CutPrefix(line, "worktree "); ok {
			worktrees = append(worktrees, path)
		}
	}
	return worktrees
}

// SkipIfNoGit skips the test if git is not installed.
func SkipIfNoGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}
