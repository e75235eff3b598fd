// Package worktree gives every task its own git worktree and branch, pushes
// finished work and opens the pull request for it.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/astrid-app/astrid-agent/internal/config"
	"github.com/astrid-app/astrid-agent/internal/errors"
	"github.com/astrid-app/astrid-agent/internal/logging"
	"github.com/astrid-app/astrid-agent/internal/pr"
)

// DefaultBranchPrefix namespaces task branches when none is configured.
const DefaultBranchPrefix = "astrid"

const (
	shortIDLength = 8
	lockFileName  = ".astrid.lock"
)

var unsafeBranchChars = regexp.MustCompile(`[^a-z0-9-]+`)

// BranchName returns the deterministic branch for a task under the default
// prefix. Retries of the same task land on the same branch.
func BranchName(taskID string) string {
	return branchName(DefaultBranchPrefix, taskID)
}

func branchName(prefix, taskID string) string {
	if prefix == "" {
		prefix = DefaultBranchPrefix
	}
	return prefix + "/task-" + shortID(taskID)
}

func shortID(taskID string) string {
	id := unsafeBranchChars.ReplaceAllString(strings.ToLower(taskID), "-")
	id = strings.Trim(id, "-")
	if len(id) > shortIDLength {
		id = strings.TrimRight(id[:shortIDLength], "-")
	}
	if id == "" {
		id = "unknown"
	}
	return id
}

// FindGitRoot finds the root of the git repository by traversing up from startDir.
// It returns the directory containing .git (either a directory or a file for worktrees).
func FindGitRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.NewGitError("no .git found above "+startDir, errors.ErrNotGitRepository)
		}
		dir = parent
	}
}

// PRClientFactory returns the pull request client for a worktree's repository.
type PRClientFactory func(ctx context.Context, wt *Worktree) (pr.Client, error)

// GitHubPRs uses the GitHub API when token is set and origin is a GitHub
// remote, and the gh CLI otherwise.
func GitHubPRs(token string, executor CommandExecutor) PRClientFactory {
	if executor == nil {
		executor = NewCLICommandExecutor(0)
	}
	git := NewGit(executor)

	return func(ctx context.Context, wt *Worktree) (pr.Client, error) {
		if token != "" {
			remote, err := git.RemoteURL(ctx, wt.Path)
			if err != nil {
				return nil, err
			}
			if owner, repo, ok := pr.ParseRemote(remote); ok {
				return pr.NewGitHubClient(ctx, token, owner, repo)
			}
		}
		return pr.NewGHClient(wt.Path, executor), nil
	}
}

// Manager creates, pushes and removes task worktrees.
type Manager struct {
	cfg      config.WorktreeConfig
	executor CommandExecutor
	git      *Git
	prs      PRClientFactory
	logger   *logging.Logger

	mu sync.RWMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithExecutor replaces the command executor used for git.
func WithExecutor(e CommandExecutor) Option {
	return func(m *Manager) { m.executor = e }
}

// WithPRClientFactory replaces the pull request client lookup.
func WithPRClientFactory(f PRClientFactory) Option {
	return func(m *Manager) { m.prs = f }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager. Without WithPRClientFactory pull requests go
// through the gh CLI.
func NewManager(cfg config.WorktreeConfig, opts ...Option) *Manager {
	m := &Manager{cfg: cfg}
	for _, opt := range opts {
		opt(m)
	}
	if m.executor == nil {
		m.executor = NewCLICommandExecutor(cfg.GitTimeout)
	}
	m.git = NewGit(m.executor)
	if m.prs == nil {
		m.prs = GitHubPRs("", m.executor)
	}
	m.logger = logging.OrNop(m.logger).With("component", "worktree")
	return m
}

// UpdateConfig swaps the worktree settings for worktrees created afterwards.
func (m *Manager) UpdateConfig(cfg config.WorktreeConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

func (m *Manager) config() config.WorktreeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// BranchName returns the task branch under the configured prefix.
func (m *Manager) BranchName(taskID string) string {
	return branchName(m.config().BranchPrefix, taskID)
}

// Worktree is a checked-out task branch. It belongs to exactly one task.
type Worktree struct {
	TaskID     string
	Path       string
	BranchName string
	// RepoPath is the root of the clone the worktree was added to.
	RepoPath string
	// BaseBranch is the default branch pull requests target.
	BaseBranch string
	// Resumed is set when the branch already existed.
	Resumed bool

	manager     *Manager
	autoCleanup bool
	cleanupOnce sync.Once
}

// Create checks out the task's branch in a fresh worktree. An existing local
// or origin branch is reused so retries build on earlier commits; otherwise
// the branch starts at the default branch.
func (m *Manager) Create(ctx context.Context, repo, taskID string) (*Worktree, error) {
	cfg := m.config()
	root, err := FindGitRoot(repo)
	if err != nil {
		return nil, err
	}

	baseDir := cfg.ResolveWorktreeDir(root)
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree directory: %w", err)
	}

	lock := newRepoLock(filepath.Join(baseDir, lockFileName))
	if err := lock.Lock(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()

	branch := branchName(cfg.BranchPrefix, taskID)
	path := filepath.Join(baseDir, "task-"+shortID(taskID))
	log := m.logger.WithTask(taskID).With("branch", branch, "path", path)

	if err := m.git.Fetch(ctx, root); err != nil {
		log.Debug("fetch failed, continuing with local refs", "error", err)
	}

	base, startPoint, err := m.git.DefaultBranch(ctx, root)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); err == nil {
		log.Warn("removing stale worktree")
		if err := m.forceRemove(ctx, root, path, log); err != nil {
			return nil, err
		}
	}

	wt := &Worktree{
		TaskID:      taskID,
		Path:        path,
		BranchName:  branch,
		RepoPath:    root,
		BaseBranch:  base,
		manager:     m,
		autoCleanup: cfg.AutoCleanup,
	}

	local, remote := m.git.BranchExists(ctx, root, branch)
	switch {
	case local:
		err = m.git.AddWorktree(ctx, root, path, branch)
		wt.Resumed = true
	case remote:
		err = m.git.AddWorktreeNewBranch(ctx, root, path, branch, "origin/"+branch, true)
		wt.Resumed = true
	default:
		err = m.git.AddWorktreeNewBranch(ctx, root, path, branch, startPoint, false)
	}
	if err != nil {
		return nil, err
	}

	log.Info("worktree created", "base", base, "resumed", wt.Resumed)
	return wt, nil
}

// PushOptions describes the commit and pull request for Push.
type PushOptions struct {
	Title string
	Body  string
	// CommitMessage is used for uncommitted residue. Defaults to Title.
	CommitMessage string
	Draft         bool
	Reviewers     []string
	Labels        []string
}

// Push commits anything left uncommitted, pushes the branch with upstream
// tracking and returns the URL of its pull request, creating one only when
// none is open. Failures are logged and yield "".
func (m *Manager) Push(ctx context.Context, wt *Worktree, opts PushOptions) string {
	log := m.logger.WithTask(wt.TaskID).With("branch", wt.BranchName)

	message := opts.CommitMessage
	if message == "" {
		message = opts.Title
	}
	dirty, err := m.git.HasUncommittedChanges(ctx, wt.Path)
	if err != nil {
		log.Error("status check failed", "error", err)
		return ""
	}
	if dirty {
		if err := m.git.CommitAll(ctx, wt.Path, message); err != nil {
			log.Error("commit failed", "error", err)
			return ""
		}
	}

	if err := m.git.Push(ctx, wt.Path, wt.BranchName); err != nil {
		log.Error("push failed", "error", err)
		return ""
	}

	client, err := m.prs(ctx, wt)
	if err != nil {
		log.Error("no pull request client", "error", err)
		return ""
	}

	if url, err := client.FindOpen(ctx, wt.BranchName); err != nil {
		log.Warn("could not look up existing pull request", "error", err)
	} else if url != "" {
		log.Info("pull request already open", "pr_url", url)
		return url
	}

	url, err := client.Create(ctx, pr.Options{
		Title:     opts.Title,
		Body:      opts.Body,
		Branch:    wt.BranchName,
		Base:      wt.BaseBranch,
		Draft:     opts.Draft,
		Reviewers: opts.Reviewers,
		Labels:    opts.Labels,
	})
	if err != nil {
		log.Error("pull request creation failed", "error", err)
		return ""
	}

	log.Info("pull request created", "pr_url", url)
	return url
}

// ChangedFiles lists files the task branch changed relative to its base.
func (m *Manager) ChangedFiles(ctx context.Context, wt *Worktree) ([]string, error) {
	return m.git.ChangedFiles(ctx, wt.Path, wt.BaseBranch)
}

// Remove deletes the worktree, falling back to deleting the directory and
// pruning when git refuses. The branch is kept.
func (m *Manager) Remove(ctx context.Context, wt *Worktree) error {
	lock := newRepoLock(filepath.Join(filepath.Dir(wt.Path), lockFileName))
	if err := lock.Lock(ctx); err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	return m.forceRemove(ctx, wt.RepoPath, wt.Path, m.logger.WithTask(wt.TaskID))
}

func (m *Manager) forceRemove(ctx context.Context, repo, path string, log *logging.Logger) error {
	removeErr := m.git.RemoveWorktree(ctx, repo, path)
	if removeErr == nil {
		return nil
	}

	log.Warn("worktree remove failed, deleting directory", "error", removeErr)
	if err := os.RemoveAll(path); err != nil {
		return errors.Join(removeErr, err)
	}
	if err := m.git.Prune(ctx, repo); err != nil {
		return errors.Join(removeErr, err)
	}
	return nil
}

// Cleanup releases the worktree. It runs at most once, is skipped when
// auto cleanup is disabled, and never fails the caller: errors are logged.
func (w *Worktree) Cleanup(ctx context.Context) {
	if w == nil || w.manager == nil {
		return
	}
	w.cleanupOnce.Do(func() {
		log := w.manager.logger.WithTask(w.TaskID).With("path", w.Path)
		if !w.autoCleanup {
			log.Info("auto cleanup disabled, keeping worktree")
			return
		}
		if err := w.manager.Remove(ctx, w); err != nil {
			log.Error("worktree cleanup failed", "error", err)
			return
		}
		log.Debug("worktree removed")
	})
}
