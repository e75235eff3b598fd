package worktree

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrid-app/astrid-agent/internal/config"
	aerrors "github.com/astrid-app/astrid-agent/internal/errors"
	"github.com/astrid-app/astrid-agent/internal/pr"
)

type fakePRClient struct {
	existing  string
	findErr   error
	createURL string
	createErr error
	created   []pr.Options
}

func (f *fakePRClient) FindOpen(_ context.Context, _ string) (string, error) {
	return f.existing, f.findErr
}

func (f *fakePRClient) Create(_ context.Context, opts pr.Options) (string, error) {
	f.created = append(f.created, opts)
	return f.createURL, f.createErr
}

func testConfig() config.WorktreeConfig {
	return config.WorktreeConfig{
		BaseDir:      filepath.Join(".astrid", "worktrees"),
		AutoCleanup:  true,
		BranchPrefix: "astrid",
	}
}

// fakeRepo returns a directory FindGitRoot accepts.
func fakeRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func newTestManager(mock *mockExecutor, prs *fakePRClient) *Manager {
	return NewManager(testConfig(),
		WithExecutor(mock),
		WithPRClientFactory(func(context.Context, *Worktree) (pr.Client, error) { return prs, nil }),
	)
}

func TestBranchName(t *testing.T) {
	tests := []struct {
		taskID string
		want   string
	}{
		{"abc12345-6789-4def", "astrid/task-abc12345"},
		{"short", "astrid/task-short"},
		{"ABC_DEF-123", "astrid/task-abc-def"},
		{"--x", "astrid/task-x"},
		{"", "astrid/task-unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.taskID, func(t *testing.T) {
			if got := BranchName(tt.taskID); got != tt.want {
				t.Errorf("BranchName(%q) = %q, want %q", tt.taskID, got, tt.want)
			}
		})
	}

	m := NewManager(config.WorktreeConfig{BranchPrefix: "bot"}, WithExecutor(newMockExecutor()))
	if got := m.BranchName("abc12345zz"); got != "bot/task-abc12345" {
		t.Errorf("Manager.BranchName() = %q", got)
	}
}

func TestBranchName_Deterministic(t *testing.T) {
	if BranchName("task-42-retry") != BranchName("task-42-retry") {
		t.Error("branch name must not vary between calls")
	}
}

func TestManager_Create(t *testing.T) {
	const taskID = "abc12345-0000"
	const branch = "astrid/task-abc12345"

	tests := []struct {
		name        string
		setup       func(m *mockExecutor, path string)
		wantResumed bool
		wantBase    string
		wantAdd     func(path string) string
	}{
		{
			name: "new branch from origin HEAD",
			setup: func(m *mockExecutor, path string) {
				m.on("git symbolic-ref --short refs/remotes/origin/HEAD", "origin/main\n", nil)
				m.ok("git worktree add --no-track -b %s %s origin/main", branch, path)
			},
			wantBase: "main",
			wantAdd: func(path string) string {
				return "git worktree add --no-track -b " + branch + " " + path + " origin/main"
			},
		},
		{
			name: "existing local branch",
			setup: func(m *mockExecutor, path string) {
				m.on("git symbolic-ref --short refs/remotes/origin/HEAD", "origin/main\n", nil)
				m.ok("git show-ref --verify --quiet refs/heads/%s", branch)
				m.ok("git worktree add %s %s", path, branch)
			},
			wantResumed: true,
			wantBase:    "main",
			wantAdd:     func(path string) string { return "git worktree add " + path + " " + branch },
		},
		{
			name: "branch only on origin",
			setup: func(m *mockExecutor, path string) {
				m.on("git symbolic-ref --short refs/remotes/origin/HEAD", "origin/main\n", nil)
				m.ok("git show-ref --verify --quiet refs/remotes/origin/%s", branch)
				m.ok("git worktree add --track -b %s %s origin/%s", branch, path, branch)
			},
			wantResumed: true,
			wantBase:    "main",
			wantAdd: func(path string) string {
				return "git worktree add --track -b " + branch + " " + path + " origin/" + branch
			},
		},
		{
			name: "falls back to master",
			setup: func(m *mockExecutor, path string) {
				m.ok("git show-ref --verify --quiet refs/heads/master")
				m.ok("git worktree add --no-track -b %s %s master", branch, path)
			},
			wantBase: "master",
			wantAdd: func(path string) string {
				return "git worktree add --no-track -b " + branch + " " + path + " master"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := fakeRepo(t)
			path := filepath.Join(repo, ".astrid", "worktrees", "task-abc12345")
			mock := newMockExecutor()
			tt.setup(mock, path)

			wt, err := newTestManager(mock, &fakePRClient{}).Create(context.Background(), repo, taskID)
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if wt.BranchName != branch {
				t.Errorf("BranchName = %q, want %q", wt.BranchName, branch)
			}
			if wt.Path != path {
				t.Errorf("Path = %q, want %q", wt.Path, path)
			}
			if wt.Resumed != tt.wantResumed {
				t.Errorf("Resumed = %v, want %v", wt.Resumed, tt.wantResumed)
			}
			if wt.BaseBranch != tt.wantBase {
				t.Errorf("BaseBranch = %q, want %q", wt.BaseBranch, tt.wantBase)
			}
			if !mock.called("git fetch origin --prune") {
				t.Error("expected a fetch attempt")
			}
			if want := tt.wantAdd(path); !mock.called(want) {
				t.Errorf("expected %q, got %+v", want, mock.calls)
			}
		})
	}
}

func TestManager_Create_Errors(t *testing.T) {
	t.Run("not a repository", func(t *testing.T) {
		_, err := newTestManager(newMockExecutor(), &fakePRClient{}).Create(context.Background(), t.TempDir(), "t1")
		if !aerrors.Is(err, aerrors.ErrNotGitRepository) {
			t.Errorf("error = %v, want ErrNotGitRepository", err)
		}
	})

	t.Run("no default branch", func(t *testing.T) {
		_, err := newTestManager(newMockExecutor(), &fakePRClient{}).Create(context.Background(), fakeRepo(t), "t1")
		if !aerrors.Is(err, aerrors.ErrNoDefaultBranch) {
			t.Errorf("error = %v, want ErrNoDefaultBranch", err)
		}
	})

	t.Run("worktree add fails", func(t *testing.T) {
		mock := newMockExecutor()
		mock.ok("git show-ref --verify --quiet refs/heads/main")

		_, err := newTestManager(mock, &fakePRClient{}).Create(context.Background(), fakeRepo(t), "t1")
		var gitErr *aerrors.GitError
		if !aerrors.As(err, &gitErr) {
			t.Errorf("error = %v, want GitError", err)
		}
	})
}

func TestManager_Create_RemovesStaleDirectory(t *testing.T) {
	repo := fakeRepo(t)
	path := filepath.Join(repo, ".astrid", "worktrees", "task-t1")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}

	mock := newMockExecutor()
	mock.ok("git show-ref --verify --quiet refs/heads/main")
	mock.ok("git show-ref --verify --quiet refs/heads/astrid/task-t1")
	mock.ok("git worktree prune")
	mock.ok("git worktree add %s astrid/task-t1", path)

	if _, err := newTestManager(mock, &fakePRClient{}).Create(context.Background(), repo, "t1"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !mock.called("git worktree remove --force " + path) {
		t.Error("expected stale worktree removal")
	}
	if !mock.called("git worktree prune") {
		t.Error("expected prune after directory removal")
	}
}

func testWorktree(t *testing.T, m *Manager, autoCleanup bool) *Worktree {
	t.Helper()
	base := t.TempDir()
	path := filepath.Join(base, "task-t1")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}
	return &Worktree{
		TaskID:      "t1",
		Path:        path,
		BranchName:  "astrid/task-t1",
		RepoPath:    "/repo",
		BaseBranch:  "main",
		manager:     m,
		autoCleanup: autoCleanup,
	}
}

func TestManager_Push(t *testing.T) {
	tests := []struct {
		name        string
		dirty       bool
		pushErr     error
		prs         *fakePRClient
		want        string
		wantCommit  bool
		wantCreated int
	}{
		{
			name:        "commits residue and opens PR",
			dirty:       true,
			prs:         &fakePRClient{createURL: "https://github.com/o/r/pull/1"},
			want:        "https://github.com/o/r/pull/1",
			wantCommit:  true,
			wantCreated: 1,
		},
		{
			name: "reuses open PR",
			prs:  &fakePRClient{existing: "https://github.com/o/r/pull/2"},
			want: "https://github.com/o/r/pull/2",
		},
		{
			name:        "lookup failure still creates",
			prs:         &fakePRClient{findErr: errors.New("rate limited"), createURL: "https://github.com/o/r/pull/3"},
			want:        "https://github.com/o/r/pull/3",
			wantCreated: 1,
		},
		{
			name:    "push failure",
			pushErr: errNotConfigured,
			prs:     &fakePRClient{createURL: "unused"},
			want:    "",
		},
		{
			name:        "create failure",
			prs:         &fakePRClient{createErr: errors.New("422")},
			want:        "",
			wantCreated: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockExecutor()
			m := newTestManager(mock, tt.prs)
			wt := testWorktree(t, m, true)

			if tt.dirty {
				mock.on("git status --porcelain", " M a.go\n", nil)
			} else {
				mock.on("git status --porcelain", "", nil)
			}
			mock.ok("git add -A")
			mock.ok("git commit -m feat: add a")
			mock.on("git push -u origin astrid/task-t1", "", tt.pushErr)

			got := m.Push(context.Background(), wt, PushOptions{Title: "Add a", CommitMessage: "feat: add a", Reviewers: []string{"bob"}})
			if got != tt.want {
				t.Errorf("Push() = %q, want %q", got, tt.want)
			}
			if committed := mock.called("git commit -m feat: add a"); committed != tt.wantCommit {
				t.Errorf("committed = %v, want %v", committed, tt.wantCommit)
			}
			if len(tt.prs.created) != tt.wantCreated {
				t.Fatalf("created %d PRs, want %d", len(tt.prs.created), tt.wantCreated)
			}
			if tt.wantCreated > 0 {
				opts := tt.prs.created[0]
				if opts.Base != "main" || opts.Branch != "astrid/task-t1" || opts.Title != "Add a" || len(opts.Reviewers) != 1 {
					t.Errorf("PR options = %+v", opts)
				}
			}
		})
	}
}

func TestWorktree_Cleanup(t *testing.T) {
	t.Run("removes once", func(t *testing.T) {
		mock := newMockExecutor()
		m := newTestManager(mock, &fakePRClient{})
		wt := testWorktree(t, m, true)
		mock.ok("git worktree remove --force %s", wt.Path)

		wt.Cleanup(context.Background())
		wt.Cleanup(context.Background())

		count := 0
		for _, c := range mock.calls {
			if c.line == "git worktree remove --force "+wt.Path {
				count++
			}
		}
		if count != 1 {
			t.Errorf("remove called %d times, want 1", count)
		}
	})

	t.Run("skipped when disabled", func(t *testing.T) {
		mock := newMockExecutor()
		wt := testWorktree(t, newTestManager(mock, &fakePRClient{}), false)

		wt.Cleanup(context.Background())

		if len(mock.calls) != 0 {
			t.Errorf("expected no git calls, got %+v", mock.calls)
		}
		if _, err := os.Stat(wt.Path); err != nil {
			t.Error("worktree directory should be kept")
		}
	})

	t.Run("falls back to delete and prune", func(t *testing.T) {
		mock := newMockExecutor()
		wt := testWorktree(t, newTestManager(mock, &fakePRClient{}), true)
		mock.ok("git worktree prune")

		wt.Cleanup(context.Background())

		if _, err := os.Stat(wt.Path); !os.IsNotExist(err) {
			t.Error("worktree directory should be deleted")
		}
		if !mock.called("git worktree prune") {
			t.Error("expected prune")
		}
	})

	t.Run("failures are not fatal", func(t *testing.T) {
		mock := newMockExecutor()
		wt := testWorktree(t, newTestManager(mock, &fakePRClient{}), true)

		wt.Cleanup(context.Background())

		var nilWorktree *Worktree
		nilWorktree.Cleanup(context.Background())
	})
}

func TestGitHubPRs(t *testing.T) {
	wt := &Worktree{Path: "/wt"}

	t.Run("gh CLI without token", func(t *testing.T) {
		client, err := GitHubPRs("", newMockExecutor())(context.Background(), wt)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := client.(*pr.GHClient); !ok {
			t.Errorf("client = %T, want *pr.GHClient", client)
		}
	})

	t.Run("API with token and GitHub remote", func(t *testing.T) {
		mock := newMockExecutor()
		mock.on("git remote get-url origin", "git@github.com:o/r.git\n", nil)

		client, err := GitHubPRs("tok", mock)(context.Background(), wt)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := client.(*pr.GitHubClient); !ok {
			t.Errorf("client = %T, want *pr.GitHubClient", client)
		}
	})

	t.Run("gh CLI for other hosts", func(t *testing.T) {
		mock := newMockExecutor()
		mock.on("git remote get-url origin", "https://gitlab.com/o/r.git\n", nil)

		client, err := GitHubPRs("tok", mock)(context.Background(), wt)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := client.(*pr.GHClient); !ok {
			t.Errorf("client = %T, want *pr.GHClient", client)
		}
	})
}
