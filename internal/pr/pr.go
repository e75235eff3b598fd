// Package pr finds and opens pull requests for task branches, through the
// GitHub API when a token is configured and the gh CLI otherwise.
package pr

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Options contains options for PR creation.
type Options struct {
	Title     string
	Body      string
	Branch    string
	Base      string
	Draft     bool
	Reviewers []string
	Labels    []string
}

// Client finds and opens pull requests in one repository.
type Client interface {
	// FindOpen returns the URL of an open pull request whose head is branch,
	// or "" when there is none.
	FindOpen(ctx context.Context, branch string) (string, error)
	Create(ctx context.Context, opts Options) (string, error)
}

// CommandRunner runs a command in dir and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// GHClient drives the gh CLI from a working directory inside the repository.
type GHClient struct {
	dir    string
	runner CommandRunner
}

// NewGHClient creates a gh-backed Client.
func NewGHClient(dir string, runner CommandRunner) *GHClient {
	return &GHClient{dir: dir, runner: runner}
}

// FindOpen implements Client.
func (g *GHClient) FindOpen(ctx context.Context, branch string) (string, error) {
	out, err := g.runner.Run(ctx, g.dir, "gh", "pr", "list",
		"--head", branch, "--state", "open", "--json", "url", "--limit", "1")
	if err != nil {
		return "", fmt.Errorf("failed to list PRs: %w\n%s", err, string(out))
	}

	var prs []struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(out, &prs); err != nil {
		return "", fmt.Errorf("failed to parse gh output: %w", err)
	}
	if len(prs) == 0 {
		return "", nil
	}
	return prs[0].URL, nil
}

// Create implements Client.
func (g *GHClient) Create(ctx context.Context, opts Options) (string, error) {
	args := []string{"pr", "create",
		"--title", opts.Title,
		"--body", opts.Body,
		"--head", opts.Branch,
	}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}
	if opts.Draft {
		args = append(args, "--draft")
	}
	for _, reviewer := range opts.Reviewers {
		args = append(args, "--reviewer", reviewer)
	}
	for _, label := range opts.Labels {
		args = append(args, "--label", label)
	}

	out, err := g.runner.Run(ctx, g.dir, "gh", args...)
	if err != nil {
		return "", fmt.Errorf("failed to create PR: %w\n%s", err, string(out))
	}
	return lastURL(string(out)), nil
}

// lastURL picks the PR URL out of gh output, which may carry warnings first.
func lastURL(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); strings.HasPrefix(l, "https://") {
			return l
		}
	}
	return strings.TrimSpace(out)
}

var remotePattern = regexp.MustCompile(`github\.com[:/]([^/]+)/([^/]+?)(?:\.git)?/?$`)

// ParseRemote extracts owner and repository from a GitHub remote URL in
// https, ssh or scp form.
func ParseRemote(remote string) (owner, repo string, ok bool) {
	m := remotePattern.FindStringSubmatch(strings.TrimSpace(remote))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
