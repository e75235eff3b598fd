package pr

import (
	"context"
	"fmt"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// GitHubClient talks to the GitHub REST API.
type GitHubClient struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHubClient creates an authenticated API client for owner/repo.
func NewGitHubClient(ctx context.Context, token, owner, repo string) (*GitHubClient, error) {
	if token == "" {
		return nil, fmt.Errorf("GitHub token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return NewGitHubClientWith(github.NewClient(oauth2.NewClient(ctx, ts)), owner, repo), nil
}

// NewGitHubClientWith wraps an existing go-github client.
func NewGitHubClientWith(client *github.Client, owner, repo string) *GitHubClient {
	return &GitHubClient{client: client, owner: owner, repo: repo}
}

// FindOpen implements Client.
func (g *GitHubClient) FindOpen(ctx context.Context, branch string) (string, error) {
	prs, _, err := g.client.PullRequests.List(ctx, g.owner, g.repo, &github.PullRequestListOptions{
		State:       "open",
		Head:        g.owner + ":" + branch,
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return "", fmt.Errorf("failed to list PRs: %w", err)
	}
	if len(prs) == 0 {
		return "", nil
	}
	return prs[0].GetHTMLURL(), nil
}

// Create implements Client. Reviewer and label requests are best effort.
func (g *GitHubClient) Create(ctx context.Context, opts Options) (string, error) {
	created, _, err := g.client.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
		Title: github.String(opts.Title),
		Head:  github.String(opts.Branch),
		Base:  github.String(opts.Base),
		Body:  github.String(opts.Body),
		Draft: github.Bool(opts.Draft),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create PR: %w", err)
	}

	if len(opts.Reviewers) > 0 {
		_, _, _ = g.client.PullRequests.RequestReviewers(ctx, g.owner, g.repo, created.GetNumber(),
			github.ReviewersRequest{Reviewers: opts.Reviewers})
	}
	if len(opts.Labels) > 0 {
		_, _, _ = g.client.Issues.AddLabelsToIssue(ctx, g.owner, g.repo, created.GetNumber(), opts.Labels)
	}
	return created.GetHTMLURL(), nil
}
