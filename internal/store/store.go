// Package store persists tasks, comments, workflows and per-user webhook
// secrets. SQLite backs production use; Memory backs tests and dry runs.
package store

import (
	"context"

	"github.com/astrid-app/astrid-agent/internal/workflow"
)

// Tasks reads and completes tasks.
type Tasks interface {
	// GetTask returns a *errors.NotFoundError wrapping ErrTaskNotFound when absent.
	GetTask(ctx context.Context, id string) (*workflow.Task, error)
	// PutTask inserts or replaces a task.
	PutTask(ctx context.Context, task *workflow.Task) error
	MarkTaskCompleted(ctx context.Context, id string) error
}

// Comments is a task's append-only comment list.
type Comments interface {
	// ListComments returns comments oldest first.
	ListComments(ctx context.Context, taskID string) ([]workflow.Comment, error)
	// AddComment assigns an ID and CreatedAt when unset.
	AddComment(ctx context.Context, c *workflow.Comment) error
}

// Workflows holds at most one workflow per task.
type Workflows interface {
	// CreateWorkflow fails with an error matching errors.ErrWorkflowExists if
	// the task already has a workflow, even under concurrent callers.
	CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error
	// GetWorkflowByTask returns an error matching errors.ErrWorkflowNotFound when absent.
	GetWorkflowByTask(ctx context.Context, taskID string) (*workflow.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *workflow.Workflow) error
	// ListWorkflows returns workflows in any of statuses, or all when none given.
	ListWorkflows(ctx context.Context, statuses ...workflow.Status) ([]workflow.Workflow, error)
}

// Secrets holds per-user webhook secrets.
type Secrets interface {
	// WebhookSecret returns "" with a nil error when the user has none.
	WebhookSecret(ctx context.Context, userID string) (string, error)
	SetWebhookSecret(ctx context.Context, userID, secret string) error
}

// Store is the full data collaborator.
type Store interface {
	Tasks
	Comments
	Workflows
	Secrets
	Close() error
}
