package orchestrator

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/astrid-app/astrid-agent/internal/classifier"
	"github.com/astrid-app/astrid-agent/internal/errors"
	"github.com/astrid-app/astrid-agent/internal/workflow"
)

// HandleComment records c on its task and acts on it. Only the task creator
// can drive the workflow; comments from anyone else, and the agent's own
// comments, are stored and otherwise ignored.
//
// A FAILED workflow treats any creator comment as retry feedback. Other
// statuses classify the text: approve runs execution from AWAITING_APPROVAL,
// merge completes the task from TESTING or READY_TO_MERGE, and
// changes_requested re-runs the latest phase with the extracted feedback.
func (o *Orchestrator) HandleComment(ctx context.Context, c workflow.Comment) error {
	if c.TaskID == "" {
		return errors.NewValidationError("comment has no task").WithField("taskId")
	}
	if err := o.store.AddComment(ctx, &c); err != nil {
		return err
	}

	log := o.logger.WithTask(c.TaskID).With("comment_id", c.ID)
	if c.AuthorID == o.config().AgentUserID {
		return nil
	}

	task, err := o.store.GetTask(ctx, c.TaskID)
	if err != nil {
		log.Warn("comment for unknown task", "error", err)
		return err
	}
	if c.AuthorID != task.CreatorID {
		log.Debug("ignoring comment", "reason", errors.NewAuthorizationError(c.AuthorID, "only the task creator may act").Error())
		return nil
	}

	wf, err := o.store.GetWorkflowByTask(ctx, task.ID)
	if errors.Is(err, errors.ErrWorkflowNotFound) {
		wf, err = o.backfill(ctx, task)
		if wf == nil && err == nil {
			log.Debug("no workflow for task, ignoring comment")
			return nil
		}
	}
	if err != nil {
		return err
	}
	log = log.WithWorkflow(wf.ID).With("status", string(wf.Status))

	if wf.Status == workflow.StatusFailed {
		return o.retry(ctx, task, wf, c.Content)
	}
	if wf.Status.Terminal() {
		log.Debug("workflow is complete, ignoring comment")
		return nil
	}

	action := o.classifier.Classify(c.Content)
	o.metrics.CommentClassified(string(action.Type), action.Actionable())
	if !action.Actionable() {
		log.Debug("comment is not actionable", "action", string(action.Type), "confidence", action.Confidence)
		return nil
	}
	log.Info("comment classified", "action", string(action.Type), "confidence", action.Confidence)

	switch action.Type {
	case classifier.ActionMerge:
		if wf.Status == workflow.StatusTesting || wf.Status == workflow.StatusReadyToMerge {
			return o.finalize(ctx, task, wf)
		}
	case classifier.ActionApprove:
		if wf.Status == workflow.StatusAwaitingApproval {
			return o.runExecution(ctx, task, wf, "", true)
		}
	case classifier.ActionChangesRequested:
		feedback := action.Feedback
		if feedback == "" {
			feedback = c.Content
		}
		if wf.Metadata.Plan == nil {
			return o.runPlanning(ctx, task, wf, feedback)
		}
		return o.runExecution(ctx, task, wf, feedback, false)
	}

	log.Debug("action does not apply to current status", "action", string(action.Type))
	return nil
}

// retry resets a FAILED workflow to PENDING with feedback and re-plans.
func (o *Orchestrator) retry(ctx context.Context, task *workflow.Task, wf *workflow.Workflow, feedback string) error {
	attempt := 1
	if wf.Metadata.Retry != nil {
		attempt = wf.Metadata.Retry.Attempt + 1
	}
	r := &workflow.Retry{
		UserFeedback:     feedback,
		RetryTriggeredAt: o.now().UTC(),
		Attempt:          attempt,
	}
	if f := wf.Metadata.Failure; f != nil {
		r.PreviousError = f.Error
		r.FailedStep = f.Step
	}
	wf.Metadata.Retry = r
	wf.Metadata.Failure = nil
	// Plans are regenerated from scratch with the feedback.
	wf.Metadata.Plan = nil

	if err := o.transition(ctx, wf, workflow.StatusPending, ""); err != nil {
		return err
	}
	o.post(ctx, task.ID, retryComment(attempt))
	return o.runPlanning(ctx, task, wf, feedback)
}

var (
	agentFailureMarker  = regexp.MustCompile(`^❌\s*(\w[\w ]*?) failed\b`)
	legacyFailureMarker = regexp.MustCompile(`(?im)^\s*(implementation|planning|execution|workflow) failed:\s*(.+)$`)
)

// failureMarker reports whether c records a failure from an earlier run, and
// if so the step and message it names.
func (o *Orchestrator) failureMarker(c workflow.Comment) (step, message string, ok bool) {
	text := strings.TrimSpace(c.Content)
	if c.AuthorID == o.config().AgentUserID {
		if m := agentFailureMarker.FindStringSubmatch(text); m != nil {
			return strings.ToLower(m[1]), firstFenced(text), true
		}
	}
	if m := legacyFailureMarker.FindStringSubmatch(text); m != nil {
		return strings.ToLower(m[1]), strings.TrimSpace(m[2]), true
	}
	return "", "", false
}

// backfill creates a FAILED workflow for a task whose comments show a failure
// from before workflows were tracked. It returns nil when there is none.
func (o *Orchestrator) backfill(ctx context.Context, task *workflow.Task) (*workflow.Workflow, error) {
	comments, err := o.store.ListComments(ctx, task.ID)
	if err != nil {
		return nil, err
	}

	var (
		step, message string
		found         bool
	)
	for i := len(comments) - 1; i >= 0 && !found; i-- {
		step, message, found = o.failureMarker(comments[i])
	}
	if !found {
		return nil, nil
	}
	if message == "" {
		message = "previous run failed"
	}

	now := o.now().UTC()
	wf := &workflow.Workflow{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		Status:    workflow.StatusFailed,
		AIService: o.config().Providers.Default,
		Metadata: workflow.Metadata{
			Legacy:  true,
			Failure: &workflow.Failure{Error: message, Step: step, FailedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateWorkflow(ctx, wf); err != nil {
		if errors.Is(err, errors.ErrWorkflowExists) {
			return o.store.GetWorkflowByTask(ctx, task.ID)
		}
		return nil, err
	}
	o.logger.WithTask(task.ID).WithWorkflow(wf.ID).Info("backfilled legacy failed workflow", "step", step)
	return wf, nil
}

// firstFenced returns the body of the first fenced block in text, or "".
func firstFenced(text string) string {
	_, rest, ok := strings.Cut(text, "```")
	if !ok {
		return ""
	}
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	body, _, _ := strings.Cut(rest, "```")
	return strings.TrimSpace(body)
}
