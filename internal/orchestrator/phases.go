package orchestrator

import (
	"context"
	"sort"

	"github.com/astrid-app/astrid-agent/internal/errors"
	"github.com/astrid-app/astrid-agent/internal/event"
	"github.com/astrid-app/astrid-agent/internal/executor"
	"github.com/astrid-app/astrid-agent/internal/plan"
	"github.com/astrid-app/astrid-agent/internal/pr"
	"github.com/astrid-app/astrid-agent/internal/stream"
	"github.com/astrid-app/astrid-agent/internal/workflow"
	"github.com/astrid-app/astrid-agent/internal/worktree"
)

// workspace creates the task's worktree and the tools bound to it. The
// caller owns the returned worktree and must call Cleanup.
func (o *Orchestrator) workspace(ctx context.Context, taskID string) (*worktree.Worktree, executor.ToolRunner, error) {
	wt, err := o.worktrees.Create(ctx, o.config().Repo.Path, taskID)
	if err != nil {
		return nil, nil, err
	}
	tools, err := o.toolsFactory()(wt.Path)
	if err != nil {
		wt.Cleanup(context.WithoutCancel(ctx))
		return nil, nil, err
	}
	return wt, instrument(tools, o.metrics, o.logger.WithTask(taskID)), nil
}

// runPlanning produces a plan for wf and moves it to AWAITING_APPROVAL.
// Stream output other than plans is posted as it arrives; the final plan is
// posted once, after parsing.
func (o *Orchestrator) runPlanning(ctx context.Context, task *workflow.Task, wf *workflow.Workflow, feedback string) error {
	exec, err := o.executors(wf.AIService)
	if err != nil {
		return o.fail(ctx, wf, PhasePlanning, err)
	}
	wt, tools, err := o.workspace(ctx, task.ID)
	if err != nil {
		return o.fail(ctx, wf, PhasePlanning, err)
	}
	defer wt.Cleanup(context.WithoutCancel(ctx))

	in := executor.PlanInput{Task: *task, Feedback: feedback}
	if r := wf.Metadata.Retry; r != nil && feedback != "" {
		in.PreviousError = r.PreviousError
		in.FailedStep = r.FailedStep
	}

	parser := stream.NewState()
	onText := func(text string) {
		o.detected(ctx, wf, stream.ParseChunk(text, parser), true)
	}

	done := o.metrics.PhaseStarted(PhasePlanning)
	start := o.now()
	result, err := exec.Plan(ctx, tools, in,
		executor.WithBudget(o.budgets.For(task.ID)),
		executor.WithOnText(onText))
	done(err)
	o.detected(ctx, wf, stream.Flush(parser), true)

	var usage plan.Usage
	if result != nil {
		usage = usageOf(result.Usage)
	}
	o.bus.Publish(event.NewPhaseCompletedEvent(task.ID, wf.ID, PhasePlanning, exec.Provider(), o.now().Sub(start), usage, err))
	if err != nil {
		return o.fail(ctx, wf, PhasePlanning, err)
	}

	wf.Metadata.Plan = result.Plan
	wf.Metadata.Failure = nil
	if err := o.transition(ctx, wf, workflow.StatusAwaitingApproval, ""); err != nil {
		return err
	}
	o.post(ctx, task.ID, planComment(result.Plan))
	return nil
}

// runExecution implements the stored plan on the task branch and opens or
// updates its pull request. With advance set an AWAITING_APPROVAL workflow
// moves to TESTING; otherwise the status is left as it was.
func (o *Orchestrator) runExecution(ctx context.Context, task *workflow.Task, wf *workflow.Workflow, feedback string, advance bool) error {
	if wf.Metadata.Plan == nil {
		return o.fail(ctx, wf, PhaseExecution,
			errors.NewValidationError("no approved plan to execute").WithField("plan").WithCause(errors.ErrPlanNotFound))
	}
	exec, err := o.executors(wf.AIService)
	if err != nil {
		return o.fail(ctx, wf, PhaseExecution, err)
	}
	wt, tools, err := o.workspace(ctx, task.ID)
	if err != nil {
		return o.fail(ctx, wf, PhaseExecution, err)
	}
	defer wt.Cleanup(context.WithoutCancel(ctx))

	parser := stream.NewState()
	onText := func(text string) {
		o.detected(ctx, wf, stream.ParseChunk(text, parser), false)
	}

	done := o.metrics.PhaseStarted(PhaseExecution)
	start := o.now()
	result, err := exec.Execute(ctx, tools, executor.ExecuteInput{Task: *task, Plan: wf.Metadata.Plan, Feedback: feedback},
		executor.WithBudget(o.budgets.For(task.ID)),
		executor.WithOnText(onText))
	done(err)
	o.detected(ctx, wf, stream.Flush(parser), false)

	completed := event.NewPhaseCompletedEvent(task.ID, wf.ID, PhaseExecution, exec.Provider(), o.now().Sub(start), plan.Usage{}, err)
	if result != nil {
		completed.Usage = usageOf(result.Usage)
		completed.Files = filePaths(result.Files)
	}
	if err == nil && !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "execution produced no changes"
		}
		err = errors.NewWorkflowError(msg, nil).WithTaskID(task.ID).WithWorkflowID(wf.ID).WithStep(PhaseExecution)
		completed.Err = err
	}
	if err != nil {
		o.bus.Publish(completed)
		return o.fail(ctx, wf, PhaseExecution, err)
	}

	changed := o.changedFiles(ctx, wt, result.Files)
	cfg := o.config()
	title := result.PRTitle
	if title == "" {
		title = task.Title
	}
	body := pr.RenderBody(pr.TemplateData{
		Summary:      result.PRDescription,
		Task:         task.Title,
		TaskID:       task.ID,
		Branch:       wt.BranchName,
		ChangedFiles: changed,
		LinkedIssue:  pr.ExtractIssueReference(task.Description),
	})
	prURL := o.worktrees.Push(ctx, wt, worktree.PushOptions{
		Title:         title,
		Body:          body,
		CommitMessage: result.CommitMessage,
		Draft:         cfg.GitHub.Draft,
		Reviewers:     pr.ResolveReviewers(changed, cfg.GitHub.Reviewers, cfg.GitHub.ReviewersByPath),
	})
	if prURL == "" {
		prURL = wf.Metadata.PRURL()
	}
	completed.PRURL = prURL
	o.bus.Publish(completed)

	wf.Metadata.Execution = &workflow.Execution{
		Branch:        wt.BranchName,
		Files:         withoutContent(result.Files),
		CommitMessage: result.CommitMessage,
		PRURL:         prURL,
		Feedback:      feedback,
		Usage:         result.Usage,
	}
	wf.Metadata.Failure = nil

	if advance && wf.Status == workflow.StatusAwaitingApproval {
		err = o.transition(ctx, wf, workflow.StatusTesting, "")
	} else {
		err = o.save(ctx, wf)
	}
	if err != nil {
		return err
	}

	if prURL != "" {
		o.bus.Publish(event.NewPROpenedEvent(task.ID, wf.ID, prURL))
	}
	o.post(ctx, task.ID, executionComment(result, changed, prURL))
	return nil
}

// finalize marks the task complete and closes the workflow.
func (o *Orchestrator) finalize(ctx context.Context, task *workflow.Task, wf *workflow.Workflow) error {
	if err := o.store.MarkTaskCompleted(ctx, task.ID); err != nil {
		return o.fail(ctx, wf, PhaseFinalize, err)
	}
	if err := o.transition(ctx, wf, workflow.StatusCompleted, ""); err != nil {
		return err
	}
	o.budgets.Release(task.ID)
	o.dropSession(task.ID)
	o.post(ctx, task.ID, completedComment(wf.Metadata.PRURL()))
	return nil
}

// changedFiles merges the files the model reported with whatever the branch
// already differs by, so resumed branches keep earlier commits' files.
func (o *Orchestrator) changedFiles(ctx context.Context, wt *worktree.Worktree, files []plan.FileChange) []string {
	seen := make(map[string]bool)
	for _, p := range filePaths(files) {
		seen[p] = true
	}
	if committed, err := o.worktrees.ChangedFiles(ctx, wt); err != nil {
		o.logger.WithTask(wt.TaskID).Debug("could not list branch changes", "error", err)
	} else {
		for _, p := range committed {
			seen[p] = true
		}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func filePaths(files []plan.FileChange) []string {
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	return paths
}

// withoutContent drops file bodies before they are stored in metadata.
func withoutContent(files []plan.FileChange) []plan.FileChange {
	out := make([]plan.FileChange, len(files))
	for i, f := range files {
		out[i] = plan.FileChange{Path: f.Path, Action: f.Action}
	}
	return out
}
