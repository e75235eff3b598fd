package orchestrator

import (
	"context"
	"strings"

	"github.com/astrid-app/astrid-agent/internal/errors"
	"github.com/astrid-app/astrid-agent/internal/event"
	"github.com/astrid-app/astrid-agent/internal/stream"
	"github.com/astrid-app/astrid-agent/internal/webhook"
	"github.com/astrid-app/astrid-agent/internal/workflow"
)

// CI status values reported for a task's pull request.
const (
	CIStatusSuccess = "success"
	CIStatusFailure = "failure"
	CIStatusPending = "pending"
)

// HandleRuntimeEvent applies a verified event from an externally hosted
// executor runtime to the task's workflow.
func (o *Orchestrator) HandleRuntimeEvent(ctx context.Context, ev webhook.Event) error {
	wf, err := o.store.GetWorkflowByTask(ctx, ev.TaskID)
	if err != nil {
		return err
	}
	data := webhook.EventData{}
	if ev.Data != nil {
		data = *ev.Data
	}
	log := o.logger.WithTask(ev.TaskID).WithWorkflow(wf.ID).With("session_id", ev.SessionID, "event", string(ev.Event))
	log.Debug("runtime event received")

	switch ev.Event {
	case webhook.EventStarted:
		if data.Message != "" {
			o.post(ctx, wf.TaskID, "🤖 "+data.Message)
		}

	case webhook.EventProgress:
		text := firstNonEmpty(data.Message, data.Summary)
		if text == "" {
			return nil
		}
		// Runtime messages arrive whole, so each one closes a section.
		// Nothing is republished on the bus; the runtime already knows.
		for _, d := range o.parseRuntime(wf.TaskID, strings.TrimRight(text, "\n")+"\n\n") {
			o.post(ctx, wf.TaskID, detectedComment(d))
		}

	case webhook.EventWaitingInput:
		question := firstNonEmpty(data.Question, data.Message)
		if question == "" {
			return errors.NewValidationError("waiting_input event has no question").WithField("data.question")
		}
		o.post(ctx, wf.TaskID, questionComment(question, data.Options))

	case webhook.EventCompleted:
		// A failed workflow keeps its failure until a retry; late completions
		// must not erase it.
		if wf.Status == workflow.StatusFailed || wf.Status.Terminal() {
			log.Warn("completed event ignored", "status", string(wf.Status))
			return nil
		}
		return o.runtimeCompleted(ctx, wf, data)

	case webhook.EventError:
		if wf.Status.Terminal() {
			log.Warn("error event for completed workflow", "error", data.Error)
			return nil
		}
		msg := firstNonEmpty(data.Error, data.Message, "runtime session reported an error")
		_ = o.fail(ctx, wf, PhaseRuntime, errors.NewWorkflowError(msg, nil).WithTaskID(wf.TaskID).WithWorkflowID(wf.ID).WithStep(PhaseRuntime))
		o.dropSession(wf.TaskID)

	default:
		return errors.NewValidationError("unknown event type").WithField("event").WithValue(string(ev.Event))
	}
	return nil
}

func (o *Orchestrator) runtimeCompleted(ctx context.Context, wf *workflow.Workflow, data webhook.EventData) error {
	exec := wf.Metadata.Execution
	if exec == nil {
		exec = &workflow.Execution{}
	}
	if data.PRURL != "" {
		exec.PRURL = data.PRURL
	}
	if data.Summary != "" {
		exec.CommitMessage = data.Summary
	}
	wf.Metadata.Execution = exec
	wf.Metadata.Failure = nil

	var err error
	if wf.Status == workflow.StatusAwaitingApproval {
		err = o.transition(ctx, wf, workflow.StatusTesting, "")
	} else {
		err = o.save(ctx, wf)
	}
	if err != nil {
		return err
	}
	o.dropSession(wf.TaskID)

	if data.PRURL != "" {
		o.bus.Publish(event.NewPROpenedEvent(wf.TaskID, wf.ID, data.PRURL))
	}
	var sb strings.Builder
	sb.WriteString("✅ Agent session complete")
	if data.Summary != "" {
		sb.WriteString("\n\n" + data.Summary)
	}
	for i, f := range data.Files {
		if i == 0 {
			sb.WriteString("\n\nChanged files:")
		}
		sb.WriteString("\n- `" + f + "`")
	}
	if data.PRURL != "" {
		sb.WriteString("\n\nPull request: " + data.PRURL)
	}
	o.post(ctx, wf.TaskID, sb.String())
	return nil
}

// ReportCI records the CI status of a task's pull request. A success moves a
// TESTING workflow to READY_TO_MERGE.
func (o *Orchestrator) ReportCI(ctx context.Context, taskID, status string) error {
	switch status {
	case CIStatusSuccess, CIStatusFailure, CIStatusPending:
	default:
		return errors.NewValidationError("unknown CI status").WithField("status").WithValue(status)
	}

	wf, err := o.store.GetWorkflowByTask(ctx, taskID)
	if err != nil {
		return err
	}
	wf.Metadata.CI = &workflow.CI{GitHubActionsStatus: status, UpdatedAt: o.now().UTC()}

	if status == CIStatusSuccess && wf.Status == workflow.StatusTesting {
		if err := o.transition(ctx, wf, workflow.StatusReadyToMerge, ""); err != nil {
			return err
		}
		o.post(ctx, taskID, "🟢 Checks passed. Reply **ship it** to merge.")
		return nil
	}
	if err := o.save(ctx, wf); err != nil {
		return err
	}
	if status == CIStatusFailure && !wf.Status.Terminal() {
		o.post(ctx, taskID, "🔴 Checks failed on the pull request.")
	}
	return nil
}

// parseRuntime feeds text through the task's runtime stream parser.
func (o *Orchestrator) parseRuntime(taskID, text string) []stream.Detected {
	o.sessionsMu.Lock()
	s, ok := o.sessions[taskID]
	if !ok {
		s = &runtimeSession{state: stream.NewState()}
		o.sessions[taskID] = s
	}
	o.sessionsMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return stream.ParseChunk(text, s.state)
}

func (o *Orchestrator) dropSession(taskID string) {
	o.sessionsMu.Lock()
	delete(o.sessions, taskID)
	o.sessionsMu.Unlock()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
