package event

import (
	"time"

	"github.com/astrid-app/astrid-agent/internal/plan"
)

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns "category.action", for example "workflow.transition".
	EventType() string
	Timestamp() time.Time
}

// Event type names.
const (
	TypeWorkflowStarted = "workflow.started"
	TypeTransition      = "workflow.transition"
	TypePhaseCompleted  = "phase.completed"
	TypeContentDetected = "stream.detected"
	TypeCommentPosted   = "comment.posted"
	TypePROpened        = "pr.opened"
)

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// WorkflowStartedEvent is emitted when a workflow is created for a task.
type WorkflowStartedEvent struct {
	baseEvent
	TaskID     string
	WorkflowID string
	AIService  string
}

func NewWorkflowStartedEvent(taskID, workflowID, aiService string) WorkflowStartedEvent {
	return WorkflowStartedEvent{
		baseEvent:  newBaseEvent(TypeWorkflowStarted),
		TaskID:     taskID,
		WorkflowID: workflowID,
		AIService:  aiService,
	}
}

// TransitionEvent is emitted after a status change is persisted.
type TransitionEvent struct {
	baseEvent
	TaskID     string
	WorkflowID string
	From       string
	To         string
	// Reason is the failure message when To is FAILED.
	Reason string
}

func NewTransitionEvent(taskID, workflowID, from, to, reason string) TransitionEvent {
	return TransitionEvent{
		baseEvent:  newBaseEvent(TypeTransition),
		TaskID:     taskID,
		WorkflowID: workflowID,
		From:       from,
		To:         to,
		Reason:     reason,
	}
}

// PhaseCompletedEvent is emitted when planning or execution returns.
type PhaseCompletedEvent struct {
	baseEvent
	TaskID     string
	WorkflowID string
	Phase      string
	Provider   string
	Duration   time.Duration
	Usage      plan.Usage
	Files      []string
	PRURL      string
	Err        error
}

func NewPhaseCompletedEvent(taskID, workflowID, phase, provider string, duration time.Duration, usage plan.Usage, err error) PhaseCompletedEvent {
	return PhaseCompletedEvent{
		baseEvent:  newBaseEvent(TypePhaseCompleted),
		TaskID:     taskID,
		WorkflowID: workflowID,
		Phase:      phase,
		Provider:   provider,
		Duration:   duration,
		Usage:      usage,
		Err:        err,
	}
}

// Success reports whether the phase succeeded.
func (e PhaseCompletedEvent) Success() bool { return e.Err == nil }

// ContentDetectedEvent is emitted for each item the stream classifier surfaces.
type ContentDetectedEvent struct {
	baseEvent
	TaskID     string
	WorkflowID string
	Kind       string
	Content    string
}

func NewContentDetectedEvent(taskID, workflowID, kind, content string) ContentDetectedEvent {
	return ContentDetectedEvent{
		baseEvent:  newBaseEvent(TypeContentDetected),
		TaskID:     taskID,
		WorkflowID: workflowID,
		Kind:       kind,
		Content:    content,
	}
}

// CommentPostedEvent is emitted after the agent adds a comment.
type CommentPostedEvent struct {
	baseEvent
	TaskID    string
	CommentID string
	Content   string
}

func NewCommentPostedEvent(taskID, commentID, content string) CommentPostedEvent {
	return CommentPostedEvent{
		baseEvent: newBaseEvent(TypeCommentPosted),
		TaskID:    taskID,
		CommentID: commentID,
		Content:   content,
	}
}

// PROpenedEvent is emitted when a task's pull request URL is recorded.
type PROpenedEvent struct {
	baseEvent
	TaskID     string
	WorkflowID string
	URL        string
}

func NewPROpenedEvent(taskID, workflowID, url string) PROpenedEvent {
	return PROpenedEvent{
		baseEvent:  newBaseEvent(TypePROpened),
		TaskID:     taskID,
		WorkflowID: workflowID,
		URL:        url,
	}
}
