// Package workflow defines the persisted lifecycle record for one task's
// automated coding effort and the status graph it moves along.
package workflow

import (
	"fmt"
	"time"

	"github.com/astrid-app/astrid-agent/internal/errors"
)

// Status is a workflow's position in the lifecycle graph.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusTesting          Status = "TESTING"
	StatusReadyToMerge     Status = "READY_TO_MERGE"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
)

// transitions lists the legal successors of each status.
var transitions = map[Status][]Status{
	StatusPending:          {StatusAwaitingApproval, StatusFailed},
	StatusAwaitingApproval: {StatusTesting, StatusFailed},
	StatusTesting:          {StatusReadyToMerge, StatusCompleted, StatusFailed},
	StatusReadyToMerge:     {StatusCompleted, StatusFailed},
	StatusFailed:           {StatusPending},
	StatusCompleted:        {},
}

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusPending, StatusAwaitingApproval, StatusTesting,
		StatusReadyToMerge, StatusCompleted, StatusFailed,
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further comment-driven transitions apply.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// CanTransition reports whether from → to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Workflow is the persisted lifecycle record for a task.
type Workflow struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"taskId"`
	Status        Status    `json:"status"`
	AIService     string    `json:"aiService"`
	DeploymentURL string    `json:"deploymentUrl,omitempty"`
	Metadata      Metadata  `json:"metadata"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// TransitionTo moves the workflow to next, rejecting edges outside the graph.
func (w *Workflow) TransitionTo(next Status, now time.Time) error {
	if !CanTransition(w.Status, next) {
		return errors.Wrap(errors.ErrInvalidTransition, fmt.Sprintf("%s -> %s", w.Status, next))
	}
	w.Status = next
	w.UpdatedAt = now
	return nil
}

// Task is the unit of work a workflow automates.
type Task struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	ListDescription string `json:"listDescription,omitempty"`
	CreatorID       string `json:"creatorId"`
	Completed       bool   `json:"completed"`
}

// Comment is a message attached to a task, human or agent authored.
type Comment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	AuthorID  string    `json:"authorId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
