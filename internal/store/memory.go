package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astrid-app/astrid-agent/internal/errors"
	"github.com/astrid-app/astrid-agent/internal/workflow"
)

// Memory is an in-process Store. Values are copied in and out so callers
// never share state with it.
type Memory struct {
	mu        sync.Mutex
	tasks     map[string]workflow.Task
	comments  map[string][]workflow.Comment
	workflows map[string][]byte // task id -> JSON workflow
	order     []string
	secrets   map[string]string
	now       func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:     make(map[string]workflow.Task),
		comments:  make(map[string][]workflow.Comment),
		workflows: make(map[string][]byte),
		secrets:   make(map[string]string),
		now:       time.Now,
	}
}

// SetClock replaces the time source used for generated timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Close() error { return nil }

func (m *Memory) GetTask(_ context.Context, id string) (*workflow.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, errors.NewNotFoundError("task", id).WithCause(errors.ErrTaskNotFound)
	}
	return &t, nil
}

func (m *Memory) PutTask(_ context.Context, t *workflow.Task) error {
	if t.ID == "" {
		return errors.NewValidationError("task id is required").WithField("id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = *t
	return nil
}

func (m *Memory) MarkTaskCompleted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return errors.NewNotFoundError("task", id).WithCause(errors.ErrTaskNotFound)
	}
	t.Completed = true
	m.tasks[id] = t
	return nil
}

func (m *Memory) ListComments(_ context.Context, taskID string) ([]workflow.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]workflow.Comment(nil), m.comments[taskID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AddComment(_ context.Context, c *workflow.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now().UTC()
	}
	m.comments[c.TaskID] = append(m.comments[c.TaskID], *c)
	return nil
}

func (m *Memory) CreateWorkflow(_ context.Context, wf *workflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workflows[wf.TaskID]; exists {
		return errors.NewAlreadyExistsError("workflow", wf.TaskID).WithCause(errors.ErrWorkflowExists)
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := m.now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	return m.putLocked(wf, true)
}

func (m *Memory) putLocked(wf *workflow.Workflow, isNew bool) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	m.workflows[wf.TaskID] = data
	if isNew {
		m.order = append(m.order, wf.TaskID)
	}
	return nil
}

func (m *Memory) getLocked(taskID string) (*workflow.Workflow, error) {
	data, ok := m.workflows[taskID]
	if !ok {
		return nil, errors.NewNotFoundError("workflow", taskID).WithCause(errors.ErrWorkflowNotFound)
	}
	var wf workflow.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (m *Memory) GetWorkflowByTask(_ context.Context, taskID string) (*workflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(taskID)
}

func (m *Memory) UpdateWorkflow(_ context.Context, wf *workflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, err := m.getLocked(wf.TaskID)
	if err != nil || existing.ID != wf.ID {
		return errors.NewNotFoundError("workflow", wf.ID).WithCause(errors.ErrWorkflowNotFound)
	}
	wf.UpdatedAt = m.now().UTC()
	return m.putLocked(wf, false)
}

func (m *Memory) ListWorkflows(_ context.Context, statuses ...workflow.Status) ([]workflow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[workflow.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var out []workflow.Workflow
	for _, taskID := range m.order {
		wf, err := m.getLocked(taskID)
		if err != nil {
			return nil, err
		}
		if len(want) == 0 || want[wf.Status] {
			out = append(out, *wf)
		}
	}
	return out, nil
}

func (m *Memory) WebhookSecret(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secrets[userID], nil
}

func (m *Memory) SetWebhookSecret(_ context.Context, userID, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if secret == "" {
		delete(m.secrets, userID)
		return nil
	}
	m.secrets[userID] = secret
	return nil
}
