// Package budget tracks advisory model spend per task and enforces the
// configured per-task ceiling.
package budget

import (
	"fmt"
	"sync"

	"github.com/astrid-app/astrid-agent/internal/config"
	"github.com/astrid-app/astrid-agent/internal/errors"
	"github.com/astrid-app/astrid-agent/internal/logging"
	"github.com/astrid-app/astrid-agent/internal/plan"
)

// warningFraction of the limit triggers OnBudgetWarning once per task.
const warningFraction = 0.8

// Callbacks defines callbacks for budget events.
type Callbacks struct {
	// OnBudgetLimit is called once when a task first exceeds its limit.
	OnBudgetLimit func(taskID string, total float64)
	// OnBudgetWarning is called once when a task crosses the warning threshold.
	OnBudgetWarning func(taskID string, total float64)
}

// Config holds budget configuration.
type Config struct {
	// CostLimit is the USD ceiling per task. Zero disables enforcement.
	CostLimit float64
}

// Manager hands out one Tracker per task.
type Manager struct {
	mu        sync.Mutex
	config    Config
	callbacks Callbacks
	trackers  map[string]*Tracker
	logger    *logging.Logger
}

// NewManager creates a new budget manager.
func NewManager(cfg Config, callbacks Callbacks, logger *logging.Logger) *Manager {
	return &Manager{
		config:    cfg,
		callbacks: callbacks,
		trackers:  make(map[string]*Tracker),
		logger:    logging.OrNop(logger),
	}
}

// NewManagerFromConfig creates a budget manager from application config.
func NewManagerFromConfig(appCfg *config.Config, callbacks Callbacks, logger *logging.Logger) *Manager {
	cfg := Config{}
	if appCfg != nil {
		cfg.CostLimit = appCfg.Agent.MaxBudgetPerTask
	}
	return NewManager(cfg, callbacks, logger)
}

// UpdateConfig changes the limit for trackers created afterwards.
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
}

// For returns the task's tracker, creating it on first use.
func (m *Manager) For(taskID string) *Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[taskID]; ok {
		return t
	}
	t := &Tracker{
		taskID:    taskID,
		limit:     m.config.CostLimit,
		callbacks: m.callbacks,
		logger:    m.logger.WithTask(taskID),
	}
	m.trackers[taskID] = t
	return t
}

// Release forgets a task's spend, typically once its workflow completes.
func (m *Manager) Release(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trackers, taskID)
}

// Total returns the combined spend of every tracked task.
func (m *Manager) Total() plan.Usage {
	m.mu.Lock()
	trackers := make([]*Tracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		trackers = append(trackers, t)
	}
	m.mu.Unlock()

	var total plan.Usage
	for _, t := range trackers {
		total.Add(t.Usage())
	}
	return total
}

// Tracker accumulates one task's usage across every phase and retry.
type Tracker struct {
	mu        sync.Mutex
	taskID    string
	limit     float64
	usage     plan.Usage
	warned    bool
	exceeded  bool
	callbacks Callbacks
	logger    *logging.Logger
}

// NewTracker returns a standalone tracker with the given limit.
func NewTracker(taskID string, limit float64) *Tracker {
	return &Tracker{taskID: taskID, limit: limit, logger: logging.NopLogger()}
}

// Add records usage and returns ErrBudgetExceeded once the running cost
// passes the limit.
func (t *Tracker) Add(u plan.Usage) error {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	t.usage.Add(u)
	total := t.usage.CostUSD
	limit := t.limit

	var fireWarning, fireLimit bool
	if limit > 0 && !t.warned && total >= limit*warningFraction {
		t.warned = true
		fireWarning = true
	}
	if limit > 0 && total > limit {
		fireLimit = !t.exceeded
		t.exceeded = true
	}
	exceeded := t.exceeded
	t.mu.Unlock()

	if fireWarning {
		t.logger.Warn("budget warning threshold reached", "total_cost", total, "cost_limit", limit)
		if t.callbacks.OnBudgetWarning != nil {
			t.callbacks.OnBudgetWarning(t.taskID, total)
		}
	}
	if fireLimit {
		t.logger.Warn("budget limit exceeded", "total_cost", total, "cost_limit", limit)
		if t.callbacks.OnBudgetLimit != nil {
			t.callbacks.OnBudgetLimit(t.taskID, total)
		}
	}
	if exceeded {
		return fmt.Errorf("%w: $%.4f spent of $%.2f", errors.ErrBudgetExceeded, total, limit)
	}
	return nil
}

// Exceeded reports whether the limit has been passed.
func (t *Tracker) Exceeded() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exceeded
}

// Usage returns the accumulated usage.
func (t *Tracker) Usage() plan.Usage {
	if t == nil {
		return plan.Usage{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}
