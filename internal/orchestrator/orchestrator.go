// Package orchestrator drives a task's workflow through planning, approval,
// execution and completion in response to comments and runtime events.
//
// The Orchestrator methods are synchronous: each runs to completion, including
// any model phase it triggers. Runner wraps them for background use with
// per-task serialization.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astrid-app/astrid-agent/internal/budget"
	"github.com/astrid-app/astrid-agent/internal/classifier"
	"github.com/astrid-app/astrid-agent/internal/config"
	"github.com/astrid-app/astrid-agent/internal/errors"
	"github.com/astrid-app/astrid-agent/internal/event"
	"github.com/astrid-app/astrid-agent/internal/executor"
	"github.com/astrid-app/astrid-agent/internal/logging"
	"github.com/astrid-app/astrid-agent/internal/metrics"
	"github.com/astrid-app/astrid-agent/internal/plan"
	"github.com/astrid-app/astrid-agent/internal/sandbox"
	"github.com/astrid-app/astrid-agent/internal/store"
	"github.com/astrid-app/astrid-agent/internal/stream"
	"github.com/astrid-app/astrid-agent/internal/workflow"
	"github.com/astrid-app/astrid-agent/internal/worktree"
)

// Phase names recorded in failure metadata and metrics.
const (
	PhasePlanning  = "planning"
	PhaseExecution = "execution"
	PhaseFinalize  = "finalize"
	PhaseRuntime   = "runtime"
)

// Classifier turns comment text into an action.
type Classifier interface {
	Classify(text string) classifier.Action
}

// Executor runs the planning and execution loops for one provider.
// *executor.Executor satisfies it.
type Executor interface {
	Provider() string
	Plan(ctx context.Context, tools executor.ToolRunner, in executor.PlanInput, opts ...executor.RunOption) (*plan.PlanningResult, error)
	Execute(ctx context.Context, tools executor.ToolRunner, in executor.ExecuteInput, opts ...executor.RunOption) (*plan.ExecutionResult, error)
}

// ExecutorResolver returns the executor for a workflow's AIService.
type ExecutorResolver func(aiService string) (Executor, error)

// Worktrees creates and publishes per-task working directories.
// *worktree.Manager satisfies it.
type Worktrees interface {
	Create(ctx context.Context, repo, taskID string) (*worktree.Worktree, error)
	Push(ctx context.Context, wt *worktree.Worktree, opts worktree.PushOptions) string
	ChangedFiles(ctx context.Context, wt *worktree.Worktree) ([]string, error)
}

// ToolsFactory builds the sandbox a phase runs against.
type ToolsFactory func(root string) (executor.ToolRunner, error)

// Orchestrator is the workflow state machine.
type Orchestrator struct {
	store      store.Store
	classifier Classifier
	executors  ExecutorResolver
	worktrees  Worktrees
	budgets    *budget.Manager
	bus        *event.Bus
	metrics    *metrics.Metrics
	logger     *logging.Logger
	now        func() time.Time

	mu           sync.RWMutex
	cfg          *config.Config
	tools        ToolsFactory
	defaultTools bool

	sessionsMu sync.Mutex
	sessions   map[string]*runtimeSession
}

// runtimeSession is the stream parser for an externally hosted executor.
type runtimeSession struct {
	mu    sync.Mutex
	state *stream.ParserState
}

// Deps are the collaborators an Orchestrator needs. Store, Executors and
// Worktrees are required.
type Deps struct {
	Store      store.Store
	Executors  ExecutorResolver
	Worktrees  Worktrees
	Classifier Classifier
	Tools      ToolsFactory
	Budgets    *budget.Manager
	Bus        *event.Bus
	Metrics    *metrics.Metrics
	Logger     *logging.Logger
}

// New creates an Orchestrator.
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.NewValidationError("orchestrator requires a store").WithField("Store")
	}
	if deps.Executors == nil {
		return nil, errors.NewValidationError("orchestrator requires an executor resolver").WithField("Executors")
	}
	if deps.Worktrees == nil {
		return nil, errors.NewValidationError("orchestrator requires a worktree manager").WithField("Worktrees")
	}
	if cfg == nil {
		cfg = config.Default()
	}

	logger := logging.OrNop(deps.Logger).With("component", "orchestrator")
	o := &Orchestrator{
		store:      deps.Store,
		classifier: deps.Classifier,
		executors:  deps.Executors,
		worktrees:  deps.Worktrees,
		tools:      deps.Tools,
		budgets:    deps.Budgets,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		logger:     logger,
		now:        time.Now,
		cfg:        cfg,
		sessions:   make(map[string]*runtimeSession),
	}
	if o.classifier == nil {
		o.classifier = classifier.New()
	}
	if o.tools == nil {
		o.tools = SandboxTools(cfg.Agent, logger)
		o.defaultTools = true
	}
	if o.budgets == nil {
		o.budgets = budget.NewManagerFromConfig(cfg, budget.Callbacks{}, logger)
	}
	return o, nil
}

// UpdateConfig swaps the configuration used by workflows started afterwards.
func (o *Orchestrator) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	o.mu.Lock()
	o.cfg = cfg
	if o.defaultTools {
		o.tools = SandboxTools(cfg.Agent, o.logger)
	}
	o.mu.Unlock()
	o.budgets.UpdateConfig(budget.Config{CostLimit: cfg.Agent.MaxBudgetPerTask})
}

func (o *Orchestrator) config() *config.Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

func (o *Orchestrator) toolsFactory() ToolsFactory {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.tools
}

// SandboxTools returns a ToolsFactory that builds a sandbox from agent
// configuration, with gitleaks redaction when enabled.
func SandboxTools(cfg config.AgentConfig, logger *logging.Logger) ToolsFactory {
	var (
		once     sync.Once
		redactor sandbox.Redactor
	)
	return func(root string) (executor.ToolRunner, error) {
		opts := []sandbox.Option{sandbox.WithLogger(logger)}
		if cfg.RedactSecrets {
			once.Do(func() {
				r, err := sandbox.NewGitleaksRedactor()
				if err != nil {
					logging.OrNop(logger).Warn("secret redaction unavailable", "error", err)
					return
				}
				redactor = r
			})
			opts = append(opts, sandbox.WithRedactor(redactor))
		}
		return sandbox.New(root, sandbox.Config{
			BashTimeout:         cfg.BashTimeout,
			MaxOutput:           cfg.MaxToolOutput,
			MaxBashOutputBytes:  cfg.MaxBashOutputBytes,
			GlobLimit:           cfg.GlobLimit,
			GrepLimit:           cfg.GrepLimit,
			BlockedBashPatterns: cfg.BlockedBashPatterns,
			ProtectedPaths:      cfg.ProtectedPaths,
		}, opts...)
	}
}

// Start creates a workflow for taskID and runs planning. aiService selects the
// executor; empty uses the configured default. It fails with an error
// matching errors.ErrWorkflowExists when the task already has a workflow.
func (o *Orchestrator) Start(ctx context.Context, taskID, aiService string) (*workflow.Workflow, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if aiService == "" {
		aiService = o.config().Providers.Default
	}

	now := o.now().UTC()
	wf := &workflow.Workflow{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		Status:    workflow.StatusPending,
		AIService: aiService,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	o.logger.WithTask(task.ID).WithWorkflow(wf.ID).Info("workflow started", "ai_service", aiService)
	o.bus.Publish(event.NewWorkflowStartedEvent(task.ID, wf.ID, aiService))

	err = o.runPlanning(ctx, task, wf, "")
	return wf, err
}

// Workflow returns the task's workflow.
func (o *Orchestrator) Workflow(ctx context.Context, taskID string) (*workflow.Workflow, error) {
	return o.store.GetWorkflowByTask(ctx, taskID)
}

// transition moves wf to next and persists it.
func (o *Orchestrator) transition(ctx context.Context, wf *workflow.Workflow, next workflow.Status, reason string) error {
	from := wf.Status
	if err := wf.TransitionTo(next, o.now().UTC()); err != nil {
		return errors.NewWorkflowError("transition rejected", err).WithTaskID(wf.TaskID).WithWorkflowID(wf.ID)
	}
	if err := o.store.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	o.logger.WithTask(wf.TaskID).WithWorkflow(wf.ID).Info("workflow transitioned",
		"from", string(from), "to", string(next))
	o.bus.Publish(event.NewTransitionEvent(wf.TaskID, wf.ID, string(from), string(next), reason))
	return nil
}

// save persists metadata changes without a status change.
func (o *Orchestrator) save(ctx context.Context, wf *workflow.Workflow) error {
	wf.UpdatedAt = o.now().UTC()
	return o.store.UpdateWorkflow(ctx, wf)
}

// post adds an agent-authored comment to the task.
func (o *Orchestrator) post(ctx context.Context, taskID, content string) {
	c := &workflow.Comment{
		TaskID:   taskID,
		AuthorID: o.config().AgentUserID,
		Content:  content,
	}
	if err := o.store.AddComment(ctx, c); err != nil {
		o.logger.WithTask(taskID).Error("failed to post comment", "error", err)
		return
	}
	o.bus.Publish(event.NewCommentPostedEvent(taskID, c.ID, content))
}

// fail records err against wf, moves it to FAILED and tells the creator.
// It returns err so callers can propagate the phase failure.
func (o *Orchestrator) fail(ctx context.Context, wf *workflow.Workflow, step string, err error) error {
	step = errors.StepOf(err, step)
	wf.Metadata.Failure = &workflow.Failure{
		Error:    err.Error(),
		Step:     step,
		FailedAt: o.now().UTC(),
	}
	o.logger.WithTask(wf.TaskID).WithWorkflow(wf.ID).Error("workflow step failed", "step", step, "error", err)

	if wf.Status == workflow.StatusFailed {
		if saveErr := o.save(ctx, wf); saveErr != nil {
			o.logger.WithTask(wf.TaskID).Error("failed to record failure", "error", saveErr)
		}
	} else if trErr := o.transition(ctx, wf, workflow.StatusFailed, err.Error()); trErr != nil {
		o.logger.WithTask(wf.TaskID).Error("failed to record failure", "error", trErr)
	}

	o.post(ctx, wf.TaskID, failureComment(step, err))
	return err
}

// detected posts stream classifier output and publishes it. Plans are
// skipped when skipPlans is set because the phase posts its own plan.
func (o *Orchestrator) detected(ctx context.Context, wf *workflow.Workflow, items []stream.Detected, skipPlans bool) {
	for _, d := range items {
		if skipPlans && d.Type == stream.ContentPlan {
			continue
		}
		o.bus.Publish(event.NewContentDetectedEvent(wf.TaskID, wf.ID, string(d.Type), d.Content))
		o.post(ctx, wf.TaskID, detectedComment(d))
	}
}

func usageOf(u *plan.Usage) plan.Usage {
	if u == nil {
		return plan.Usage{}
	}
	return *u
}
