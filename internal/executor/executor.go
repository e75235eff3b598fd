// Package executor runs the plan and execute tool-calling loops that drive a
// remote model through a task's sandbox.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/astrid-app/astrid-agent/internal/errors"
	"github.com/astrid-app/astrid-agent/internal/logging"
	"github.com/astrid-app/astrid-agent/internal/plan"
	"github.com/astrid-app/astrid-agent/internal/provider"
	"github.com/astrid-app/astrid-agent/internal/sandbox"
	"github.com/astrid-app/astrid-agent/internal/workflow"
)

// Defaults for zero Config fields.
const (
	DefaultMaxPlanningIterations  = 20
	DefaultMaxExecutionIterations = 30
)

// ToolRunner executes sandbox tools. *sandbox.Sandbox satisfies it.
type ToolRunner interface {
	Execute(ctx context.Context, name string, args json.RawMessage) sandbox.ToolResult
}

// Budget receives usage after every model call and may stop the loop.
type Budget interface {
	Add(u plan.Usage) error
}

// Config bounds the loops.
type Config struct {
	MaxPlanningIterations  int
	MaxExecutionIterations int
	MaxTokens              int
}

// Executor drives one model. It holds no per-task state and is safe for
// concurrent use across tasks.
type Executor struct {
	model  provider.Model
	cfg    Config
	logger *logging.Logger
}

// New creates an Executor.
func New(model provider.Model, cfg Config, logger *logging.Logger) *Executor {
	if cfg.MaxPlanningIterations <= 0 {
		cfg.MaxPlanningIterations = DefaultMaxPlanningIterations
	}
	if cfg.MaxExecutionIterations <= 0 {
		cfg.MaxExecutionIterations = DefaultMaxExecutionIterations
	}
	return &Executor{model: model, cfg: cfg, logger: logging.OrNop(logger)}
}

// Provider returns the name of the underlying model provider.
func (e *Executor) Provider() string {
	return e.model.Name()
}

// RunOption customizes one Plan or Execute call.
type RunOption func(*runOptions)

type runOptions struct {
	budget Budget
	onText func(string)
}

// WithBudget charges each model call's usage to b.
func WithBudget(b Budget) RunOption {
	return func(o *runOptions) { o.budget = b }
}

// WithOnText forwards every chunk of model text to fn, typically a stream parser.
func WithOnText(fn func(string)) RunOption {
	return func(o *runOptions) { o.onText = fn }
}

// PlanInput is what the planning phase needs to know about a task.
type PlanInput struct {
	Task          workflow.Task
	Feedback      string
	PreviousError string
	FailedStep    string
}

// ExecuteInput is what the execution phase needs.
type ExecuteInput struct {
	Task     workflow.Task
	Plan     *plan.ImplementationPlan
	Feedback string
}

// Plan explores the repository read-only and returns a parsed plan. A reply
// without tool calls on the first turn, or with a plan that lists no files,
// is answered with a re-prompt instead of being accepted.
func (e *Executor) Plan(ctx context.Context, tools ToolRunner, in PlanInput, opts ...RunOption) (*plan.PlanningResult, error) {
	o := applyOptions(opts)
	logger := e.logger.WithTask(in.Task.ID).WithPhase("planning")

	prompt, err := render(planningUserTmpl, planningData(in))
	if err != nil {
		return nil, fmt.Errorf("render planning prompt: %w", err)
	}

	l := &loop{
		executor: e,
		tools:    tools,
		allowed:  sandbox.PlanningDefinitions(),
		system:   planningSystemPrompt,
		messages: []provider.Message{provider.UserText(prompt)},
		opts:     o,
		logger:   logger,
	}
	result := &plan.PlanningResult{Usage: &plan.Usage{}}

	for i := 0; i < e.cfg.MaxPlanningIterations; i++ {
		result.Iterations = i + 1
		resp, err := l.step(ctx, result.Usage)
		if err != nil {
			return result, phaseError("planning", in.Task.ID, err)
		}

		if len(resp.ToolCalls) > 0 {
			l.dispatch(ctx, resp.ToolCalls)
			continue
		}

		if i == 0 {
			logger.Debug("first reply used no tools, re-prompting")
			l.say(nudgeUseTools)
			continue
		}

		p, err := plan.Parse(resp.Text)
		switch {
		case err == nil:
			logger.Info("plan produced", "iterations", result.Iterations, "files", len(p.Files))
			result.Plan = p
			return result, nil
		case errors.Is(err, plan.ErrNoFiles):
			logger.Debug("plan lists no files, re-prompting")
			l.say(nudgeNoFiles)
		default:
			logger.Debug("reply carried no plan, re-prompting", "error", err)
			l.say(nudgeNoPlan)
		}
	}

	logger.Warn("planning exhausted iterations", "max", e.cfg.MaxPlanningIterations)
	return result, phaseError("planning", in.Task.ID, errors.ErrMaxIterations)
}

// Execute implements an approved plan with the full tool vocabulary. File
// changes are accumulated by path, last write winning. The loop ends when
// the model calls task_complete or iterations run out; in the latter case the
// accumulated files are still returned and the result is successful only if
// there are any.
func (e *Executor) Execute(ctx context.Context, tools ToolRunner, in ExecuteInput, opts ...RunOption) (*plan.ExecutionResult, error) {
	if in.Plan == nil {
		return nil, errors.NewValidationError("execution requires an approved plan").WithField("plan").WithCause(errors.ErrPlanNotFound)
	}
	o := applyOptions(opts)
	logger := e.logger.WithTask(in.Task.ID).WithPhase("execution")

	prompt, err := render(executionUserTmpl, executionData(in))
	if err != nil {
		return nil, fmt.Errorf("render execution prompt: %w", err)
	}

	l := &loop{
		executor: e,
		tools:    tools,
		allowed:  sandbox.Definitions(),
		system:   executionSystemPrompt,
		messages: []provider.Message{provider.UserText(prompt)},
		opts:     o,
		logger:   logger,
		files:    make(map[string]plan.FileChange),
	}
	usage := &plan.Usage{}

	for i := 0; i < e.cfg.MaxExecutionIterations; i++ {
		resp, err := l.step(ctx, usage)
		if err != nil {
			res := l.executionResult(in, usage)
			res.Success = false
			res.Error = err.Error()
			return res, phaseError("execution", in.Task.ID, err)
		}

		if len(resp.ToolCalls) == 0 {
			if i == 0 {
				l.say(nudgeUseTools)
			} else {
				l.say(nudgeContinue)
			}
			continue
		}

		if l.dispatch(ctx, resp.ToolCalls) {
			res := l.executionResult(in, usage)
			res.Success = true
			logger.Info("execution complete", "iterations", i+1, "files", len(res.Files))
			return res, nil
		}
	}

	res := l.executionResult(in, usage)
	res.Success = len(res.Files) > 0
	if !res.Success {
		res.Error = errors.ErrMaxIterations.Error()
		logger.Warn("execution exhausted iterations with no changes", "max", e.cfg.MaxExecutionIterations)
		return res, phaseError("execution", in.Task.ID, errors.ErrMaxIterations)
	}
	logger.Warn("execution exhausted iterations, returning accumulated changes", "files", len(res.Files))
	return res, nil
}

func applyOptions(opts []RunOption) runOptions {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func phaseError(step, taskID string, cause error) error {
	if errors.Is(cause, errors.ErrBudgetExceeded) || errors.Is(cause, errors.ErrMaxIterations) {
		return errors.NewWorkflowError(step+" failed", cause).WithTaskID(taskID).WithStep(step).WithRetryable(false)
	}
	return errors.NewWorkflowError(step+" failed", cause).WithTaskID(taskID).WithStep(step)
}

// loop is the conversation state of one phase run.
type loop struct {
	executor *Executor
	tools    ToolRunner
	allowed  []sandbox.Definition
	system   string
	messages []provider.Message
	opts     runOptions
	logger   *logging.Logger

	files      map[string]plan.FileChange
	completion *sandbox.Completion
}

// step makes one model call and records the assistant turn.
func (l *loop) step(ctx context.Context, usage *plan.Usage) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(errors.ErrCanceled, err)
	}

	resp, err := l.executor.model.Complete(ctx, provider.Request{
		System:    l.system,
		Messages:  l.messages,
		Tools:     toProviderTools(l.allowed),
		MaxTokens: l.executor.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}

	usage.Add(resp.Usage)
	if l.opts.budget != nil {
		if err := l.opts.budget.Add(resp.Usage); err != nil {
			return nil, err
		}
	}
	if resp.Text != "" && l.opts.onText != nil {
		l.opts.onText(resp.Text)
	}

	l.messages = append(l.messages, provider.Message{
		Role:      provider.RoleAssistant,
		Text:      resp.Text,
		ToolCalls: resp.ToolCalls,
	})
	return resp, nil
}

// say appends a user re-prompt.
func (l *loop) say(text string) {
	l.messages = append(l.messages, provider.UserText(text))
}

// dispatch runs tool calls in order and appends their results as one user
// turn. It reports whether task_complete was called; calls after it are
// answered without being run.
func (l *loop) dispatch(ctx context.Context, calls []provider.ToolCall) bool {
	results := make([]provider.ToolResult, 0, len(calls))
	completed := false

	for _, call := range calls {
		if completed {
			results = append(results, provider.ToolResult{CallID: call.ID, Content: "Skipped: task already marked complete.", IsError: true})
			continue
		}

		var res sandbox.ToolResult
		if !l.isAllowed(call.Name) {
			res = sandbox.ToolResult{Success: false, Result: fmt.Sprintf("Error: tool %s is not available in this phase", call.Name)}
		} else {
			res = l.tools.Execute(ctx, call.Name, call.Input)
		}
		l.logger.Debug("tool call", "tool", call.Name, "success", res.Success)

		if res.FileChange != nil && l.files != nil {
			l.files[res.FileChange.Path] = *res.FileChange
		}
		if res.Completion != nil {
			l.completion = res.Completion
			completed = true
		}
		results = append(results, provider.ToolResult{CallID: call.ID, Content: res.Result, IsError: !res.Success})
	}

	l.messages = append(l.messages, provider.Message{Role: provider.RoleUser, ToolResults: results})
	return completed
}

func (l *loop) isAllowed(name string) bool {
	for _, d := range l.allowed {
		if d.Name == name {
			return true
		}
	}
	return false
}

func (l *loop) executionResult(in ExecuteInput, usage *plan.Usage) *plan.ExecutionResult {
	paths := make([]string, 0, len(l.files))
	for p := range l.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	files := make([]plan.FileChange, 0, len(paths))
	for _, p := range paths {
		files = append(files, l.files[p])
	}

	res := &plan.ExecutionResult{
		Files:         files,
		CommitMessage: "feat: " + strings.ToLower(strings.TrimSpace(in.Task.Title)),
		PRTitle:       in.Task.Title,
		PRDescription: in.Plan.Summary,
		Usage:         usage,
	}
	if c := l.completion; c != nil {
		if c.CommitMessage != "" {
			res.CommitMessage = c.CommitMessage
		}
		if c.PRTitle != "" {
			res.PRTitle = c.PRTitle
		}
		if c.PRDescription != "" {
			res.PRDescription = c.PRDescription
		}
	}
	return res
}

func toProviderTools(defs []sandbox.Definition) []provider.Tool {
	tools := make([]provider.Tool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, provider.Tool{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return tools
}
