package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	aerrors "github.com/astrid-app/astrid-agent/internal/errors"
	"github.com/astrid-app/astrid-agent/internal/plan"
	"github.com/astrid-app/astrid-agent/internal/provider"
	"github.com/astrid-app/astrid-agent/internal/sandbox"
	"github.com/astrid-app/astrid-agent/internal/workflow"
)

// scriptedModel replays canned responses and records every request.
type scriptedModel struct {
	responses []*provider.Response
	requests  []provider.Request
	err       error
}

func (m *scriptedModel) Name() string { return provider.Claude }

func (m *scriptedModel) Complete(_ context.Context, req provider.Request) (*provider.Response, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return &provider.Response{Text: "still thinking"}, nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

// fakeTools answers tool calls from a handler and records them.
type fakeTools struct {
	calls   []string
	handler func(name string, args json.RawMessage) sandbox.ToolResult
}

func (f *fakeTools) Execute(_ context.Context, name string, args json.RawMessage) sandbox.ToolResult {
	f.calls = append(f.calls, name)
	if f.handler != nil {
		return f.handler(name, args)
	}
	return sandbox.ToolResult{Success: true, Result: "ok"}
}

func call(id, name, args string) provider.ToolCall {
	return provider.ToolCall{ID: id, Name: name, Input: json.RawMessage(args)}
}

func toolTurn(calls ...provider.ToolCall) *provider.Response {
	return &provider.Response{ToolCalls: calls, Usage: plan.Usage{InputTokens: 100, OutputTokens: 10, CostUSD: 0.01}}
}

func textTurn(text string) *provider.Response {
	return &provider.Response{Text: text, Usage: plan.Usage{InputTokens: 100, OutputTokens: 10, CostUSD: 0.01}}
}

const validPlan = "Here is the plan.\n\n```json\n" +
	`{"summary":"Add greeting","approach":"new file","files":[{"path":"hello.go","purpose":"greet","changes":"add Hello"}],"estimatedComplexity":"low"}` +
	"\n```\n"

const emptyPlan = "```json\n{\"summary\":\"nothing\",\"files\":[]}\n```"

var testTask = workflow.Task{ID: "t1", Title: "Add Greeting", Description: "Say hello", CreatorID: "u1"}

func lastUserText(req provider.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if m := req.Messages[i]; m.Role == provider.RoleUser && m.Text != "" {
			return m.Text
		}
	}
	return ""
}

func TestPlan_Success(t *testing.T) {
	model := &scriptedModel{responses: []*provider.Response{
		toolTurn(call("1", sandbox.ToolGlobFiles, `{"pattern":"*.go"}`)),
		textTurn(validPlan),
	}}
	tools := &fakeTools{}
	var streamed []string

	ex := New(model, Config{}, nil)
	res, err := ex.Plan(context.Background(), tools, PlanInput{Task: testTask}, WithOnText(func(s string) { streamed = append(streamed, s) }))
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	if res.Plan == nil || res.Plan.Summary != "Add greeting" || len(res.Plan.Files) != 1 {
		t.Fatalf("Plan = %+v", res.Plan)
	}
	if res.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", res.Iterations)
	}
	if res.Usage.InputTokens != 200 {
		t.Errorf("Usage = %+v", res.Usage)
	}
	if len(tools.calls) != 1 || tools.calls[0] != sandbox.ToolGlobFiles {
		t.Errorf("tool calls = %v", tools.calls)
	}
	if len(streamed) != 1 || !strings.Contains(streamed[0], "Here is the plan") {
		t.Errorf("streamed = %v", streamed)
	}

	for _, tool := range model.requests[0].Tools {
		if tool.Name == sandbox.ToolWriteFile || tool.Name == sandbox.ToolTaskComplete {
			t.Errorf("planning offered %s", tool.Name)
		}
	}
	if !strings.Contains(model.requests[0].Messages[0].Text, "Add Greeting") {
		t.Error("planning prompt missing task title")
	}
}

func TestPlan_FirstTurnTextIsRePrompted(t *testing.T) {
	model := &scriptedModel{responses: []*provider.Response{
		textTurn(validPlan),
		toolTurn(call("1", sandbox.ToolReadFile, `{"path":"main.go"}`)),
		textTurn(validPlan),
	}}

	res, err := New(model, Config{}, nil).Plan(context.Background(), &fakeTools{}, PlanInput{Task: testTask})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if res.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3 (first text reply must not be accepted)", res.Iterations)
	}
	if got := lastUserText(model.requests[1]); got != nudgeUseTools {
		t.Errorf("re-prompt = %q", got)
	}
}

func TestPlan_EmptyFilesRejected(t *testing.T) {
	model := &scriptedModel{responses: []*provider.Response{
		toolTurn(call("1", sandbox.ToolGlobFiles, `{"pattern":"*"}`)),
		textTurn(emptyPlan),
		textTurn(emptyPlan),
	}}

	res, err := New(model, Config{MaxPlanningIterations: 3}, nil).Plan(context.Background(), &fakeTools{}, PlanInput{Task: testTask})
	if !errors.Is(err, aerrors.ErrMaxIterations) {
		t.Fatalf("Plan() error = %v, want ErrMaxIterations", err)
	}
	if res.Plan != nil {
		t.Error("a plan with no files must never be returned")
	}
	if got := lastUserText(model.requests[2]); got != nudgeNoFiles {
		t.Errorf("re-prompt = %q, want no-files nudge", got)
	}
	if !strings.Contains(err.Error(), "Max iterations reached") {
		t.Errorf("error text = %q", err.Error())
	}
	if aerrors.StepOf(err, "") != "planning" {
		t.Errorf("step = %q", aerrors.StepOf(err, ""))
	}
}

func TestPlan_DisallowedToolRefused(t *testing.T) {
	model := &scriptedModel{responses: []*provider.Response{
		toolTurn(call("1", sandbox.ToolWriteFile, `{"path":"x","content":"y"}`)),
		textTurn(validPlan),
	}}
	tools := &fakeTools{}

	if _, err := New(model, Config{}, nil).Plan(context.Background(), tools, PlanInput{Task: testTask}); err != nil {
		t.Fatal(err)
	}
	if len(tools.calls) != 0 {
		t.Errorf("write_file reached the sandbox during planning: %v", tools.calls)
	}
	results := model.requests[1].Messages[2].ToolResults
	if len(results) != 1 || !results[0].IsError || !strings.Contains(results[0].Content, "not available") {
		t.Errorf("tool results = %+v", results)
	}
}

func TestPlan_FeedbackInPrompt(t *testing.T) {
	model := &scriptedModel{err: errors.New("boom")}
	_, err := New(model, Config{}, nil).Plan(context.Background(), &fakeTools{}, PlanInput{
		Task:          testTask,
		Feedback:      "use sqlite",
		PreviousError: "tests failed",
		FailedStep:    "execution",
	})
	if err == nil {
		t.Fatal("expected model error")
	}
	prompt := model.requests[0].Messages[0].Text
	for _, want := range []string{"use sqlite", "tests failed", "execution"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

type limitBudget struct {
	spent, limit float64
}

func (b *limitBudget) Add(u plan.Usage) error {
	b.spent += u.CostUSD
	if b.spent > b.limit {
		return aerrors.ErrBudgetExceeded
	}
	return nil
}

func TestPlan_BudgetStopsLoop(t *testing.T) {
	model := &scriptedModel{responses: []*provider.Response{
		toolTurn(call("1", sandbox.ToolGlobFiles, `{}`)),
		toolTurn(call("2", sandbox.ToolGlobFiles, `{}`)),
		toolTurn(call("3", sandbox.ToolGlobFiles, `{}`)),
	}}

	_, err := New(model, Config{}, nil).Plan(context.Background(), &fakeTools{}, PlanInput{Task: testTask}, WithBudget(&limitBudget{limit: 0.015}))
	if !errors.Is(err, aerrors.ErrBudgetExceeded) {
		t.Fatalf("error = %v, want ErrBudgetExceeded", err)
	}
	if len(model.requests) != 2 {
		t.Errorf("requests = %d, want 2", len(model.requests))
	}
}

func changeHandler(name string, args json.RawMessage) sandbox.ToolResult {
	var a struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	_ = json.Unmarshal(args, &a)
	switch name {
	case sandbox.ToolWriteFile:
		return sandbox.ToolResult{Success: true, Result: "ok", FileChange: &plan.FileChange{Path: a.Path, Content: a.Content, Action: plan.ActionCreate}}
	case sandbox.ToolTaskComplete:
		var c sandbox.Completion
		_ = json.Unmarshal(args, &c)
		return sandbox.ToolResult{Success: true, Result: "Task marked complete.", Completion: &c}
	}
	return sandbox.ToolResult{Success: true, Result: "ok"}
}

var approvedPlan = &plan.ImplementationPlan{Summary: "Add greeting", Files: []plan.PlannedFile{{Path: "hello.go"}}}

func TestExecute_TaskComplete(t *testing.T) {
	model := &scriptedModel{responses: []*provider.Response{
		toolTurn(call("1", sandbox.ToolWriteFile, `{"path":"hello.go","content":"v1"}`)),
		toolTurn(
			call("2", sandbox.ToolWriteFile, `{"path":"hello.go","content":"v2"}`),
			call("3", sandbox.ToolWriteFile, `{"path":"a.go","content":"a"}`),
		),
		toolTurn(
			call("4", sandbox.ToolTaskComplete, `{"commitMessage":"feat: greet","prTitle":"Greeting","prDescription":"Adds hello"}`),
			call("5", sandbox.ToolWriteFile, `{"path":"late.go","content":"x"}`),
		),
	}}
	tools := &fakeTools{handler: changeHandler}

	res, err := New(model, Config{}, nil).Execute(context.Background(), tools, ExecuteInput{Task: testTask, Plan: approvedPlan, Feedback: "keep it short"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if !res.Success {
		t.Error("Success = false")
	}
	if len(res.Files) != 2 || res.Files[0].Path != "a.go" || res.Files[1].Path != "hello.go" || res.Files[1].Content != "v2" {
		t.Errorf("Files = %+v, want a.go and hello.go with last write", res.Files)
	}
	if res.CommitMessage != "feat: greet" || res.PRTitle != "Greeting" || res.PRDescription != "Adds hello" {
		t.Errorf("completion not passed through: %+v", res)
	}
	if len(tools.calls) != 4 {
		t.Errorf("calls after task_complete ran: %v", tools.calls)
	}
	if !strings.Contains(model.requests[0].Messages[0].Text, "keep it short") {
		t.Error("execution prompt missing feedback")
	}
}

func TestExecute_ExhaustedWithFiles(t *testing.T) {
	model := &scriptedModel{responses: []*provider.Response{
		toolTurn(call("1", sandbox.ToolWriteFile, `{"path":"hello.go","content":"v1"}`)),
		textTurn("done I think"),
	}}

	res, err := New(model, Config{MaxExecutionIterations: 2}, nil).Execute(context.Background(), &fakeTools{handler: changeHandler}, ExecuteInput{Task: testTask, Plan: approvedPlan})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success || len(res.Files) != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.PRTitle != testTask.Title || res.CommitMessage != "feat: add greeting" {
		t.Errorf("defaults not applied: %+v", res)
	}
}

func TestExecute_ExhaustedWithoutFiles(t *testing.T) {
	model := &scriptedModel{}
	res, err := New(model, Config{MaxExecutionIterations: 2}, nil).Execute(context.Background(), &fakeTools{}, ExecuteInput{Task: testTask, Plan: approvedPlan})
	if !errors.Is(err, aerrors.ErrMaxIterations) {
		t.Fatalf("error = %v, want ErrMaxIterations", err)
	}
	if res.Success || res.Error != "Max iterations reached" {
		t.Errorf("result = %+v", res)
	}
	if got := lastUserText(model.requests[1]); got != nudgeUseTools {
		t.Errorf("first re-prompt = %q", got)
	}
}

func TestExecute_RequiresPlan(t *testing.T) {
	_, err := New(&scriptedModel{}, Config{}, nil).Execute(context.Background(), &fakeTools{}, ExecuteInput{Task: testTask})
	if !errors.Is(err, aerrors.ErrInvalidInput) {
		t.Errorf("error = %v, want validation error", err)
	}
}

func TestExecute_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := &scriptedModel{}
	_, err := New(model, Config{}, nil).Execute(ctx, &fakeTools{}, ExecuteInput{Task: testTask, Plan: approvedPlan})
	if !errors.Is(err, aerrors.ErrCanceled) {
		t.Errorf("error = %v, want ErrCanceled", err)
	}
	if len(model.requests) != 0 {
		t.Error("model called after cancellation")
	}
}
