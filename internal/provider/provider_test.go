package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	aerrors "github.com/astrid-app/astrid-agent/internal/errors"
)

func newTestAnthropic(t *testing.T, handler http.HandlerFunc) *Anthropic {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	a, err := NewAnthropic(Config{APIKey: "test-key", BaseURL: srv.URL, MaxRetries: 2})
	if err != nil {
		t.Fatal(err)
	}
	a.baseBackoff = time.Millisecond
	return a
}

func TestAnthropic_Complete(t *testing.T) {
	var got anthropicRequest
	a := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "test-key" || r.Header.Get("Anthropic-Version") != anthropicVersion {
			t.Errorf("missing auth headers: %v", r.Header)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		_, _ = w.Write([]byte(`{
			"content": [
				{"type": "text", "text": "Reading the file."},
				{"type": "tool_use", "id": "tu_1", "name": "read_file", "input": {"path": "main.go"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 1000000, "output_tokens": 100000}
		}`))
	})

	resp, err := a.Complete(context.Background(), Request{
		System: "be careful",
		Messages: []Message{
			UserText("do it"),
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "tu_0", Name: "glob_files", Input: json.RawMessage(`{"pattern":"*"}`)}}},
			{Role: RoleUser, ToolResults: []ToolResult{{CallID: "tu_0", Content: "main.go"}}},
		},
		Tools: []Tool{{Name: "read_file", Description: "read", InputSchema: json.RawMessage(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if resp.Text != "Reading the file." {
		t.Errorf("Text = %q", resp.Text)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "read_file" || string(resp.ToolCalls[0].Input) != `{"path": "main.go"}` {
		t.Errorf("ToolCalls = %+v", resp.ToolCalls)
	}
	if math.Abs(resp.Usage.CostUSD-4.5) > 1e-9 {
		t.Errorf("CostUSD = %v, want 4.5", resp.Usage.CostUSD)
	}

	if got.System != "be careful" || len(got.Tools) != 1 || len(got.Messages) != 3 {
		t.Fatalf("request = %+v", got)
	}
	if b := got.Messages[2].Content[0]; b.Type != "tool_result" || b.ToolUseID != "tu_0" {
		t.Errorf("tool result block = %+v", b)
	}
}

func TestAnthropic_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	a := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"ok"}],"usage":{}}`))
	})

	resp, err := a.Complete(context.Background(), Request{Messages: []Message{UserText("hi")}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "ok" || calls.Load() != 3 {
		t.Errorf("Text = %q after %d calls", resp.Text, calls.Load())
	}
}

func TestAnthropic_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	a := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad tools"}}`))
	})

	_, err := a.Complete(context.Background(), Request{Messages: []Message{UserText("hi")}})
	var se *statusError
	if !errors.As(err, &se) || se.Status != http.StatusBadRequest || se.Body != "bad tools" {
		t.Fatalf("error = %v, want 400 statusError", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestAnthropic_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	a := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	if _, err := a.Complete(context.Background(), Request{Messages: []Message{UserText("hi")}}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestOpenAI_Complete(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{
			"choices": [{
				"message": {"role": "assistant", "content": null, "tool_calls": [
					{"id": "call_1", "type": "function", "function": {"name": "task_complete", "arguments": "{\"prTitle\":\"x\"}"}}
				]},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5}
		}`))
	}))
	defer srv.Close()

	o, err := NewOpenAI(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := o.Complete(context.Background(), Request{
		System: "sys",
		Messages: []Message{
			UserText("go"),
			{Role: RoleAssistant, Text: "looking", ToolCalls: []ToolCall{{ID: "call_0", Name: "read_file", Input: json.RawMessage(`{}`)}}},
			{Role: RoleUser, ToolResults: []ToolResult{{CallID: "call_0", Content: "data"}}},
		},
		Tools: []Tool{{Name: "task_complete", InputSchema: json.RawMessage(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if resp.Text != "" || len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "call_1" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	roles := make([]string, 0, len(got.Messages))
	for _, m := range got.Messages {
		roles = append(roles, m.Role)
	}
	want := []string{"system", "user", "assistant", "tool"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}
	if got.ToolChoice != "auto" {
		t.Errorf("ToolChoice = %q", got.ToolChoice)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if names := r.Names(); len(names) != 2 || names[0] != Claude || names[1] != OpenAI {
		t.Errorf("Names() = %v", names)
	}

	if _, err := r.New("gemini", Config{APIKey: "x"}); !errors.Is(err, aerrors.ErrUnknownProvider) {
		t.Errorf("New(gemini) error = %v, want ErrUnknownProvider", err)
	}
	if _, err := r.New(Claude, Config{}); err == nil {
		t.Error("New(claude) without key should fail")
	}
	m, err := r.New(OpenAI, Config{APIKey: "x"})
	if err != nil || m.Name() != OpenAI {
		t.Errorf("New(openai) = %v, %v", m, err)
	}
}

func TestCost(t *testing.T) {
	tests := []struct {
		provider      string
		input, output int
		want          float64
	}{
		{Claude, 1_000_000, 0, 3.0},
		{Claude, 0, 1_000_000, 15.0},
		{OpenAI, 2_000_000, 1_000_000, 15.0},
		{"unknown", 1_000_000, 1_000_000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			if got := Cost(tt.provider, tt.input, tt.output); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cost() = %v, want %v", got, tt.want)
			}
		})
	}
}
