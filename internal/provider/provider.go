// Package provider adapts remote model APIs to the single request/response
// shape the executor loop drives.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/astrid-app/astrid-agent/internal/errors"
	"github.com/astrid-app/astrid-agent/internal/logging"
	"github.com/astrid-app/astrid-agent/internal/plan"
)

// Provider names.
const (
	Claude = "claude"
	OpenAI = "openai"
)

const (
	defaultMaxTokens   = 8192
	defaultTimeout     = 5 * time.Minute
	defaultMaxRetries  = 3
	defaultBaseBackoff = time.Second

	// Request pacing: 50 requests per minute with small bursts.
	defaultRateLimit = 50.0 / 60.0
	defaultBurst     = 5
)

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Tool describes a callable tool to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult answers one ToolCall.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// Message is one turn of the conversation. An assistant message carries the
// text and tool calls the model produced; a user message carries either text
// or the results of the previous turn's tool calls.
type Message struct {
	Role        Role
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// UserText builds a plain user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Text: text}
}

// Request is a single model call.
type Request struct {
	System    string
	Messages  []Message
	Tools     []Tool
	MaxTokens int
}

// Response is the model's reply to a Request.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      plan.Usage
}

// Model is a remote model the executor can drive.
type Model interface {
	// Name returns the provider name used for cost lookup and logging.
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Config configures one provider client.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	Logger     *logging.Logger
}

// Factory builds a Model from its Config.
type Factory func(cfg Config) (Model, error)

// Registry maps provider names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(Claude, func(cfg Config) (Model, error) {
		m, err := NewAnthropic(cfg)
		if err != nil {
			return nil, err
		}
		return m, nil
	})
	r.Register(OpenAI, func(cfg Config) (Model, error) {
		m, err := NewOpenAI(cfg)
		if err != nil {
			return nil, err
		}
		return m, nil
	})
	return r
}

// Register adds or replaces a provider factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the named provider.
func (r *Registry) New(name string, cfg Config) (Model, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownProvider, name)
	}
	return f(cfg)
}
