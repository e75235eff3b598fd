package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/astrid-app/astrid-agent/internal/logging"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-sonnet-4-20250514"
	anthropicVersion        = "2023-06-01"
)

// Anthropic drives the Claude Messages API.
type Anthropic struct {
	model       string
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
	logger      *logging.Logger
}

// NewAnthropic creates a Claude client.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key required")
	}
	a := &Anthropic{
		model:       firstSet(cfg.Model, defaultAnthropicModel),
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimSuffix(firstSet(cfg.BaseURL, defaultAnthropicBaseURL), "/"),
		httpClient:  &http.Client{Timeout: durationOr(cfg.Timeout, defaultTimeout)},
		limiter:     rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		maxRetries:  intOr(cfg.MaxRetries, defaultMaxRetries),
		baseBackoff: defaultBaseBackoff,
		logger:      logging.OrNop(cfg.Logger),
	}
	return a, nil
}

// Name implements Model.
func (a *Anthropic) Name() string { return Claude }

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements Model.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	body := anthropicRequest{
		Model:     a.model,
		MaxTokens: intOr(req.MaxTokens, defaultMaxTokens),
		System:    req.System,
		Messages:  toAnthropicMessages(req.Messages),
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	return withRetry(ctx, a.maxRetries, a.baseBackoff, func() (*Response, error) {
		return a.doRequest(ctx, payload)
	})
}

func (a *Anthropic) doRequest(ctx context.Context, payload []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", a.apiKey)
	httpReq.Header.Set("Anthropic-Version", anthropicVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		a.logger.Warn("model request failed", "provider", Claude, "error", err)
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		var errResp anthropicError
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		a.logger.Warn("model API error", "provider", Claude, "status", resp.StatusCode)
		return nil, classify(resp, msg)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to parse response: %w", err))
	}

	out := &Response{
		StopReason: parsed.StopReason,
		Usage:      usageFor(Claude, parsed.Usage.InputTokens, parsed.Usage.OutputTokens),
	}
	var text []string
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Input: input})
		}
	}
	out.Text = strings.Join(text, "\n")
	return out, nil
}

func toAnthropicMessages(msgs []Message) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		var blocks []anthropicBlock
		if m.Text != "" {
			blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Text})
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Input})
		}
		for _, tr := range m.ToolResults {
			content := tr.Content
			if content == "" {
				content = "(empty)"
			}
			blocks = append(blocks, anthropicBlock{Type: "tool_result", ToolUseID: tr.CallID, Content: content, IsError: tr.IsError})
		}
		if len(blocks) == 0 {
			blocks = append(blocks, anthropicBlock{Type: "text", Text: "(empty)"})
		}
		out = append(out, anthropicMessage{Role: string(m.Role), Content: blocks})
	}
	return out
}

func firstSet(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func intOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
