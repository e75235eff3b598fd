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
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o"
)

// OpenAIClient drives an OpenAI-compatible chat completions API.
type OpenAIClient struct {
	model       string
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
	logger      *logging.Logger
}

// NewOpenAI creates an OpenAI client. BaseURL includes the version path.
func NewOpenAI(cfg Config) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key required")
	}
	return &OpenAIClient{
		model:       firstSet(cfg.Model, defaultOpenAIModel),
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimSuffix(firstSet(cfg.BaseURL, defaultOpenAIBaseURL), "/"),
		httpClient:  &http.Client{Timeout: durationOr(cfg.Timeout, defaultTimeout)},
		limiter:     rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		maxRetries:  intOr(cfg.MaxRetries, defaultMaxRetries),
		baseBackoff: defaultBaseBackoff,
		logger:      logging.OrNop(cfg.Logger),
	}, nil
}

// Name implements Model.
func (o *OpenAIClient) Name() string { return OpenAI }

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type openAIRequest struct {
	Model      string          `json:"model"`
	MaxTokens  int             `json:"max_tokens,omitempty"`
	Messages   []openAIMessage `json:"messages"`
	Tools      []openAITool    `json:"tools,omitempty"`
	ToolChoice string          `json:"tool_choice,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete implements Model.
func (o *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	body := openAIRequest{
		Model:     o.model,
		MaxTokens: intOr(req.MaxTokens, defaultMaxTokens),
		Messages:  toOpenAIMessages(req.System, req.Messages),
	}
	for _, t := range req.Tools {
		var tool openAITool
		tool.Type = "function"
		tool.Function.Name = t.Name
		tool.Function.Description = t.Description
		tool.Function.Parameters = t.InputSchema
		body.Tools = append(body.Tools, tool)
	}
	if len(body.Tools) > 0 {
		body.ToolChoice = "auto"
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	return withRetry(ctx, o.maxRetries, o.baseBackoff, func() (*Response, error) {
		return o.doRequest(ctx, payload)
	})
}

func (o *OpenAIClient) doRequest(ctx context.Context, payload []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		o.logger.Warn("model request failed", "provider", OpenAI, "error", err)
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		var errResp openAIError
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		o.logger.Warn("model API error", "provider", OpenAI, "status", resp.StatusCode)
		return nil, classify(resp, msg)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to parse response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("empty response from API"))
	}

	choice := parsed.Choices[0]
	out := &Response{
		StopReason: choice.FinishReason,
		Usage:      usageFor(OpenAI, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens),
	}
	if choice.Message.Content != nil {
		out.Text = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: args})
	}
	return out, nil
}

func toOpenAIMessages(system string, msgs []Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openAIMessage{Role: "system", Content: strPtr(system)})
	}
	for _, m := range msgs {
		if m.Role == RoleAssistant {
			msg := openAIMessage{Role: "assistant"}
			if m.Text != "" {
				msg.Content = strPtr(m.Text)
			}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: openAIFunctionCall{Name: tc.Name, Arguments: string(tc.Input)},
				})
			}
			out = append(out, msg)
			continue
		}
		// Tool results are separate "tool" role messages.
		for _, tr := range m.ToolResults {
			out = append(out, openAIMessage{Role: "tool", ToolCallID: tr.CallID, Content: strPtr(tr.Content)})
		}
		if m.Text != "" {
			out = append(out, openAIMessage{Role: "user", Content: strPtr(m.Text)})
		}
	}
	return out
}

func strPtr(s string) *string { return &s }
