// Package llm is the provider-agnostic chat client. Every configured
// provider speaks the OpenAI chat-completions wire contract, possibly at a
// custom endpoint, so one SDK client covers them all.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/models"
)

// Tool is a function-calling tool definition in provider schema form.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is one function call requested by the model. Arguments is the
// raw JSON string; the dispatcher parses it.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is one chat turn from the model.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Client is the chat capability the coordinator depends on. Summarize is
// split out so the compressor can run on a plain-text request.
type Client interface {
	Chat(ctx context.Context, messages []models.ChatMessage, tools []Tool) (*Response, error)
	Summarize(ctx context.Context, request string) (string, error)
}

// OpenAIClient implements Client over the go-openai SDK.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
	timeout     time.Duration
	maxRetries  int
	retryDelay  time.Duration
}

// NewClient builds a client for the provider config. A non-empty endpoint
// redirects the SDK at an OpenAI-compatible server.
func NewClient(cfg config.LLMProviderConfig) (*OpenAIClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm provider config missing model")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.URL() != "" {
		clientConfig.BaseURL = cfg.URL()
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout(),
		maxRetries:  3,
		retryDelay:  time.Second,
	}, nil
}

// Chat sends the transcript and optional tools, returning the model's
// reply. Transient provider failures are retried with linear backoff.
func (c *OpenAIClient) Chat(ctx context.Context, messages []models.ChatMessage, tools []Tool) (*Response, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    convertMessages(messages),
		Temperature: c.temperature,
	}
	if len(tools) > 0 {
		req.Tools = convertTools(tools)
	}

	resp, err := c.createWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("provider returned no choices")
	}

	choice := resp.Choices[0]
	out := &Response{
		Content: choice.Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// Summarize runs a single-turn request over plain text.
func (c *OpenAIClient) Summarize(ctx context.Context, request string) (string, error) {
	resp, err := c.Chat(ctx, []models.ChatMessage{
		{Role: models.RoleUser, Content: request},
	}, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (c *OpenAIClient) createWithRetry(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("Retrying LLM call", "attempt", attempt+1, "error", lastErr)
			select {
			case <-ctx.Done():
				return openai.ChatCompletionResponse{}, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := c.client.CreateChatCompletion(callCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return openai.ChatCompletionResponse{}, fmt.Errorf("llm call failed: %w", err)
		}
	}
	return openai.ChatCompletionResponse{}, fmt.Errorf("llm call failed after %d attempts: %w", c.maxRetries, lastErr)
}

// convertMessages maps the transcript to the provider's wire form. Every
// role:tool message must answer a tool_call_id announced by an earlier
// assistant turn; a tool result whose requesting turn is gone (compressed
// away, or recorded before linkage existed) is folded into a user message
// instead, which every provider accepts.
func convertMessages(messages []models.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	announced := map[string]bool{}
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
		switch {
		case m.Role == models.RoleAssistant && len(m.ToolCalls) > 0:
			for _, tc := range m.ToolCalls {
				announced[tc.ID] = true
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		case m.Role == models.RoleTool:
			if m.ToolCallID == "" || !announced[m.ToolCallID] {
				msg.Role = models.RoleUser
				msg.Content = fmt.Sprintf("Result of tool %s:\n%s", m.ToolName, m.Content)
				break
			}
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.ToolName
		}
		out = append(out, msg)
	}
	return out
}

func convertTools(tools []Tool) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

// isRetryable classifies provider errors: rate limits, 5xx, and timeouts
// get another attempt; auth and validation failures do not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit", "429",
		"500", "502", "503", "504",
		"timeout", "deadline exceeded", "connection refused", "connection reset",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
