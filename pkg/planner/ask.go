package planner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codeready-toolchain/codebot/pkg/llm"
	"github.com/codeready-toolchain/codebot/pkg/models"
	"github.com/codeready-toolchain/codebot/pkg/services"
)

// chat sends the full current transcript to the model, appends the reply,
// accounts the call, and runs the between-turns compression check.
func (c *Coordinator) chat(ctx context.Context, tools []llm.Tool) (*llm.Response, error) {
	if c.cfg.MaxLLMProcesses > 0 && c.counters.LLMCalls >= c.cfg.MaxLLMProcesses {
		return nil, errBudgetExhausted
	}

	messages, err := c.deps.Store.CurrentMessages()
	if err != nil {
		return nil, err
	}

	resp, err := c.deps.LLM.Chat(ctx, messages, tools)
	if err != nil {
		return nil, err
	}
	c.account(ctx, services.Counters{LLMCalls: 1, Tokens: resp.Usage.TotalTokens})

	// Assistant turns carrying tool_calls must be replayed verbatim; the
	// provider rejects a tool reply without its requesting turn.
	if resp.Content != "" || len(resp.ToolCalls) > 0 {
		msg := models.ChatMessage{Role: models.RoleAssistant, Content: resp.Content}
		for _, tc := range resp.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCallRef{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		if _, err := c.deps.Store.AppendChat(msg); err != nil {
			return nil, err
		}
	}

	if c.deps.Compressor != nil {
		if rec := c.deps.Compressor.TryCompress(ctx, c.deps.ContextLength); rec != nil {
			c.account(ctx, services.Counters{Compressions: 1})
		}
	}
	return resp, nil
}

// askStructured appends prompt as a user turn and asks until the reply
// parses as T, re-asking with a fresh correction tail up to 5 times.
// Five consecutive parse failures fail the interaction.
func askStructured[T any](ctx context.Context, c *Coordinator, prompt string) (*T, error) {
	if _, err := c.deps.Store.AppendMessage(models.RoleUser, prompt, ""); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxParseRetries; attempt++ {
		resp, err := c.chat(ctx, nil)
		if err != nil {
			return nil, err
		}

		parsed, err := llm.ParseStructured[T](resp.Content)
		if err == nil {
			return parsed, nil
		}
		lastErr = err

		slog.Warn("Structured response parse failed",
			"task", c.uuid, "attempt", attempt, "error", err)
		if attempt < maxParseRetries {
			retry := fmt.Sprintf(
				"Your previous response could not be parsed (%v). Reply again with a single valid JSON object and nothing else.", err)
			if _, err := c.deps.Store.AppendMessage(models.RoleUser, retry, ""); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("structured response failed to parse after %d attempts: %w", maxParseRetries, lastErr)
}
