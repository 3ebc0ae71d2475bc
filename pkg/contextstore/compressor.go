package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/models"
)

// Summarizer is the single LLM capability the compressor needs.
type Summarizer interface {
	Summarize(ctx context.Context, request string) (string, error)
}

// Compressor shrinks current.jsonl once its token estimate crosses the
// threshold share of the model's context window. All intermediate state
// lives in files next to the transcript; memory stays O(one message).
type Compressor struct {
	store      *Store
	summarizer Summarizer
	cfg        config.ContextStorageConfig
}

// NewCompressor creates a compressor over the store.
func NewCompressor(store *Store, summarizer Summarizer, cfg config.ContextStorageConfig) *Compressor {
	return &Compressor{store: store, summarizer: summarizer, cfg: cfg}
}

// ShouldCompress reports whether the current transcript's token estimate
// has reached contextLength x compression_threshold. The boundary itself
// triggers.
func (c *Compressor) ShouldCompress(contextLength int) (bool, error) {
	if contextLength <= 0 {
		return false, nil
	}
	tokens, err := c.store.CurrentTokens()
	if err != nil {
		return false, err
	}
	threshold := float64(contextLength) * c.cfg.CompressionThreshold
	return float64(tokens) >= threshold, nil
}

// Compress summarizes the transcript prefix, keeping the most recent
// keep_recent_messages lines verbatim. Returns the summary record, or
// (nil, nil) when the prefix is too short to be worth compressing. Any
// failure leaves current.jsonl untouched.
func (c *Compressor) Compress(ctx context.Context) (*models.SummaryRecord, error) {
	msgs, err := c.store.CurrentMessages()
	if err != nil {
		return nil, err
	}

	keep := c.cfg.KeepRecentMessages
	if keep <= 0 || keep >= len(msgs) {
		return nil, nil
	}
	prefix := msgs[:len(msgs)-keep]
	recent := msgs[len(msgs)-keep:]
	if len(prefix) < c.cfg.MinToCompress {
		return nil, nil
	}

	request, cleanup, err := c.buildRequest(prefix)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	summary, err := c.summarizer.Summarize(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("summarizer failed: %w", err)
	}

	originalTokens := 0
	for _, m := range prefix {
		originalTokens += EstimateTokens(m.Content)
	}
	summaryTokens := EstimateTokens(summary)

	rec := models.SummaryRecord{
		ID:             uuid.NewString(),
		StartSeq:       c.store.LastSummarizedSeq() + 1,
		EndSeq:         c.store.Seq() - keep,
		Summary:        summary,
		OriginalTokens: originalTokens,
		SummaryTokens:  summaryTokens,
		Timestamp:      time.Now().UTC(),
	}
	if originalTokens > 0 {
		rec.Ratio = float64(summaryTokens) / float64(originalTokens)
	}

	rewritten := make([]models.ChatMessage, 0, keep+1)
	rewritten = append(rewritten, models.ChatMessage{
		Role:    models.RoleSystem,
		Content: "Summary of earlier conversation:\n" + summary,
	})
	rewritten = append(rewritten, recent...)

	// The summary record lands first; if the rewrite below fails the
	// transcript is unchanged and the record is harmless.
	if err := c.store.AppendSummary(rec); err != nil {
		return nil, err
	}
	if err := c.store.ReplaceCurrent(rewritten); err != nil {
		return nil, err
	}
	return &rec, nil
}

// TryCompress is the between-turns entry point: it checks the threshold,
// compresses when due, and never fails the caller. Compression errors are
// logged and swallowed so the next LLM call can proceed over budget.
func (c *Compressor) TryCompress(ctx context.Context, contextLength int) *models.SummaryRecord {
	due, err := c.ShouldCompress(contextLength)
	if err != nil {
		slog.Warn("Compression threshold check failed", "error", err)
		return nil
	}
	if !due {
		return nil
	}
	rec, err := c.Compress(ctx)
	if err != nil {
		slog.Warn("Context compression failed, transcript left intact", "error", err)
		return nil
	}
	return rec
}

// FinalSummary summarizes the entire audit log into final_summary.txt.
// Used at task completion; best-effort on failure paths.
func (c *Compressor) FinalSummary(ctx context.Context) (string, error) {
	var request string
	prompt := c.cfg.SummaryPrompt

	data, err := os.ReadFile(c.store.MessagesPath())
	if err != nil {
		return "", fmt.Errorf("failed to read message log: %w", err)
	}
	request = prompt + "\n\n" + string(data)

	summary, err := c.summarizer.Summarize(ctx, request)
	if err != nil {
		return "", fmt.Errorf("final summarizer failed: %w", err)
	}
	if err := c.store.WriteFinalSummary(summary); err != nil {
		return "", err
	}
	return summary, nil
}

// buildRequest concatenates the summary prompt with the prefix messages
// into a temp request file, then reads it back. The returned cleanup
// removes the scratch files.
func (c *Compressor) buildRequest(prefix []models.ChatMessage) (string, func(), error) {
	dir := c.store.Dir()
	toSummarize := filepath.Join(dir, "to_summarize.jsonl")
	requestFile := filepath.Join(dir, "summary_request.txt")
	cleanup := func() {
		os.Remove(toSummarize)
		os.Remove(requestFile)
	}

	f, err := os.Create(toSummarize)
	if err != nil {
		return "", cleanup, fmt.Errorf("failed to create scratch file: %w", err)
	}
	for _, m := range prefix {
		line, err := json.Marshal(m)
		if err != nil {
			f.Close()
			return "", cleanup, fmt.Errorf("failed to marshal message: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return "", cleanup, fmt.Errorf("failed to write scratch file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return "", cleanup, fmt.Errorf("failed to close scratch file: %w", err)
	}

	body, err := os.ReadFile(toSummarize)
	if err != nil {
		return "", cleanup, fmt.Errorf("failed to read scratch file: %w", err)
	}
	request := c.cfg.SummaryPrompt + "\n\n" + string(body)
	if err := os.WriteFile(requestFile, []byte(request), 0o644); err != nil {
		return "", cleanup, fmt.Errorf("failed to write request file: %w", err)
	}
	return request, cleanup, nil
}
