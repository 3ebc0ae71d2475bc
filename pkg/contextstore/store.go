// Package contextstore persists per-task LLM context as append-only JSONL
// files. Each task owns one directory; the files inside are the durable
// record of every message, tool call, summary, and planning artifact.
package contextstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codeready-toolchain/codebot/pkg/models"
)

const (
	metadataFile     = "metadata.json"
	messagesFile     = "messages.jsonl"
	currentFile      = "current.jsonl"
	summariesFile    = "summaries.jsonl"
	toolsFile        = "tools.jsonl"
	planningDir      = "planning"
	finalSummaryFile = "final_summary.txt"
)

// Store is the single-writer context store for one task directory.
// messages.jsonl is the full audit log; current.jsonl is the projection
// actually fed to the LLM and the only file rewritten (by compression).
type Store struct {
	dir string

	mu      sync.Mutex
	seq     int
	lastEnd int // highest seq covered by a summary
}

// Open initializes the store over dir, creating the directory tree on
// first use. The next seq and the compression watermark are recovered by
// scanning the existing JSONL files, so reopening after a pause or crash
// resumes the dense seq numbering.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, planningDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create context dir %s: %w", dir, err)
	}
	s := &Store{dir: dir}

	if err := forEachLine(filepath.Join(dir, messagesFile), func(line []byte) error {
		var rec models.MessageRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("corrupt messages.jsonl line: %w", err)
		}
		if rec.Seq > s.seq {
			s.seq = rec.Seq
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := forEachLine(filepath.Join(dir, summariesFile), func(line []byte) error {
		var rec models.SummaryRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("corrupt summaries.jsonl line: %w", err)
		}
		if rec.EndSeq > s.lastEnd {
			s.lastEnd = rec.EndSeq
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return s, nil
}

// Dir returns the task directory the store writes to.
func (s *Store) Dir() string { return s.dir }

// WriteMetadata writes metadata.json once at context creation.
func (s *Store) WriteMetadata(md models.Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, metadataFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads metadata.json.
func (s *Store) ReadMetadata() (*models.Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, metadataFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var md models.Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &md, nil
}

// AppendMessage writes a plain message to messages.jsonl with seq,
// timestamp and token estimate, and its chat projection to current.jsonl.
// Both writes are flushed before return.
func (s *Store) AppendMessage(role, content, toolName string) (models.MessageRecord, error) {
	return s.AppendChat(models.ChatMessage{Role: role, Content: content, ToolName: toolName})
}

// AppendChat writes a message carrying full tool-call linkage (assistant
// tool_calls, tool_call_id on the reply) so a replayed transcript keeps
// the provider's wire contract intact.
func (s *Store) AppendChat(msg models.ChatMessage) (models.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := models.MessageRecord{
		Seq:        s.seq + 1,
		Role:       msg.Role,
		Content:    msg.Content,
		Timestamp:  time.Now().UTC(),
		Tokens:     EstimateTokens(msg.Content),
		ToolName:   msg.ToolName,
		ToolCallID: msg.ToolCallID,
		ToolCalls:  msg.ToolCalls,
	}

	if err := appendJSONL(filepath.Join(s.dir, messagesFile), rec); err != nil {
		return models.MessageRecord{}, err
	}
	if err := appendJSONL(filepath.Join(s.dir, currentFile), rec.Chat()); err != nil {
		return models.MessageRecord{}, err
	}
	s.seq = rec.Seq
	return rec, nil
}

// AppendTool records a tool invocation in tools.jsonl, stamped with the
// current message seq for correlation.
func (s *Store) AppendTool(rec models.ToolRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Seq == 0 {
		rec.Seq = s.seq
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return appendJSONL(filepath.Join(s.dir, toolsFile), rec)
}

// AppendPlanning records a planning artifact in planning/{uuid}.jsonl.
func (s *Store) AppendPlanning(taskUUID string, rec models.PlanningRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return appendJSONL(filepath.Join(s.dir, planningDir, taskUUID+".jsonl"), rec)
}

// ForEachCurrent streams current.jsonl one message at a time. This is how
// LLM requests are built; the whole transcript is never held in memory.
func (s *Store) ForEachCurrent(fn func(models.ChatMessage) error) error {
	return forEachLine(filepath.Join(s.dir, currentFile), func(line []byte) error {
		var msg models.ChatMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("corrupt current.jsonl line: %w", err)
		}
		return fn(msg)
	})
}

// CurrentMessages materializes current.jsonl. Reserved for callers that
// genuinely need the slice, such as tests and the compressor.
func (s *Store) CurrentMessages() ([]models.ChatMessage, error) {
	var out []models.ChatMessage
	err := s.ForEachCurrent(func(m models.ChatMessage) error {
		out = append(out, m)
		return nil
	})
	return out, err
}

// CurrentTokens streams current.jsonl and sums the token estimates.
func (s *Store) CurrentTokens() (int, error) {
	total := 0
	err := s.ForEachCurrent(func(m models.ChatMessage) error {
		total += EstimateTokens(m.Content)
		return nil
	})
	return total, err
}

// ReplaceCurrent atomically rewrites current.jsonl with the given
// messages via a sibling temp file and rename. current.jsonl is never
// observable in a partial state.
func (s *Store) ReplaceCurrent(msgs []models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := filepath.Join(s.dir, currentFile)
	tmp, err := os.CreateTemp(s.dir, currentFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	w := bufio.NewWriter(tmp)
	for _, m := range msgs {
		line, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to write temp file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to replace current.jsonl: %w", err)
	}
	return nil
}

// AppendSummary records a compression in summaries.jsonl and advances the
// compression watermark.
func (s *Store) AppendSummary(rec models.SummaryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := appendJSONL(filepath.Join(s.dir, summariesFile), rec); err != nil {
		return err
	}
	if rec.EndSeq > s.lastEnd {
		s.lastEnd = rec.EndSeq
	}
	return nil
}

// Seq returns the last assigned message seq.
func (s *Store) Seq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// LastSummarizedSeq returns the highest seq covered by a summary record.
func (s *Store) LastSummarizedSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEnd
}

// WriteFinalSummary persists final_summary.txt for future inheritance.
func (s *Store) WriteFinalSummary(summary string) error {
	if err := os.WriteFile(filepath.Join(s.dir, finalSummaryFile), []byte(summary), 0o644); err != nil {
		return fmt.Errorf("failed to write final summary: %w", err)
	}
	return nil
}

// ReadFinalSummary loads final_summary.txt from dir without opening a
// full store, as the inheritance resolver reads completed contexts.
func ReadFinalSummary(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, finalSummaryFile))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// MessagesPath exposes the audit log path for the final summarizer's
// file-level concatenation.
func (s *Store) MessagesPath() string {
	return filepath.Join(s.dir, messagesFile)
}

// appendJSONL appends one JSON line and fsyncs before returning.
func appendJSONL(path string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return nil
}

// forEachLine streams a JSONL file line by line. A missing file is an
// empty file.
func forEachLine(path string, fn func([]byte) error) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}
