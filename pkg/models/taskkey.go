// Package models defines the shared domain types: task identity, index
// records, plan schemas, and the on-disk JSONL record shapes.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// TaskSource identifies the issue-tracking platform a task originates from.
type TaskSource string

// Supported task sources.
const (
	TaskSourceGitHub TaskSource = "github"
	TaskSourceGitLab TaskSource = "gitlab"
)

// TaskType identifies the kind of tracker work item.
type TaskType string

// Supported task types.
const (
	TaskTypeIssue        TaskType = "issue"
	TaskTypePullRequest  TaskType = "pull_request"
	TaskTypeMergeRequest TaskType = "merge_request"
)

// TaskKey is the platform-normalized identity of a tracker work item.
// GitHub keys carry owner/repo/number; GitLab keys carry project_id/iid
// (stored in Number). Equality is equality of the canonical string form.
type TaskKey struct {
	Source    TaskSource `json:"source"`
	Type      TaskType   `json:"type"`
	Owner     string     `json:"owner,omitempty"`
	Repo      string     `json:"repo,omitempty"`
	ProjectID int64      `json:"project_id,omitempty"`
	Number    int        `json:"number"`
}

// Canonical returns the deterministic string form of the key:
//
//	github_issue:{owner}:{repo}:{number}
//	github_pull_request:{owner}:{repo}:{number}
//	gitlab_issue:{project_id}:{iid}
//	gitlab_merge_request:{project_id}:{iid}
func (k TaskKey) Canonical() string {
	switch k.Source {
	case TaskSourceGitHub:
		return fmt.Sprintf("%s_%s:%s:%s:%d", k.Source, k.Type, k.Owner, k.Repo, k.Number)
	case TaskSourceGitLab:
		return fmt.Sprintf("%s_%s:%d:%d", k.Source, k.Type, k.ProjectID, k.Number)
	default:
		return fmt.Sprintf("unknown_%s:%d", k.Type, k.Number)
	}
}

// KeyHash returns the hex SHA-256 of the canonical form. It is the stable
// cross-process identity used for context inheritance lookups.
func (k TaskKey) KeyHash() string {
	sum := sha256.Sum256([]byte(k.Canonical()))
	return hex.EncodeToString(sum[:])
}

// Equal reports whether two keys identify the same tracker item.
func (k TaskKey) Equal(other TaskKey) bool {
	return k.Canonical() == other.Canonical()
}

// Validate checks structural consistency of the key.
func (k TaskKey) Validate() error {
	switch k.Source {
	case TaskSourceGitHub:
		if k.Type != TaskTypeIssue && k.Type != TaskTypePullRequest {
			return fmt.Errorf("invalid github task type: %q", k.Type)
		}
		if k.Owner == "" || k.Repo == "" {
			return fmt.Errorf("github task key requires owner and repo")
		}
	case TaskSourceGitLab:
		if k.Type != TaskTypeIssue && k.Type != TaskTypeMergeRequest {
			return fmt.Errorf("invalid gitlab task type: %q", k.Type)
		}
		if k.ProjectID <= 0 {
			return fmt.Errorf("gitlab task key requires a positive project_id")
		}
	default:
		return fmt.Errorf("unknown task source: %q", k.Source)
	}
	if k.Number <= 0 {
		return fmt.Errorf("task number must be positive, got %d", k.Number)
	}
	return nil
}

// ParseTaskKey parses a canonical string form back into a TaskKey.
// It is the inverse of Canonical for valid keys.
func ParseTaskKey(s string) (TaskKey, error) {
	head, rest, ok := strings.Cut(s, ":")
	if !ok {
		return TaskKey{}, fmt.Errorf("malformed task key %q", s)
	}
	source, typ, ok := strings.Cut(head, "_")
	if !ok {
		return TaskKey{}, fmt.Errorf("malformed task key prefix %q", head)
	}

	key := TaskKey{Source: TaskSource(source), Type: TaskType(typ)}
	parts := strings.Split(rest, ":")

	switch key.Source {
	case TaskSourceGitHub:
		if len(parts) != 3 {
			return TaskKey{}, fmt.Errorf("github task key %q: want owner:repo:number", s)
		}
		n, err := strconv.Atoi(parts[2])
		if err != nil {
			return TaskKey{}, fmt.Errorf("github task key %q: bad number: %w", s, err)
		}
		key.Owner, key.Repo, key.Number = parts[0], parts[1], n
	case TaskSourceGitLab:
		if len(parts) != 2 {
			return TaskKey{}, fmt.Errorf("gitlab task key %q: want project_id:iid", s)
		}
		pid, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return TaskKey{}, fmt.Errorf("gitlab task key %q: bad project_id: %w", s, err)
		}
		iid, err := strconv.Atoi(parts[1])
		if err != nil {
			return TaskKey{}, fmt.Errorf("gitlab task key %q: bad iid: %w", s, err)
		}
		key.ProjectID, key.Number = pid, iid
	default:
		return TaskKey{}, fmt.Errorf("unknown task source in key %q", s)
	}

	if err := key.Validate(); err != nil {
		return TaskKey{}, err
	}
	return key, nil
}
