package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/models"
)

// GitLabAPI implements the tracker API over the GitLab REST v4 API.
// Issues and merge requests share the same note and label mechanics, so
// one itemPath helper covers both.
type GitLabAPI struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewGitLabAPI creates a GitLab client. An empty base_url means
// gitlab.com.
func NewGitLabAPI(cfg config.GitLabConfig, timeout time.Duration) *GitLabAPI {
	base := cfg.BaseURL
	if base == "" {
		base = "https://gitlab.com/api/v4"
	}
	return &GitLabAPI{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    base,
		token:      cfg.Token,
	}
}

type gitlabItem struct {
	IID    int      `json:"iid"`
	Title  string   `json:"title"`
	Body   string   `json:"description"`
	State  string   `json:"state"`
	Labels []string `json:"labels"`
	Assignees []struct {
		Username string `json:"username"`
	} `json:"assignees"`
	SourceBranch string `json:"source_branch"`
	ProjectID    int64  `json:"project_id"`
	WebURL       string `json:"web_url"`
}

type gitlabNote struct {
	ID     int64  `json:"id"`
	Body   string `json:"body"`
	Author struct {
		Username string `json:"username"`
	} `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

func itemPath(key models.TaskKey) string {
	kind := "issues"
	if key.Type == models.TaskTypeMergeRequest {
		kind = "merge_requests"
	}
	return fmt.Sprintf("/projects/%d/%s/%d", key.ProjectID, kind, key.Number)
}

// GetItem fetches the issue or merge request.
func (g *GitLabAPI) GetItem(ctx context.Context, key models.TaskKey) (*Item, error) {
	var raw gitlabItem
	if err := g.do(ctx, http.MethodGet, itemPath(key), nil, &raw); err != nil {
		return nil, err
	}
	item := &Item{
		Title:        raw.Title,
		Body:         raw.Body,
		State:        raw.State,
		Labels:       raw.Labels,
		SourceBranch: raw.SourceBranch,
	}
	for _, a := range raw.Assignees {
		item.Assignees = append(item.Assignees, a.Username)
	}

	var project struct {
		HTTPURLToRepo string `json:"http_url_to_repo"`
	}
	if err := g.do(ctx, http.MethodGet, fmt.Sprintf("/projects/%d", key.ProjectID), nil, &project); err == nil {
		item.CloneURL = project.HTTPURLToRepo
	}
	return item, nil
}

// ListTriggered lists open issues and merge requests carrying the trigger
// label across every project the token can see.
func (g *GitLabAPI) ListTriggered(ctx context.Context, label string) ([]models.TaskKey, error) {
	var keys []models.TaskKey

	for _, kind := range []struct {
		path     string
		taskType models.TaskType
	}{
		{"/issues", models.TaskTypeIssue},
		{"/merge_requests", models.TaskTypeMergeRequest},
	} {
		path := fmt.Sprintf("%s?labels=%s&state=opened&scope=all&per_page=100", kind.path, url.QueryEscape(label))
		var items []gitlabItem
		if err := g.do(ctx, http.MethodGet, path, nil, &items); err != nil {
			return nil, err
		}
		for _, it := range items {
			keys = append(keys, models.TaskKey{
				Source:    models.TaskSourceGitLab,
				Type:      kind.taskType,
				ProjectID: it.ProjectID,
				Number:    it.IID,
			})
		}
	}
	return keys, nil
}

// AddLabel attaches a label via the item update endpoint.
func (g *GitLabAPI) AddLabel(ctx context.Context, key models.TaskKey, label string) error {
	return g.do(ctx, http.MethodPut, itemPath(key), map[string]any{"add_labels": label}, nil)
}

// RemoveLabel detaches a label.
func (g *GitLabAPI) RemoveLabel(ctx context.Context, key models.TaskKey, label string) error {
	return g.do(ctx, http.MethodPut, itemPath(key), map[string]any{"remove_labels": label}, nil)
}

// CreateComment appends a note and returns its id.
func (g *GitLabAPI) CreateComment(ctx context.Context, key models.TaskKey, body string) (int64, error) {
	var created gitlabNote
	if err := g.do(ctx, http.MethodPost, itemPath(key)+"/notes", map[string]any{"body": body}, &created); err != nil {
		return 0, err
	}
	return created.ID, nil
}

// UpdateComment replaces a note's body.
func (g *GitLabAPI) UpdateComment(ctx context.Context, key models.TaskKey, id int64, body string) error {
	path := fmt.Sprintf("%s/notes/%d", itemPath(key), id)
	return g.do(ctx, http.MethodPut, path, map[string]any{"body": body}, nil)
}

// ListComments fetches all notes on the item.
func (g *GitLabAPI) ListComments(ctx context.Context, key models.TaskKey) ([]Comment, error) {
	var raw []gitlabNote
	if err := g.do(ctx, http.MethodGet, itemPath(key)+"/notes?per_page=100&sort=asc", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Comment, 0, len(raw))
	for _, n := range raw {
		out = append(out, Comment{
			ID:        n.ID,
			Author:    n.Author.Username,
			Body:      n.Body,
			CreatedAt: n.CreatedAt,
		})
	}
	return out, nil
}

// ListAssignees returns the current assignee usernames.
func (g *GitLabAPI) ListAssignees(ctx context.Context, key models.TaskKey) ([]string, error) {
	item, err := g.GetItem(ctx, key)
	if err != nil {
		return nil, err
	}
	return item.Assignees, nil
}

// do issues one request with up to 3 attempts on transient failures.
func (g *GitLabAPI) do(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if g.token != "" {
			req.Header.Set("PRIVATE-TOKEN", g.token)
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("GitLab returned HTTP %d for %s", resp.StatusCode, path)
			continue
		}
		if resp.StatusCode >= 400 {
			return &httpError{status: resp.StatusCode, message: fmt.Sprintf(
				"GitLab returned HTTP %d for %s: %s", resp.StatusCode, path, truncate(string(respBody), 200))}
		}
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to decode GitLab response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("GitLab request failed after retries: %w", lastErr)
}
