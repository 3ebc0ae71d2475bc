package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/models"
)

// GitHubAPI implements the tracker API over the GitHub REST v3 API. The
// issues endpoints cover PR comments and labels too; only branch lookup
// needs the pulls endpoint.
type GitHubAPI struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewGitHubAPI creates a GitHub client. An empty api_base_url means
// github.com.
func NewGitHubAPI(cfg config.GitHubConfig, timeout time.Duration) *GitHubAPI {
	base := cfg.APIBaseURL
	if base == "" {
		base = "https://api.github.com"
	}
	return &GitHubAPI{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(base, "/"),
		token:      cfg.Token,
	}
}

type githubIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Assignees []struct {
		Login string `json:"login"`
	} `json:"assignees"`
	PullRequest   *struct{} `json:"pull_request,omitempty"`
	RepositoryURL string    `json:"repository_url"`
}

type githubComment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// GetItem fetches the issue or pull request.
func (g *GitHubAPI) GetItem(ctx context.Context, key models.TaskKey) (*Item, error) {
	var issue githubIssue
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", key.Owner, key.Repo, key.Number)
	if err := g.do(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return nil, err
	}

	item := &Item{
		Title: issue.Title,
		Body:  issue.Body,
		State: issue.State,
	}
	for _, l := range issue.Labels {
		item.Labels = append(item.Labels, l.Name)
	}
	for _, a := range issue.Assignees {
		item.Assignees = append(item.Assignees, a.Login)
	}

	if key.Type == models.TaskTypePullRequest {
		var pr struct {
			Head struct {
				Ref string `json:"ref"`
			} `json:"head"`
		}
		prPath := fmt.Sprintf("/repos/%s/%s/pulls/%d", key.Owner, key.Repo, key.Number)
		if err := g.do(ctx, http.MethodGet, prPath, nil, &pr); err != nil {
			return nil, err
		}
		item.SourceBranch = pr.Head.Ref
	}
	item.CloneURL = fmt.Sprintf("https://github.com/%s/%s.git", key.Owner, key.Repo)
	return item, nil
}

// ListTriggered searches all open issues and PRs accessible to the token
// carrying the trigger label.
func (g *GitHubAPI) ListTriggered(ctx context.Context, label string) ([]models.TaskKey, error) {
	q := fmt.Sprintf(`label:"%s" is:open`, label)
	path := "/search/issues?per_page=100&q=" + url.QueryEscape(q)

	var result struct {
		Items []githubIssue `json:"items"`
	}
	if err := g.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}

	var keys []models.TaskKey
	for _, issue := range result.Items {
		owner, repo, err := splitRepositoryURL(issue.RepositoryURL)
		if err != nil {
			continue
		}
		taskType := models.TaskTypeIssue
		if issue.PullRequest != nil {
			taskType = models.TaskTypePullRequest
		}
		keys = append(keys, models.TaskKey{
			Source: models.TaskSourceGitHub,
			Type:   taskType,
			Owner:  owner,
			Repo:   repo,
			Number: issue.Number,
		})
	}
	return keys, nil
}

// AddLabel attaches a label to the item.
func (g *GitHubAPI) AddLabel(ctx context.Context, key models.TaskKey, label string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", key.Owner, key.Repo, key.Number)
	return g.do(ctx, http.MethodPost, path, map[string]any{"labels": []string{label}}, nil)
}

// RemoveLabel detaches a label. Removing an absent label is a no-op.
func (g *GitHubAPI) RemoveLabel(ctx context.Context, key models.TaskKey, label string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels/%s",
		key.Owner, key.Repo, key.Number, url.PathEscape(label))
	err := g.do(ctx, http.MethodDelete, path, nil, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

// CreateComment appends a comment and returns its id.
func (g *GitHubAPI) CreateComment(ctx context.Context, key models.TaskKey, body string) (int64, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", key.Owner, key.Repo, key.Number)
	var created githubComment
	if err := g.do(ctx, http.MethodPost, path, map[string]any{"body": body}, &created); err != nil {
		return 0, err
	}
	return created.ID, nil
}

// UpdateComment replaces a comment's body.
func (g *GitHubAPI) UpdateComment(ctx context.Context, key models.TaskKey, id int64, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d", key.Owner, key.Repo, id)
	return g.do(ctx, http.MethodPatch, path, map[string]any{"body": body}, nil)
}

// ListComments fetches all comments on the item.
func (g *GitHubAPI) ListComments(ctx context.Context, key models.TaskKey) ([]Comment, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments?per_page=100", key.Owner, key.Repo, key.Number)
	var raw []githubComment
	if err := g.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Comment, 0, len(raw))
	for _, c := range raw {
		out = append(out, Comment{
			ID:        c.ID,
			Author:    c.User.Login,
			Body:      c.Body,
			CreatedAt: c.CreatedAt,
		})
	}
	return out, nil
}

// ListAssignees returns the current assignee logins.
func (g *GitHubAPI) ListAssignees(ctx context.Context, key models.TaskKey) ([]string, error) {
	item, err := g.GetItem(ctx, key)
	if err != nil {
		return nil, err
	}
	return item.Assignees, nil
}

// do issues one request with up to 3 attempts on transient failures.
func (g *GitHubAPI) do(ctx context.Context, method, path string, payload, out any) error {
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
		req.Header.Set("Accept", "application/vnd.github.v3+json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if g.token != "" {
			req.Header.Set("Authorization", "Bearer "+g.token)
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
			lastErr = fmt.Errorf("GitHub returned HTTP %d for %s", resp.StatusCode, path)
			continue
		}
		if resp.StatusCode >= 400 {
			return &httpError{status: resp.StatusCode, message: fmt.Sprintf(
				"GitHub returned HTTP %d for %s: %s", resp.StatusCode, path, truncate(string(respBody), 200))}
		}
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("failed to decode GitHub response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("GitHub request failed after retries: %w", lastErr)
}

type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string { return e.message }

func isNotFound(err error) bool {
	var he *httpError
	return errors.As(err, &he) && he.status == http.StatusNotFound
}

func splitRepositoryURL(repoURL string) (owner, repo string, err error) {
	parts := strings.Split(strings.TrimRight(repoURL, "/"), "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("unparseable repository URL %q", repoURL)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
