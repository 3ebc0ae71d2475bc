package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/models"
)

func newGitHubAPI(t *testing.T, handler http.Handler) *GitHubAPI {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewGitHubAPI(config.GitHubConfig{
		APIBaseURL: server.URL,
		Token:      "gh-token",
	}, 5*time.Second)
}

func TestGitHubGetItem(t *testing.T) {
	api := newGitHubAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gh-token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/repos/octo/demo/issues/42":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"number": 42,
				"title":  "Fix login",
				"body":   "details",
				"state":  "open",
				"labels": []map[string]any{{"name": "coding agent"}},
				"assignees": []map[string]any{{"login": "codebot"}},
			})
		default:
			http.NotFound(w, r)
		}
	}))

	item, err := api.GetItem(context.Background(), testKey())
	require.NoError(t, err)
	assert.Equal(t, "Fix login", item.Title)
	assert.Equal(t, []string{"coding agent"}, item.Labels)
	assert.Equal(t, []string{"codebot"}, item.Assignees)
	assert.Equal(t, "https://github.com/octo/demo.git", item.CloneURL)
}

func TestGitHubPullRequestBranch(t *testing.T) {
	api := newGitHubAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/octo/demo/issues/5":
			_ = json.NewEncoder(w).Encode(map[string]any{"number": 5, "title": "PR", "state": "open"})
		case "/repos/octo/demo/pulls/5":
			_ = json.NewEncoder(w).Encode(map[string]any{"head": map[string]any{"ref": "feature/login"}})
		default:
			http.NotFound(w, r)
		}
	}))

	key := models.TaskKey{
		Source: models.TaskSourceGitHub,
		Type:   models.TaskTypePullRequest,
		Owner:  "octo", Repo: "demo", Number: 5,
	}
	item, err := api.GetItem(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "feature/login", item.SourceBranch)
}

func TestGitHubListTriggered(t *testing.T) {
	api := newGitHubAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/search/issues", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("q"), `label:"coding agent"`)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"number": 1, "repository_url": "https://api.github.com/repos/octo/demo"},
				{"number": 2, "repository_url": "https://api.github.com/repos/octo/demo", "pull_request": map[string]any{}},
			},
		})
	}))

	keys, err := api.ListTriggered(context.Background(), "coding agent")
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, models.TaskTypeIssue, keys[0].Type)
	assert.Equal(t, 1, keys[0].Number)
	assert.Equal(t, models.TaskTypePullRequest, keys[1].Type)
	assert.Equal(t, "octo", keys[1].Owner)
	assert.Equal(t, "demo", keys[1].Repo)
}

func TestGitHubRemoveLabelToleratesMissing(t *testing.T) {
	api := newGitHubAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	assert.NoError(t, api.RemoveLabel(context.Background(), testKey(), "coding agent"))
}

func TestGitHubCommentsRoundTrip(t *testing.T) {
	var updated atomic.Bool
	api := newGitHubAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/repos/octo/demo/issues/42/comments":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": 101})
		case r.Method == http.MethodPatch && r.URL.Path == "/repos/octo/demo/issues/comments/101":
			updated.Store(true)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/repos/octo/demo/issues/42/comments":
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{"id": 101, "body": "hello", "user": map[string]any{"login": "codebot"}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	ctx := context.Background()

	id, err := api.CreateComment(ctx, testKey(), "hello")
	require.NoError(t, err)
	assert.EqualValues(t, 101, id)

	require.NoError(t, api.UpdateComment(ctx, testKey(), id, "hello again"))
	assert.True(t, updated.Load())

	comments, err := api.ListComments(ctx, testKey())
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "codebot", comments[0].Author)
}

func TestGitHubRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	api := newGitHubAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"number": 42, "title": "ok", "state": "open"})
	}))

	_, err := api.GetItem(context.Background(), testKey())
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestGitHubClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	api := newGitHubAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad creds", http.StatusUnauthorized)
	}))

	_, err := api.GetItem(context.Background(), testKey())
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}
