package api_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/github-issue-mirror/internal/api"
	"github.com/wesm/github-issue-mirror/internal/api/apitest"
)

func drain(t *testing.T, pager *api.IssuePager) []*github.Issue {
	t.Helper()
	var all []*github.Issue
	for pager.More() {
		issues, err := pager.Next(context.Background())
		require.NoError(t, err)
		all = append(all, issues...)
	}
	return all
}

func TestIssuePagerStopsOnShortPage(t *testing.T) {
	server := apitest.NewMockServer()
	defer server.Close()

	for i := 1; i <= 5; i++ {
		server.AddIssue(apitest.MockIssue(i, "issue", "open"))
	}

	client := server.Client("token")
	client.SetPageSize(2)

	issues := drain(t, client.ListIssues("octo", "repo", ""))
	assert.Len(t, issues, 5)
	assert.Equal(t, []int{1, 2, 3}, server.ListCalls())
}

func TestIssuePagerStopsOnEmptyPage(t *testing.T) {
	server := apitest.NewMockServer()
	defer server.Close()

	for i := 1; i <= 4; i++ {
		server.AddIssue(apitest.MockIssue(i, "issue", "open"))
	}

	client := server.Client("token")
	client.SetPageSize(2)

	issues := drain(t, client.ListIssues("octo", "repo", "all"))
	assert.Len(t, issues, 4)
	// a full last page needs one more request to see the empty page
	assert.Equal(t, []int{1, 2, 3}, server.ListCalls())
}

func TestIssuePagerDropsPullRequests(t *testing.T) {
	server := apitest.NewMockServer()
	defer server.Close()

	server.AddIssue(apitest.MockIssue(1, "bug", "open"))
	server.AddPullRequest(2, "fix bug")
	server.AddIssue(apitest.MockIssue(3, "feature", "closed"))
	server.AddPullRequest(4, "add feature")

	client := server.Client("token")
	client.SetPageSize(3)

	issues := drain(t, client.ListIssues("octo", "repo", ""))
	require.Len(t, issues, 2)
	for _, issue := range issues {
		assert.False(t, issue.IsPullRequest())
	}
	assert.Equal(t, 3, issues[0].GetNumber())
	assert.Equal(t, 1, issues[1].GetNumber())

	// the first page held 3 raw items, so a second page was still requested
	assert.Equal(t, []int{1, 2}, server.ListCalls())
}

func TestIssuePagerUpstreamError(t *testing.T) {
	server := apitest.NewMockServer()
	defer server.Close()

	for i := 1; i <= 4; i++ {
		server.AddIssue(apitest.MockIssue(i, "issue", "open"))
	}
	server.FailPage(2, http.StatusBadGateway, `{"message":"upstream exploded"}`)

	client := server.Client("token")
	client.SetPageSize(2)
	pager := client.ListIssues("octo", "repo", "")

	first, err := pager.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, first, 2)

	_, err = pager.Next(context.Background())
	require.Error(t, err)

	var upstream *api.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusBadGateway, upstream.StatusCode)
	assert.Contains(t, upstream.Body, "upstream exploded")
	assert.Contains(t, err.Error(), "GitHub API error: 502")

	assert.True(t, pager.More())
	assert.Equal(t, 2, pager.Page())
}

func TestIssuePagerSeek(t *testing.T) {
	server := apitest.NewMockServer()
	defer server.Close()

	for i := 1; i <= 3; i++ {
		server.AddIssue(apitest.MockIssue(i, "issue", "open"))
	}

	client := server.Client("token")
	client.SetPageSize(1)
	pager := client.ListIssues("octo", "repo", "")
	pager.Seek(3)

	issues := drain(t, pager)
	require.Len(t, issues, 1)
	assert.Equal(t, 1, issues[0].GetNumber())
}

func TestSetPageSizeClamps(t *testing.T) {
	client := api.NewGitHubClient("")

	client.SetPageSize(0)
	assert.Equal(t, 1, client.PageSize())

	client.SetPageSize(500)
	assert.Equal(t, api.DefaultPageSize, client.PageSize())
}

func TestEditIssue(t *testing.T) {
	server := apitest.NewMockServer()
	defer server.Close()
	server.AddIssue(apitest.MockIssue(7, "old title", "open"))

	client := server.Client("token")
	updated, err := client.EditIssue(context.Background(), "octo", "repo", 7, &github.IssueRequest{
		Title: github.String("new title"),
		State: github.String("closed"),
	})
	require.NoError(t, err)
	assert.Equal(t, "new title", updated.GetTitle())
	assert.Equal(t, "closed", updated.GetState())
	assert.NotNil(t, updated.ClosedAt)

	_, err = client.EditIssue(context.Background(), "octo", "repo", 99, &github.IssueRequest{Title: github.String("x")})
	var upstream *api.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusNotFound, upstream.StatusCode)
}

func TestConvertGitHubIssue(t *testing.T) {
	t.Run("closed issue gets rounded hours to close", func(t *testing.T) {
		issue := apitest.MockIssue(1, "closed one", "closed")
		issue.ClosedAt = &github.Timestamp{Time: time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)}
		issue.Labels = []*github.Label{
			{Name: github.String("bug"), Color: github.String("d73a4a")},
			{Name: github.String("p1"), Color: github.String("000000")},
		}
		issue.Assignee = &github.User{Login: github.String("alice")}
		issue.Assignees = []*github.User{{Login: github.String("alice")}, {Login: github.String("bob")}}
		issue.Milestone = &github.Milestone{Title: github.String("v1.0")}

		got := api.ConvertGitHubIssue(issue, "octo/repo")
		require.NotNil(t, got.TimeToClose)
		assert.Equal(t, 60, *got.TimeToClose)
		assert.Equal(t, "octo/repo", got.Repository)
		assert.Equal(t, "alice", *got.Assignee)
		assert.Equal(t, "v1.0", *got.Milestone)
		assert.Equal(t, []string{"alice", "bob"}, got.Assignees)
		require.Len(t, got.Labels, 2)
		assert.Equal(t, "bug", got.Labels[0].Name)
		assert.Equal(t, "d73a4a", got.Labels[0].Color)
	})

	t.Run("rounds to nearest hour", func(t *testing.T) {
		issue := apitest.MockIssue(2, "quick", "closed")
		issue.ClosedAt = &github.Timestamp{Time: time.Date(2024, 1, 1, 1, 30, 0, 0, time.UTC)}

		got := api.ConvertGitHubIssue(issue, "octo/repo")
		require.NotNil(t, got.TimeToClose)
		assert.Equal(t, 2, *got.TimeToClose)
	})

	t.Run("open issue has no time to close", func(t *testing.T) {
		issue := apitest.MockIssue(3, "reopened", "open")
		issue.ClosedAt = &github.Timestamp{Time: time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)}

		got := api.ConvertGitHubIssue(issue, "octo/repo")
		assert.Nil(t, got.TimeToClose)
		assert.NotNil(t, got.ClosedAt)
	})

	t.Run("closed without timestamp has no time to close", func(t *testing.T) {
		issue := apitest.MockIssue(4, "odd", "closed")
		issue.ClosedAt = nil

		got := api.ConvertGitHubIssue(issue, "octo/repo")
		assert.Nil(t, got.TimeToClose)
		assert.Nil(t, got.ClosedAt)
		assert.Nil(t, got.Assignee)
		assert.Empty(t, got.Labels)
		assert.NotNil(t, got.Labels)
	})
}
