package api

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/wesm/github-issue-mirror/internal/models"
	"golang.org/x/oauth2"
)

// DefaultPageSize is the number of items requested per issues page
const DefaultPageSize = 100

// UpstreamError is a non-success response from the GitHub API
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("GitHub API error: %d %s", e.StatusCode, e.Body)
}

// GitHubClient represents a client for the GitHub API
type GitHubClient struct {
	client   *github.Client
	pageSize int
}

// NewGitHubClient creates a new GitHub API client authenticated with token
func NewGitHubClient(token string) *GitHubClient {
	var tc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		tc = oauth2.NewClient(context.Background(), ts)
	}

	return &GitHubClient{client: github.NewClient(tc), pageSize: DefaultPageSize}
}

// NewGitHubClientWithBaseURL creates a client for a GitHub Enterprise or test server.
// An empty baseURL keeps the public API.
func NewGitHubClientWithBaseURL(token, baseURL string) (*GitHubClient, error) {
	c := NewGitHubClient(token)
	if baseURL == "" {
		return c, nil
	}

	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub API URL %q: %w", baseURL, err)
	}
	c.client.BaseURL = u
	return c, nil
}

// SetPageSize sets the number of issues requested per page, clamped to 1..100
func (c *GitHubClient) SetPageSize(n int) {
	c.pageSize = min(max(n, 1), DefaultPageSize)
}

// PageSize returns the configured page size
func (c *GitHubClient) PageSize() int {
	return c.pageSize
}

// ListIssues returns a pager over the repository's issues in the given state ("all" when empty)
func (c *GitHubClient) ListIssues(owner, name, state string) *IssuePager {
	if state == "" {
		state = "all"
	}
	return &IssuePager{
		client:  c.client,
		owner:   owner,
		name:    name,
		state:   state,
		perPage: c.pageSize,
		page:    1,
	}
}

// IssuePager lazily walks the issues listing one page at a time.
//
// A page shorter than the page size, or an empty page, is the last one. Pull requests
// are dropped from every page, but the page length used for termination counts them.
type IssuePager struct {
	client  *github.Client
	owner   string
	name    string
	state   string
	perPage int
	page    int
	done    bool
}

// More reports whether another page may be fetched
func (p *IssuePager) More() bool {
	return !p.done
}

// Page returns the number of the next page Next will fetch
func (p *IssuePager) Page() int {
	return p.page
}

// Seek restarts the pager at the given page
func (p *IssuePager) Seek(page int) {
	p.page = max(page, 1)
	p.done = false
}

// Next fetches the current page and returns its issues, pull requests removed.
// A failed fetch leaves the pager on the same page.
func (p *IssuePager) Next(ctx context.Context) ([]*github.Issue, error) {
	if p.done {
		return nil, nil
	}

	opts := &github.IssueListByRepoOptions{
		State: p.state,
		ListOptions: github.ListOptions{
			PerPage: p.perPage,
			Page:    p.page,
		},
	}
	items, resp, err := p.client.Issues.ListByRepo(ctx, p.owner, p.name, opts)
	if err != nil {
		return nil, upstreamError(resp, err, "list issues")
	}

	if len(items) < p.perPage {
		p.done = true
	}
	p.page++

	issues := make([]*github.Issue, 0, len(items))
	for _, item := range items {
		if item.IsPullRequest() {
			continue
		}
		issues = append(issues, item)
	}
	return issues, nil
}

// EditIssue applies req to an issue and returns the updated snapshot
func (c *GitHubClient) EditIssue(ctx context.Context, owner, name string, number int, req *github.IssueRequest) (*github.Issue, error) {
	issue, resp, err := c.client.Issues.Edit(ctx, owner, name, number, req)
	if err != nil {
		return nil, upstreamError(resp, err, "edit issue")
	}
	return issue, nil
}

// CurrentUser returns the login the client's token authenticates as
func (c *GitHubClient) CurrentUser(ctx context.Context) (string, error) {
	user, resp, err := c.client.Users.Get(ctx, "")
	if err != nil {
		return "", upstreamError(resp, err, "get authenticated user")
	}
	return user.GetLogin(), nil
}

// upstreamError turns a failed call into an UpstreamError when GitHub answered with a
// non-success status. go-github leaves the error body readable on the response.
func upstreamError(resp *github.Response, err error, op string) error {
	if resp == nil || resp.Response == nil || resp.StatusCode < 300 {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	body := ""
	if resp.Body != nil {
		if data, readErr := io.ReadAll(resp.Body); readErr == nil {
			body = strings.TrimSpace(string(data))
		}
	}
	return &UpstreamError{StatusCode: resp.StatusCode, Body: body}
}

// ConvertGitHubIssue converts a GitHub issue snapshot to the mirrored model.
// TimeToClose is set only for closed issues with a close timestamp.
func ConvertGitHubIssue(issue *github.Issue, repository string) *models.Issue {
	out := &models.Issue{
		ID:         issue.GetID(),
		Repository: repository,
		Number:     issue.GetNumber(),
		Title:      issue.GetTitle(),
		Body:       issue.GetBody(),
		State:      issue.GetState(),
		CreatedAt:  issue.GetCreatedAt().Time.UTC(),
		UpdatedAt:  issue.GetUpdatedAt().Time.UTC(),
		HTMLURL:    issue.GetHTMLURL(),
		Labels:     make([]models.Label, 0, len(issue.Labels)),
		Assignees:  make([]string, 0, len(issue.Assignees)),
	}

	if issue.ClosedAt != nil {
		closedAt := issue.ClosedAt.Time.UTC()
		out.ClosedAt = &closedAt
	}
	if issue.Assignee != nil {
		login := issue.Assignee.GetLogin()
		out.Assignee = &login
	}
	if issue.Milestone != nil {
		title := issue.Milestone.GetTitle()
		out.Milestone = &title
	}

	if out.State == models.StateClosed && out.ClosedAt != nil {
		hours := int(math.Round(out.ClosedAt.Sub(out.CreatedAt).Hours()))
		out.TimeToClose = &hours
	}

	for _, label := range issue.Labels {
		out.Labels = append(out.Labels, models.Label{
			Name:  label.GetName(),
			Color: label.GetColor(),
		})
	}
	for _, user := range issue.Assignees {
		out.Assignees = append(out.Assignees, user.GetLogin())
	}

	return out
}
