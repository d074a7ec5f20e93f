// Package apitest provides a fake GitHub API for tests of the mirror.
package apitest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/wesm/github-issue-mirror/internal/api"
)

// MockServer provides a fake GitHub issues API for testing
type MockServer struct {
	*httptest.Server
	mu        sync.RWMutex
	items     map[int]*github.Issue // number -> issue or pull request
	failPages map[int]mockFailure
	listCalls []int             // requested page numbers, in order
	users     map[string]string // token -> login
	userCalls int
}

type mockFailure struct {
	status int
	body   string
}

// NewMockServer creates a mock GitHub API server
func NewMockServer() *MockServer {
	m := &MockServer{
		items:     make(map[int]*github.Issue),
		failPages: make(map[int]mockFailure),
		users:     make(map[string]string),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /user", m.handleGetUser)
	mux.HandleFunc("/repos/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/repos/"), "/")
		if len(parts) < 3 || parts[2] != "issues" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}

		switch {
		case len(parts) == 3 && r.Method == http.MethodGet:
			m.handleListIssues(w, r)
		case len(parts) == 4 && r.Method == http.MethodPatch:
			number, err := strconv.Atoi(parts[3])
			if err != nil {
				http.Error(w, "invalid issue number", http.StatusBadRequest)
				return
			}
			m.handleEditIssue(w, r, number)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	})

	m.Server = httptest.NewServer(mux)
	return m
}

// Client returns a GitHubClient pointed at the mock server
func (m *MockServer) Client(token string) *api.GitHubClient {
	c, err := api.NewGitHubClientWithBaseURL(token, m.URL)
	if err != nil {
		panic(err)
	}
	return c
}

// AddIssue adds an issue to the mock server
func (m *MockServer) AddIssue(issue *github.Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[issue.GetNumber()] = issue
}

// AddPullRequest adds a pull request, which GitHub lists alongside issues
func (m *MockServer) AddPullRequest(number int, title string) {
	m.AddIssue(&github.Issue{
		ID:               github.Int64(int64(900000 + number)),
		Number:           github.Int(number),
		Title:            github.String(title),
		State:            github.String("open"),
		CreatedAt:        &github.Timestamp{Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		UpdatedAt:        &github.Timestamp{Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		PullRequestLinks: &github.PullRequestLinks{URL: github.String("https://api.github.com/pulls/" + strconv.Itoa(number))},
	})
}

// MockIssue builds an issue snapshot created on 2024-01-01 for tests.
// Closed issues are closed 60 hours after creation.
func MockIssue(number int, title, state string) *github.Issue {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	issue := &github.Issue{
		ID:        github.Int64(int64(1000 + number)),
		Number:    github.Int(number),
		Title:     github.String(title),
		Body:      github.String("body of " + title),
		State:     github.String(state),
		HTMLURL:   github.String("https://github.com/octo/repo/issues/" + strconv.Itoa(number)),
		CreatedAt: &github.Timestamp{Time: created},
		UpdatedAt: &github.Timestamp{Time: created.Add(time.Hour)},
	}
	if state == "closed" {
		closed := created.Add(60 * time.Hour)
		issue.ClosedAt = &github.Timestamp{Time: closed}
		issue.UpdatedAt = &github.Timestamp{Time: closed}
	}
	return issue
}

// GetIssue retrieves an issue (for test assertions)
func (m *MockServer) GetIssue(number int) *github.Issue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.items[number]
}

// FailPage makes list requests for page answer with status and body
func (m *MockServer) FailPage(page, status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPages[page] = mockFailure{status: status, body: body}
}

// ListCalls returns the page numbers requested so far
func (m *MockServer) ListCalls() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int(nil), m.listCalls...)
}

func (m *MockServer) handleListIssues(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 {
		perPage = 30
	}
	state := r.URL.Query().Get("state")

	m.mu.Lock()
	m.listCalls = append(m.listCalls, page)
	failure, failing := m.failPages[page]
	m.mu.Unlock()

	if failing {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(failure.status)
		w.Write([]byte(failure.body))
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]*github.Issue, 0, len(m.items))
	for _, item := range m.items {
		if state == "" || state == "all" || item.GetState() == state {
			items = append(items, item)
		}
	}

	// newest first, like GitHub's default ordering
	sort.Slice(items, func(i, j int) bool {
		return items[i].GetNumber() > items[j].GetNumber()
	})

	start := (page - 1) * perPage
	if start > len(items) {
		start = len(items)
	}
	end := min(start+perPage, len(items))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(items[start:end])
}

func (m *MockServer) handleEditIssue(w http.ResponseWriter, r *http.Request, number int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	issue, ok := m.items[number]
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Not Found"}`))
		return
	}

	var req github.IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC().Truncate(time.Second)
	if req.Title != nil {
		issue.Title = req.Title
	}
	if req.Body != nil {
		issue.Body = req.Body
	}
	if req.State != nil && *req.State != issue.GetState() {
		issue.State = req.State
		if *req.State == "closed" {
			issue.ClosedAt = &github.Timestamp{Time: now}
		} else {
			issue.ClosedAt = nil
		}
	}
	if req.Labels != nil {
		issue.Labels = nil
		for _, name := range *req.Labels {
			issue.Labels = append(issue.Labels, &github.Label{Name: github.String(name), Color: github.String("ededed")})
		}
	}
	if req.Assignees != nil {
		issue.Assignees = nil
		issue.Assignee = nil
		for _, login := range *req.Assignees {
			issue.Assignees = append(issue.Assignees, &github.User{Login: github.String(login)})
		}
		if len(issue.Assignees) > 0 {
			issue.Assignee = issue.Assignees[0]
		}
	}
	issue.UpdatedAt = &github.Timestamp{Time: now}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(issue)
}

// AddUser makes token authenticate as login on GET /user
func (m *MockServer) AddUser(token, login string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[token] = login
}

// UserCalls returns how many GET /user requests were served
func (m *MockServer) UserCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userCalls
}

func (m *MockServer) handleGetUser(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	m.mu.Lock()
	m.userCalls++
	login, ok := m.users[token]
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok || token == "" {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Bad credentials"}`))
		return
	}
	json.NewEncoder(w).Encode(&github.User{Login: github.String(login)})
}
