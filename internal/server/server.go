// Package server exposes the mirror over HTTP: webhook ingestion, sync
// triggers, issue reads and edits, and the metrics report.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/wesm/github-issue-mirror/internal/api"
	"github.com/wesm/github-issue-mirror/internal/db"
	"github.com/wesm/github-issue-mirror/internal/logging"
	"github.com/wesm/github-issue-mirror/internal/metrics"
	"github.com/wesm/github-issue-mirror/internal/models"
	mirrorsync "github.com/wesm/github-issue-mirror/internal/sync"
)

const maxRequestBytes = 1 << 20

// Authenticator resolves an API bearer token to the GitHub user it belongs to.
// *api.TokenValidator implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// Server routes HTTP requests to the mirror
type Server struct {
	auth       Authenticator
	db         *db.DB
	syncer     *mirrorsync.Syncer
	aggregator *metrics.Aggregator
	mux        *http.ServeMux
	httpServer *http.Server
}

// Config holds the components a Server routes to
type Config struct {
	DB         *db.DB
	Syncer     *mirrorsync.Syncer
	Aggregator *metrics.Aggregator
	// Auth validates API bearer tokens. A nil Auth rejects every API request.
	Auth Authenticator
	// Webhook handles POST /webhook
	Webhook http.Handler
}

// New creates a server and registers its routes
func New(cfg Config) *Server {
	s := &Server{
		auth:       cfg.Auth,
		db:         cfg.DB,
		syncer:     cfg.Syncer,
		aggregator: cfg.Aggregator,
		mux:        http.NewServeMux(),
	}

	s.mux.Handle("/webhook", cfg.Webhook)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /api/sync", s.authenticated(s.handleSync))
	s.mux.HandleFunc("GET /api/sync", s.authenticated(s.handleSyncStatus))
	s.mux.HandleFunc("GET /api/issues", s.authenticated(s.handleListIssues))
	s.mux.HandleFunc("PATCH /api/issues/bulk", s.authenticated(s.handleBulkUpdate))
	s.mux.HandleFunc("GET /api/issues/{number}", s.authenticated(s.handleGetIssue))
	s.mux.HandleFunc("PATCH /api/issues/{number}", s.authenticated(s.handleUpdateIssue))
	s.mux.HandleFunc("GET /api/metrics", s.authenticated(s.handleMetrics))

	return s
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // a full sync runs inside the request
		IdleTimeout:  60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the HTTP handler for use with custom servers
func (s *Server) Handler() http.Handler {
	return s.mux
}

type credentialKey struct{}

// authenticated requires a bearer token that GitHub accepts and passes it on as the GitHub credential
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" || s.auth == nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		login, err := s.auth.Authenticate(r.Context(), token)
		if errors.Is(err, api.ErrInvalidCredential) {
			logging.Warn("rejected API credential", "remote", r.RemoteAddr, "token", logging.MaskSensitive(token))
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if err != nil {
			logging.Error("credential check failed", "error", err)
			writeError(w, http.StatusBadGateway, "failed to validate credential")
			return
		}

		logging.Debug("authenticated API request", "user", login, "path", r.URL.Path)
		ctx := context.WithValue(r.Context(), credentialKey{}, token)
		next(w, r.WithContext(ctx))
	}
}

func credential(r *http.Request) string {
	token, _ := r.Context().Value(credentialKey{}).(string)
	return token
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.db.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type syncRequest struct {
	Repository string `json:"repository"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner, name, ok := repositoryOrError(w, req.Repository)
	if !ok {
		return
	}

	result, err := s.syncer.SyncRepository(r.Context(), owner, name, credential(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type syncStatusResponse struct {
	Repository   string    `json:"repository"`
	LastSync     time.Time `json:"last_sync"`
	Status       string    `json:"status"`
	ErrorMessage *string   `json:"error_message"`
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	repository := r.URL.Query().Get("repository")
	if repository == "" {
		writeError(w, http.StatusBadRequest, "repository parameter required")
		return
	}

	status, err := s.db.GetSyncStatus(r.Context(), repository)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s has never been synced", repository))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, syncStatusResponse{
		Repository:   status.Repository,
		LastSync:     status.LastSync,
		Status:       string(status.Status),
		ErrorMessage: status.ErrorMessage,
	})
}

// issueResponse is the JSON form of a mirrored issue
type issueResponse struct {
	ID          int64        `json:"id"`
	Repository  string       `json:"repository"`
	Number      int          `json:"number"`
	Title       string       `json:"title"`
	Body        string       `json:"body"`
	State       string       `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	ClosedAt    *time.Time   `json:"closed_at"`
	HTMLURL     string       `json:"html_url"`
	Assignee    *string      `json:"assignee"`
	Milestone   *string      `json:"milestone"`
	TimeToClose *int         `json:"time_to_close"`
	Labels      []labelEntry `json:"labels"`
	Assignees   []string     `json:"assignees"`
}

type labelEntry struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

func toIssueResponse(issue *models.Issue) issueResponse {
	labels := make([]labelEntry, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, labelEntry{Name: l.Name, Color: l.Color})
	}
	assignees := issue.Assignees
	if assignees == nil {
		assignees = []string{}
	}
	return issueResponse{
		ID:          issue.ID,
		Repository:  issue.Repository,
		Number:      issue.Number,
		Title:       issue.Title,
		Body:        issue.Body,
		State:       issue.State,
		CreatedAt:   issue.CreatedAt,
		UpdatedAt:   issue.UpdatedAt,
		ClosedAt:    issue.ClosedAt,
		HTMLURL:     issue.HTMLURL,
		Assignee:    issue.Assignee,
		Milestone:   issue.Milestone,
		TimeToClose: issue.TimeToClose,
		Labels:      labels,
		Assignees:   assignees,
	}
}

type pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

type issueListResponse struct {
	Issues     []issueResponse `json:"issues"`
	Pagination pagination      `json:"pagination"`
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.IssueFilter{
		Repository: q.Get("repository"),
		State:      q.Get("state"),
		Label:      q.Get("label"),
		Assignee:   q.Get("assignee"),
		Sort:       q.Get("sort"),
		Order:      q.Get("order"),
		Page:       queryInt(q.Get("page"), 1),
		PerPage:    queryInt(q.Get("per_page"), 50),
	}
	filter.Page = max(filter.Page, 1)
	if filter.PerPage < 1 {
		filter.PerPage = 50
	}

	issues, total, err := s.db.ListIssues(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := issueListResponse{
		Issues: make([]issueResponse, 0, len(issues)),
		Pagination: pagination{
			Page:       filter.Page,
			PerPage:    filter.PerPage,
			Total:      total,
			TotalPages: int(math.Ceil(float64(total) / float64(filter.PerPage))),
		},
	}
	for i := range issues {
		resp.Issues = append(resp.Issues, toIssueResponse(&issues[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	number, ok := issueNumberOrError(w, r)
	if !ok {
		return
	}
	repository := r.URL.Query().Get("repository")
	if repository == "" {
		writeError(w, http.StatusBadRequest, "repository parameter required")
		return
	}

	issue, err := s.db.GetIssue(r.Context(), repository, number)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Issue not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toIssueResponse(issue))
}

type updateResponse struct {
	Success bool          `json:"success"`
	Issue   *github.Issue `json:"issue"`
}

func (s *Server) handleUpdateIssue(w http.ResponseWriter, r *http.Request) {
	number, ok := issueNumberOrError(w, r)
	if !ok {
		return
	}
	owner, name, ok := repositoryOrError(w, r.URL.Query().Get("repository"))
	if !ok {
		return
	}

	var updates github.IssueRequest
	if err := decodeBody(r, &updates); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := s.syncer.UpdateIssue(r.Context(), owner, name, number, &updates, credential(r))
	if err != nil {
		logging.Error("issue update failed", "repository", owner+"/"+name, "number", number, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{Success: true, Issue: updated})
}

type bulkRequest struct {
	Repository   string               `json:"repository"`
	IssueNumbers []int                `json:"issue_numbers"`
	Updates      *github.IssueRequest `json:"updates"`
}

type bulkResponse struct {
	Results []mirrorsync.BulkResult `json:"results"`
}

func (s *Server) handleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Repository == "" || len(req.IssueNumbers) == 0 || req.Updates == nil {
		writeError(w, http.StatusBadRequest, "repository, issue_numbers, and updates are required")
		return
	}
	owner, name, ok := repositoryOrError(w, req.Repository)
	if !ok {
		return
	}

	results := s.syncer.BulkUpdate(r.Context(), owner, name, req.IssueNumbers, req.Updates, credential(r))
	writeJSON(w, http.StatusOK, bulkResponse{Results: results})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	repository := r.URL.Query().Get("repository")
	if repository == "" {
		writeError(w, http.StatusBadRequest, "repository parameter required")
		return
	}

	report, err := s.aggregator.Report(r.Context(), repository)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func repositoryOrError(w http.ResponseWriter, repository string) (string, string, bool) {
	if repository == "" {
		writeError(w, http.StatusBadRequest, "repository parameter required")
		return "", "", false
	}
	owner, name, err := mirrorsync.ParseRepositoryString(repository)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	return owner, name, true
}

func issueNumberOrError(w http.ResponseWriter, r *http.Request) (int, bool) {
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil || number < 1 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid issue number %q", r.PathValue("number")))
		return 0, false
	}
	return number, true
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return errors.New("failed to read request body")
	}
	defer func() { _ = r.Body.Close() }()

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %v", err)
	}
	return nil
}

func queryInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
