package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/github-issue-mirror/internal/api"
	"github.com/wesm/github-issue-mirror/internal/db"
	"github.com/wesm/github-issue-mirror/internal/logging"
	"github.com/wesm/github-issue-mirror/internal/telemetry"
)

// Pager walks a repository's issues page by page; *api.IssuePager implements it
type Pager interface {
	More() bool
	Next(ctx context.Context) ([]*github.Issue, error)
}

// Remote is the GitHub side of a sync, bound to one credential
type Remote interface {
	Issues(owner, name string) Pager
	EditIssue(ctx context.Context, owner, name string, number int, req *github.IssueRequest) (*github.Issue, error)
}

// ClientFactory builds a Remote for the given access token
type ClientFactory func(credential string) (Remote, error)

// MetricsRoller recomputes the metrics snapshot of a repository
type MetricsRoller interface {
	Rollup(ctx context.Context, repository string) error
}

type githubRemote struct {
	client *api.GitHubClient
}

func (r githubRemote) Issues(owner, name string) Pager {
	return r.client.ListIssues(owner, name, "all")
}

func (r githubRemote) EditIssue(ctx context.Context, owner, name string, number int, req *github.IssueRequest) (*github.Issue, error) {
	return r.client.EditIssue(ctx, owner, name, number, req)
}

// GitHubClients returns a ClientFactory for the GitHub REST API at baseURL
// (the public API when empty), requesting pageSize issues per page.
func GitHubClients(baseURL string, pageSize int) ClientFactory {
	return func(credential string) (Remote, error) {
		client, err := api.NewGitHubClientWithBaseURL(credential, baseURL)
		if err != nil {
			return nil, err
		}
		client.SetPageSize(pageSize)
		return githubRemote{client: client}, nil
	}
}

// SyncError reports a failed full sync of one repository
type SyncError struct {
	Repository string
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync of %s failed: %v", e.Repository, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// SyncResult is the outcome of a successful full sync
type SyncResult struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

// Syncer mirrors GitHub issues into the local database
type Syncer struct {
	db      *db.DB
	clients ClientFactory
	roller  MetricsRoller
	workers int
	now     func() time.Time

	tracer     trace.Tracer
	reconciled metric.Int64Counter
	runs       metric.Int64Counter
}

// New creates a new syncer. roller may be nil to skip metrics rollups.
func New(database *db.DB, clients ClientFactory, roller MetricsRoller) *Syncer {
	meter := telemetry.Meter("")
	reconciled, err := meter.Int64Counter("mirror.issues.reconciled",
		metric.WithDescription("Issue snapshots written to the mirror"))
	if err != nil {
		logging.Warn("failed to create counter", "name", "mirror.issues.reconciled", "error", err)
	}
	runs, err := meter.Int64Counter("mirror.sync.runs",
		metric.WithDescription("Full repository syncs by outcome"))
	if err != nil {
		logging.Warn("failed to create counter", "name", "mirror.sync.runs", "error", err)
	}

	return &Syncer{
		db:         database,
		clients:    clients,
		roller:     roller,
		workers:    5,
		now:        time.Now,
		tracer:     telemetry.Tracer(""),
		reconciled: reconciled,
		runs:       runs,
	}
}

// SetWorkers sets how many repositories SyncAll mirrors in parallel
func (s *Syncer) SetWorkers(workers int) {
	if workers < 1 {
		workers = 1
	}
	if workers > 10 {
		workers = 10 // keep GitHub API usage reasonable
	}
	s.workers = workers
}

// SetClock replaces the time source used for sync status timestamps
func (s *Syncer) SetClock(now func() time.Time) {
	s.now = now
}

// SyncIssue writes one issue snapshot into the mirror.
//
// The issue row, its labels and its assignees are replaced as one unit. Applying the
// same snapshot again leaves the mirror unchanged, and an older snapshot applied after
// a newer one simply wins: there is no timestamp comparison.
func (s *Syncer) SyncIssue(ctx context.Context, snapshot *github.Issue, repository string) error {
	issue := api.ConvertGitHubIssue(snapshot, repository)
	if err := s.db.SaveIssue(ctx, issue); err != nil {
		return err
	}
	if s.reconciled != nil {
		s.reconciled.Add(ctx, 1, metric.WithAttributes(attribute.String("repository", repository)))
	}
	return nil
}

// SyncRepository fetches every issue of owner/name and reconciles each one in the
// order GitHub returns them, then rolls up metrics.
//
// The sync status row is set to in_progress first and to completed or failed at the
// end. Issues written before a failure stay in the mirror. Nothing is retried, and two
// overlapping syncs of the same repository both write the status row; the last write wins.
func (s *Syncer) SyncRepository(ctx context.Context, owner, name, credential string) (*SyncResult, error) {
	repository := owner + "/" + name

	ctx, span := s.tracer.Start(ctx, "sync.repository",
		trace.WithAttributes(attribute.String("repository", repository)))
	defer span.End()

	count, err := s.syncRepository(ctx, owner, name, repository, credential)
	if err != nil {
		// the status write must land even if the caller's context is done
		if ferr := s.db.FailSync(context.WithoutCancel(ctx), repository, err.Error()); ferr != nil {
			logging.Error("failed to record sync failure", "repository", repository, "error", ferr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.countRun(ctx, repository, "failed")
		logging.Error("sync failed", "repository", repository, "reconciled", count, "error", err)
		return nil, &SyncError{Repository: repository, Err: err}
	}

	span.SetAttributes(attribute.Int("issues", count))
	s.countRun(ctx, repository, "completed")
	logging.Info("sync completed", "repository", repository, "issues", count)
	return &SyncResult{Success: true, Count: count}, nil
}

func (s *Syncer) syncRepository(ctx context.Context, owner, name, repository, credential string) (int, error) {
	if err := s.db.StartSync(ctx, repository, s.now()); err != nil {
		return 0, err
	}

	remote, err := s.clients(credential)
	if err != nil {
		return 0, err
	}

	logging.Info("syncing repository", "repository", repository)

	count := 0
	pager := remote.Issues(owner, name)
	for pager.More() {
		issues, err := pager.Next(ctx)
		if err != nil {
			return count, err
		}
		for _, issue := range issues {
			if err := s.SyncIssue(ctx, issue, repository); err != nil {
				return count, err
			}
			count++
		}
		logging.Debug("page reconciled", "repository", repository, "issues", count)
	}

	if err := s.db.CompleteSync(ctx, repository, s.now()); err != nil {
		return count, err
	}
	if s.roller != nil {
		if err := s.roller.Rollup(ctx, repository); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (s *Syncer) countRun(ctx context.Context, repository, status string) {
	if s.runs == nil {
		return
	}
	s.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("repository", repository),
		attribute.String("status", status),
	))
}

// UpdateIssue edits an issue on GitHub and writes the returned snapshot into the mirror.
// Metrics are not rolled up.
func (s *Syncer) UpdateIssue(ctx context.Context, owner, name string, number int, req *github.IssueRequest, credential string) (*github.Issue, error) {
	remote, err := s.clients(credential)
	if err != nil {
		return nil, err
	}

	updated, err := remote.EditIssue(ctx, owner, name, number, req)
	if err != nil {
		return nil, err
	}
	if err := s.SyncIssue(ctx, updated, owner+"/"+name); err != nil {
		return nil, fmt.Errorf("issue #%d updated on GitHub but not mirrored: %w", number, err)
	}
	return updated, nil
}

// BulkResult is the outcome of one issue in a bulk update
type BulkResult struct {
	IssueNumber int    `json:"issue_number"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// BulkUpdate applies the same edit to each issue in turn.
// A failed issue is reported in its result and does not stop the others.
func (s *Syncer) BulkUpdate(ctx context.Context, owner, name string, numbers []int, req *github.IssueRequest, credential string) []BulkResult {
	results := make([]BulkResult, 0, len(numbers))
	for _, number := range numbers {
		if _, err := s.UpdateIssue(ctx, owner, name, number, req, credential); err != nil {
			results = append(results, BulkResult{IssueNumber: number, Error: err.Error()})
			continue
		}
		results = append(results, BulkResult{IssueNumber: number, Success: true})
	}
	return results
}

// RepositoryResult is the outcome of one repository in SyncAll
type RepositoryResult struct {
	Repository string
	Count      int
	Err        error
}

// SyncAll fully syncs each distinct repository, up to the worker count at a time.
// Each repository still reconciles its issues sequentially. Results follow the
// input order; the returned error joins every failure.
func (s *Syncer) SyncAll(ctx context.Context, repositories []string, credential string) ([]RepositoryResult, error) {
	seen := make(map[string]bool, len(repositories))
	var unique []string
	for _, repo := range repositories {
		if !seen[repo] {
			seen[repo] = true
			unique = append(unique, repo)
		}
	}

	results := make([]RepositoryResult, len(unique))
	var g errgroup.Group
	g.SetLimit(s.workers)

	for i, repo := range unique {
		g.Go(func() error {
			results[i].Repository = repo
			owner, name, err := ParseRepositoryString(repo)
			if err != nil {
				results[i].Err = err
				return nil
			}
			res, err := s.SyncRepository(ctx, owner, name, credential)
			if err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Count = res.Count
			return nil
		})
	}
	g.Wait()

	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return results, errors.Join(errs...)
}

// ParseRepositoryString parses a repository string in the format "owner/name"
func ParseRepositoryString(repoStr string) (string, string, error) {
	parts := strings.Split(repoStr, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository format, expected 'owner/name', got '%s'", repoStr)
	}
	return parts[0], parts[1], nil
}
