package sync

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/github-issue-mirror/internal/api"
	"github.com/wesm/github-issue-mirror/internal/api/apitest"
	"github.com/wesm/github-issue-mirror/internal/db"
	"github.com/wesm/github-issue-mirror/internal/metrics"
	"github.com/wesm/github-issue-mirror/internal/models"
)

var fixedNow = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

func createTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.New(db.DriverSQLite3, filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Initialize(context.Background()))
	return database
}

// newTestSyncer wires a syncer and aggregator to a mock GitHub server
func newTestSyncer(t *testing.T, pageSize int) (*Syncer, *apitest.MockServer, *db.DB) {
	t.Helper()
	server := apitest.NewMockServer()
	t.Cleanup(server.Close)

	database := createTestDB(t)
	aggregator := metrics.NewAggregator(database)
	aggregator.SetClock(func() time.Time { return fixedNow })

	syncer := New(database, GitHubClients(server.URL, pageSize), aggregator)
	syncer.SetClock(func() time.Time { return fixedNow })
	return syncer, server, database
}

func countIssues(t *testing.T, database *db.DB) int {
	t.Helper()
	var n int
	require.NoError(t, database.QueryRow("SELECT COUNT(*) FROM issues").Scan(&n))
	return n
}

func TestSyncIssueTimeToClose(t *testing.T) {
	syncer, _, database := newTestSyncer(t, 100)
	ctx := context.Background()

	closed := apitest.MockIssue(1, "closed", "closed")
	closed.ClosedAt = &github.Timestamp{Time: time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)}
	require.NoError(t, syncer.SyncIssue(ctx, closed, "octo/repo"))

	open := apitest.MockIssue(2, "open", "open")
	open.ClosedAt = &github.Timestamp{Time: time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)}
	require.NoError(t, syncer.SyncIssue(ctx, open, "octo/repo"))

	got, err := database.GetIssue(ctx, "octo/repo", 1)
	require.NoError(t, err)
	require.NotNil(t, got.TimeToClose)
	assert.Equal(t, 60, *got.TimeToClose)

	got, err = database.GetIssue(ctx, "octo/repo", 2)
	require.NoError(t, err)
	assert.Nil(t, got.TimeToClose)
}

func TestSyncIssueIdempotentAndLastWriteWins(t *testing.T) {
	syncer, _, database := newTestSyncer(t, 100)
	ctx := context.Background()

	a := apitest.MockIssue(1, "first", "open")
	a.Labels = []*github.Label{{Name: github.String("bug"), Color: github.String("d73a4a")}}
	a.Assignees = []*github.User{{Login: github.String("alice")}}

	for i := 0; i < 3; i++ {
		require.NoError(t, syncer.SyncIssue(ctx, a, "octo/repo"))
	}
	once, err := database.GetIssue(ctx, "octo/repo", 1)
	require.NoError(t, err)
	assert.Equal(t, []models.Label{{Name: "bug", Color: "d73a4a"}}, once.Labels)
	assert.Equal(t, 1, countIssues(t, database))

	b := apitest.MockIssue(1, "second", "closed")
	b.Labels = []*github.Label{{Name: github.String("docs"), Color: github.String("0075ca")}}
	b.Assignees = []*github.User{{Login: github.String("bob")}, {Login: github.String("carol")}}
	require.NoError(t, syncer.SyncIssue(ctx, b, "octo/repo"))

	got, err := database.GetIssue(ctx, "octo/repo", 1)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Title)
	assert.Equal(t, models.StateClosed, got.State)
	assert.Equal(t, []models.Label{{Name: "docs", Color: "0075ca"}}, got.Labels)
	assert.Equal(t, []string{"bob", "carol"}, got.Assignees)

	// reapplying the older snapshot regresses the mirror to it
	require.NoError(t, syncer.SyncIssue(ctx, a, "octo/repo"))
	got, err = database.GetIssue(ctx, "octo/repo", 1)
	require.NoError(t, err)
	assert.Equal(t, once, got)
}

func TestSyncRepository(t *testing.T) {
	syncer, server, database := newTestSyncer(t, 2)
	ctx := context.Background()

	server.AddIssue(apitest.MockIssue(1, "one", "open"))
	server.AddPullRequest(2, "a pull request")
	server.AddIssue(apitest.MockIssue(3, "three", "closed"))
	server.AddIssue(apitest.MockIssue(4, "four", "open"))
	server.AddPullRequest(5, "another pull request")

	result, err := syncer.SyncRepository(ctx, "octo", "repo", "token")
	require.NoError(t, err)
	assert.Equal(t, &SyncResult{Success: true, Count: 3}, result)

	assert.Equal(t, 3, countIssues(t, database))
	_, err = database.GetIssue(ctx, "octo/repo", 2)
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = database.GetIssue(ctx, "octo/repo", 5)
	assert.ErrorIs(t, err, db.ErrNotFound)

	status, err := database.GetSyncStatus(ctx, "octo/repo")
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, status.Status)
	assert.Equal(t, fixedNow, status.LastSync)
	assert.Nil(t, status.ErrorMessage)

	snap, err := database.GetMetricsSnapshot(ctx, "octo/repo", "2024-02-01")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.TotalIssues)
	assert.Equal(t, 1, snap.ClosedIssues)

	// a second full sync changes nothing
	_, err = syncer.SyncRepository(ctx, "octo", "repo", "token")
	require.NoError(t, err)
	assert.Equal(t, 3, countIssues(t, database))
}

func TestSyncRepositoryFailureKeepsPartialProgress(t *testing.T) {
	syncer, server, database := newTestSyncer(t, 2)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		server.AddIssue(apitest.MockIssue(i, "issue", "open"))
	}
	server.FailPage(2, http.StatusInternalServerError, `{"message":"Server Error"}`)

	result, err := syncer.SyncRepository(ctx, "octo", "repo", "token")
	require.Error(t, err)
	assert.Nil(t, result)

	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, "octo/repo", syncErr.Repository)

	var upstream *api.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusInternalServerError, upstream.StatusCode)

	status, err := database.GetSyncStatus(ctx, "octo/repo")
	require.NoError(t, err)
	assert.Equal(t, models.SyncFailed, status.Status)
	require.NotNil(t, status.ErrorMessage)
	assert.Contains(t, *status.ErrorMessage, "GitHub API error: 500")

	// the first page was reconciled before the failure and stays
	assert.Equal(t, 2, countIssues(t, database))
	_, err = database.GetMetricsSnapshot(ctx, "octo/repo", "2024-02-01")
	assert.ErrorIs(t, err, db.ErrNotFound)

	// no automatic retry
	assert.Equal(t, []int{1, 2}, server.ListCalls())
}

type failingRoller struct{}

func (failingRoller) Rollup(ctx context.Context, repository string) error {
	return errors.New("rollup exploded")
}

func TestSyncRepositoryRollupFailureFailsSync(t *testing.T) {
	server := apitest.NewMockServer()
	defer server.Close()
	server.AddIssue(apitest.MockIssue(1, "one", "open"))

	database := createTestDB(t)
	syncer := New(database, GitHubClients(server.URL, 100), failingRoller{})

	_, err := syncer.SyncRepository(context.Background(), "octo", "repo", "token")
	require.Error(t, err)

	status, err := database.GetSyncStatus(context.Background(), "octo/repo")
	require.NoError(t, err)
	assert.Equal(t, models.SyncFailed, status.Status)
	assert.Equal(t, "rollup exploded", *status.ErrorMessage)
	assert.Equal(t, 1, countIssues(t, database))
}

// gatedPager blocks in Next until released, then returns err
type gatedPager struct {
	entered chan struct{}
	release chan struct{}
	err     error
	done    bool
}

func (p *gatedPager) More() bool { return !p.done }

func (p *gatedPager) Next(ctx context.Context) ([]*github.Issue, error) {
	close(p.entered)
	<-p.release
	p.done = true
	return nil, p.err
}

type fakeRemote struct {
	pager Pager
}

func (r fakeRemote) Issues(owner, name string) Pager { return r.pager }

func (r fakeRemote) EditIssue(ctx context.Context, owner, name string, number int, req *github.IssueRequest) (*github.Issue, error) {
	return nil, errors.New("not supported")
}

type staticPager struct {
	issues []*github.Issue
	done   bool
}

func (p *staticPager) More() bool { return !p.done }

func (p *staticPager) Next(ctx context.Context) ([]*github.Issue, error) {
	p.done = true
	return p.issues, nil
}

func TestOverlappingSyncsLastStatusWriteWins(t *testing.T) {
	database := createTestDB(t)
	ctx := context.Background()

	slow := &gatedPager{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		err:     errors.New("connection reset"),
	}
	remotes := map[string]Remote{
		"slow": fakeRemote{pager: slow},
		"fast": fakeRemote{pager: &staticPager{issues: []*github.Issue{apitest.MockIssue(1, "one", "open")}}},
	}
	syncer := New(database, func(credential string) (Remote, error) {
		return remotes[credential], nil
	}, nil)

	slowDone := make(chan error, 1)
	go func() {
		_, err := syncer.SyncRepository(ctx, "octo", "repo", "slow")
		slowDone <- err
	}()
	<-slow.entered

	status, err := database.GetSyncStatus(ctx, "octo/repo")
	require.NoError(t, err)
	assert.Equal(t, models.SyncInProgress, status.Status)

	// the second sync runs to completion while the first is still fetching
	_, err = syncer.SyncRepository(ctx, "octo", "repo", "fast")
	require.NoError(t, err)
	status, err = database.GetSyncStatus(ctx, "octo/repo")
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, status.Status)

	// the first sync then fails and overwrites the completed status
	close(slow.release)
	require.Error(t, <-slowDone)

	status, err = database.GetSyncStatus(ctx, "octo/repo")
	require.NoError(t, err)
	assert.Equal(t, models.SyncFailed, status.Status)
	assert.Equal(t, "connection reset", *status.ErrorMessage)
	assert.Equal(t, 1, countIssues(t, database))
}

func TestUpdateIssueMirrorsResult(t *testing.T) {
	syncer, server, database := newTestSyncer(t, 100)
	ctx := context.Background()
	server.AddIssue(apitest.MockIssue(1, "old", "open"))

	updated, err := syncer.UpdateIssue(ctx, "octo", "repo", 1, &github.IssueRequest{
		Title:  github.String("new"),
		State:  github.String("closed"),
		Labels: &[]string{"wontfix"},
	}, "token")
	require.NoError(t, err)
	assert.Equal(t, "new", updated.GetTitle())

	got, err := database.GetIssue(ctx, "octo/repo", 1)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Title)
	assert.Equal(t, models.StateClosed, got.State)
	assert.NotNil(t, got.TimeToClose)
	assert.Equal(t, []models.Label{{Name: "wontfix", Color: "ededed"}}, got.Labels)

	// editing does not roll up metrics
	_, err = database.GetMetricsSnapshot(ctx, "octo/repo", "2024-02-01")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestBulkUpdateContinuesPastFailures(t *testing.T) {
	syncer, server, database := newTestSyncer(t, 100)
	ctx := context.Background()
	server.AddIssue(apitest.MockIssue(1, "one", "open"))
	server.AddIssue(apitest.MockIssue(3, "three", "open"))

	results := syncer.BulkUpdate(ctx, "octo", "repo", []int{1, 2, 3}, &github.IssueRequest{
		Assignees: &[]string{"dana"},
	}, "token")

	require.Len(t, results, 3)
	assert.Equal(t, BulkResult{IssueNumber: 1, Success: true}, results[0])
	assert.Equal(t, 2, results[1].IssueNumber)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "404")
	assert.Equal(t, BulkResult{IssueNumber: 3, Success: true}, results[2])

	got, err := database.GetIssue(ctx, "octo/repo", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"dana"}, got.Assignees)
	require.NotNil(t, got.Assignee)
	assert.Equal(t, "dana", *got.Assignee)
}

func TestSyncAll(t *testing.T) {
	syncer, server, database := newTestSyncer(t, 100)
	ctx := context.Background()
	server.AddIssue(apitest.MockIssue(1, "one", "open"))
	server.AddIssue(apitest.MockIssue(2, "two", "closed"))
	syncer.SetWorkers(2)

	results, err := syncer.SyncAll(ctx, []string{"octo/repo", "invalid", "octo/repo"}, "token")
	require.Error(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "octo/repo", results[0].Repository)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 2, results[0].Count)

	assert.Equal(t, "invalid", results[1].Repository)
	assert.Error(t, results[1].Err)

	assert.Equal(t, 2, countIssues(t, database))
}

func TestSetWorkers(t *testing.T) {
	syncer := New(nil, nil, nil)

	syncer.SetWorkers(0)
	assert.Equal(t, 1, syncer.workers)
	syncer.SetWorkers(50)
	assert.Equal(t, 10, syncer.workers)
	syncer.SetWorkers(3)
	assert.Equal(t, 3, syncer.workers)
}

func TestParseRepositoryString(t *testing.T) {
	tests := []struct {
		input   string
		owner   string
		name    string
		wantErr bool
	}{
		{"octo/repo", "octo", "repo", false},
		{"octo", "", "", true},
		{"a/b/c", "", "", true},
		{"/repo", "", "", true},
		{"octo/", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			owner, name, err := ParseRepositoryString(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.owner, owner)
			assert.Equal(t, tt.name, name)
		})
	}
}
