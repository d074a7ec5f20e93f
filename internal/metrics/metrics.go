// Package metrics rolls mirrored issues up into dated per-repository snapshots and
// builds the metrics report served by the API.
package metrics

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wesm/github-issue-mirror/internal/db"
	"github.com/wesm/github-issue-mirror/internal/logging"
	"github.com/wesm/github-issue-mirror/internal/models"
	"github.com/wesm/github-issue-mirror/internal/telemetry"
)

const (
	dateLayout   = "2006-01-02"
	topN         = 10
	historyDays  = 30
	velocityDays = 7
)

// Aggregator computes metrics from the current mirror state
type Aggregator struct {
	db     *db.DB
	now    func() time.Time
	tracer trace.Tracer
}

// NewAggregator creates an aggregator over the mirror database
func NewAggregator(database *db.DB) *Aggregator {
	return &Aggregator{
		db:     database,
		now:    time.Now,
		tracer: telemetry.Tracer(""),
	}
}

// SetClock replaces the time source that decides today's snapshot date
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Today returns the UTC calendar date used for snapshots
func (a *Aggregator) Today() string {
	return a.now().UTC().Format(dateLayout)
}

// Rollup recomputes the repository's totals and writes them as today's snapshot,
// replacing any snapshot already taken today. Only this repository's rows are read
// or written, so running it twice without intervening writes stores the same row.
func (a *Aggregator) Rollup(ctx context.Context, repository string) error {
	ctx, span := a.tracer.Start(ctx, "metrics.rollup",
		trace.WithAttributes(attribute.String("repository", repository)))
	defer span.End()

	stats, err := a.db.IssueStats(ctx, repository)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to roll up metrics for %s: %w", repository, err)
	}

	// stored snapshots record 0 rather than NULL when nothing has closed yet
	avg := 0.0
	if stats.AvgTimeToClose != nil {
		avg = *stats.AvgTimeToClose
	}
	snap := &models.MetricsSnapshot{
		Repository:     repository,
		Date:           a.Today(),
		TotalIssues:    stats.TotalIssues,
		OpenIssues:     stats.OpenIssues,
		ClosedIssues:   stats.ClosedIssues,
		AvgTimeToClose: &avg,
	}
	if err := a.db.SaveMetricsSnapshot(ctx, snap); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	logging.Debug("metrics rolled up", "repository", repository, "date", snap.Date, "total", snap.TotalIssues)
	return nil
}

// Current is the live summary section of a report
type Current struct {
	TotalIssues         int        `json:"total_issues"`
	OpenIssues          int        `json:"open_issues"`
	ClosedIssues        int        `json:"closed_issues"`
	AvgTimeToCloseHours *float64   `json:"avg_time_to_close_hours"`
	AvgTimeToCloseDays  *float64   `json:"avg_time_to_close_days"`
	OldestIssueDate     *time.Time `json:"oldest_issue_date"`
	LatestUpdateDate    *time.Time `json:"latest_update_date"`
}

// HistoryPoint is one stored snapshot in a report
type HistoryPoint struct {
	Date           string   `json:"metric_date"`
	TotalIssues    int      `json:"total_issues"`
	OpenIssues     int      `json:"open_issues"`
	ClosedIssues   int      `json:"closed_issues"`
	AvgTimeToClose *float64 `json:"avg_time_to_close"`
}

// Velocity counts issues opened and closed per day over the last week
type Velocity struct {
	Opened []models.DayCount `json:"opened"`
	Closed []models.DayCount `json:"closed"`
}

// Report is the full metrics view of one repository
type Report struct {
	Current                 Current                `json:"current"`
	Labels                  []models.LabelCount    `json:"labels"`
	Assignees               []models.AssigneeCount `json:"assignees"`
	Historical              []HistoryPoint         `json:"historical"`
	TimeToCloseDistribution []models.BucketCount   `json:"time_to_close_distribution"`
	Velocity                Velocity               `json:"velocity"`
}

// Report builds the metrics report for a repository from the current mirror state
func (a *Aggregator) Report(ctx context.Context, repository string) (*Report, error) {
	stats, err := a.db.IssueStats(ctx, repository)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Current: Current{
			TotalIssues:         stats.TotalIssues,
			OpenIssues:          stats.OpenIssues,
			ClosedIssues:        stats.ClosedIssues,
			AvgTimeToCloseHours: stats.AvgTimeToClose,
			OldestIssueDate:     stats.OldestIssueDate,
			LatestUpdateDate:    stats.LatestUpdateDate,
		},
	}
	if stats.AvgTimeToClose != nil {
		days := math.Round(*stats.AvgTimeToClose/24*10) / 10
		report.Current.AvgTimeToCloseDays = &days
	}

	if report.Labels, err = a.db.LabelDistribution(ctx, repository, topN); err != nil {
		return nil, err
	}
	if report.Assignees, err = a.db.AssigneeStats(ctx, repository, topN); err != nil {
		return nil, err
	}

	history, err := a.db.MetricsHistory(ctx, repository, historyDays)
	if err != nil {
		return nil, err
	}
	report.Historical = make([]HistoryPoint, 0, len(history))
	for _, snap := range history {
		report.Historical = append(report.Historical, HistoryPoint{
			Date:           snap.Date,
			TotalIssues:    snap.TotalIssues,
			OpenIssues:     snap.OpenIssues,
			ClosedIssues:   snap.ClosedIssues,
			AvgTimeToClose: snap.AvgTimeToClose,
		})
	}

	if report.TimeToCloseDistribution, err = a.db.TimeToCloseDistribution(ctx, repository); err != nil {
		return nil, err
	}

	since := a.now().UTC().AddDate(0, 0, -velocityDays).Format(dateLayout)
	if report.Velocity.Opened, err = a.db.OpenedPerDay(ctx, repository, since); err != nil {
		return nil, err
	}
	if report.Velocity.Closed, err = a.db.ClosedPerDay(ctx, repository, since); err != nil {
		return nil, err
	}

	return report, nil
}
