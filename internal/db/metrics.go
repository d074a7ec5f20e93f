package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wesm/github-issue-mirror/internal/models"
)

// IssueStats summarizes the mirrored issues of one repository.
// The average only covers issues that have a time to close.
func (db *DB) IssueStats(ctx context.Context, repository string) (*models.IssueStats, error) {
	query := `
	SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN state = 'open' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN state = 'closed' THEN 1 ELSE 0 END), 0),
		AVG(time_to_close),
		MIN(created_at),
		MAX(updated_at)
	FROM issues WHERE repository = ?
	`

	var (
		stats  models.IssueStats
		avg    sql.NullFloat64
		oldest sql.NullString
		latest sql.NullString
	)
	err := db.QueryRowContext(ctx, query, repository).Scan(
		&stats.TotalIssues, &stats.OpenIssues, &stats.ClosedIssues, &avg, &oldest, &latest,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute issue stats for %s: %w", repository, err)
	}

	if avg.Valid {
		v := avg.Float64
		stats.AvgTimeToClose = &v
	}
	if stats.OldestIssueDate, err = parseNullTime(oldest); err != nil {
		return nil, err
	}
	if stats.LatestUpdateDate, err = parseNullTime(latest); err != nil {
		return nil, err
	}
	return &stats, nil
}

// SaveMetricsSnapshot upserts the snapshot row for (repository, date)
func (db *DB) SaveMetricsSnapshot(ctx context.Context, snap *models.MetricsSnapshot) error {
	query := `
	INSERT INTO metrics (repository, metric_date, total_issues, open_issues, closed_issues, avg_time_to_close)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(repository, metric_date) DO UPDATE SET
		total_issues = excluded.total_issues,
		open_issues = excluded.open_issues,
		closed_issues = excluded.closed_issues,
		avg_time_to_close = excluded.avg_time_to_close
	`

	var avg any
	if snap.AvgTimeToClose != nil {
		avg = *snap.AvgTimeToClose
	}

	_, err := db.ExecContext(ctx, query,
		snap.Repository, snap.Date, snap.TotalIssues, snap.OpenIssues, snap.ClosedIssues, avg,
	)
	if err != nil {
		return fmt.Errorf("failed to save metrics for %s on %s: %w", snap.Repository, snap.Date, err)
	}
	return nil
}

const snapshotColumns = `repository, metric_date, total_issues, open_issues, closed_issues, avg_time_to_close`

func scanSnapshot(row rowScanner) (*models.MetricsSnapshot, error) {
	var (
		snap models.MetricsSnapshot
		avg  sql.NullFloat64
	)
	err := row.Scan(&snap.Repository, &snap.Date, &snap.TotalIssues, &snap.OpenIssues, &snap.ClosedIssues, &avg)
	if err != nil {
		return nil, err
	}
	if avg.Valid {
		v := avg.Float64
		snap.AvgTimeToClose = &v
	}
	return &snap, nil
}

// GetMetricsSnapshot returns the snapshot for one repository and date
func (db *DB) GetMetricsSnapshot(ctx context.Context, repository, date string) (*models.MetricsSnapshot, error) {
	snap, err := scanSnapshot(db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM metrics WHERE repository = ? AND metric_date = ?`,
		repository, date,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get metrics for %s on %s: %w", repository, date, err)
	}
	return snap, nil
}

// MetricsHistory returns the most recent limit snapshots in ascending date order
func (db *DB) MetricsHistory(ctx context.Context, repository string, limit int) ([]models.MetricsSnapshot, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM metrics WHERE repository = ? ORDER BY metric_date DESC LIMIT ?`,
		repository, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics history: %w", err)
	}
	defer rows.Close()

	history := []models.MetricsSnapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metrics row: %w", err)
		}
		history = append(history, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metrics history: %w", err)
	}

	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// LabelDistribution returns the most used labels of a repository
func (db *DB) LabelDistribution(ctx context.Context, repository string, limit int) ([]models.LabelCount, error) {
	query := `
	SELECT l.name, COALESCE(l.color, ''), COUNT(*) AS count
	FROM labels l
	INNER JOIN issues i ON l.issue_id = i.id
	WHERE i.repository = ?
	GROUP BY l.name, l.color
	ORDER BY count DESC, l.name ASC
	LIMIT ?
	`

	rows, err := db.QueryContext(ctx, query, repository, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query label distribution: %w", err)
	}
	defer rows.Close()

	counts := []models.LabelCount{}
	for rows.Next() {
		var c models.LabelCount
		if err := rows.Scan(&c.Name, &c.Color, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan label count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// AssigneeStats returns per-user assignment counts, busiest first
func (db *DB) AssigneeStats(ctx context.Context, repository string, limit int) ([]models.AssigneeCount, error) {
	query := `
	SELECT a.username, COUNT(*) AS assigned_issues,
		COALESCE(SUM(CASE WHEN i.state = 'open' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN i.state = 'closed' THEN 1 ELSE 0 END), 0)
	FROM assignees a
	INNER JOIN issues i ON a.issue_id = i.id
	WHERE i.repository = ?
	GROUP BY a.username
	ORDER BY assigned_issues DESC, a.username ASC
	LIMIT ?
	`

	rows, err := db.QueryContext(ctx, query, repository, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignee stats: %w", err)
	}
	defer rows.Close()

	counts := []models.AssigneeCount{}
	for rows.Next() {
		var c models.AssigneeCount
		if err := rows.Scan(&c.Username, &c.AssignedIssues, &c.OpenAssigned, &c.ClosedAssigned); err != nil {
			return nil, fmt.Errorf("failed to scan assignee stats: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// TimeToCloseDistribution buckets closed issues by how long they stayed open
func (db *DB) TimeToCloseDistribution(ctx context.Context, repository string) ([]models.BucketCount, error) {
	query := `
	SELECT
		CASE
			WHEN time_to_close < 24 THEN '< 1 day'
			WHEN time_to_close < 168 THEN '1-7 days'
			WHEN time_to_close < 720 THEN '1-4 weeks'
			ELSE '> 4 weeks'
		END AS bucket,
		COUNT(*)
	FROM issues
	WHERE repository = ? AND time_to_close IS NOT NULL
	GROUP BY bucket
	ORDER BY MIN(time_to_close)
	`

	rows, err := db.QueryContext(ctx, query, repository)
	if err != nil {
		return nil, fmt.Errorf("failed to query time to close distribution: %w", err)
	}
	defer rows.Close()

	buckets := []models.BucketCount{}
	for rows.Next() {
		var b models.BucketCount
		if err := rows.Scan(&b.Bucket, &b.Count); err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// OpenedPerDay counts issues created on each day since the given date (YYYY-MM-DD)
func (db *DB) OpenedPerDay(ctx context.Context, repository, since string) ([]models.DayCount, error) {
	return db.perDay(ctx, `
	SELECT DATE(created_at) AS day, COUNT(*)
	FROM issues
	WHERE repository = ? AND created_at >= ?
	GROUP BY day
	ORDER BY day DESC
	`, repository, since)
}

// ClosedPerDay counts closed issues by close day since the given date (YYYY-MM-DD)
func (db *DB) ClosedPerDay(ctx context.Context, repository, since string) ([]models.DayCount, error) {
	return db.perDay(ctx, `
	SELECT DATE(closed_at) AS day, COUNT(*)
	FROM issues
	WHERE repository = ? AND closed_at >= ? AND state = 'closed'
	GROUP BY day
	ORDER BY day DESC
	`, repository, since)
}

func (db *DB) perDay(ctx context.Context, query, repository, since string) ([]models.DayCount, error) {
	rows, err := db.QueryContext(ctx, query, repository, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily counts: %w", err)
	}
	defer rows.Close()

	days := []models.DayCount{}
	for rows.Next() {
		var d models.DayCount
		if err := rows.Scan(&d.Date, &d.Count); err != nil {
			return nil, fmt.Errorf("failed to scan daily count: %w", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}
