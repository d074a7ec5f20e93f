package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/wesm/github-issue-mirror/internal/models"
)

// Issues are keyed by (repository, number). An issue transferred in from a
// repository that is also mirrored keeps its GitHub id, so saving it fails on
// the id primary key until the old row is deleted.
const upsertIssueQuery = `
	INSERT INTO issues (id, repository, number, title, body, state, created_at, updated_at, closed_at, html_url, assignee, milestone, time_to_close)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(repository, number) DO UPDATE SET
		title = excluded.title,
		body = excluded.body,
		state = excluded.state,
		updated_at = excluded.updated_at,
		closed_at = excluded.closed_at,
		assignee = excluded.assignee,
		milestone = excluded.milestone,
		time_to_close = excluded.time_to_close
	RETURNING id
	`

// SaveIssue writes one issue and replaces its label and assignee sets.
//
// The row is keyed by (repository, number): id, repository, number, created_at and
// html_url are kept from the first insert, every other field is overwritten. Labels and
// assignees are deleted and re-inserted under the stored row's id. All of it commits
// as one transaction, so a failure leaves the previous state of the issue untouched.
func (db *DB) SaveIssue(ctx context.Context, issue *models.Issue) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var issueID int64
	err = tx.QueryRowContext(ctx, upsertIssueQuery,
		issue.ID,
		issue.Repository,
		issue.Number,
		issue.Title,
		issue.Body,
		issue.State,
		formatTime(issue.CreatedAt),
		formatTime(issue.UpdatedAt),
		formatTimePtr(issue.ClosedAt),
		issue.HTMLURL,
		derefString(issue.Assignee),
		derefString(issue.Milestone),
		derefInt(issue.TimeToClose),
	).Scan(&issueID)
	if err != nil {
		return fmt.Errorf("failed to save issue #%d: %w", issue.Number, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM labels WHERE issue_id = ?`, issueID); err != nil {
		return fmt.Errorf("failed to clear labels for issue #%d: %w", issue.Number, err)
	}
	for _, label := range issue.Labels {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO labels (issue_id, name, color) VALUES (?, ?, ?)`,
			issueID, label.Name, label.Color,
		)
		if err != nil {
			return fmt.Errorf("failed to save label %s: %w", label.Name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM assignees WHERE issue_id = ?`, issueID); err != nil {
		return fmt.Errorf("failed to clear assignees for issue #%d: %w", issue.Number, err)
	}
	for _, username := range issue.Assignees {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO assignees (issue_id, username) VALUES (?, ?)`,
			issueID, username,
		)
		if err != nil {
			return fmt.Errorf("failed to save assignee %s: %w", username, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit issue #%d: %w", issue.Number, err)
	}
	return nil
}

const issueColumns = `i.id, i.repository, i.number, i.title, i.body, i.state, i.created_at, i.updated_at,
	i.closed_at, i.html_url, i.assignee, i.milestone, i.time_to_close`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (*models.Issue, error) {
	var (
		issue       models.Issue
		body        sql.NullString
		createdAt   string
		updatedAt   string
		closedAt    sql.NullString
		htmlURL     sql.NullString
		assignee    sql.NullString
		milestone   sql.NullString
		timeToClose sql.NullInt64
	)
	err := row.Scan(
		&issue.ID, &issue.Repository, &issue.Number, &issue.Title, &body, &issue.State,
		&createdAt, &updatedAt, &closedAt, &htmlURL, &assignee, &milestone, &timeToClose,
	)
	if err != nil {
		return nil, err
	}

	issue.Body = body.String
	issue.HTMLURL = htmlURL.String
	issue.Assignee = nullString(assignee)
	issue.Milestone = nullString(milestone)
	if timeToClose.Valid {
		hours := int(timeToClose.Int64)
		issue.TimeToClose = &hours
	}
	if issue.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if issue.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if issue.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return nil, err
	}
	return &issue, nil
}

// GetIssue returns one mirrored issue with its labels and assignees
func (db *DB) GetIssue(ctx context.Context, repository string, number int) (*models.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues i WHERE i.repository = ? AND i.number = ?`

	issue, err := scanIssue(db.QueryRowContext(ctx, query, repository, number))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get issue %s#%d: %w", repository, number, err)
	}

	if err := db.loadChildren(ctx, issue); err != nil {
		return nil, err
	}
	return issue, nil
}

func (db *DB) loadChildren(ctx context.Context, issue *models.Issue) error {
	labels, err := db.issueLabels(ctx, issue.ID)
	if err != nil {
		return err
	}
	assignees, err := db.issueAssignees(ctx, issue.ID)
	if err != nil {
		return err
	}
	issue.Labels = labels
	issue.Assignees = assignees
	return nil
}

func (db *DB) issueLabels(ctx context.Context, issueID int64) ([]models.Label, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, color FROM labels WHERE issue_id = ? ORDER BY id`, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to query labels: %w", err)
	}
	defer rows.Close()

	labels := []models.Label{}
	for rows.Next() {
		var (
			label models.Label
			color sql.NullString
		)
		if err := rows.Scan(&label.Name, &color); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		label.Color = color.String
		labels = append(labels, label)
	}
	return labels, rows.Err()
}

func (db *DB) issueAssignees(ctx context.Context, issueID int64) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT username FROM assignees WHERE issue_id = ? ORDER BY id`, issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignees: %w", err)
	}
	defer rows.Close()

	assignees := []string{}
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("failed to scan assignee: %w", err)
		}
		assignees = append(assignees, username)
	}
	return assignees, rows.Err()
}

// IssueFilter selects and orders a page of mirrored issues.
// Zero values mean "no filter"; Assignee "none" matches issues without a legacy assignee.
type IssueFilter struct {
	Repository string
	State      string
	Label      string
	Assignee   string
	Sort       string
	Order      string
	Page       int
	PerPage    int
}

var sortableColumns = map[string]bool{
	"number":        true,
	"title":         true,
	"state":         true,
	"created_at":    true,
	"updated_at":    true,
	"closed_at":     true,
	"time_to_close": true,
}

// ListIssues returns one page of issues matching the filter and the total match count
func (db *DB) ListIssues(ctx context.Context, filter IssueFilter) ([]models.Issue, int, error) {
	var (
		joins      []string
		conditions []string
		args       []any
	)

	if filter.Repository != "" {
		conditions = append(conditions, "i.repository = ?")
		args = append(args, filter.Repository)
	}
	if filter.State != "" && filter.State != "all" {
		conditions = append(conditions, "i.state = ?")
		args = append(args, filter.State)
	}
	if filter.Label != "" {
		joins = append(joins, "INNER JOIN labels l ON i.id = l.issue_id")
		conditions = append(conditions, "l.name = ?")
		args = append(args, filter.Label)
	}
	switch filter.Assignee {
	case "":
	case "none":
		conditions = append(conditions, "i.assignee IS NULL")
	default:
		joins = append(joins, "INNER JOIN assignees a ON i.id = a.issue_id")
		conditions = append(conditions, "a.username = ?")
		args = append(args, filter.Assignee)
	}

	from := " FROM issues i " + strings.Join(joins, " ")
	if len(conditions) > 0 {
		from += " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT i.id)"+from, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count issues: %w", err)
	}

	sortField := filter.Sort
	if !sortableColumns[sortField] {
		sortField = "updated_at"
	}
	order := "DESC"
	if strings.EqualFold(filter.Order, "asc") {
		order = "ASC"
	}
	page := max(filter.Page, 1)
	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 50
	}

	query := fmt.Sprintf("SELECT DISTINCT %s%s ORDER BY i.%s %s LIMIT ? OFFSET ?", issueColumns, from, sortField, order)
	rows, err := db.QueryContext(ctx, query, append(args, perPage, (page-1)*perPage)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query issues: %w", err)
	}

	issues := []models.Issue{}
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, *issue)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, 0, fmt.Errorf("error iterating issues: %w", err)
	}

	// children are loaded after the page cursor is closed; the pool holds a single connection
	for i := range issues {
		if err := db.loadChildren(ctx, &issues[i]); err != nil {
			return nil, 0, err
		}
	}

	return issues, total, nil
}
