package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wesm/github-issue-mirror/internal/models"
)

// StartSync marks a repository's sync as in progress, clearing any previous error
func (db *DB) StartSync(ctx context.Context, repository string, now time.Time) error {
	query := `
	INSERT INTO sync_status (repository, last_sync, status)
	VALUES (?, ?, ?)
	ON CONFLICT(repository) DO UPDATE SET
		last_sync = excluded.last_sync,
		status = excluded.status,
		error_message = NULL
	`

	_, err := db.ExecContext(ctx, query, repository, formatTime(now), string(models.SyncInProgress))
	if err != nil {
		return fmt.Errorf("failed to start sync status for %s: %w", repository, err)
	}
	return nil
}

// CompleteSync marks a repository's sync as completed at now
func (db *DB) CompleteSync(ctx context.Context, repository string, now time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE sync_status SET status = ?, last_sync = ? WHERE repository = ?`,
		string(models.SyncCompleted), formatTime(now), repository,
	)
	if err != nil {
		return fmt.Errorf("failed to complete sync status for %s: %w", repository, err)
	}
	return nil
}

// FailSync marks a repository's sync as failed with the given message.
// last_sync keeps the time the failed run started.
func (db *DB) FailSync(ctx context.Context, repository, message string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE sync_status SET status = ?, error_message = ? WHERE repository = ?`,
		string(models.SyncFailed), message, repository,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync failure for %s: %w", repository, err)
	}
	return nil
}

// GetSyncStatus returns the sync status row for a repository
func (db *DB) GetSyncStatus(ctx context.Context, repository string) (*models.SyncStatus, error) {
	var (
		status   models.SyncStatus
		lastSync string
		state    string
		errMsg   sql.NullString
	)
	err := db.QueryRowContext(ctx,
		`SELECT repository, last_sync, status, error_message FROM sync_status WHERE repository = ?`,
		repository,
	).Scan(&status.Repository, &lastSync, &state, &errMsg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sync status for %s: %w", repository, err)
	}

	if status.LastSync, err = parseTime(lastSync); err != nil {
		return nil, err
	}
	status.Status = models.SyncState(state)
	status.ErrorMessage = nullString(errMsg)
	return &status, nil
}
