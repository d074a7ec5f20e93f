package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverSQLite3 is the cgo SQLite driver (github.com/mattn/go-sqlite3)
	DriverSQLite3 = "sqlite3"
	// DriverSQLite is the pure-Go SQLite driver (modernc.org/sqlite)
	DriverSQLite = "sqlite"
)

// openMaxElapsed bounds how long New waits for another process to release the database file.
const openMaxElapsed = 30 * time.Second

// ErrNotFound is returned by single-row lookups that match nothing
var ErrNotFound = errors.New("not found")

// DB represents the database connection
type DB struct {
	*sql.DB
	driver string
}

// New opens the mirror database at dbPath using the named driver.
// An empty driver selects DriverSQLite3.
func New(driver, dbPath string) (*DB, error) {
	if driver == "" {
		driver = DriverSQLite3
	}
	if driver != DriverSQLite3 && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection keeps pragmas in effect and serializes writers the way SQLite wants.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = openMaxElapsed
	err = backoff.Retry(func() error {
		err := applyPragmas(db)
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	return &DB{DB: db, driver: driver}, nil
}

func applyPragmas(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database is busy")
}

// Driver returns the name of the SQL driver in use
func (db *DB) Driver() string {
	return db.driver
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS issues (
		id INTEGER PRIMARY KEY,
		repository TEXT NOT NULL,
		number INTEGER NOT NULL,
		title TEXT NOT NULL,
		body TEXT,
		state TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		closed_at TEXT,
		html_url TEXT,
		assignee TEXT,
		milestone TEXT,
		time_to_close INTEGER,
		UNIQUE(repository, number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_issues_repository_state ON issues(repository, state)`,
	`CREATE TABLE IF NOT EXISTS labels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		issue_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		color TEXT,
		FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_labels_issue_id ON labels(issue_id)`,
	`CREATE TABLE IF NOT EXISTS assignees (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		issue_id INTEGER NOT NULL,
		username TEXT NOT NULL,
		FOREIGN KEY (issue_id) REFERENCES issues(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assignees_issue_id ON assignees(issue_id)`,
	`CREATE TABLE IF NOT EXISTS sync_status (
		repository TEXT PRIMARY KEY,
		last_sync TEXT NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repository TEXT NOT NULL,
		metric_date TEXT NOT NULL,
		total_issues INTEGER NOT NULL,
		open_issues INTEGER NOT NULL,
		closed_issues INTEGER NOT NULL,
		avg_time_to_close REAL,
		UNIQUE(repository, metric_date)
	)`,
}

// Initialize creates the database schema if it doesn't exist
func (db *DB) Initialize(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// timestamps are stored as RFC 3339 UTC text so both drivers read back the same value

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// derefString and derefInt turn optional fields into plain driver values; not every
// driver dereferences pointer arguments itself.
func derefString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func derefInt(n *int) any {
	if n == nil {
		return nil
	}
	return int64(*n)
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
