package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS resources (
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		version TEXT,
		status TEXT,
		body TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (id, kind)
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		status_message TEXT,
		user_name TEXT NOT NULL,
		name TEXT NOT NULL,
		version TEXT,
		claimed BOOLEAN NOT NULL DEFAULT 0,
		resolved BOOLEAN NOT NULL DEFAULT 0,
		memory_used INTEGER NOT NULL DEFAULT 0,
		cluster_id TEXT,
		command_id TEXT,
		application_ids TEXT,
		archive_location TEXT,
		hostname TEXT,
		process_id INTEGER,
		agent_version TEXT,
		exit_code INTEGER,
		kill_requested BOOLEAN NOT NULL DEFAULT 0,
		kill_reason TEXT,
		claim_token_hash TEXT,
		request TEXT NOT NULL,
		specification TEXT,
		state_transitions TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_user_status ON jobs(user_name, status);
	CREATE INDEX IF NOT EXISTS idx_resources_kind ON resources(kind);
	`

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	// Configure SQLite connection string with parameters for concurrent access
	// - _journal_mode=WAL: Enable Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: Wait up to 10 seconds when database is locked
	// - _txlock=immediate: Acquire write lock at transaction start to reduce conflicts
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLStore{
		db: db,
		dialect: dialect{
			name:              "sqlite",
			isUniqueViolation: sqliteUniqueViolation,
			placeholders:      questionMarks,
		},
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func sqliteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
