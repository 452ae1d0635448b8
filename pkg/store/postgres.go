package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS resources (
		id TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		version TEXT,
		status TEXT,
		body TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (id, kind)
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		status_message TEXT,
		user_name TEXT NOT NULL,
		name TEXT NOT NULL,
		version TEXT,
		claimed BOOLEAN NOT NULL DEFAULT FALSE,
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		memory_used INTEGER NOT NULL DEFAULT 0,
		cluster_id TEXT,
		command_id TEXT,
		application_ids TEXT,
		archive_location TEXT,
		hostname TEXT,
		process_id INTEGER,
		agent_version TEXT,
		exit_code INTEGER,
		kill_requested BOOLEAN NOT NULL DEFAULT FALSE,
		kill_reason TEXT,
		claim_token_hash TEXT,
		request TEXT NOT NULL,
		specification TEXT,
		state_transitions TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_user_status ON jobs(user_name, status);
	CREATE INDEX IF NOT EXISTS idx_resources_kind ON resources(kind);
	`

// uniqueViolation is the SQLSTATE for a unique or primary key violation
const uniqueViolation = "23505"

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*SQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25) // Default
	}

	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5) // Default
	}

	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute) // Default
	}

	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute) // Default
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLStore{
		db: db,
		dialect: dialect{
			name:              "postgres",
			forUpdate:         " FOR UPDATE",
			isUniqueViolation: postgresUniqueViolation,
			placeholders:      dollarNumbers,
		},
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func postgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
