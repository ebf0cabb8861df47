package main

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the sqlite database and creates the schema. The same
// database backs the result cache, the review queue and run history.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_created ON cache_entries(created_at);

	CREATE TABLE IF NOT EXISTS review_items (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		predicted_domain TEXT NOT NULL,
		confidence REAL NOT NULL,
		top_candidates TEXT,
		reason TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL,
		corrected_domain TEXT,
		reviewer_id TEXT,
		notes TEXT,
		review_timestamp TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_review_status ON review_items(status, priority, created_at);

	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		input_count INTEGER NOT NULL DEFAULT 0,
		classified_count INTEGER NOT NULL DEFAULT 0,
		augmented_count INTEGER NOT NULL DEFAULT 0,
		accepted_count INTEGER NOT NULL DEFAULT 0,
		rejected_count INTEGER NOT NULL DEFAULT 0,
		queued_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		version_tag TEXT,
		status TEXT NOT NULL DEFAULT 'running'
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return db, nil
}
