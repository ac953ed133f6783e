package repository

import (
	"database/sql"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteDB creates and initializes a SQLite database.
// Transactions begin IMMEDIATE so concurrent writers are serialized by the
// database instead of failing late on lock upgrade.
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(dbPath))
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func sqliteDSN(dbPath string) string {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", "5000")
	params.Set("_txlock", "immediate")
	params.Set("_journal_mode", "WAL")
	return "file:" + dbPath + "?" + params.Encode()
}

func createTables(db *sql.DB) error {
	schema := `
	-- Users who can sign in on devices
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'child',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Single-use enrollment codes
	CREATE TABLE IF NOT EXISTS registration_tokens (
		id TEXT PRIMARY KEY,
		code TEXT UNIQUE NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_registration_tokens_expires ON registration_tokens(expires_at);

	-- Enrolled devices
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		os_version TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		registered_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Allow-list policies, config kept as submitted
	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		config TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_policies_created_at ON policies(created_at);

	-- At most one policy per device
	CREATE TABLE IF NOT EXISTS device_policies (
		device_id TEXT PRIMARY KEY REFERENCES devices(id) ON DELETE CASCADE,
		policy_id TEXT NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
		assigned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_device_policies_policy_id ON device_policies(policy_id);

	-- Append-only telemetry; device_id may be 'unknown'
	CREATE TABLE IF NOT EXISTS telemetry_events (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		user_id TEXT,
		type TEXT NOT NULL,
		data TEXT NOT NULL,
		occurred_at DATETIME NOT NULL,
		received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_telemetry_events_device ON telemetry_events(device_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_telemetry_events_type ON telemetry_events(type);
	`

	_, err := db.Exec(schema)
	return err
}
