// Package queue is the device-local durable store: the pending telemetry
// queue and the agent's key/value state, in one SQLite file.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Record is a telemetry sample waiting to be delivered
type Record struct {
	LocalID    int64
	Type       string
	Payload    json.RawMessage
	CapturedAt time.Time
}

// ErrInvalidPayload means a record payload is not valid JSON
var ErrInvalidPayload = errors.New("record payload is not valid JSON")

// Store wraps the device database
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at path and ensures the schema exists
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pending_telemetry (
			local_id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			captured_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pending_telemetry_order ON pending_telemetry(captured_at, local_id);`,
		`CREATE TABLE IF NOT EXISTS agent_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Enqueue appends records in one transaction. Either all are stored or none.
func (s *Store) Enqueue(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if len(r.Payload) > 0 && !json.Valid(r.Payload) {
			return fmt.Errorf("enqueue %s: %w", r.Type, ErrInvalidPayload)
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO pending_telemetry (type, payload, captured_at) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range records {
			if strings.TrimSpace(r.Type) == "" {
				return errors.New("record type is required")
			}
			payload := r.Payload
			if len(payload) == 0 {
				payload = json.RawMessage("null")
			}
			capturedAt := r.CapturedAt
			if capturedAt.IsZero() {
				capturedAt = time.Now()
			}
			if _, err := stmt.ExecContext(ctx, r.Type, string(payload), capturedAt.UnixMilli()); err != nil {
				return fmt.Errorf("enqueue %s: %w", r.Type, err)
			}
		}
		return nil
	})
}

// Snapshot returns every pending record, oldest first
func (s *Store) Snapshot(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT local_id, type, payload, captured_at FROM pending_telemetry ORDER BY captured_at, local_id`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r          Record
			payload    string
			capturedAt int64
		)
		if err := rows.Scan(&r.LocalID, &r.Type, &payload, &capturedAt); err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
		r.Payload = json.RawMessage(payload)
		r.CapturedAt = time.UnixMilli(capturedAt).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Delete removes exactly the given records in one transaction
func (s *Store) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM pending_telemetry WHERE local_id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, id); err != nil {
				return fmt.Errorf("delete %d: %w", id, err)
			}
		}
		return nil
	})
}

// Len returns the number of pending records
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_telemetry`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
