package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	node_id    TEXT PRIMARY KEY,
	generation INTEGER NOT NULL,
	status     TEXT NOT NULL,
	backend    TEXT NOT NULL DEFAULT '',
	handle     TEXT NOT NULL DEFAULT '',
	attempts   INTEGER NOT NULL DEFAULT 0,
	strikes    INTEGER NOT NULL DEFAULT 0,
	last_seen  TIMESTAMP,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS jobs_status ON jobs (status);
`

// SQLiteStore persists job records in a single-file SQLite database, so a
// study survives process restarts and can be inspected with stock tooling.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the job database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("jobstore: create %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Concurrent submit workers share this handle; the sqlite driver
	// serializes writes, bounded connections keep it from lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobstore: initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec Record) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (node_id, generation, status, backend, handle, attempts, strikes, last_seen, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id) DO NOTHING`,
		rec.NodeID, rec.Generation, string(rec.Status), rec.Backend, rec.Handle,
		rec.Attempts, rec.Strikes, rec.LastSeen.UTC(), rec.LastError,
	)
	if err != nil {
		return false, fmt.Errorf("jobstore: insert %s: %w", rec.NodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Get(ctx context.Context, nodeID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_id, generation, status, backend, handle, attempts, strikes, last_seen, last_error
		FROM jobs WHERE node_id = ?`, nodeID)
	return scanRecord(row)
}

func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, generation, status, backend, handle, attempts, strikes, last_seen, last_error
		FROM jobs ORDER BY node_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Transition(ctx context.Context, nodeID string, from, to Status, mutate func(*Record)) (Record, error) {
	if !CanTransition(from, to) {
		return Record{}, fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}

	rec, err := s.Get(ctx, nodeID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != from {
		return Record{}, fmt.Errorf("%w: %s is %s, expected %s", ErrConflict, nodeID, rec.Status, from)
	}
	rec.Status = to
	rec.LastSeen = time.Now().UTC()
	if mutate != nil {
		mutate(&rec)
	}

	// The WHERE clause on the old status makes the swap atomic: if another
	// invocation moved the record first, no row matches.
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, backend = ?, handle = ?, attempts = ?, strikes = ?, last_seen = ?, last_error = ?
		WHERE node_id = ? AND status = ?`,
		string(rec.Status), rec.Backend, rec.Handle, rec.Attempts, rec.Strikes,
		rec.LastSeen, rec.LastError, nodeID, string(from),
	)
	if err != nil {
		return Record{}, fmt.Errorf("jobstore: transition %s: %w", nodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, err
	}
	if n == 0 {
		return Record{}, fmt.Errorf("%w: %s changed under %s -> %s", ErrConflict, nodeID, from, to)
	}
	return rec, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var status string
	var lastSeen sql.NullTime
	err := row.Scan(&rec.NodeID, &rec.Generation, &status, &rec.Backend, &rec.Handle,
		&rec.Attempts, &rec.Strikes, &lastSeen, &rec.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if lastSeen.Valid {
		rec.LastSeen = lastSeen.Time
	}
	return rec, nil
}
