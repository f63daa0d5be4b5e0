package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps one row per session and replaces all rows in a single transaction.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id   TEXT PRIMARY KEY,
			data TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sessions_corrupt (
			id             TEXT PRIMARY KEY,
			data           TEXT NOT NULL,
			quarantined_at TEXT NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Load reads every session row. Unparsable rows are moved to sessions_corrupt and the
// remaining sessions are returned together with ErrCorruptStore.
func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM sessions`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	snapshot := Snapshot{}
	corrupt := map[string]string{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return Snapshot{}, fmt.Errorf("failed to scan session row: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			corrupt[id] = data
			continue
		}
		snapshot[id] = rec
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("failed to read sessions: %w", err)
	}
	rows.Close()

	if len(corrupt) == 0 {
		return snapshot, nil
	}
	if err := s.quarantine(ctx, corrupt); err != nil {
		return Snapshot{}, err
	}
	ids := make([]string, 0, len(corrupt))
	for id := range corrupt {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return snapshot, fmt.Errorf("%w: moved sessions %s to sessions_corrupt", ErrCorruptStore, strings.Join(ids, ", "))
}

func (s *SQLiteStore) quarantine(ctx context.Context, corrupt map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin quarantine: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for id, data := range corrupt {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO sessions_corrupt (id, data, quarantined_at) VALUES (?, ?, ?)`,
			id, data, now); err != nil {
			return fmt.Errorf("failed to quarantine session %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to quarantine session %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit quarantine: %w", err)
	}
	return nil
}

// Save replaces the stored snapshot inside one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sessions (id, data) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for id, rec := range snapshot {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal session %s: %w", id, err)
		}
		if _, err := stmt.ExecContext(ctx, id, string(data)); err != nil {
			return fmt.Errorf("failed to insert session %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
