package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore appends every snapshot as a row; the newest row per entity wins
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path in WAL mode
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases shared and writes serialized
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id TEXT NOT NULL,
			document BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_entity ON snapshots(entity_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save appends a snapshot row
func (s *SQLiteStore) Save(ctx context.Context, entityID string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO snapshots (entity_id, document, created_at) VALUES (?, ?, ?)",
		entityID, data, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// Load returns the newest snapshot row
func (s *SQLiteStore) Load(ctx context.Context, entityID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT document FROM snapshots WHERE entity_id = ? ORDER BY id DESC LIMIT 1",
		entityID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", entityID, ErrSnapshotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return data, nil
}

// Revisions returns how many snapshots are stored for entityID
func (s *SQLiteStore) Revisions(ctx context.Context, entityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM snapshots WHERE entity_id = ?", entityID).Scan(&n)
	return n, err
}

// Prune keeps only the newest keep rows for entityID
func (s *SQLiteStore) Prune(ctx context.Context, entityID string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE entity_id = ? AND id NOT IN (
			SELECT id FROM snapshots WHERE entity_id = ? ORDER BY id DESC LIMIT ?
		)`, entityID, entityID, keep)
	return err
}

// Delete removes every row for entityID
func (s *SQLiteStore) Delete(ctx context.Context, entityID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE entity_id = ?", entityID)
	return err
}

// List returns entity ids with at least one snapshot, sorted
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT entity_id FROM snapshots ORDER BY entity_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
