package snapshot

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/alertqueue/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	taken_at   TEXT    NOT NULL,
	schema_ver INTEGER NOT NULL,
	items      INTEGER NOT NULL,
	data       BLOB    NOT NULL
);`

// DefaultRetention is how many snapshots an SQLiteStore keeps.
const DefaultRetention = 10

// SQLiteStore keeps a short history of snapshots in one SQLite file. Load
// returns the newest.
type SQLiteStore struct {
	path      string
	db        *sql.DB
	retention int
	mu        sync.Mutex
}

// OpenSQLite opens (and creates) the database at path.
func OpenSQLite(path string, retention int) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &SQLiteStore{path: path, db: db, retention: retention}, nil
}

// Write appends a snapshot and drops all but the newest retention rows.
func (s *SQLiteStore) Write(data types.SnapshotData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data.SchemaVer = types.SnapshotSchemaVersion
	normalize(&data)
	if data.TakenAt.IsZero() {
		data.TakenAt = time.Now()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`INSERT INTO snapshots(taken_at, schema_ver, items, data) VALUES(?,?,?,?)`,
		data.TakenAt.UTC().Format(time.RFC3339Nano), data.SchemaVer, len(data.Queue), raw,
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if _, err := tx.Exec(
		`DELETE FROM snapshots WHERE id NOT IN (SELECT id FROM snapshots ORDER BY id DESC LIMIT ?)`,
		s.retention,
	); err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return tx.Commit()
}

// Load returns the newest snapshot.
func (s *SQLiteStore) Load() (types.SnapshotData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw []byte
	err := s.db.QueryRow(`SELECT data FROM snapshots ORDER BY id DESC LIMIT 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SnapshotData{}, fmt.Errorf("%w: %s is empty", ErrSnapshotNotFound, s.path)
	}
	if err != nil {
		return types.SnapshotData{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return decode(raw)
}

// Count returns how many snapshots are kept.
func (s *SQLiteStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&n)
	return n, err
}

// Path returns the database path.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
