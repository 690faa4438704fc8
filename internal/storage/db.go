package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

const schemaVersion = "1"

// DB wraps the SQLite database of one peer.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database file at dbPath.
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	// Create internal metadata table
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}
	db.Exec(`INSERT OR IGNORE INTO _meta (key, value) VALUES ('schema_version', ?)`, schemaVersion)

	// Times are unix milliseconds; 0 means "never".
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _call_history (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id          TEXT NOT NULL UNIQUE,
			peer_id          TEXT NOT NULL,
			direction        TEXT NOT NULL,
			media_kind       TEXT NOT NULL,
			outcome          TEXT NOT NULL,
			error            TEXT DEFAULT '',
			started_at       INTEGER NOT NULL,
			connected_at     INTEGER DEFAULT 0,
			ended_at         INTEGER NOT NULL,
			duration_seconds INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS _call_history_peer ON _call_history (peer_id, ended_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call history table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _contacts (
			peer_id    TEXT PRIMARY KEY,
			name       TEXT DEFAULT '',
			calls      INTEGER DEFAULT 0,
			last_call  INTEGER DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create contacts table: %w", err)
	}

	log.Debugw("database ready", "path", dbPath)
	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}
