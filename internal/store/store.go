// Package store persists cluster state (workers, models, model instances)
// in a single sqlite database under the data directory.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite handle. All methods take a context and are safe for
// concurrent use; sqlite serializes writes internally.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY on concurrent handler writes.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS workers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		hostname TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		labels TEXT NOT NULL DEFAULT '{}',
		state TEXT NOT NULL,
		state_message TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '{}',
		heartbeat_time TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS models (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL,
		huggingface_repo_id TEXT NOT NULL DEFAULT '',
		huggingface_filename TEXT NOT NULL DEFAULT '',
		local_path TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		backend TEXT NOT NULL,
		backend_params TEXT NOT NULL DEFAULT '[]',
		replicas INTEGER NOT NULL DEFAULT 1,
		vram_claim INTEGER NOT NULL DEFAULT 0,
		placement_strategy TEXT NOT NULL DEFAULT 'spread',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS model_instances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		model_id INTEGER NOT NULL REFERENCES models(id) ON DELETE CASCADE,
		model_name TEXT NOT NULL,
		worker_id INTEGER NOT NULL DEFAULT 0,
		worker_ip TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		state_message TEXT NOT NULL DEFAULT '',
		gpu_indexes TEXT NOT NULL DEFAULT '[]',
		claim TEXT NOT NULL DEFAULT '{}',
		port INTEGER NOT NULL DEFAULT 0,
		pid INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_worker ON model_instances(worker_id)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_model ON model_instances(model_id)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_state ON model_instances(state)`,
}

func now() time.Time { return time.Now().UTC() }

// ErrNotFound is returned when a row does not exist.
type notFoundError struct{ what string }

func (e notFoundError) Error() string { return e.what + " not found" }

// ErrNotFound constructs a not-found error for the given entity description.
func ErrNotFound(what string) error { return notFoundError{what: what} }

// IsNotFound reports whether err is a store not-found error.
func IsNotFound(err error) bool {
	_, ok := err.(notFoundError)
	return ok
}

func scanErr(what string, err error) error {
	if err == sql.ErrNoRows {
		return notFoundError{what: what}
	}
	return err
}
