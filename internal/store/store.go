// Package store provides persistent storage for driftline using SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store provides persistent storage for driftline.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Config holds storage configuration.
type Config struct {
	// DataDir is the directory the SQLite file lives in. Ignored if Path is set.
	DataDir string
	// Path, if set, is the database file path; New appends its own
	// connection parameters to it.
	Path string
}

// New creates a new Store instance, creating the database file and schema
// if they do not already exist.
func New(cfg *Config) (*Store, error) {
	dbPath := cfg.Path
	if dbPath == "" {
		dataDir := expandPath(cfg.DataDir)
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		dbPath = filepath.Join(dataDir, "driftline.db")
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer; serializing here is what makes the
	// reservation engine's single-transaction atomicity requirement hold
	// without needing a heavier lock manager.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection, for packages (reservation,
// claim) that need to manage their own transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		sku TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		unit_price INTEGER NOT NULL,
		stock INTEGER NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_products_active ON products(active);

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		provider_session_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created INTEGER NOT NULL,
		FOREIGN KEY (product_id) REFERENCES products(id)
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_product ON reservations(product_id);
	CREATE INDEX IF NOT EXISTS idx_reservations_session ON reservations(provider_session_id);
	CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status);
	CREATE INDEX IF NOT EXISTS idx_reservations_status_created ON reservations(status, created);

	CREATE TABLE IF NOT EXISTS processed_payments (
		provider_session_id TEXT PRIMARY KEY,
		processed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS sessions (
		token_hash TEXT PRIMARY KEY,
		csrf_token TEXT NOT NULL,
		expires INTEGER NOT NULL,
		wrapped_data_key TEXT NOT NULL,
		user_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username_index TEXT NOT NULL UNIQUE,
		username_hash TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		wrapped_data_key TEXT NOT NULL,
		admin_level TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rate_limits (
		hashed_ip TEXT PRIMARY KEY,
		attempts INTEGER NOT NULL DEFAULT 0,
		locked_until INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_rate_limits_locked ON rate_limits(locked_until);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations applies forward-only schema changes for existing
// databases. Errors are ignored since a column may already exist -
// SQLite has no "ADD COLUMN IF NOT EXISTS".
func (s *Store) runMigrations() error {
	migrations := []string{
		// placeholder for future forward migrations; none needed yet.
	}

	for _, migration := range migrations {
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

// isUniqueConstraintError reports whether err is a SQLite unique
// constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return containsSubstring(err.Error(), "UNIQUE constraint failed")
}

func containsSubstring(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
