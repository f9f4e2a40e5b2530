// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides pool/metric/backend persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS backend_servers (
			id                   TEXT PRIMARY KEY,
			name                 TEXT NOT NULL,
			kind                 TEXT NOT NULL,
			endpoint             TEXT,
			command              TEXT,
			args_json            TEXT,
			env_json             TEXT,
			pool_enabled         INTEGER NOT NULL DEFAULT 0,
			pool_strategy        TEXT NOT NULL DEFAULT 'round_robin',
			pool_min_size        INTEGER NOT NULL DEFAULT 1,
			pool_max_size        INTEGER NOT NULL DEFAULT 10,
			pool_timeout         INTEGER NOT NULL DEFAULT 30,
			pool_recycle         INTEGER NOT NULL DEFAULT 3600,
			pool_pre_ping        INTEGER NOT NULL DEFAULT 1,
			pool_auto_adjust     INTEGER NOT NULL DEFAULT 0,
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL,

			CHECK (kind IN ('stdio', 'sse', 'streamable', 'websocket'))
		);

		CREATE TABLE IF NOT EXISTS session_pools (
			id                  TEXT PRIMARY KEY,
			server_id           TEXT NOT NULL REFERENCES backend_servers(id) ON DELETE CASCADE,
			name                TEXT NOT NULL,
			strategy            TEXT NOT NULL DEFAULT 'round_robin',
			min_size            INTEGER NOT NULL DEFAULT 1,
			max_size            INTEGER NOT NULL DEFAULT 10,
			timeout             INTEGER NOT NULL DEFAULT 30,
			active_sessions     INTEGER NOT NULL DEFAULT 0,
			available_sessions  INTEGER NOT NULL DEFAULT 0,
			total_acquisitions  INTEGER NOT NULL DEFAULT 0,
			total_releases      INTEGER NOT NULL DEFAULT 0,
			total_timeouts      INTEGER NOT NULL DEFAULT 0,
			is_active           INTEGER NOT NULL DEFAULT 1,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_session_pools_server ON session_pools(server_id);
		CREATE INDEX IF NOT EXISTS idx_session_pools_active ON session_pools(is_active);

		CREATE TABLE IF NOT EXISTS pool_strategy_metrics (
			id             TEXT PRIMARY KEY,
			pool_id        TEXT NOT NULL REFERENCES session_pools(id) ON DELETE CASCADE,
			strategy       TEXT NOT NULL,
			timestamp      TEXT NOT NULL,
			response_time  REAL NOT NULL,
			success        INTEGER NOT NULL,
			session_reused INTEGER NOT NULL DEFAULT 0,
			wait_time      REAL,
			error_message  TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_pool_metrics_pool_ts ON pool_strategy_metrics(pool_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "backend_servers",
			column: "stateful",
			apply:  `ALTER TABLE backend_servers ADD COLUMN stateful INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// Ensure SQLiteStore implements Store interface.
var _ Store = (*SQLiteStore)(nil)
