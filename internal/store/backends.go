// ABOUTME: SQLite persistence for backend MCP server configuration
// ABOUTME: Args and env are stored as JSON columns alongside per-server pool settings

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const backendColumns = `
	id, name, kind, endpoint, command, args_json, env_json,
	pool_enabled, pool_strategy, pool_min_size, pool_max_size, pool_timeout, pool_recycle,
	pool_pre_ping, pool_auto_adjust, stateful, created_at, updated_at
`

// LoadBackendServerConfig retrieves a backend server by ID.
// Returns ErrNotFound if the server does not exist.
func (s *SQLiteStore) LoadBackendServerConfig(ctx context.Context, id string) (*BackendServerConfig, error) {
	query := `SELECT ` + backendColumns + ` FROM backend_servers WHERE id = ?`

	cfg, err := scanBackend(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading backend server: %w", err)
	}
	return cfg, nil
}

// UpsertBackendServer creates or replaces a backend server's configuration.
func (s *SQLiteStore) UpsertBackendServer(ctx context.Context, cfg *BackendServerConfig) error {
	argsJSON, err := json.Marshal(cfg.Args)
	if err != nil {
		return fmt.Errorf("marshaling args: %w", err)
	}
	envJSON, err := json.Marshal(cfg.Env)
	if err != nil {
		return fmt.Errorf("marshaling env: %w", err)
	}

	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	query := `
		INSERT INTO backend_servers (` + backendColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			endpoint = excluded.endpoint,
			command = excluded.command,
			args_json = excluded.args_json,
			env_json = excluded.env_json,
			pool_enabled = excluded.pool_enabled,
			pool_strategy = excluded.pool_strategy,
			pool_min_size = excluded.pool_min_size,
			pool_max_size = excluded.pool_max_size,
			pool_timeout = excluded.pool_timeout,
			pool_recycle = excluded.pool_recycle,
			pool_pre_ping = excluded.pool_pre_ping,
			pool_auto_adjust = excluded.pool_auto_adjust,
			stateful = excluded.stateful,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		cfg.ID,
		cfg.Name,
		cfg.Kind,
		nullString(cfg.Endpoint),
		nullString(cfg.Command),
		string(argsJSON),
		string(envJSON),
		boolToInt(cfg.PoolEnabled),
		cfg.PoolStrategy,
		cfg.PoolMinSize,
		cfg.PoolMaxSize,
		cfg.PoolTimeoutSeconds,
		cfg.PoolRecycleSeconds,
		boolToInt(cfg.PoolPrePing),
		boolToInt(cfg.PoolAutoAdjust),
		boolToInt(cfg.Stateful),
		formatTime(cfg.CreatedAt),
		formatTime(cfg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting backend server: %w", err)
	}

	s.logger.Debug("upserted backend server", "id", cfg.ID, "kind", cfg.Kind, "pool_enabled", cfg.PoolEnabled)
	return nil
}

// ListBackendServers returns all backend servers ordered by name.
func (s *SQLiteStore) ListBackendServers(ctx context.Context) ([]*BackendServerConfig, error) {
	query := `SELECT ` + backendColumns + ` FROM backend_servers ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying backend servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var servers []*BackendServerConfig
	for rows.Next() {
		cfg, err := scanBackend(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backend server: %w", err)
		}
		servers = append(servers, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating backend rows: %w", err)
	}

	return servers, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBackend(row rowScanner) (*BackendServerConfig, error) {
	var (
		cfg                               BackendServerConfig
		endpoint, command, args, env      sql.NullString
		enabled, prePing, autoAdj, stateF int
		createdAt, updatedAt              string
	)
	err := row.Scan(
		&cfg.ID,
		&cfg.Name,
		&cfg.Kind,
		&endpoint,
		&command,
		&args,
		&env,
		&enabled,
		&cfg.PoolStrategy,
		&cfg.PoolMinSize,
		&cfg.PoolMaxSize,
		&cfg.PoolTimeoutSeconds,
		&cfg.PoolRecycleSeconds,
		&prePing,
		&autoAdj,
		&stateF,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	cfg.Endpoint = endpoint.String
	cfg.Command = command.String
	cfg.PoolEnabled = enabled == 1
	cfg.PoolPrePing = prePing == 1
	cfg.PoolAutoAdjust = autoAdj == 1
	cfg.Stateful = stateF == 1

	if args.Valid && args.String != "" && args.String != "null" {
		if err := json.Unmarshal([]byte(args.String), &cfg.Args); err != nil {
			return nil, fmt.Errorf("unmarshaling args: %w", err)
		}
	}
	if env.Valid && env.String != "" && env.String != "null" {
		if err := json.Unmarshal([]byte(env.String), &cfg.Env); err != nil {
			return nil, fmt.Errorf("unmarshaling env: %w", err)
		}
	}

	if cfg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if cfg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &cfg, nil
}
