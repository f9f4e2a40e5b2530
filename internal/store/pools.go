// ABOUTME: SQLite persistence for session pool records and strategy metrics
// ABOUTME: Pool rows are upserted and soft-deleted; metrics are append-only

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LoadActivePoolRecords returns every pool record still marked active.
func (s *SQLiteStore) LoadActivePoolRecords(ctx context.Context) ([]*SessionPoolRecord, error) {
	query := `
		SELECT id, server_id, name, strategy, min_size, max_size, timeout,
		       active_sessions, available_sessions, total_acquisitions, total_releases, total_timeouts,
		       is_active, created_at, updated_at
		FROM session_pools
		WHERE is_active = 1
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying active pools: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*SessionPoolRecord
	for rows.Next() {
		rec, err := scanPoolRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pool rows: %w", err)
	}

	return records, nil
}

// SavePoolRecord inserts a pool record or updates its configuration if the ID exists.
// Counters are only written on insert; UpdatePoolCounters owns them afterwards.
func (s *SQLiteStore) SavePoolRecord(ctx context.Context, rec *SessionPoolRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	query := `
		INSERT INTO session_pools (
			id, server_id, name, strategy, min_size, max_size, timeout,
			active_sessions, available_sessions, total_acquisitions, total_releases, total_timeouts,
			is_active, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			strategy = excluded.strategy,
			min_size = excluded.min_size,
			max_size = excluded.max_size,
			timeout = excluded.timeout,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.BackendServerID,
		rec.Name,
		rec.Strategy,
		rec.MinSize,
		rec.MaxSize,
		rec.TimeoutSeconds,
		rec.Counters.ActiveSessions,
		rec.Counters.AvailableSessions,
		rec.Counters.TotalAcquisitions,
		rec.Counters.TotalReleases,
		rec.Counters.TotalTimeouts,
		boolToInt(rec.IsActive),
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving pool record: %w", err)
	}

	s.logger.Debug("saved pool record", "pool_id", rec.ID, "server_id", rec.BackendServerID, "strategy", rec.Strategy)
	return nil
}

// UpdatePoolCounters overwrites the live counters of a pool record.
func (s *SQLiteStore) UpdatePoolCounters(ctx context.Context, poolID string, c PoolCounters) error {
	query := `
		UPDATE session_pools
		SET active_sessions = ?, available_sessions = ?,
		    total_acquisitions = ?, total_releases = ?, total_timeouts = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		c.ActiveSessions,
		c.AvailableSessions,
		c.TotalAcquisitions,
		c.TotalReleases,
		c.TotalTimeouts,
		formatTime(time.Now()),
		poolID,
	)
	if err != nil {
		return fmt.Errorf("updating pool counters: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivatePoolRecord marks a pool record inactive. The row is kept for history.
func (s *SQLiteStore) DeactivatePoolRecord(ctx context.Context, poolID string) error {
	query := `UPDATE session_pools SET is_active = 0, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, formatTime(time.Now()), poolID)
	if err != nil {
		return fmt.Errorf("deactivating pool: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deactivated pool record", "pool_id", poolID)
	return nil
}

// SaveStrategyMetric appends one strategy metric.
func (s *SQLiteStore) SaveStrategyMetric(ctx context.Context, m *StrategyMetricRecord) error {
	query := `
		INSERT INTO pool_strategy_metrics (
			id, pool_id, strategy, timestamp, response_time, success, session_reused, wait_time, error_message
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		m.ID,
		m.PoolID,
		m.Strategy,
		formatTime(m.Timestamp),
		m.ResponseTimeSeconds,
		boolToInt(m.Success),
		boolToInt(m.SessionReused),
		m.WaitTimeSeconds,
		nullString(m.ErrorMessage),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("saving strategy metric for pool %s: %w", m.PoolID, err)
		}
		return fmt.Errorf("saving strategy metric: %w", err)
	}
	return nil
}

// QueryMetrics returns a pool's metrics recorded at or after since, oldest first.
func (s *SQLiteStore) QueryMetrics(ctx context.Context, poolID string, since time.Time) ([]*StrategyMetricRecord, error) {
	query := `
		SELECT id, pool_id, strategy, timestamp, response_time, success, session_reused, wait_time, error_message
		FROM pool_strategy_metrics
		WHERE pool_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC
	`

	rows, err := s.db.QueryContext(ctx, query, poolID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("querying strategy metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var metrics []*StrategyMetricRecord
	for rows.Next() {
		var (
			m         StrategyMetricRecord
			ts        string
			success   int
			reused    int
			waitTime  sql.NullFloat64
			errString sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.PoolID, &m.Strategy, &ts, &m.ResponseTimeSeconds, &success, &reused, &waitTime, &errString); err != nil {
			return nil, fmt.Errorf("scanning strategy metric: %w", err)
		}
		if m.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing metric timestamp: %w", err)
		}
		m.Success = success == 1
		m.SessionReused = reused == 1
		m.WaitTimeSeconds = waitTime.Float64
		m.ErrorMessage = errString.String
		metrics = append(metrics, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating metric rows: %w", err)
	}

	return metrics, nil
}

func scanPoolRecord(rows *sql.Rows) (*SessionPoolRecord, error) {
	var (
		rec                  SessionPoolRecord
		isActive             int
		createdAt, updatedAt string
	)
	err := rows.Scan(
		&rec.ID,
		&rec.BackendServerID,
		&rec.Name,
		&rec.Strategy,
		&rec.MinSize,
		&rec.MaxSize,
		&rec.TimeoutSeconds,
		&rec.Counters.ActiveSessions,
		&rec.Counters.AvailableSessions,
		&rec.Counters.TotalAcquisitions,
		&rec.Counters.TotalReleases,
		&rec.Counters.TotalTimeouts,
		&isActive,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning pool record: %w", err)
	}

	rec.IsActive = isActive == 1
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rec, nil
}
