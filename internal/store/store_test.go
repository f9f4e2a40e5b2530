// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers backend servers, pool record lifecycle, and strategy metric queries

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func seedBackend(t *testing.T, s Store, id string) *BackendServerConfig {
	t.Helper()
	cfg := &BackendServerConfig{
		ID:                 id,
		Name:               "server " + id,
		Kind:               "stdio",
		Command:            "mcp-server-time",
		Args:               []string{"--local-timezone", "UTC"},
		Env:                map[string]string{"LOG_LEVEL": "debug"},
		PoolEnabled:        true,
		PoolStrategy:       "round_robin",
		PoolMinSize:        1,
		PoolMaxSize:        5,
		PoolTimeoutSeconds: 30,
		PoolRecycleSeconds: 3600,
		PoolPrePing:        true,
	}
	require.NoError(t, s.UpsertBackendServer(context.Background(), cfg))
	return cfg
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "pool.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestNewSQLiteStore_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pool.db")

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	seedBackend(t, first, "srv-1")
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.LoadBackendServerConfig(context.Background(), "srv-1")
	require.NoError(t, err)
	assert.Equal(t, "server srv-1", got.Name)
}

func TestStore_BackendServerRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	want := seedBackend(t, store, "srv-1")

	got, err := store.LoadBackendServerConfig(ctx, "srv-1")
	require.NoError(t, err)
	assert.Equal(t, want.Kind, got.Kind)
	assert.Equal(t, want.Command, got.Command)
	assert.Equal(t, want.Args, got.Args)
	assert.Equal(t, want.Env, got.Env)
	assert.True(t, got.PoolEnabled)
	assert.True(t, got.PoolPrePing)
	assert.False(t, got.PoolAutoAdjust)
	assert.False(t, got.Stateful)
	assert.Equal(t, 5, got.PoolMaxSize)
	assert.Equal(t, 3600, got.PoolRecycleSeconds)
	assert.Empty(t, got.Endpoint)
}

func TestStore_UpsertBackendServer_Updates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cfg := seedBackend(t, store, "srv-1")
	cfg.Stateful = true
	cfg.PoolStrategy = "sticky"
	cfg.Args = nil
	require.NoError(t, store.UpsertBackendServer(ctx, cfg))

	got, err := store.LoadBackendServerConfig(ctx, "srv-1")
	require.NoError(t, err)
	assert.True(t, got.Stateful)
	assert.Equal(t, "sticky", got.PoolStrategy)
	assert.Empty(t, got.Args)

	all, err := store.ListBackendServers(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_LoadBackendServerConfig_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.LoadBackendServerConfig(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpsertBackendServer_RejectsUnknownKind(t *testing.T) {
	store := setupTestStore(t)

	err := store.UpsertBackendServer(context.Background(), &BackendServerConfig{
		ID:           "bad",
		Name:         "bad",
		Kind:         "carrier-pigeon",
		PoolStrategy: "round_robin",
	})
	assert.Error(t, err)
}

func TestStore_PoolRecordLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	seedBackend(t, store, "srv-1")

	rec := &SessionPoolRecord{
		ID:              "pool-1",
		BackendServerID: "srv-1",
		Name:            "Pool for srv-1",
		Strategy:        "round_robin",
		MinSize:         1,
		MaxSize:         5,
		TimeoutSeconds:  30,
		IsActive:        true,
	}
	require.NoError(t, store.SavePoolRecord(ctx, rec))

	records, err := store.LoadActivePoolRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "srv-1", records[0].BackendServerID)
	assert.Equal(t, 30, records[0].TimeoutSeconds)

	counters := PoolCounters{
		ActiveSessions:    2,
		AvailableSessions: 1,
		TotalAcquisitions: 10,
		TotalReleases:     8,
		TotalTimeouts:     1,
	}
	require.NoError(t, store.UpdatePoolCounters(ctx, "pool-1", counters))

	records, err = store.LoadActivePoolRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, counters, records[0].Counters)

	// Saving the config again must not clobber counters.
	rec.Strategy = "weighted"
	require.NoError(t, store.SavePoolRecord(ctx, rec))
	records, err = store.LoadActivePoolRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, "weighted", records[0].Strategy)
	assert.Equal(t, counters, records[0].Counters)

	require.NoError(t, store.DeactivatePoolRecord(ctx, "pool-1"))
	records, err = store.LoadActivePoolRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_PoolRecord_MissingIDs(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, store.UpdatePoolCounters(ctx, "nope", PoolCounters{}), ErrNotFound)
	assert.ErrorIs(t, store.DeactivatePoolRecord(ctx, "nope"), ErrNotFound)
}

func TestStore_QueryMetrics_Window(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	seedBackend(t, store, "srv-1")
	require.NoError(t, store.SavePoolRecord(ctx, &SessionPoolRecord{
		ID: "pool-1", BackendServerID: "srv-1", Name: "p", Strategy: "round_robin", IsActive: true,
	}))

	now := time.Now().UTC().Truncate(time.Second)
	save := func(ts time.Time, success bool, errMsg string) {
		require.NoError(t, store.SaveStrategyMetric(ctx, &StrategyMetricRecord{
			ID:                  uuid.New().String(),
			PoolID:              "pool-1",
			Strategy:            "round_robin",
			Timestamp:           ts,
			ResponseTimeSeconds: 0.25,
			Success:             success,
			SessionReused:       success,
			WaitTimeSeconds:     0.25,
			ErrorMessage:        errMsg,
		}))
	}
	save(now.Add(-48*time.Hour), true, "")
	save(now.Add(-time.Hour), true, "")
	save(now.Add(-time.Minute), false, "boom")

	metrics, err := store.QueryMetrics(ctx, "pool-1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.True(t, metrics[0].Success)
	assert.True(t, metrics[0].SessionReused)
	assert.False(t, metrics[1].Success)
	assert.Equal(t, "boom", metrics[1].ErrorMessage)
	assert.InDelta(t, 0.25, metrics[1].ResponseTimeSeconds, 1e-9)
	assert.Equal(t, now.Add(-time.Minute), metrics[1].Timestamp)

	other, err := store.QueryMetrics(ctx, "pool-2", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestStore_SaveStrategyMetric_UnknownPool(t *testing.T) {
	store := setupTestStore(t)

	err := store.SaveStrategyMetric(context.Background(), &StrategyMetricRecord{
		ID:        uuid.New().String(),
		PoolID:    "ghost",
		Strategy:  "round_robin",
		Timestamp: time.Now(),
	})
	assert.Error(t, err)
}
