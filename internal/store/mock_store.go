// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	pools    map[string]*SessionPoolRecord      // keyed by pool ID
	metrics  map[string][]*StrategyMetricRecord // keyed by pool ID
	backends map[string]*BackendServerConfig    // keyed by server ID

	// Calls to SavePoolRecord, for tests asserting persistence happened once.
	poolSaves int

	// Injectable failures
	SaveMetricErr   error
	UpdateCountsErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		pools:    make(map[string]*SessionPoolRecord),
		metrics:  make(map[string][]*StrategyMetricRecord),
		backends: make(map[string]*BackendServerConfig),
	}
}

// LoadActivePoolRecords returns copies of every active pool record.
func (m *MockStore) LoadActivePoolRecords(ctx context.Context) ([]*SessionPoolRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SessionPoolRecord
	for _, p := range m.pools {
		if !p.IsActive {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// SavePoolRecord stores or updates a pool record.
func (m *MockStore) SavePoolRecord(ctx context.Context, rec *SessionPoolRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	cp := *rec
	if existing, ok := m.pools[rec.ID]; ok {
		cp.Counters = existing.Counters
		cp.CreatedAt = existing.CreatedAt
	}
	m.pools[rec.ID] = &cp
	m.poolSaves++
	return nil
}

// UpdatePoolCounters overwrites a pool record's counters.
func (m *MockStore) UpdatePoolCounters(ctx context.Context, poolID string, c PoolCounters) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.UpdateCountsErr != nil {
		return m.UpdateCountsErr
	}
	p, ok := m.pools[poolID]
	if !ok {
		return ErrNotFound
	}
	p.Counters = c
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// DeactivatePoolRecord marks a pool record inactive.
func (m *MockStore) DeactivatePoolRecord(ctx context.Context, poolID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[poolID]
	if !ok {
		return ErrNotFound
	}
	p.IsActive = false
	return nil
}

// SaveStrategyMetric appends a metric.
func (m *MockStore) SaveStrategyMetric(ctx context.Context, rec *StrategyMetricRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveMetricErr != nil {
		return m.SaveMetricErr
	}
	cp := *rec
	m.metrics[rec.PoolID] = append(m.metrics[rec.PoolID], &cp)
	return nil
}

// QueryMetrics returns copies of a pool's metrics at or after since.
func (m *MockStore) QueryMetrics(ctx context.Context, poolID string, since time.Time) ([]*StrategyMetricRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*StrategyMetricRecord
	for _, rec := range m.metrics[poolID] {
		if rec.Timestamp.Before(since) {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}
	return result, nil
}

// LoadBackendServerConfig retrieves a backend server by ID.
func (m *MockStore) LoadBackendServerConfig(ctx context.Context, id string) (*BackendServerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.backends[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBackend(b), nil
}

// UpsertBackendServer stores or replaces a backend server.
func (m *MockStore) UpsertBackendServer(ctx context.Context, cfg *BackendServerConfig) error {
	if cfg.ID == "" {
		return errors.New("backend server ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	m.backends[cfg.ID] = copyBackend(cfg)
	return nil
}

// ListBackendServers returns all backend servers ordered by name.
func (m *MockStore) ListBackendServers(ctx context.Context) ([]*BackendServerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*BackendServerConfig, 0, len(m.backends))
	for _, b := range m.backends {
		result = append(result, copyBackend(b))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// PoolSaveCount reports how many times SavePoolRecord was called.
func (m *MockStore) PoolSaveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.poolSaves
}

// PoolRecords returns copies of all pool records, active or not.
func (m *MockStore) PoolRecords() []*SessionPoolRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*SessionPoolRecord, 0, len(m.pools))
	for _, p := range m.pools {
		cp := *p
		result = append(result, &cp)
	}
	return result
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

func copyBackend(b *BackendServerConfig) *BackendServerConfig {
	cp := *b
	cp.Args = slices.Clone(b.Args)
	cp.Env = maps.Clone(b.Env)
	return &cp
}

// Ensure MockStore implements Store interface.
var _ Store = (*MockStore)(nil)
