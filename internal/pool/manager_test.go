// ABOUTME: Tests for the pool Manager lifecycle, lazy creation, and background loops
// ABOUTME: Uses MockStore and fake transports to exercise persistence and optimization

package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-pool/internal/store"
)

func seedServer(t *testing.T, s store.Store, id string, mutate ...func(*store.BackendServerConfig)) {
	t.Helper()
	cfg := &store.BackendServerConfig{
		ID:                 id,
		Name:               id,
		Kind:               "sse",
		Endpoint:           "http://localhost:9000/sse",
		PoolEnabled:        true,
		PoolStrategy:       "round_robin",
		PoolMaxSize:        5,
		PoolRecycleSeconds: 120,
		PoolAutoAdjust:     true,
	}
	for _, fn := range mutate {
		fn(cfg)
	}
	require.NoError(t, s.UpsertBackendServer(context.Background(), cfg))
}

func newTestManager(t *testing.T, s store.Store, f *fakeFactory, mutate ...func(*ManagerConfig)) *Manager {
	t.Helper()
	cfg := ManagerConfig{
		Enabled:         true,
		DefaultStrategy: StrategyRoundRobin,
		DefaultMinSize:  1,
		DefaultMaxSize:  10,
		DefaultTimeout:  time.Second,
		SessionTTL:      time.Hour,
		MaxIdleTime:     10 * time.Minute,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m := NewManager(s, f.connect, cfg, testLogger())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestManager_GetOrCreatePool_ConcurrentCallsConverge(t *testing.T) {
	ms := store.NewMockStore()
	seedServer(t, ms, "srv-1")
	m := newTestManager(t, ms, &fakeFactory{})

	const n = 10
	pools := make([]*SessionPool, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pools[i] = m.GetOrCreatePool(context.Background(), "srv-1")
		}()
	}
	wg.Wait()

	require.NotNil(t, pools[0])
	for _, p := range pools {
		assert.Same(t, pools[0], p)
	}
	assert.Equal(t, 1, ms.PoolSaveCount())
	assert.Len(t, ms.PoolRecords(), 1)
	assert.True(t, m.HasPool("srv-1"))
}

func TestManager_GetOrCreatePool_Unavailable(t *testing.T) {
	ms := store.NewMockStore()
	seedServer(t, ms, "disabled", func(c *store.BackendServerConfig) { c.PoolEnabled = false })
	m := newTestManager(t, ms, &fakeFactory{})
	ctx := context.Background()

	assert.Nil(t, m.GetOrCreatePool(ctx, "missing"))
	assert.Nil(t, m.GetOrCreatePool(ctx, "disabled"))
	assert.False(t, m.HasPool("disabled"))

	seedServer(t, ms, "srv-1")
	off := newTestManager(t, ms, &fakeFactory{}, func(c *ManagerConfig) { c.Enabled = false })
	assert.Nil(t, off.GetOrCreatePool(ctx, "srv-1"))
}

func TestManager_ConfigPrecedence(t *testing.T) {
	ms := store.NewMockStore()
	seedServer(t, ms, "srv-1")
	seedServer(t, ms, "srv-2")
	seedServer(t, ms, "srv-3", func(c *store.BackendServerConfig) {
		c.PoolMaxSize = 0
		c.PoolStrategy = ""
		c.PoolRecycleSeconds = 0
	})
	m := newTestManager(t, ms, &fakeFactory{})
	ctx := context.Background()

	overridden := m.GetOrCreatePool(ctx, "srv-1", OverrideMaxSize(3), OverrideStrategy(StrategyWeighted), OverrideMinSize(2))
	require.NotNil(t, overridden)
	assert.Equal(t, 3, overridden.Config().MaxSize)
	assert.Equal(t, 2, overridden.Config().MinSize)
	assert.Equal(t, StrategyWeighted, overridden.Strategy())

	server := m.GetOrCreatePool(ctx, "srv-2")
	require.NotNil(t, server)
	assert.Equal(t, 5, server.Config().MaxSize)
	assert.Equal(t, 2*time.Minute, server.Config().TTL)

	global := m.GetOrCreatePool(ctx, "srv-3")
	require.NotNil(t, global)
	assert.Equal(t, 10, global.Config().MaxSize)
	assert.Equal(t, time.Hour, global.Config().TTL)
	assert.Equal(t, StrategyRoundRobin, global.Strategy())
}

func TestManager_OptimizeWithoutMetrics(t *testing.T) {
	ms := store.NewMockStore()
	seedServer(t, ms, "srv-1")
	m := newTestManager(t, ms, &fakeFactory{})
	require.NotNil(t, m.GetOrCreatePool(context.Background(), "srv-1"))

	rec, ok := m.OptimizePoolStrategy(context.Background(), "srv-1")
	assert.False(t, ok)
	assert.Empty(t, rec)

	_, ok = m.OptimizePoolStrategy(context.Background(), "no-pool")
	assert.False(t, ok)
}

func TestManager_OptimizeRecommendations(t *testing.T) {
	ctx := context.Background()

	saveMetrics := func(t *testing.T, ms *store.MockStore, poolID string, responseTime float64) {
		for range 5 {
			require.NoError(t, ms.SaveStrategyMetric(ctx, &store.StrategyMetricRecord{
				ID:                  uuid.New().String(),
				PoolID:              poolID,
				Strategy:            string(StrategyRoundRobin),
				Timestamp:           time.Now().UTC(),
				ResponseTimeSeconds: responseTime,
				Success:             true,
			}))
		}
		// Old samples fall outside the window.
		require.NoError(t, ms.SaveStrategyMetric(ctx, &store.StrategyMetricRecord{
			ID:                  uuid.New().String(),
			PoolID:              poolID,
			Strategy:            string(StrategyRoundRobin),
			Timestamp:           time.Now().Add(-48 * time.Hour),
			ResponseTimeSeconds: 100,
		}))
	}

	t.Run("slow backend", func(t *testing.T) {
		ms := store.NewMockStore()
		seedServer(t, ms, "srv-1")
		m := newTestManager(t, ms, &fakeFactory{})
		p := m.GetOrCreatePool(ctx, "srv-1")
		require.NotNil(t, p)
		saveMetrics(t, ms, p.ID(), 2.5)

		rec, ok := m.OptimizePoolStrategy(ctx, "srv-1")
		require.True(t, ok)
		assert.Equal(t, StrategyLeastConnections, rec)
	})

	t.Run("fast backend", func(t *testing.T) {
		ms := store.NewMockStore()
		seedServer(t, ms, "srv-1")
		m := newTestManager(t, ms, &fakeFactory{})
		p := m.GetOrCreatePool(ctx, "srv-1")
		require.NotNil(t, p)
		saveMetrics(t, ms, p.ID(), 0.2)

		rec, ok := m.OptimizePoolStrategy(ctx, "srv-1")
		require.True(t, ok)
		assert.Equal(t, StrategyRoundRobin, rec)
	})

	t.Run("stateful backend", func(t *testing.T) {
		ms := store.NewMockStore()
		seedServer(t, ms, "srv-1", func(c *store.BackendServerConfig) { c.Stateful = true })
		m := newTestManager(t, ms, &fakeFactory{})
		p := m.GetOrCreatePool(ctx, "srv-1")
		require.NotNil(t, p)
		saveMetrics(t, ms, p.ID(), 2.5)

		rec, ok := m.OptimizePoolStrategy(ctx, "srv-1")
		require.True(t, ok)
		assert.Equal(t, StrategySticky, rec)
	})

	t.Run("timeouts drive weighted", func(t *testing.T) {
		ms := store.NewMockStore()
		seedServer(t, ms, "srv-1")
		f := &fakeFactory{delay: 200 * time.Millisecond, ignoreCt: true}
		m := newTestManager(t, ms, f)
		p := m.GetOrCreatePool(ctx, "srv-1")
		require.NotNil(t, p)

		_, err := p.Acquire(ctx, testKey, 20*time.Millisecond)
		require.ErrorIs(t, err, ErrAcquireTimeout)

		rec, ok := m.OptimizePoolStrategy(ctx, "srv-1")
		require.True(t, ok)
		assert.Equal(t, StrategyWeighted, rec)
	})
}

func TestManager_OptimizeIgnoresHoldTime(t *testing.T) {
	ms := store.NewMockStore()
	seedServer(t, ms, "srv-1")
	clk := newFakeClock()
	m := newTestManager(t, ms, &fakeFactory{})
	m.now = clk.Now
	ctx := context.Background()

	for range 5 {
		lease, err := m.AcquireSession(ctx, testKey, 0)
		require.NoError(t, err)
		require.NotNil(t, lease)
		clk.Advance(3 * time.Second)
		require.NoError(t, m.ReleaseSession(ctx, "srv-1", lease.SessionID, true, ""))
	}

	p := m.GetOrCreatePool(ctx, "srv-1")
	require.NotNil(t, p)
	metrics, err := ms.QueryMetrics(ctx, p.ID(), time.Time{})
	require.NoError(t, err)
	assert.Len(t, metrics, 5)

	rec, ok := m.OptimizePoolStrategy(ctx, "srv-1")
	require.True(t, ok)
	assert.Equal(t, StrategyRoundRobin, rec)
}

func TestManager_SubSecondTimeoutPersists(t *testing.T) {
	ms := store.NewMockStore()
	seedServer(t, ms, "srv-1")
	m := newTestManager(t, ms, &fakeFactory{}, func(c *ManagerConfig) {
		c.DefaultTimeout = 500 * time.Millisecond
	})

	require.NotNil(t, m.GetOrCreatePool(context.Background(), "srv-1"))
	records := ms.PoolRecords()
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].TimeoutSeconds)
}

func TestCeilSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{30 * time.Second, 30},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ceilSeconds(tt.in), tt.in.String())
	}
}

func TestManager_ReleaseAfterDrainTimeout(t *testing.T) {
	ms := store.NewMockStore()
	seedServer(t, ms, "srv-1")
	m := newTestManager(t, ms, &fakeFactory{})
	ctx := context.Background()

	lease, err := m.AcquireSession(ctx, testKey, 0)
	require.NoError(t, err)
	require.NotNil(t, lease)

	// Unknown sessions on a live pool are still reported.
	assert.ErrorIs(t, m.ReleaseSession(ctx, "srv-1", "nope", true, ""), ErrUnknownSession)

	require.NoError(t, m.DrainPool(ctx, "srv-1", 50*time.Millisecond))
	assert.NoError(t, m.ReleaseSession(ctx, "srv-1", lease.SessionID, true, ""))
}

func TestManager_AcquireAndRelease(t *testing.T) {
	ms := store.NewMockStore()
	seedServer(t, ms, "srv-1")
	f := &fakeFactory{}
	m := newTestManager(t, ms, f)
	ctx := context.Background()

	lease, err := m.AcquireSession(ctx, testKey, 0)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.True(t, lease.Pooled)

	require.NoError(t, m.ReleaseSession(ctx, "srv-1", lease.SessionID, true, ""))
	require.NoError(t, m.ReleaseSession(ctx, "no-pool", "whatever", true, ""))

	stats := m.GetPoolStats("srv-1")
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].TotalAcquisitions)
	assert.Equal(t, int64(1), stats[0].TotalReleases)
	assert.Equal(t, 1, stats[0].AvailableSessions)
}

func TestManager_AcquireSession_NoPool(t *testing.T) {
	m := newTestManager(t, store.NewMockStore(), &fakeFactory{})

	lease, err := m.AcquireSession(context.Background(), RoutingKey{UserID: "u", BackendServerID: "ghost"}, 0)
	assert.NoError(t, err)
	assert.Nil(t, lease)
}

func TestManager_ConnectFallsBackWhenExhausted(t *testing.T) {
	ms := store.NewMockStore()
	seedServer(t, ms, "srv-1", func(c *store.BackendServerConfig) { c.PoolMaxSize = 1 })
	f := &fakeFactory{}
	m := newTestManager(t, ms, f)
	ctx := context.Background()

	pooled, err := m.Connect(ctx, testKey, 0)
	require.NoError(t, err)
	assert.True(t, pooled.Pooled)

	other := RoutingKey{UserID: "bob", BackendServerID: "srv-1", Kind: KindSSE}
	direct, err := m.Connect(ctx, other, 0)
	require.NoError(t, err)
	assert.False(t, direct.Pooled)
	assert.Empty(t, direct.SessionID)

	require.NoError(t, m.Release(ctx, direct, true, ""))
	assert.True(t, f.transport(1).disconnected())

	require.NoError(t, m.Release(ctx, pooled, true, ""))
	assert.False(t, f.transport(0).disconnected())
}

func TestManager_ConnectSurfacesTransportError(t *testing.T) {
	boom := errors.New("dial tcp: connection refused")
	m := newTestManager(t, store.NewMockStore(), &fakeFactory{err: boom})

	_, err := m.Connect(context.Background(), RoutingKey{UserID: "u", BackendServerID: "ghost"}, 0)
	assert.ErrorIs(t, err, boom)
}

func TestManager_MonitorOnce(t *testing.T) {
	ms := store.NewMockStore()
	seedServer(t, ms, "srv-1")
	seedServer(t, ms, "srv-2")
	m := newTestManager(t, ms, &fakeFactory{})
	ctx := context.Background()

	p1 := m.GetOrCreatePool(ctx, "srv-1")
	p2 := m.GetOrCreatePool(ctx, "srv-2")
	require.NotNil(t, p1)
	require.NotNil(t, p2)

	// Two borrowers, one reports a failure: the entry stays but is unhealthy.
	a, err := p1.Acquire(ctx, testKey, 0)
	require.NoError(t, err)
	_, err = p1.Acquire(ctx, testKey, 0)
	require.NoError(t, err)
	require.NoError(t, p1.ReleaseSession(ctx, a.SessionID, false, "boom"))

	m.monitorOnce(ctx)

	assert.Equal(t, StatusDegraded, p1.Status())
	assert.Equal(t, StatusActive, p2.Status())

	var rec *store.SessionPoolRecord
	for _, r := range ms.PoolRecords() {
		if r.ID == p1.ID() {
			rec = r
		}
	}
	require.NotNil(t, rec)
	assert.Equal(t, int64(2), rec.Counters.TotalAcquisitions)
	assert.Equal(t, int64(1), rec.Counters.TotalReleases)
	assert.Equal(t, 1, rec.Counters.ActiveSessions)
}

func TestManager_MonitorOnceSurvivesStoreErrors(t *testing.T) {
	ms := store.NewMockStore()
	seedServer(t, ms, "srv-1")
	seedServer(t, ms, "srv-2")
	m := newTestManager(t, ms, &fakeFactory{})
	ctx := context.Background()

	p1 := m.GetOrCreatePool(ctx, "srv-1")
	p2 := m.GetOrCreatePool(ctx, "srv-2")
	p1.SetStatus(StatusDegraded)
	p2.SetStatus(StatusDegraded)

	ms.UpdateCountsErr = errors.New("database is locked")
	m.monitorOnce(ctx)

	assert.Equal(t, StatusActive, p1.Status())
	assert.Equal(t, StatusActive, p2.Status())
}

func TestManager_InitializeRestoresPools(t *testing.T) {
	ms := store.NewMockStore()
	ctx := context.Background()
	seedServer(t, ms, "srv-1")
	seedServer(t, ms, "srv-off", func(c *store.BackendServerConfig) { c.PoolEnabled = false })

	require.NoError(t, ms.SavePoolRecord(ctx, &store.SessionPoolRecord{
		ID: "pool-1", BackendServerID: "srv-1", Name: "restored", Strategy: "sticky",
		MinSize: 1, MaxSize: 4, TimeoutSeconds: 15, IsActive: true,
	}))
	require.NoError(t, ms.SavePoolRecord(ctx, &store.SessionPoolRecord{
		ID: "pool-2", BackendServerID: "srv-off", Name: "stale", Strategy: "round_robin", IsActive: true,
	}))
	require.NoError(t, ms.SavePoolRecord(ctx, &store.SessionPoolRecord{
		ID: "pool-3", BackendServerID: "srv-gone", Name: "gone", Strategy: "round_robin", IsActive: true,
	}))

	m := newTestManager(t, ms, &fakeFactory{})
	require.NoError(t, m.Initialize(ctx))

	require.True(t, m.HasPool("srv-1"))
	p := m.GetOrCreatePool(ctx, "srv-1")
	assert.Equal(t, "pool-1", p.ID())
	assert.Equal(t, StrategySticky, p.Strategy())
	assert.Equal(t, 4, p.Config().MaxSize)
	assert.Equal(t, 15*time.Second, p.Config().Timeout)

	assert.False(t, m.HasPool("srv-off"))
	assert.False(t, m.HasPool("srv-gone"))

	active, err := ms.LoadActivePoolRecords(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "pool-1", active[0].ID)
}

func TestManager_DrainAndRemovePool(t *testing.T) {
	ms := store.NewMockStore()
	seedServer(t, ms, "srv-1")
	f := &fakeFactory{}
	m := newTestManager(t, ms, f)
	ctx := context.Background()

	assert.ErrorIs(t, m.DrainPool(ctx, "srv-1", time.Second), ErrNoPool)
	assert.ErrorIs(t, m.RemovePool(ctx, "srv-1"), ErrNoPool)

	lease, err := m.AcquireSession(ctx, testKey, 0)
	require.NoError(t, err)
	require.NoError(t, m.ReleaseSession(ctx, "srv-1", lease.SessionID, true, ""))

	require.NoError(t, m.DrainPool(ctx, "srv-1", time.Second))
	assert.True(t, f.transport(0).disconnected())

	// Draining pools hand out nothing; callers go direct.
	lease, err = m.AcquireSession(ctx, testKey, 0)
	require.NoError(t, err)
	assert.Nil(t, lease)

	require.NoError(t, m.RemovePool(ctx, "srv-1"))
	assert.False(t, m.HasPool("srv-1"))
	records := ms.PoolRecords()
	require.Len(t, records, 1)
	assert.False(t, records[0].IsActive)
}

func TestManager_GetPoolStatsAll(t *testing.T) {
	ms := store.NewMockStore()
	seedServer(t, ms, "srv-b")
	seedServer(t, ms, "srv-a")
	m := newTestManager(t, ms, &fakeFactory{})
	ctx := context.Background()

	m.GetOrCreatePool(ctx, "srv-b")
	m.GetOrCreatePool(ctx, "srv-a")

	stats := m.GetPoolStats("")
	require.Len(t, stats, 2)
	assert.Equal(t, "srv-a", stats[0].BackendServerID)
	assert.Equal(t, "srv-b", stats[1].BackendServerID)
	assert.Nil(t, m.GetPoolStats("srv-c"))
}

func TestManager_ShutdownClosesEverything(t *testing.T) {
	ms := store.NewMockStore()
	seedServer(t, ms, "srv-1")
	f := &fakeFactory{}
	m := newTestManager(t, ms, f, func(c *ManagerConfig) {
		c.MonitorInterval = 10 * time.Millisecond
		c.AutoAdjust = true
		c.OptimizeInterval = 10 * time.Millisecond
	})
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	_, err := m.AcquireSession(ctx, testKey, 0)
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(ctx))
	assert.True(t, f.transport(0).disconnected())
	assert.False(t, m.HasPool("srv-1"))
	assert.Nil(t, m.GetOrCreatePool(ctx, "srv-1"))
	assert.NoError(t, m.Shutdown(ctx))
}
