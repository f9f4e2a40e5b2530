// ABOUTME: Cross-server orchestrator holding one SessionPool per backend server
// ABOUTME: Lazily creates pools from backend config, runs monitoring and optimization loops

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-pool/internal/store"
)

// ErrNoPool is returned by administrative operations on a server without a pool.
var ErrNoPool = errors.New("no pool for backend server")

// Manager defaults
const (
	DefaultMonitorInterval  = time.Minute
	DefaultOptimizeInterval = time.Hour
	DefaultMetricsWindow    = 24 * time.Hour

	timeoutWarnRatio = 0.1
)

// ManagerConfig holds the global pooling defaults. Backend server settings
// and per-call overrides take precedence over these.
type ManagerConfig struct {
	Enabled          bool
	DefaultStrategy  RoutingStrategy
	DefaultMinSize   int
	DefaultMaxSize   int
	DefaultTimeout   time.Duration
	SessionTTL       time.Duration
	MaxIdleTime      time.Duration
	SweepInterval    time.Duration
	MonitorInterval  time.Duration
	OptimizeInterval time.Duration
	AutoAdjust       bool
	MetricsWindow    time.Duration
}

// Override adjusts a pool's configuration at creation time.
type Override func(*Config)

// OverrideStrategy forces the routing strategy of a newly created pool.
func OverrideStrategy(s RoutingStrategy) Override {
	return func(c *Config) { c.Strategy = s }
}

// OverrideMinSize forces the minimum size of a newly created pool.
func OverrideMinSize(n int) Override {
	return func(c *Config) { c.MinSize = n }
}

// OverrideMaxSize forces the maximum size of a newly created pool.
func OverrideMaxSize(n int) Override {
	return func(c *Config) { c.MaxSize = n }
}

// managedPool pairs a pool with the backend configuration it was built from.
type managedPool struct {
	pool    *SessionPool
	backend *store.BackendServerConfig
}

// Manager owns every SessionPool in the process.
type Manager struct {
	store   store.Store
	connect ConnectFunc
	cfg     ManagerConfig
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	pools map[string]*managedPool // keyed by backend server ID

	creating singleflight.Group

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager creates a Manager. Call Initialize to reload persisted pools and
// start the background loops.
func NewManager(s store.Store, connect ConnectFunc, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = StrategyRoundRobin
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultPoolTimeout
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.OptimizeInterval <= 0 {
		cfg.OptimizeInterval = DefaultOptimizeInterval
	}
	if cfg.MetricsWindow <= 0 {
		cfg.MetricsWindow = DefaultMetricsWindow
	}

	return &Manager{
		store:   s,
		connect: connect,
		cfg:     cfg,
		logger:  logger.With("component", "pool_manager"),
		now:     time.Now,
		pools:   make(map[string]*managedPool),
		done:    make(chan struct{}),
	}
}

// Enabled reports whether pooling is globally enabled.
func (m *Manager) Enabled() bool { return m.cfg.Enabled }

// Initialize reloads active pool records and starts the monitoring loop and,
// when auto-adjust is enabled, the optimization loop. Persistence failures are
// logged and the manager continues in memory only.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.cfg.Enabled {
		m.logger.Info("session pooling disabled")
		return nil
	}

	records, err := m.store.LoadActivePoolRecords(ctx)
	if err != nil {
		m.logger.Error("loading pool records, continuing without them", "error", err)
	}
	for _, rec := range records {
		m.restorePool(ctx, rec)
	}

	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.monitoringLoop()
		if m.cfg.AutoAdjust {
			m.wg.Add(1)
			go m.optimizationLoop()
		}
	})

	m.logger.Info("pool manager initialized",
		"restored_pools", m.poolCount(),
		"default_strategy", m.cfg.DefaultStrategy,
		"auto_adjust", m.cfg.AutoAdjust,
	)
	return nil
}

// restorePool rebuilds a pool from a persisted record. Records whose server
// no longer exists or no longer pools are marked inactive.
func (m *Manager) restorePool(ctx context.Context, rec *store.SessionPoolRecord) {
	backend, err := m.store.LoadBackendServerConfig(ctx, rec.BackendServerID)
	if err != nil || !backend.PoolEnabled {
		m.logger.Info("dropping stale pool record", "pool_id", rec.ID, "server_id", rec.BackendServerID, "error", err)
		if derr := m.store.DeactivatePoolRecord(ctx, rec.ID); derr != nil {
			m.logger.Error("deactivating stale pool record", "pool_id", rec.ID, "error", derr)
		}
		return
	}

	cfg := m.poolConfig(backend)
	cfg.PoolID = rec.ID
	cfg.Name = rec.Name
	if s, err := ParseStrategy(rec.Strategy); err == nil {
		cfg.Strategy = s
	}
	cfg.MinSize = rec.MinSize
	cfg.MaxSize = rec.MaxSize
	if rec.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(rec.TimeoutSeconds) * time.Second
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[rec.BackendServerID]; exists {
		return
	}
	m.pools[rec.BackendServerID] = &managedPool{
		pool:    NewSessionPool(cfg, m.connect, m.logger, WithMetricSink(m.store), WithClock(m.now)),
		backend: backend,
	}
}

// poolConfig applies server settings over global defaults.
func (m *Manager) poolConfig(backend *store.BackendServerConfig) Config {
	cfg := Config{
		BackendServerID: backend.ID,
		Name:            "Pool for " + backend.Name,
		Strategy:        m.cfg.DefaultStrategy,
		MinSize:         m.cfg.DefaultMinSize,
		MaxSize:         m.cfg.DefaultMaxSize,
		Timeout:         m.cfg.DefaultTimeout,
		TTL:             m.cfg.SessionTTL,
		MaxIdleTime:     m.cfg.MaxIdleTime,
		PrePing:         backend.PoolPrePing,
		SweepInterval:   m.cfg.SweepInterval,
	}
	if s, err := ParseStrategy(backend.PoolStrategy); err == nil {
		cfg.Strategy = s
	} else if backend.PoolStrategy != "" {
		m.logger.Warn("ignoring unknown server strategy", "server_id", backend.ID, "strategy", backend.PoolStrategy)
	}
	if backend.PoolMinSize > 0 {
		cfg.MinSize = backend.PoolMinSize
	}
	if backend.PoolMaxSize > 0 {
		cfg.MaxSize = backend.PoolMaxSize
	}
	if backend.PoolTimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(backend.PoolTimeoutSeconds) * time.Second
	}
	if backend.PoolRecycleSeconds > 0 {
		cfg.TTL = time.Duration(backend.PoolRecycleSeconds) * time.Second
	}
	return cfg
}

// GetOrCreatePool returns the pool for serverID, creating it on first use.
// It returns nil when pooling is disabled globally or for that server, or
// when the server does not exist. Concurrent calls converge on one pool.
func (m *Manager) GetOrCreatePool(ctx context.Context, serverID string, overrides ...Override) *SessionPool {
	if !m.cfg.Enabled {
		return nil
	}
	if mp := m.lookup(serverID); mp != nil {
		return mp.pool
	}

	v, _, _ := m.creating.Do(serverID, func() (any, error) {
		if mp := m.lookup(serverID); mp != nil {
			return mp.pool, nil
		}
		return m.createPool(ctx, serverID, overrides), nil
	})
	p, _ := v.(*SessionPool)
	return p
}

func (m *Manager) createPool(ctx context.Context, serverID string, overrides []Override) *SessionPool {
	if m.stopped() {
		return nil
	}

	backend, err := m.store.LoadBackendServerConfig(ctx, serverID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Debug("backend server not found, pooling unavailable", "server_id", serverID)
		} else {
			m.logger.Error("loading backend server config", "server_id", serverID, "error", err)
		}
		return nil
	}
	if !backend.PoolEnabled {
		m.logger.Debug("pooling disabled for backend server", "server_id", serverID)
		return nil
	}

	cfg := m.poolConfig(backend)
	for _, o := range overrides {
		o(&cfg)
	}
	cfg.PoolID = uuid.New().String()

	p := NewSessionPool(cfg, m.connect, m.logger, WithMetricSink(m.store), WithClock(m.now))

	rec := &store.SessionPoolRecord{
		ID:              cfg.PoolID,
		BackendServerID: serverID,
		Name:            cfg.Name,
		Strategy:        string(cfg.Strategy),
		MinSize:         cfg.MinSize,
		MaxSize:         cfg.MaxSize,
		TimeoutSeconds:  ceilSeconds(cfg.Timeout),
		IsActive:        true,
	}
	if err := m.store.SavePoolRecord(ctx, rec); err != nil {
		m.logger.Error("persisting pool record, keeping pool in memory", "pool_id", rec.ID, "error", err)
	}

	m.mu.Lock()
	if m.stopped() {
		m.mu.Unlock()
		p.Shutdown()
		return nil
	}
	m.pools[serverID] = &managedPool{pool: p, backend: backend}
	m.mu.Unlock()

	m.logger.Info("created session pool", "server_id", serverID, "pool_id", cfg.PoolID, "strategy", cfg.Strategy)
	return p
}

func (m *Manager) stopped() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *Manager) lookup(serverID string) *managedPool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools[serverID]
}

func (m *Manager) snapshot() []*managedPool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*managedPool, 0, len(m.pools))
	for _, mp := range m.pools {
		out = append(out, mp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].backend.ID < out[j].backend.ID
	})
	return out
}

func (m *Manager) poolCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pools)
}

// HasPool reports whether a pool is registered for serverID.
func (m *Manager) HasPool(serverID string) bool {
	return m.lookup(serverID) != nil
}

// AcquireSession acquires a pooled session for key. It returns (nil, nil)
// when pooling is unavailable for the server, including when the pool is at
// capacity or draining; the caller then connects directly.
func (m *Manager) AcquireSession(ctx context.Context, key RoutingKey, timeout time.Duration) (*Lease, error) {
	p := m.GetOrCreatePool(ctx, key.BackendServerID)
	if p == nil {
		return nil, nil
	}

	lease, err := p.Acquire(ctx, key, timeout)
	switch {
	case errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrPoolDraining), errors.Is(err, ErrPoolClosed):
		m.logger.Debug("pool unavailable, caller falls back to direct session", "server_id", key.BackendServerID, "reason", err)
		return nil, nil
	case err != nil:
		return nil, err
	}
	return lease, nil
}

// Connect acquires a pooled session or, when pooling is unavailable, opens a
// direct one. Leases from Connect must be returned through Release.
func (m *Manager) Connect(ctx context.Context, key RoutingKey, timeout time.Duration) (*Lease, error) {
	lease, err := m.AcquireSession(ctx, key, timeout)
	if err != nil || lease != nil {
		return lease, err
	}

	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t, err := m.connect(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("connecting directly to %s: %w", key.BackendServerID, err)
	}
	return &Lease{Key: key, Transport: t, UseCount: 1, direct: true}, nil
}

// Release hands a lease from Connect back. Direct sessions are disconnected.
func (m *Manager) Release(ctx context.Context, lease *Lease, healthy bool, errMsg string) error {
	if lease == nil {
		return nil
	}
	if lease.direct {
		return lease.Transport.Disconnect(ctx)
	}
	return m.ReleaseSession(ctx, lease.Key.BackendServerID, lease.SessionID, healthy, errMsg)
}

// ReleaseSession returns a session to its server's pool. It is a no-op when
// the server has no pool, or when a drain or shutdown already closed the
// session.
func (m *Manager) ReleaseSession(ctx context.Context, serverID, sessionID string, healthy bool, errMsg string) error {
	mp := m.lookup(serverID)
	if mp == nil {
		return nil
	}
	err := mp.pool.ReleaseSession(ctx, sessionID, healthy, errMsg)
	if errors.Is(err, ErrUnknownSession) {
		switch mp.pool.Status() {
		case StatusDraining, StatusInactive:
			m.logger.Debug("release after pool drain", "server_id", serverID, "session_id", sessionID)
			return nil
		}
	}
	return err
}

// GetPoolStats returns stats for one server's pool, or for every pool when
// serverID is empty.
func (m *Manager) GetPoolStats(serverID string) []Stats {
	if serverID != "" {
		mp := m.lookup(serverID)
		if mp == nil {
			return nil
		}
		return []Stats{mp.pool.Stats()}
	}

	all := m.snapshot()
	out := make([]Stats, 0, len(all))
	for _, mp := range all {
		out = append(out, mp.pool.Stats())
	}
	return out
}

// DrainPool drains the server's pool. The pool stays registered but inactive
// until RemovePool.
func (m *Manager) DrainPool(ctx context.Context, serverID string, timeout time.Duration) error {
	mp := m.lookup(serverID)
	if mp == nil {
		return ErrNoPool
	}
	return mp.pool.Drain(ctx, timeout)
}

// RemovePool shuts down and unregisters the server's pool and marks its
// record inactive.
func (m *Manager) RemovePool(ctx context.Context, serverID string) error {
	m.mu.Lock()
	mp, ok := m.pools[serverID]
	if ok {
		delete(m.pools, serverID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNoPool
	}

	mp.pool.Shutdown()
	if err := m.store.DeactivatePoolRecord(ctx, mp.pool.ID()); err != nil {
		m.logger.Error("deactivating pool record", "pool_id", mp.pool.ID(), "error", err)
	}
	m.logger.Info("removed session pool", "server_id", serverID, "pool_id", mp.pool.ID())
	return nil
}

// OptimizePoolStrategy recommends a strategy from the pool's recent metrics.
// It reports false when there is no pool or no metrics to learn from.
func (m *Manager) OptimizePoolStrategy(ctx context.Context, serverID string) (RoutingStrategy, bool) {
	mp := m.lookup(serverID)
	if mp == nil {
		return "", false
	}

	since := m.now().Add(-m.cfg.MetricsWindow)
	metrics, err := m.store.QueryMetrics(ctx, mp.pool.ID(), since)
	if err != nil {
		m.logger.Error("querying strategy metrics", "pool_id", mp.pool.ID(), "error", err)
		return "", false
	}
	if len(metrics) == 0 {
		return "", false
	}

	type agg struct {
		sum   float64
		count int
	}
	byStrategy := make(map[string]*agg)
	for _, rec := range metrics {
		a := byStrategy[rec.Strategy]
		if a == nil {
			a = &agg{}
			byStrategy[rec.Strategy] = a
		}
		a.sum += rec.ResponseTimeSeconds
		a.count++
	}

	var avg float64
	if a := byStrategy[string(mp.pool.Strategy())]; a != nil && a.count > 0 {
		avg = a.sum / float64(a.count)
	}

	st := mp.pool.Stats()
	errorRate := float64(st.TotalTimeouts) / float64(max(st.TotalAcquisitions, 1))

	rec := Recommend(avg, errorRate, m.isStateful(ctx, mp))
	m.logger.Debug("strategy recommendation computed",
		"server_id", serverID,
		"current", mp.pool.Strategy(),
		"recommended", rec,
		"avg_response_time", avg,
		"error_rate", errorRate,
		"active_sessions", st.ActiveSessions,
		"total_sessions", st.TotalSessions,
		"samples", len(metrics),
	)
	return rec, true
}

// isStateful refreshes the backend's stateful flag, falling back to the
// configuration the pool was created with.
func (m *Manager) isStateful(ctx context.Context, mp *managedPool) bool {
	backend, err := m.store.LoadBackendServerConfig(ctx, mp.backend.ID)
	if err != nil {
		return mp.backend.Stateful
	}
	return backend.Stateful
}

func (m *Manager) monitoringLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.monitorOnce(context.Background())
		case <-m.done:
			return
		}
	}
}

// monitorOnce persists counters and updates health status for every pool.
// A failing pool is logged and skipped.
func (m *Manager) monitorOnce(ctx context.Context) {
	for _, mp := range m.snapshot() {
		select {
		case <-m.done:
			return
		default:
		}

		st := mp.pool.Stats()
		counters := store.PoolCounters{
			ActiveSessions:    st.ActiveSessions,
			AvailableSessions: st.AvailableSessions,
			TotalAcquisitions: st.TotalAcquisitions,
			TotalReleases:     st.TotalReleases,
			TotalTimeouts:     st.TotalTimeouts,
		}
		if err := m.store.UpdatePoolCounters(ctx, st.PoolID, counters); err != nil {
			m.logger.Error("persisting pool counters", "pool_id", st.PoolID, "error", err)
		}

		degraded := false
		if st.UnhealthySessions > 0 {
			degraded = true
			m.logger.Warn("pool has unhealthy sessions", "server_id", st.BackendServerID, "unhealthy", st.UnhealthySessions)
		}
		if float64(st.TotalTimeouts) > timeoutWarnRatio*float64(st.TotalAcquisitions) {
			degraded = true
			m.logger.Warn("pool timeout rate high",
				"server_id", st.BackendServerID,
				"timeouts", st.TotalTimeouts,
				"acquisitions", st.TotalAcquisitions,
			)
		}
		if degraded {
			mp.pool.SetStatus(StatusDegraded)
		} else {
			mp.pool.SetStatus(StatusActive)
		}
	}
}

func (m *Manager) optimizationLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.OptimizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.optimizeOnce(context.Background())
		case <-m.done:
			return
		}
	}
}

// optimizeOnce logs strategy recommendations. Changing a live pool's strategy
// requires recreating it, so nothing is applied here.
func (m *Manager) optimizeOnce(ctx context.Context) {
	for _, mp := range m.snapshot() {
		select {
		case <-m.done:
			return
		default:
		}

		rec, ok := m.OptimizePoolStrategy(ctx, mp.backend.ID)
		if !ok || rec == mp.pool.Strategy() {
			continue
		}
		if mp.backend.PoolAutoAdjust {
			m.logger.Info("strategy change recommended",
				"server_id", mp.backend.ID,
				"current", mp.pool.Strategy(),
				"recommended", rec,
				"reason", rec.Description(),
			)
		}
	}
}

// Shutdown stops the background loops, then shuts every pool down in
// parallel and persists its final counters.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()

		m.mu.Lock()
		all := m.pools
		m.pools = make(map[string]*managedPool)
		m.mu.Unlock()

		var g errgroup.Group
		for _, mp := range all {
			g.Go(func() error {
				st := mp.pool.Stats()
				mp.pool.Shutdown()
				if uerr := m.store.UpdatePoolCounters(ctx, st.PoolID, store.PoolCounters{
					TotalAcquisitions: st.TotalAcquisitions,
					TotalReleases:     st.TotalReleases,
					TotalTimeouts:     st.TotalTimeouts,
				}); uerr != nil {
					return fmt.Errorf("persisting final counters for pool %s: %w", st.PoolID, uerr)
				}
				return nil
			})
		}
		err = g.Wait()
		m.logger.Info("pool manager shut down", "pools", len(all))
	})
	return err
}

// ceilSeconds rounds d up to whole seconds so sub-second timeouts persist
// as 1 rather than 0, which reads back as "use the default".
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}
