// Package pool implements session pooling for backend MCP servers.
//
// # Overview
//
// A caller asks the Manager for a session on a backend server. The Manager
// finds or lazily creates that server's SessionPool, which either reuses a
// valid PooledSession for the caller's RoutingKey or asks the ConnectFunc for
// a new transport. The caller uses the transport, then releases it with a
// health flag that feeds later eviction and optimization.
//
// # Manager
//
//	mgr := pool.NewManager(store, factory.Connect, pool.ManagerConfig{Enabled: true}, logger)
//	if err := mgr.Initialize(ctx); err != nil { ... }
//	defer mgr.Shutdown(ctx)
//
// Key operations:
//
//   - GetOrCreatePool(ctx, serverID, overrides...): nil when pooling is unavailable
//   - AcquireSession / ReleaseSession: pooled sessions only
//   - Connect / Release: pooled when possible, direct otherwise
//   - GetPoolStats, HasPool, DrainPool, RemovePool
//   - OptimizePoolStrategy: recommendation from the last 24h of metrics
//
// Pool configuration precedence is override, then backend server settings,
// then ManagerConfig defaults. A backend's pool_recycle becomes the pool TTL.
//
// Two background loops run after Initialize: monitoring (every minute) writes
// counters back to the store and flips pools between active and degraded;
// optimization (every hour, only with auto-adjust) logs strategy
// recommendations. Strategies are never changed in place.
//
// # SessionPool
//
// One mutex guards the entry table. At most one live session exists per
// RoutingKey: concurrent acquirers of a key without an entry wait on a pending
// slot while a single caller runs the ConnectFunc outside the lock.
//
// Validation, in order: released unhealthy, transport disconnected, TTL
// exceeded, idle time exceeded, then the transport's Validator when pre-ping
// is on. A failing entry is evicted and a fresh one created.
//
// Borrowers of the same key share the session and are counted in
// activeConnections. An entry evicted while borrowed is disconnected on its
// last release. Drain waits for borrowers up to its timeout before closing
// everything.
//
// # Errors
//
//   - ErrAcquireTimeout: the ConnectFunc did not finish in time
//   - *CreationError: the ConnectFunc failed; unwraps to the transport error
//   - ErrPoolExhausted: MaxSize entries already exist
//   - ErrPoolDraining, ErrPoolClosed: the pool no longer hands out sessions
//   - ErrUnknownSession: release of a session the pool does not track
//
// # Strategies
//
// Recommend is a pure function of average response time, failure rate and
// statefulness. See strategy.go for the thresholds.
package pool
