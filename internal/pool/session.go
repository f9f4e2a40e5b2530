// ABOUTME: Pooled session bookkeeping and the transport capability the pool consumes
// ABOUTME: Routing keys, optional validation and continuity-state interfaces live here

package pool

import (
	"context"
	"maps"
	"time"

	"github.com/google/uuid"
)

// TransportKind identifies the wire transport used to reach a backend.
type TransportKind string

// Transport kinds
const (
	KindSSE        TransportKind = "sse"
	KindWebSocket  TransportKind = "websocket"
	KindStdio      TransportKind = "stdio"
	KindStreamable TransportKind = "streamable"
)

// RoutingKey distinguishes sessions inside one backend server's pool.
// It is a comparable value type and is used directly as a map key.
type RoutingKey struct {
	UserID          string
	BackendServerID string
	Kind            TransportKind
}

// String renders the key for logs.
func (k RoutingKey) String() string {
	return k.UserID + "/" + k.BackendServerID + "/" + string(k.Kind)
}

// Transport is the capability a backend connection must expose to be pooled.
// Disconnect must tolerate being called on an already-disconnected transport.
type Transport interface {
	Disconnect(ctx context.Context) error
	IsConnected() bool
}

// Validator is an optional transport-specific health check.
type Validator interface {
	ValidateSession(ctx context.Context) bool
}

// StateSnapshot holds transport continuity data such as handshake flags.
type StateSnapshot map[string]string

// SupportsStateSnapshot is implemented by transports that carry continuity
// state worth preserving while the session sits in the pool.
type SupportsStateSnapshot interface {
	SnapshotState() StateSnapshot
	RestoreState(StateSnapshot)
}

// ConnectFunc creates a new backend transport for the given key.
type ConnectFunc func(ctx context.Context, key RoutingKey) (Transport, error)

// PooledSession wraps one live transport plus the bookkeeping the pool needs.
// All fields are guarded by the owning pool's mutex.
type PooledSession struct {
	id        string
	key       RoutingKey
	transport Transport

	createdAt         time.Time
	lastUsedAt        time.Time
	useCount          int64
	activeConnections int

	snapshot  StateSnapshot
	unhealthy bool
	lastError string
}

func newPooledSession(key RoutingKey, t Transport, now time.Time) *PooledSession {
	return &PooledSession{
		id:         uuid.New().String(),
		key:        key,
		transport:  t,
		createdAt:  now,
		lastUsedAt: now,
		useCount:   1,
	}
}

// ID returns the session identifier handed to callers.
func (s *PooledSession) ID() string { return s.id }

// Key returns the routing key the session serves.
func (s *PooledSession) Key() RoutingKey { return s.key }

// Age is the time since the session was created.
func (s *PooledSession) Age(now time.Time) time.Duration {
	return now.Sub(s.createdAt)
}

// IdleTime is the time since the session was last acquired.
func (s *PooledSession) IdleTime(now time.Time) time.Duration {
	return now.Sub(s.lastUsedAt)
}

// CaptureState copies continuity data out of the transport. It reports
// whether anything was captured; transports without state are a no-op.
func (s *PooledSession) CaptureState() bool {
	st, ok := s.transport.(SupportsStateSnapshot)
	if !ok {
		return false
	}
	snap := st.SnapshotState()
	if len(snap) == 0 {
		return false
	}
	s.snapshot = maps.Clone(snap)
	return true
}

// RestoreState pushes a previously captured snapshot back into the transport.
// It reports whether a restore happened.
func (s *PooledSession) RestoreState() bool {
	if len(s.snapshot) == 0 {
		return false
	}
	st, ok := s.transport.(SupportsStateSnapshot)
	if !ok {
		return false
	}
	st.RestoreState(maps.Clone(s.snapshot))
	return true
}

func (s *PooledSession) markUsed(now time.Time) {
	s.lastUsedAt = now
	s.useCount++
}

// Lease is what a caller receives from Acquire. The transport is lent, not
// transferred: callers must not keep it past Release or disconnect it.
type Lease struct {
	SessionID string
	Key       RoutingKey
	Transport Transport
	UseCount  int64
	Reused    bool
	// Pooled is false when the session bypassed the pool entirely.
	Pooled bool

	direct bool // opened by Manager.Connect outside any pool
}
