// ABOUTME: Per-backend session pool mapping routing keys to live pooled sessions
// ABOUTME: Implements acquire/release/validate/evict/sweep/drain/shutdown under one mutex

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-pool/internal/store"
)

// Pool errors
var (
	ErrPoolClosed     = errors.New("session pool is closed")
	ErrPoolDraining   = errors.New("session pool is draining")
	ErrPoolExhausted  = errors.New("session pool exhausted")
	ErrAcquireTimeout = errors.New("timed out acquiring session")
	ErrUnknownSession = errors.New("unknown session")
)

// CreationError wraps a transport factory failure during Acquire.
type CreationError struct {
	Key RoutingKey
	Err error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("creating session for %s: %v", e.Key, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// Eviction reasons, used in logs and counters.
const (
	reasonUnhealthy    = "unhealthy"
	reasonDisconnected = "disconnected"
	reasonTTL          = "ttl_exceeded"
	reasonIdle         = "idle_exceeded"
	reasonValidation   = "validation_failed"
	reasonDrain        = "drain"
	reasonShutdown     = "shutdown"
	reasonRemoved      = "evicted"
)

const (
	drainPollInterval  = 50 * time.Millisecond
	prePingTimeout     = 5 * time.Second
	disconnectTimeout  = 10 * time.Second
	defaultPoolTimeout = 30 * time.Second
)

// MetricSink receives one strategy metric per acquisition attempt. Response
// time is acquisition latency; how long a caller holds a session is not recorded.
type MetricSink interface {
	SaveStrategyMetric(ctx context.Context, m *store.StrategyMetricRecord) error
}

// Config describes one backend server's pool.
type Config struct {
	PoolID          string
	BackendServerID string
	Name            string
	Strategy        RoutingStrategy
	MinSize         int
	MaxSize         int // 0 means unbounded
	Timeout         time.Duration
	TTL             time.Duration // 0 disables the age check
	MaxIdleTime     time.Duration // 0 disables the idle check
	PrePing         bool
	SweepInterval   time.Duration // 0 disables the background sweep
	// Disabled makes every acquisition bypass the pool.
	Disabled bool
}

// Option customizes a SessionPool.
type Option func(*SessionPool)

// WithMetricSink records strategy metrics into sink.
func WithMetricSink(sink MetricSink) Option {
	return func(p *SessionPool) { p.metrics = sink }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(p *SessionPool) { p.now = now }
}

type counters struct {
	created          int64
	reused           int64
	expired          int64
	cleaned          int64
	stateRestored    int64
	connectionErrors int64
	acquisitions     int64
	releases         int64
	timeouts         int64
}

// Stats is an immutable snapshot of a pool's counters.
type Stats struct {
	PoolID            string
	BackendServerID   string
	Name              string
	Strategy          RoutingStrategy
	Status            PoolStatus
	MinSize           int
	MaxSize           int
	TotalSessions     int
	ActiveSessions    int
	AvailableSessions int
	UnhealthySessions int
	Created           int64
	Reused            int64
	Expired           int64
	Cleaned           int64
	StateRestored     int64
	ConnectionErrors  int64
	TotalAcquisitions int64
	TotalReleases     int64
	TotalTimeouts     int64
}

// SessionPool owns the routing-key → session table for one backend server.
type SessionPool struct {
	cfg     Config
	connect ConnectFunc
	metrics MetricSink
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	entries  map[RoutingKey]*PooledSession
	pending  map[RoutingKey]chan struct{}
	byID     map[string]*PooledSession // every session a caller may release
	unpooled map[string]bool
	retired  map[string]bool // evicted while borrowed, closed on last release
	status   PoolStatus
	draining bool
	closed   bool
	stats    counters

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSessionPool creates a pool and starts its background sweep.
func NewSessionPool(cfg Config, connect ConnectFunc, logger *slog.Logger, opts ...Option) *SessionPool {
	if cfg.PoolID == "" {
		cfg.PoolID = uuid.New().String()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRoundRobin
	}
	if cfg.Strategy == StrategyNone {
		cfg.Disabled = true
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPoolTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &SessionPool{
		cfg:      cfg,
		connect:  connect,
		logger:   logger.With("component", "session_pool", "pool_id", cfg.PoolID, "server_id", cfg.BackendServerID),
		now:      time.Now,
		entries:  make(map[RoutingKey]*PooledSession),
		pending:  make(map[RoutingKey]chan struct{}),
		byID:     make(map[string]*PooledSession),
		unpooled: make(map[string]bool),
		retired:  make(map[string]bool),
		status:   StatusInitializing,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.SweepInterval > 0 {
		p.wg.Add(1)
		go p.sweepLoop(cfg.SweepInterval)
	}

	p.status = StatusActive
	p.logger.Info("session pool created",
		"strategy", cfg.Strategy,
		"min_size", cfg.MinSize,
		"max_size", cfg.MaxSize,
		"ttl", cfg.TTL,
		"max_idle", cfg.MaxIdleTime,
		"pooling", !cfg.Disabled,
	)
	return p
}

// ID returns the pool identifier.
func (p *SessionPool) ID() string { return p.cfg.PoolID }

// BackendServerID returns the backend server this pool serves.
func (p *SessionPool) BackendServerID() string { return p.cfg.BackendServerID }

// Strategy returns the routing strategy the pool was created with.
func (p *SessionPool) Strategy() RoutingStrategy { return p.cfg.Strategy }

// Config returns a copy of the pool configuration.
func (p *SessionPool) Config() Config { return p.cfg }

// Status returns the current pool status.
func (p *SessionPool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// SetStatus records a health transition. Draining and closed pools keep
// their status.
func (p *SessionPool) SetStatus(s PoolStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining || p.closed {
		return
	}
	p.status = s
}

// Acquire returns a session for key, reusing a valid pooled one when possible.
// A zero timeout uses the pool's configured timeout.
func (p *SessionPool) Acquire(ctx context.Context, key RoutingKey, timeout time.Duration) (*Lease, error) {
	if key.BackendServerID == "" {
		key.BackendServerID = p.cfg.BackendServerID
	}
	if timeout <= 0 {
		timeout = p.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := p.now()

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if p.draining {
			p.mu.Unlock()
			return nil, ErrPoolDraining
		}
		if p.cfg.Disabled {
			p.mu.Unlock()
			return p.acquireUnpooled(ctx, key, start)
		}

		if s, ok := p.entries[key]; ok {
			reason := p.validateLocked(ctx, s)
			if reason == "" {
				lease := p.reuseLocked(s)
				p.mu.Unlock()
				p.logger.Debug("reused pooled session", "key", key.String(), "session_id", lease.SessionID, "use_count", lease.UseCount)
				p.recordMetric(ctx, p.since(start), true, true, "")
				return lease, nil
			}
			t := p.evictLocked(s, reason)
			p.mu.Unlock()
			p.disconnect(t, s.id, reason)
			p.recordMetric(ctx, p.since(start), false, false, "evicted: "+reason)
			p.mu.Lock()
			continue
		}

		if ch, ok := p.pending[key]; ok {
			// Another caller is creating this key's session; wait for it.
			p.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, p.acquireFailed(ctx, key, start, ctx.Err())
			}
			p.mu.Lock()
			continue
		}

		if p.cfg.MaxSize > 0 && len(p.entries)+len(p.pending) >= p.cfg.MaxSize {
			p.mu.Unlock()
			p.logger.Warn("session pool at capacity", "key", key.String(), "max_size", p.cfg.MaxSize)
			p.recordMetric(ctx, p.since(start), false, false, ErrPoolExhausted.Error())
			return nil, ErrPoolExhausted
		}

		ch := make(chan struct{})
		p.pending[key] = ch
		p.mu.Unlock()

		t, err := p.create(ctx, key)

		p.mu.Lock()
		delete(p.pending, key)
		close(ch)
		if err != nil {
			p.mu.Unlock()
			return nil, p.acquireFailed(ctx, key, start, err)
		}
		if p.closed || p.draining {
			closedErr := ErrPoolClosed
			if !p.closed {
				closedErr = ErrPoolDraining
			}
			p.mu.Unlock()
			p.disconnect(t, "", reasonShutdown)
			return nil, closedErr
		}

		s := newPooledSession(key, t, p.now())
		s.activeConnections = 1
		p.entries[key] = s
		p.byID[s.id] = s
		p.stats.created++
		p.stats.acquisitions++
		lease := leaseFor(s, false, true)
		p.mu.Unlock()

		p.logger.Debug("created pooled session", "key", key.String(), "session_id", s.id)
		p.recordMetric(ctx, p.since(start), true, false, "")
		return lease, nil
	}
}

// acquireUnpooled creates a session that never enters the entry table.
func (p *SessionPool) acquireUnpooled(ctx context.Context, key RoutingKey, start time.Time) (*Lease, error) {
	t, err := p.create(ctx, key)
	if err != nil {
		return nil, p.acquireFailed(ctx, key, start, err)
	}

	p.mu.Lock()
	s := newPooledSession(key, t, p.now())
	s.activeConnections = 1
	p.byID[s.id] = s
	p.unpooled[s.id] = true
	p.stats.created++
	p.stats.acquisitions++
	lease := leaseFor(s, false, false)
	p.mu.Unlock()

	p.recordMetric(ctx, p.since(start), true, false, "")
	return lease, nil
}

// create runs the transport factory, honoring ctx even if the factory does not.
// A transport that arrives after the deadline is disconnected.
func (p *SessionPool) create(ctx context.Context, key RoutingKey) (Transport, error) {
	type result struct {
		t   Transport
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		t, err := p.connect(ctx, key)
		resCh <- result{t: t, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err == nil && res.t == nil {
			return nil, errors.New("transport factory returned nil transport")
		}
		return res.t, res.err
	case <-ctx.Done():
		go func() {
			if res := <-resCh; res.err == nil && res.t != nil {
				p.disconnect(res.t, "", "late_connect")
			}
		}()
		return nil, ctx.Err()
	}
}

// acquireFailed classifies an acquisition error, updates counters and
// records the failure metric.
func (p *SessionPool) acquireFailed(ctx context.Context, key RoutingKey, start time.Time, err error) error {
	var out error
	p.mu.Lock()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		p.stats.timeouts++
		out = fmt.Errorf("%w after %s", ErrAcquireTimeout, p.now().Sub(start).Round(time.Millisecond))
	case errors.Is(err, context.Canceled):
		out = err
	default:
		p.stats.connectionErrors++
		out = &CreationError{Key: key, Err: err}
	}
	p.mu.Unlock()

	p.logger.Warn("session acquisition failed", "key", key.String(), "error", out)
	p.recordMetric(ctx, p.since(start), false, false, out.Error())
	return out
}

func (p *SessionPool) reuseLocked(s *PooledSession) *Lease {
	s.markUsed(p.now())
	s.activeConnections++
	if s.RestoreState() {
		p.stats.stateRestored++
	}
	p.stats.reused++
	p.stats.acquisitions++
	return leaseFor(s, true, true)
}

func leaseFor(s *PooledSession, reused, pooled bool) *Lease {
	return &Lease{
		SessionID: s.id,
		Key:       s.key,
		Transport: s.transport,
		UseCount:  s.useCount,
		Reused:    reused,
		Pooled:    pooled,
	}
}

// Validate reports whether s may be handed out again.
func (p *SessionPool) Validate(ctx context.Context, s *PooledSession) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.validateLocked(ctx, s) == ""
}

// validateLocked returns the first failing check, or "" when s is valid.
func (p *SessionPool) validateLocked(ctx context.Context, s *PooledSession) string {
	if reason := p.checkLocked(s); reason != "" {
		return reason
	}
	if !p.ping(ctx, s) {
		return reasonValidation
	}
	return ""
}

// checkLocked runs the validation checks that need no transport round trip.
func (p *SessionPool) checkLocked(s *PooledSession) string {
	now := p.now()
	switch {
	case s.unhealthy:
		return reasonUnhealthy
	case !s.transport.IsConnected():
		return reasonDisconnected
	case p.cfg.TTL > 0 && s.Age(now) > p.cfg.TTL:
		return reasonTTL
	case p.cfg.MaxIdleTime > 0 && s.IdleTime(now) > p.cfg.MaxIdleTime:
		return reasonIdle
	}
	return ""
}

// ping runs the transport's validation hook when pre-ping is enabled.
func (p *SessionPool) ping(ctx context.Context, s *PooledSession) bool {
	v, ok := s.transport.(Validator)
	if !ok || !p.cfg.PrePing {
		return true
	}
	pingCtx, cancel := context.WithTimeout(ctx, prePingTimeout)
	defer cancel()
	return v.ValidateSession(pingCtx)
}

// Release returns the session held for key to the pool.
func (p *SessionPool) Release(ctx context.Context, key RoutingKey, healthy bool, errMsg string) error {
	if key.BackendServerID == "" {
		key.BackendServerID = p.cfg.BackendServerID
	}
	p.mu.Lock()
	s, ok := p.entries[key]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}
	return p.ReleaseSession(ctx, s.id, healthy, errMsg)
}

// ReleaseSession returns a session by ID. An unhealthy release forces eviction.
func (p *SessionPool) ReleaseSession(ctx context.Context, sessionID string, healthy bool, errMsg string) error {
	p.mu.Lock()
	s, ok := p.byID[sessionID]
	if !ok {
		p.mu.Unlock()
		p.logger.Warn("release of unknown session", "session_id", sessionID)
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	if s.activeConnections > 0 {
		s.activeConnections--
	}
	p.stats.releases++
	if !healthy {
		s.unhealthy = true
		s.lastError = errMsg
	}

	var (
		t      Transport
		reason string
	)
	switch {
	case p.unpooled[s.id] && s.activeConnections == 0:
		delete(p.unpooled, s.id)
		delete(p.byID, s.id)
		t, reason = s.transport, "unpooled_release"
	case p.retired[s.id] && s.activeConnections == 0:
		t, reason = p.finishRetiredLocked(s), reasonRemoved
	case s.unhealthy && s.activeConnections == 0:
		t, reason = p.evictLocked(s, reasonUnhealthy), reasonUnhealthy
	case s.activeConnections == 0:
		// Idle in the pool; keep continuity state for the next borrower.
		s.CaptureState()
	}
	p.mu.Unlock()

	if !healthy {
		p.logger.Warn("session released unhealthy", "session_id", sessionID, "error", errMsg)
	}
	if t != nil {
		p.disconnect(t, sessionID, reason)
	}
	return nil
}

// Evict removes the session for key and disconnects it. It reports whether
// an entry existed.
func (p *SessionPool) Evict(key RoutingKey) bool {
	p.mu.Lock()
	s, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return false
	}
	t := p.evictLocked(s, reasonRemoved)
	p.mu.Unlock()
	p.disconnect(t, s.id, reasonRemoved)
	return true
}

// evictLocked captures continuity state and removes s from the table.
// It returns the transport to disconnect once the mutex is released, or nil
// when s is still borrowed; such sessions are closed by their last release.
func (p *SessionPool) evictLocked(s *PooledSession, reason string) Transport {
	if s.CaptureState() {
		p.logger.Debug("captured session state before eviction", "session_id", s.id, "fields", len(s.snapshot))
	}
	if cur, ok := p.entries[s.key]; ok && cur == s {
		delete(p.entries, s.key)
	}
	if reason == reasonTTL || reason == reasonIdle {
		p.stats.expired++
	}
	p.logger.Debug("evicting session", "session_id", s.id, "key", s.key.String(), "reason", reason)

	if s.activeConnections > 0 {
		p.retired[s.id] = true
		return nil
	}
	delete(p.byID, s.id)
	p.stats.cleaned++
	return s.transport
}

func (p *SessionPool) finishRetiredLocked(s *PooledSession) Transport {
	delete(p.retired, s.id)
	delete(p.byID, s.id)
	p.stats.cleaned++
	return s.transport
}

// disconnect closes t, logging and swallowing transport errors.
func (p *SessionPool) disconnect(t Transport, sessionID, reason string) {
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := t.Disconnect(ctx); err != nil {
		p.logger.Debug("disconnect failed", "session_id", sessionID, "reason", reason, "error", err)
	}
}

func (p *SessionPool) sweepLoop(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.done:
			return
		}
	}
}

// sweep evicts idle entries that no longer validate. Borrowed entries are
// left for their next acquire or release. Pre-ping runs without the mutex,
// and a session is only evicted if it is still the idle entry for its key.
func (p *SessionPool) sweep() {
	type victim struct {
		id     string
		t      Transport
		reason string
	}
	var (
		victims []victim
		ping    []*PooledSession
	)

	p.mu.Lock()
	for _, s := range p.entries {
		if s.activeConnections > 0 {
			continue
		}
		if reason := p.checkLocked(s); reason != "" {
			victims = append(victims, victim{id: s.id, t: p.evictLocked(s, reason), reason: reason})
			continue
		}
		ping = append(ping, s)
	}
	p.mu.Unlock()

	for _, s := range ping {
		if p.ping(context.Background(), s) {
			continue
		}
		p.mu.Lock()
		if cur, ok := p.entries[s.key]; ok && cur == s && s.activeConnections == 0 {
			victims = append(victims, victim{id: s.id, t: p.evictLocked(s, reasonValidation), reason: reasonValidation})
		}
		p.mu.Unlock()
	}

	for _, v := range victims {
		p.disconnect(v.t, v.id, v.reason)
	}
	if len(victims) > 0 {
		p.logger.Info("sweep evicted sessions", "count", len(victims))
	}
}

// Drain stops new acquisitions, waits up to timeout for borrowers to release,
// then evicts everything that remains.
func (p *SessionPool) Drain(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.draining = true
	p.status = StatusDraining
	p.mu.Unlock()
	p.logger.Info("draining session pool", "timeout", timeout)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
wait:
	for p.borrowed() > 0 {
		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			p.logger.Warn("drain timeout reached with sessions still borrowed", "borrowed", p.borrowed())
			break wait
		}
	}

	p.closeAll(reasonDrain)
	p.mu.Lock()
	if !p.closed {
		p.status = StatusInactive
	}
	p.mu.Unlock()
	p.logger.Info("session pool drained")
	return ctx.Err()
}

func (p *SessionPool) borrowed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.byID {
		n += s.activeConnections
	}
	return n
}

// closeAll removes every session regardless of borrow state and disconnects it.
func (p *SessionPool) closeAll(reason string) {
	p.mu.Lock()
	all := make([]*PooledSession, 0, len(p.byID))
	for _, s := range p.byID {
		all = append(all, s)
	}
	for _, s := range all {
		s.CaptureState()
		p.stats.cleaned++
	}
	p.entries = make(map[RoutingKey]*PooledSession)
	p.byID = make(map[string]*PooledSession)
	p.unpooled = make(map[string]bool)
	p.retired = make(map[string]bool)
	p.mu.Unlock()

	for _, s := range all {
		p.disconnect(s.transport, s.id, reason)
	}
}

// Stats returns a snapshot of the pool's counters.
func (p *SessionPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		PoolID:            p.cfg.PoolID,
		BackendServerID:   p.cfg.BackendServerID,
		Name:              p.cfg.Name,
		Strategy:          p.cfg.Strategy,
		Status:            p.status,
		MinSize:           p.cfg.MinSize,
		MaxSize:           p.cfg.MaxSize,
		TotalSessions:     len(p.byID),
		Created:           p.stats.created,
		Reused:            p.stats.reused,
		Expired:           p.stats.expired,
		Cleaned:           p.stats.cleaned,
		StateRestored:     p.stats.stateRestored,
		ConnectionErrors:  p.stats.connectionErrors,
		TotalAcquisitions: p.stats.acquisitions,
		TotalReleases:     p.stats.releases,
		TotalTimeouts:     p.stats.timeouts,
	}
	for _, s := range p.byID {
		if s.activeConnections > 0 {
			st.ActiveSessions++
		} else if !p.retired[s.id] && !p.unpooled[s.id] {
			st.AvailableSessions++
		}
		if s.unhealthy {
			st.UnhealthySessions++
		}
	}
	return st
}

// Shutdown stops the sweep and disconnects every session, borrowed or not.
func (p *SessionPool) Shutdown() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()

		p.mu.Lock()
		p.closed = true
		p.status = StatusInactive
		p.mu.Unlock()

		p.closeAll(reasonShutdown)
		p.logger.Info("session pool shut down")
	})
}

func (p *SessionPool) since(start time.Time) time.Duration {
	return p.now().Sub(start)
}

// recordMetric persists one strategy metric. Failures are logged only.
func (p *SessionPool) recordMetric(ctx context.Context, elapsed time.Duration, success, reused bool, errMsg string) {
	if p.metrics == nil {
		return
	}
	m := &store.StrategyMetricRecord{
		ID:                  uuid.New().String(),
		PoolID:              p.cfg.PoolID,
		Strategy:            string(p.cfg.Strategy),
		Timestamp:           p.now().UTC(),
		ResponseTimeSeconds: elapsed.Seconds(),
		Success:             success,
		SessionReused:       reused,
		WaitTimeSeconds:     elapsed.Seconds(),
		ErrorMessage:        errMsg,
	}
	if err := p.metrics.SaveStrategyMetric(context.WithoutCancel(ctx), m); err != nil {
		p.logger.Error("recording strategy metric", "error", err)
	}
}
