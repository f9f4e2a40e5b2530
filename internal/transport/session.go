// ABOUTME: Pool-facing wrapper around an MCP client session
// ABOUTME: Adds liveness tracking, ping validation and continuity snapshots

package transport

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389/coven-pool/internal/pool"
)

// Continuity snapshot keys
const (
	StateSessionID   = "mcp_session_id"
	StateInitialized = "initialized"
	StateKind        = "transport"
)

// Session is a live MCP client session that can sit in a session pool.
type Session struct {
	serverID string
	kind     pool.TransportKind
	cs       *mcp.ClientSession
	logger   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu    sync.Mutex
	state pool.StateSnapshot
}

func newSession(serverID string, kind pool.TransportKind, cs *mcp.ClientSession, logger *slog.Logger) *Session {
	s := &Session{
		serverID: serverID,
		kind:     kind,
		cs:       cs,
		logger:   logger,
		done:     make(chan struct{}),
		state: pool.StateSnapshot{
			StateSessionID:   cs.ID(),
			StateInitialized: "true",
			StateKind:        string(kind),
		},
	}
	go s.watch()
	return s
}

func (s *Session) watch() {
	err := s.cs.Wait()
	close(s.done)
	if err != nil {
		s.logger.Debug("backend session ended", "server_id", s.serverID, "kind", s.kind, "error", err)
	}
}

// ClientSession exposes the MCP session for tool calls.
func (s *Session) ClientSession() *mcp.ClientSession { return s.cs }

// Kind returns the wire transport in use.
func (s *Session) Kind() pool.TransportKind { return s.kind }

// IsConnected reports whether the backend connection is still open.
func (s *Session) IsConnected() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Disconnect closes the session. Repeated calls return the first result.
func (s *Session) Disconnect(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cs.Close()
	})
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.closeErr
}

// ValidateSession pings the backend.
func (s *Session) ValidateSession(ctx context.Context) bool {
	if !s.IsConnected() {
		return false
	}
	if err := s.cs.Ping(ctx, nil); err != nil {
		s.logger.Debug("backend ping failed", "server_id", s.serverID, "error", err)
		return false
	}
	return true
}

// SnapshotState returns the session's continuity data.
func (s *Session) SnapshotState() pool.StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.state)
}

// RestoreState merges a snapshot back. A backend session ID that no longer
// matches the live one is logged and the live ID wins.
func (s *Session) RestoreState(snap pool.StateSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.state[StateSessionID]
	maps.Copy(s.state, snap)
	if prev := snap[StateSessionID]; prev != "" && live != "" && prev != live {
		s.logger.Debug("backend session id changed", "server_id", s.serverID, "previous", prev, "current", live)
	}
	if live != "" {
		s.state[StateSessionID] = live
	}
}

var (
	_ pool.Transport             = (*Session)(nil)
	_ pool.Validator             = (*Session)(nil)
	_ pool.SupportsStateSnapshot = (*Session)(nil)
)
