// ABOUTME: Builds MCP client sessions for backend servers from stored configuration
// ABOUTME: Supplies the pool's ConnectFunc for stdio, SSE, streamable HTTP and WebSocket

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389/coven-pool/internal/pool"
	"github.com/2389/coven-pool/internal/store"
)

// Factory errors
var (
	ErrUnknownBackend  = errors.New("unknown backend server")
	ErrUnsupportedKind = errors.New("unsupported transport kind")
)

// Builder creates the raw MCP transport for a backend.
type Builder func(backend *store.BackendServerConfig, kind pool.TransportKind) (mcp.Transport, error)

// Factory connects to backend MCP servers.
type Factory struct {
	backends   store.BackendStore
	logger     *slog.Logger
	impl       *mcp.Implementation
	httpClient *http.Client
	build      Builder
}

// FactoryOption customizes a Factory.
type FactoryOption func(*Factory)

// WithHTTPClient sets the HTTP client used by SSE, streamable and WebSocket transports.
func WithHTTPClient(c *http.Client) FactoryOption {
	return func(f *Factory) { f.httpClient = c }
}

// WithClientInfo sets the implementation name and version sent in the MCP handshake.
func WithClientInfo(name, version string) FactoryOption {
	return func(f *Factory) { f.impl = &mcp.Implementation{Name: name, Version: version} }
}

// WithBuilder replaces the transport builder.
func WithBuilder(b Builder) FactoryOption {
	return func(f *Factory) { f.build = b }
}

// NewFactory creates a Factory reading backend configuration from backends.
func NewFactory(backends store.BackendStore, logger *slog.Logger, opts ...FactoryOption) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		backends:   backends,
		logger:     logger.With("component", "transport"),
		impl:       &mcp.Implementation{Name: "coven-pool", Version: "dev"},
		httpClient: http.DefaultClient,
	}
	f.build = f.buildTransport
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Connect opens an initialized MCP client session for key. It satisfies
// pool.ConnectFunc.
func (f *Factory) Connect(ctx context.Context, key pool.RoutingKey) (pool.Transport, error) {
	backend, err := f.backends.LoadBackendServerConfig(ctx, key.BackendServerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, key.BackendServerID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading backend %s: %w", key.BackendServerID, err)
	}

	kind := key.Kind
	if kind == "" {
		kind = pool.TransportKind(backend.Kind)
	}

	t, err := f.build(backend, kind)
	if err != nil {
		return nil, err
	}

	client := mcp.NewClient(f.impl, nil)
	cs, err := client.Connect(ctx, &detachedTransport{delegate: t}, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s over %s: %w", backend.ID, kind, err)
	}

	s := newSession(backend.ID, kind, cs, f.logger)
	f.logger.Debug("backend session established",
		"server_id", backend.ID,
		"kind", kind,
		"user_id", key.UserID,
		"mcp_session_id", cs.ID(),
	)
	return s, nil
}

// buildTransport maps a backend and kind onto a go-sdk transport.
func (f *Factory) buildTransport(backend *store.BackendServerConfig, kind pool.TransportKind) (mcp.Transport, error) {
	switch kind {
	case pool.KindStdio:
		if backend.Command == "" {
			return nil, fmt.Errorf("backend %s: command required for stdio", backend.ID)
		}
		cmd := exec.Command(backend.Command, backend.Args...)
		if len(backend.Env) > 0 {
			env := os.Environ()
			for k, v := range backend.Env {
				env = append(env, k+"="+v)
			}
			cmd.Env = env
		}
		return &mcp.CommandTransport{Command: cmd}, nil

	case pool.KindSSE, pool.KindStreamable, pool.KindWebSocket:
		if backend.Endpoint == "" {
			return nil, fmt.Errorf("backend %s: endpoint required for %s", backend.ID, kind)
		}
		switch kind {
		case pool.KindSSE:
			return &mcp.SSEClientTransport{Endpoint: backend.Endpoint, HTTPClient: f.httpClient}, nil
		case pool.KindStreamable:
			return &mcp.StreamableClientTransport{Endpoint: backend.Endpoint, HTTPClient: f.httpClient}, nil
		default:
			return &WebSocketTransport{URL: backend.Endpoint, HTTPClient: f.httpClient}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
}

// detachedTransport keeps the underlying connection alive past the connect
// deadline. Streams opened during Connect would otherwise be torn down when
// the acquisition context is cancelled; the pool bounds connect time itself.
type detachedTransport struct {
	delegate mcp.Transport
}

func (t *detachedTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	return t.delegate.Connect(context.WithoutCancel(ctx))
}
