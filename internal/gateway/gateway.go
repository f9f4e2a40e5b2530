// ABOUTME: Gateway orchestrator that coordinates the pool manager, gRPC and HTTP servers
// ABOUTME: Manages store, backend seeding, tailscale listeners, and shutdown lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/cors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-pool/internal/auth"
	"github.com/2389/coven-pool/internal/config"
	"github.com/2389/coven-pool/internal/pool"
	"github.com/2389/coven-pool/internal/store"
	"github.com/2389/coven-pool/internal/transport"
)

// PoolServiceName is the gRPC health service name that tracks the pool manager.
const PoolServiceName = "coven.pool.SessionPoolManager"

// Tailscale listener ports
const (
	tailscaleGRPCPort = ":50052"
	tailscaleHTTPPort = ":80"
)

// Gateway orchestrates the coven-pool server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	factory     *transport.Factory
	manager     *pool.Manager
	verifier    *auth.JWTVerifier
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	ready        atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customizes a Gateway at construction time.
type Option func(*options)

type options struct {
	connect pool.ConnectFunc
}

// WithConnectFunc replaces the transport factory as the pool's session source.
func WithConnectFunc(fn pool.ConnectFunc) Option {
	return func(o *options) { o.connect = fn }
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_POOL_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// seedBackends upserts the configured backend servers into the store.
func seedBackends(ctx context.Context, s store.BackendStore, backends []*store.BackendServerConfig, logger *slog.Logger) error {
	for _, b := range backends {
		if err := s.UpsertBackendServer(ctx, b); err != nil {
			return fmt.Errorf("seeding backend %s: %w", b.ID, err)
		}
		logger.Debug("seeded backend server", "server_id", b.ID, "kind", b.Kind, "pool_enabled", b.PoolEnabled)
	}
	return nil
}

// createGRPCServer creates a gRPC server exposing the standard health service.
func createGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, hs)
	return server
}

// New creates a Gateway: it opens the store, seeds backend servers, and wires
// the transport factory into a pool manager. Call Run to start serving.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	if err := seedBackends(context.Background(), s, cfg.BackendRecords(), logger); err != nil {
		_ = s.Close()
		return nil, err
	}

	gw := &Gateway{
		config: cfg,
		store:  s,
		logger: logger,
	}

	gw.factory = transport.NewFactory(s, logger)
	connect := o.connect
	if connect == nil {
		connect = gw.factory.Connect
	}
	gw.manager = pool.NewManager(s, connect, cfg.ManagerConfig(), logger)

	if cfg.Auth.JWTSecret != "" {
		gw.verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		logger.Info("API authentication enabled (JWT)")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
	}

	gw.health = health.NewServer()
	gw.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	gw.health.SetServingStatus(PoolServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	gw.grpcServer = createGRPCServer(gw.health)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.buildHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// buildHandler assembles the HTTP routes, wrapping them in CORS when origins are configured.
func (g *Gateway) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	g.registerAPIRoutes(mux)

	if len(g.config.Server.CORSOrigins) == 0 {
		return mux
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   g.config.Server.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           600,
	})
	return c.Handler(mux)
}

// Manager returns the gateway's pool manager for in-process transport call sites.
func (g *Gateway) Manager() *pool.Manager {
	return g.manager
}

// Start initializes the pool manager and marks the gateway ready.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.manager.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing pool manager: %w", err)
	}

	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if g.manager.Enabled() {
		g.health.SetServingStatus(PoolServiceName, healthpb.HealthCheckResponse_SERVING)
	}
	g.ready.Store(true)
	return nil
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting listeners",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address %s: %w", g.config.Server.GRPCAddr, err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address %s: %w", g.config.Server.HTTPAddr, err)
	}
	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server addresses ignored when tailscale is enabled",
				"grpc_addr", g.config.Server.GRPCAddr,
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		select {
		case additionalErr := <-errCh:
			g.logger.Error("additional server error", "error", additionalErr)
		default:
		}
		return err
	}
}

// Run starts the pool manager and both servers, blocking until ctx is canceled
// or a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		return err
	}

	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-pool", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", tailscaleGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.tsnetServer.Listen("tcp", tailscaleHTTPPort)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops serving, shuts every pool down, and closes the store.
// Later calls return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")
		g.ready.Store(false)
		g.health.Shutdown()

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

		g.shutdownGRPCServer(ctx)

		errs = appendCloseError(errs, "pool manager shutdown", g.manager.Shutdown(ctx))

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "store close", g.store.Close())

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the pool manager has been initialized.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("pool manager not initialized"))
		return
	}
	if !g.manager.Enabled() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready (pooling disabled)"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d pools)", len(g.manager.GetPoolStats("")))
}
