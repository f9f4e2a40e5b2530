// Package gateway orchestrates the coven-pool server components.
//
// # Overview
//
// New opens the SQLite store, upserts the backend servers listed in the
// config, and builds a pool.Manager whose sessions come from a
// transport.Factory. Run initializes the manager (reloading persisted pools)
// and serves HTTP and gRPC until its context is canceled.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - 200 once the pool manager is initialized
//   - GET /api/pools[?server_id=] - Stats for every pool
//   - GET /api/pools/{server_id} - Stats for one pool
//   - POST /api/pools/{server_id}/drain[?timeout=30s] - Drain a pool (admin)
//   - POST /api/pools/{server_id}/optimize - Strategy recommendation (admin)
//   - DELETE /api/pools/{server_id} - Remove a pool (admin)
//   - GET /api/strategies - Routing strategy catalog
//   - GET /api/backends - Configured backend servers
//
// With auth.jwt_secret set, /api routes require a bearer token and the admin
// routes require the "admin" role. server.cors_origins enables CORS.
//
// # gRPC
//
// The gRPC listener serves grpc.health.v1. The overall service ("") is
// SERVING once Run has initialized the manager; PoolServiceName additionally
// reports NOT_SERVING when pooling is disabled. Both flip to NOT_SERVING on
// shutdown.
//
// # Tailscale
//
// With tailscale.enabled, listeners come from a tsnet node instead of
// server.grpc_addr and server.http_addr (gRPC on :50052, HTTP on :80).
//
// # Shutdown Sequence
//
//  1. Mark not ready and flip health to NOT_SERVING
//  2. Shut down the HTTP server
//  3. Gracefully stop gRPC (force stop on deadline)
//  4. Shut down every pool and persist final counters
//  5. Close tailscale and the store
package gateway
