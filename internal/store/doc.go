// Package store provides persistent storage for the pool gateway using SQLite.
//
// # Architecture
//
// The store package splits persistence into two interfaces:
//
//   - PoolStore: session pool records and append-only strategy metrics
//   - BackendStore: backend MCP server configuration and pool settings
//
// SQLiteStore implements both in a single struct. MockStore is an in-memory
// implementation for tests.
//
// # Data Models
//
//   - BackendServerConfig: an upstream MCP server (stdio, sse, streamable or
//     websocket) with its pool_* settings
//   - SessionPoolRecord: one pool per backend server, with live counters
//     written back by the monitoring loop
//   - StrategyMetricRecord: one row per acquisition or release outcome
//
// Pool records are never deleted. Removing a pool sets is_active = 0 so the
// row remains available for history.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC3339 strings in UTC, which keeps range
// queries on pool_strategy_metrics.timestamp a plain string comparison.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
package store
