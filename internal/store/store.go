// ABOUTME: Store interfaces and record types for session pool persistence
// ABOUTME: Defines pool records, strategy metrics, and backend server configuration

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// PoolCounters are the live counters the monitoring loop writes back.
type PoolCounters struct {
	ActiveSessions    int
	AvailableSessions int
	TotalAcquisitions int64
	TotalReleases     int64
	TotalTimeouts     int64
}

// SessionPoolRecord is the persisted form of one backend server's pool.
type SessionPoolRecord struct {
	ID              string
	BackendServerID string
	Name            string
	Strategy        string
	MinSize         int
	MaxSize         int
	TimeoutSeconds  int
	Counters        PoolCounters
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StrategyMetricRecord is one append-only observation of pool behavior.
type StrategyMetricRecord struct {
	ID                  string
	PoolID              string
	Strategy            string
	Timestamp           time.Time
	ResponseTimeSeconds float64
	Success             bool
	SessionReused       bool
	WaitTimeSeconds     float64
	ErrorMessage        string
}

// BackendServerConfig describes an upstream MCP server and its pool settings.
type BackendServerConfig struct {
	ID       string
	Name     string
	Kind     string // stdio, sse, streamable, websocket
	Endpoint string
	Command  string
	Args     []string
	Env      map[string]string

	PoolEnabled        bool
	PoolStrategy       string
	PoolMinSize        int
	PoolMaxSize        int
	PoolTimeoutSeconds int
	PoolRecycleSeconds int
	PoolPrePing        bool
	PoolAutoAdjust     bool
	Stateful           bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PoolStore persists pool records and strategy metrics.
type PoolStore interface {
	LoadActivePoolRecords(ctx context.Context) ([]*SessionPoolRecord, error)
	SavePoolRecord(ctx context.Context, rec *SessionPoolRecord) error
	UpdatePoolCounters(ctx context.Context, poolID string, c PoolCounters) error
	DeactivatePoolRecord(ctx context.Context, poolID string) error

	SaveStrategyMetric(ctx context.Context, m *StrategyMetricRecord) error
	QueryMetrics(ctx context.Context, poolID string, since time.Time) ([]*StrategyMetricRecord, error)
}

// BackendStore persists backend server configuration.
type BackendStore interface {
	LoadBackendServerConfig(ctx context.Context, id string) (*BackendServerConfig, error)
	UpsertBackendServer(ctx context.Context, cfg *BackendServerConfig) error
	ListBackendServers(ctx context.Context) ([]*BackendServerConfig, error)
}

// Store combines every persistence concern of the pool gateway.
type Store interface {
	PoolStore
	BackendStore

	// Close releases any resources held by the store
	Close() error
}
