// ABOUTME: Configuration loading and parsing for coven-pool
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/coven-pool/internal/pool"
	"github.com/2389/coven-pool/internal/store"
)

// Config represents the complete coven-pool configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Pooling   PoolingConfig   `yaml:"pooling"`
	Backends  []BackendConfig `yaml:"backends"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr    string   `yaml:"grpc_addr"`
	HTTPAddr    string   `yaml:"http_addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PoolingConfig holds the global session pool defaults
type PoolingConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DefaultStrategy string `yaml:"default_strategy"`
	DefaultMinSize  int    `yaml:"default_min_size"`
	DefaultMaxSize  int    `yaml:"default_max_size"`
	AutoAdjust      bool   `yaml:"auto_adjust"`

	DefaultTimeout   time.Duration `yaml:"-"`
	SessionTTL       time.Duration `yaml:"-"`
	MaxIdleTime      time.Duration `yaml:"-"`
	SweepInterval    time.Duration `yaml:"-"`
	MonitorInterval  time.Duration `yaml:"-"`
	OptimizeInterval time.Duration `yaml:"-"`
	MetricsWindow    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DefaultTimeoutRaw   string `yaml:"default_timeout"`
	SessionTTLRaw       string `yaml:"session_ttl"`
	MaxIdleTimeRaw      string `yaml:"max_idle_time"`
	SweepIntervalRaw    string `yaml:"sweep_interval"`
	MonitorIntervalRaw  string `yaml:"monitor_interval"`
	OptimizeIntervalRaw string `yaml:"optimize_interval"`
	MetricsWindowRaw    string `yaml:"metrics_window"`
}

// BackendConfig describes an upstream MCP server seeded into the store at startup
type BackendConfig struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	Kind     string            `yaml:"kind"`
	Endpoint string            `yaml:"endpoint"`
	Command  string            `yaml:"command"`
	Args     []string          `yaml:"args"`
	Env      map[string]string `yaml:"env"`
	Stateful bool              `yaml:"stateful"`

	PoolEnabled    *bool  `yaml:"pool_enabled"`
	PoolStrategy   string `yaml:"pool_strategy"`
	PoolMinSize    int    `yaml:"pool_min_size"`
	PoolMaxSize    int    `yaml:"pool_max_size"`
	PoolPrePing    *bool  `yaml:"pool_pre_ping"`
	PoolAutoAdjust bool   `yaml:"pool_auto_adjust"`

	PoolTimeout time.Duration `yaml:"-"`
	PoolRecycle time.Duration `yaml:"-"`

	PoolTimeoutRaw string `yaml:"pool_timeout"`
	PoolRecycleRaw string `yaml:"pool_recycle"`
}

// Pool defaults
const (
	defaultStrategy      = "round_robin"
	defaultMinSize       = 1
	defaultMaxSize       = 10
	defaultPoolTimeout   = 30 * time.Second
	defaultSessionTTL    = time.Hour
	defaultMaxIdleTime   = 10 * time.Minute
	defaultSweepInterval = time.Minute
)

// MinJWTSecretLength is the shortest accepted HMAC secret.
const MinJWTSecretLength = 32

var validKinds = map[string]bool{
	"stdio":      true,
	"sse":        true,
	"streamable": true,
	"websocket":  true,
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the config file location: $COVEN_POOL_CONFIG, else
// $XDG_CONFIG_HOME/coven/pool.yaml, else ~/.config/coven/pool.yaml.
func DefaultPath() string {
	if p := os.Getenv("COVEN_POOL_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven", "pool.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "pool.yaml"
	}
	return filepath.Join(home, ".config", "coven", "pool.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	p := &c.Pooling
	if p.DefaultStrategy == "" {
		p.DefaultStrategy = defaultStrategy
	}
	if p.DefaultMinSize == 0 {
		p.DefaultMinSize = defaultMinSize
	}
	if p.DefaultMaxSize == 0 {
		p.DefaultMaxSize = defaultMaxSize
	}
	if p.DefaultTimeout == 0 {
		p.DefaultTimeout = defaultPoolTimeout
	}
	if p.SessionTTL == 0 {
		p.SessionTTL = defaultSessionTTL
	}
	if p.MaxIdleTime == 0 {
		p.MaxIdleTime = defaultMaxIdleTime
	}
	if p.SweepInterval == 0 {
		p.SweepInterval = defaultSweepInterval
	}
	if p.MonitorInterval == 0 {
		p.MonitorInterval = pool.DefaultMonitorInterval
	}
	if p.OptimizeInterval == 0 {
		p.OptimizeInterval = pool.DefaultOptimizeInterval
	}
	if p.MetricsWindow == 0 {
		p.MetricsWindow = pool.DefaultMetricsWindow
	}

	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Name == "" {
			b.Name = b.ID
		}
		if b.PoolStrategy == "" {
			b.PoolStrategy = p.DefaultStrategy
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	if _, err := pool.ParseStrategy(c.Pooling.DefaultStrategy); err != nil {
		return fmt.Errorf("pooling.default_strategy: %w", err)
	}
	if c.Pooling.DefaultMinSize < 0 || c.Pooling.DefaultMaxSize < 0 {
		return fmt.Errorf("pooling sizes must not be negative")
	}
	if c.Pooling.DefaultMaxSize > 0 && c.Pooling.DefaultMinSize > c.Pooling.DefaultMaxSize {
		return fmt.Errorf("pooling.default_min_size (%d) exceeds default_max_size (%d)", c.Pooling.DefaultMinSize, c.Pooling.DefaultMaxSize)
	}

	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backends[%d].id is required", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("backends[%d]: duplicate id %q", i, b.ID)
		}
		seen[b.ID] = true

		if !validKinds[b.Kind] {
			return fmt.Errorf("backends[%d].kind %q must be one of stdio, sse, streamable, websocket", i, b.Kind)
		}
		if b.Kind == "stdio" && b.Command == "" {
			return fmt.Errorf("backends[%d].command is required for stdio", i)
		}
		if b.Kind != "stdio" && b.Endpoint == "" {
			return fmt.Errorf("backends[%d].endpoint is required for %s", i, b.Kind)
		}
		if _, err := pool.ParseStrategy(b.PoolStrategy); err != nil {
			return fmt.Errorf("backends[%d].pool_strategy: %w", i, err)
		}
		if b.PoolMaxSize > 0 && b.PoolMinSize > b.PoolMaxSize {
			return fmt.Errorf("backends[%d].pool_min_size exceeds pool_max_size", i)
		}
	}

	return nil
}

// ManagerConfig converts the pooling section into the pool manager's settings.
func (c *Config) ManagerConfig() pool.ManagerConfig {
	p := c.Pooling
	return pool.ManagerConfig{
		Enabled:          p.Enabled,
		DefaultStrategy:  pool.RoutingStrategy(p.DefaultStrategy),
		DefaultMinSize:   p.DefaultMinSize,
		DefaultMaxSize:   p.DefaultMaxSize,
		DefaultTimeout:   p.DefaultTimeout,
		SessionTTL:       p.SessionTTL,
		MaxIdleTime:      p.MaxIdleTime,
		SweepInterval:    p.SweepInterval,
		MonitorInterval:  p.MonitorInterval,
		OptimizeInterval: p.OptimizeInterval,
		AutoAdjust:       p.AutoAdjust,
		MetricsWindow:    p.MetricsWindow,
	}
}

// BackendRecords converts configured backends into store records. Unset
// pool_enabled and pool_pre_ping default to true.
func (c *Config) BackendRecords() []*store.BackendServerConfig {
	out := make([]*store.BackendServerConfig, 0, len(c.Backends))
	for _, b := range c.Backends {
		out = append(out, &store.BackendServerConfig{
			ID:                 b.ID,
			Name:               b.Name,
			Kind:               b.Kind,
			Endpoint:           b.Endpoint,
			Command:            b.Command,
			Args:               b.Args,
			Env:                b.Env,
			PoolEnabled:        boolOr(b.PoolEnabled, true),
			PoolStrategy:       b.PoolStrategy,
			PoolMinSize:        b.PoolMinSize,
			PoolMaxSize:        b.PoolMaxSize,
			PoolTimeoutSeconds: int(b.PoolTimeout / time.Second),
			PoolRecycleSeconds: int(b.PoolRecycle / time.Second),
			PoolPrePing:        boolOr(b.PoolPrePing, true),
			PoolAutoAdjust:     b.PoolAutoAdjust,
			Stateful:           b.Stateful,
		})
	}
	return out
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	p := &cfg.Pooling
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"default_timeout", p.DefaultTimeoutRaw, &p.DefaultTimeout},
		{"session_ttl", p.SessionTTLRaw, &p.SessionTTL},
		{"max_idle_time", p.MaxIdleTimeRaw, &p.MaxIdleTime},
		{"sweep_interval", p.SweepIntervalRaw, &p.SweepInterval},
		{"monitor_interval", p.MonitorIntervalRaw, &p.MonitorInterval},
		{"optimize_interval", p.OptimizeIntervalRaw, &p.OptimizeInterval},
		{"metrics_window", p.MetricsWindowRaw, &p.MetricsWindow},
	}
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		fields = append(fields,
			struct {
				name string
				raw  string
				dst  *time.Duration
			}{fmt.Sprintf("backends[%d].pool_timeout", i), b.PoolTimeoutRaw, &b.PoolTimeout},
			struct {
				name string
				raw  string
				dst  *time.Duration
			}{fmt.Sprintf("backends[%d].pool_recycle", i), b.PoolRecycleRaw, &b.PoolRecycle},
		)
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
