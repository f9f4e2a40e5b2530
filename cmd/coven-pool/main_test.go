// ABOUTME: Tests for coven-pool CLI helpers
// ABOUTME: Covers token flag parsing, generated config, stats rendering, and logging

package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-pool/internal/config"
	"github.com/2389/coven-pool/internal/gateway"
)

func TestParseTokenArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    *tokenArgs
		wantErr string
	}{
		{
			name: "subject only",
			args: []string{"--subject", "dashboard"},
			want: &tokenArgs{subject: "dashboard", ttl: defaultTokenTTL},
		},
		{
			name: "equals form with admin and ttl",
			args: []string{"--subject=ops", "--admin", "--ttl=2h"},
			want: &tokenArgs{subject: "ops", admin: true, ttl: 2 * time.Hour},
		},
		{
			name: "short flag",
			args: []string{"-s", "bot"},
			want: &tokenArgs{subject: "bot", ttl: defaultTokenTTL},
		},
		{name: "missing subject", args: []string{"--admin"}, wantErr: "--subject flag is required"},
		{name: "dangling value", args: []string{"--subject"}, wantErr: "requires a value"},
		{name: "bad ttl", args: []string{"--subject", "x", "--ttl", "soon"}, wantErr: "invalid --ttl"},
		{name: "unknown flag", args: []string{"--subject", "x", "--force"}, wantErr: "unknown flag"},
		{name: "positional", args: []string{"dashboard"}, wantErr: "unexpected argument"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTokenArgs(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderConfig_Loads(t *testing.T) {
	secret, err := generateSecret()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(secret), config.MinJWTSecretLength)

	path := filepath.Join(t.TempDir(), "pool.yaml")
	content := renderConfig(initAnswers{
		grpcAddr:  "localhost:50052",
		httpAddr:  "localhost:8090",
		dbPath:    filepath.Join(t.TempDir(), "pool.db"),
		jwtSecret: secret,
		strategy:  "sticky",
		logLevel:  "debug",
		logFormat: "json",
	})
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Pooling.Enabled)
	assert.Equal(t, "sticky", cfg.Pooling.DefaultStrategy)
	assert.Equal(t, 30*time.Second, cfg.Pooling.DefaultTimeout)
	assert.Equal(t, secret, cfg.Auth.JWTSecret)
	assert.Empty(t, cfg.Backends)
}

func TestRenderStats(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	renderStats(&buf, gateway.ListPoolsResponse{Enabled: false})
	assert.Contains(t, buf.String(), "disabled")

	buf.Reset()
	renderStats(&buf, gateway.ListPoolsResponse{Enabled: true})
	assert.Contains(t, buf.String(), "no session pools")

	buf.Reset()
	renderStats(&buf, gateway.ListPoolsResponse{
		Enabled: true,
		Pools: []gateway.PoolStatsResponse{{
			ServerID:          "github",
			Strategy:          "sticky",
			Status:            "active",
			MaxSize:           5,
			TotalSessions:     2,
			ActiveSessions:    1,
			TotalAcquisitions: 7,
			Reused:            5,
		}},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "SERVER"))
	assert.Contains(t, lines[1], "github")
	assert.Contains(t, lines[1], "2/5")
}

func TestLoadToken(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "pool.yaml")

	t.Setenv("COVEN_POOL_TOKEN", "")
	assert.Empty(t, loadToken(configPath))

	require.NoError(t, os.WriteFile(tokenPath(configPath), []byte("file-token\n"), 0600))
	assert.Equal(t, "file-token", loadToken(configPath))

	t.Setenv("COVEN_POOL_TOKEN", "env-token")
	assert.Equal(t, "env-token", loadToken(configPath))
}

func TestNewLogger(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)
	logger.Info("hidden")
	logger.With("component", "pool").Warn("pool degraded", "server_id", "github")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WRN pool degraded")
	assert.Contains(t, out, "component=pool")
	assert.Contains(t, out, "server_id=github")

	buf.Reset()
	logger = newLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.Debug("created session", "pool_id", "p1")
	assert.Contains(t, buf.String(), `"pool_id":"p1"`)

	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}
