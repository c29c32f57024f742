package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gangwaybot/gangway/internal/handler"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gangway.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "claude", cfg.Transport.Binary)
	assert.Equal(t, 10, cfg.Manager.MaxSessions)
	assert.Equal(t, 30*time.Minute, cfg.Manager.SessionTimeout.Duration)
	assert.Equal(t, handler.KindSubprocess, cfg.HandlerKind())
	assert.True(t, cfg.Hybrid.FallbackEnabled)
	assert.Equal(t, 60*time.Second, cfg.Hybrid.Cooldown.Duration)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.Transport.Binary)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[transport]
binary = "/usr/local/bin/claude"
model = "opus"
output_format = "stream-json"
default_flags = ["--verbose"]
command_timeout = "90s"

[manager]
handler_type = "hybrid"
max_sessions = 4
session_timeout = "10m"
data_dir = "/var/lib/gangway"

[rpc]
endpoint = "http://localhost:9100"
timeout = "15s"

[hybrid]
prefer = "rpc"
fallback_enabled = true
cooldown = "2m"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/usr/local/bin/claude", cfg.Transport.Binary)
	assert.Equal(t, 90*time.Second, cfg.Transport.CommandTimeout.Duration)
	assert.Equal(t, 4, cfg.Manager.MaxSessions)
	assert.Equal(t, handler.KindHybrid, cfg.HandlerKind())

	hc := cfg.HandlerConfig()
	assert.Equal(t, "opus", hc.Model)
	assert.Equal(t, []string{"--verbose"}, hc.DefaultFlags)
	assert.Equal(t, "http://localhost:9100", hc.RPCEndpoint)
	assert.Equal(t, 15*time.Second, hc.RPCTimeout)
	assert.Equal(t, handler.KindRPC, hc.Prefer)
	assert.Equal(t, 2*time.Minute, hc.Cooldown)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GANGWAY_SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("GANGWAY_BINARY", "/opt/agent")
	t.Setenv("GANGWAY_DATA_DIR", "/tmp/gangway-data")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "xoxb-test", cfg.Slack.BotToken)
	assert.Equal(t, "/opt/agent", cfg.Transport.Binary)
	assert.Equal(t, "/tmp/gangway-data", cfg.Manager.DataDir)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing binary",
			mutate:  func(c *Config) { c.Transport.Binary = "" },
			wantErr: "transport.binary",
		},
		{
			name:    "bad output format",
			mutate:  func(c *Config) { c.Transport.OutputFormat = "xml" },
			wantErr: "output_format",
		},
		{
			name:    "unknown handler type",
			mutate:  func(c *Config) { c.Manager.HandlerType = "carrier-pigeon" },
			wantErr: "handler_type",
		},
		{
			name:    "hybrid prefer must be concrete",
			mutate:  func(c *Config) { c.Hybrid.Prefer = "hybrid" },
			wantErr: "concrete backend",
		},
		{
			name:    "zero sessions",
			mutate:  func(c *Config) { c.Manager.MaxSessions = 0 },
			wantErr: "max_sessions",
		},
		{
			name: "rpc type without endpoint",
			mutate: func(c *Config) {
				c.Manager.HandlerType = "rpc"
				c.RPC.Endpoint = ""
			},
			wantErr: "rpc.endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadBadTOML(t *testing.T) {
	path := writeConfig(t, "[transport\nbinary = ")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("150ms")))
	assert.Equal(t, 150*time.Millisecond, d.Duration)
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
