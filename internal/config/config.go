// Package config loads and validates the bridge configuration from TOML,
// with environment variable overrides for deploy-time secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/gangwaybot/gangway/internal/handler"
)

// Duration is a TOML-friendly wrapper accepting strings like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config is the resolved bridge configuration.
type Config struct {
	Transport TransportConfig `toml:"transport"`
	RPC       RPCConfig       `toml:"rpc"`
	Hybrid    HybridConfig    `toml:"hybrid"`
	Manager   ManagerConfig   `toml:"manager"`
	Slack     SlackConfig     `toml:"slack"`
	Realtime  RealtimeConfig  `toml:"realtime"`
	Announce  AnnounceConfig  `toml:"announce"`
}

// TransportConfig configures the agent CLI subprocess backend.
type TransportConfig struct {
	Binary         string   `toml:"binary"`
	DefaultFlags   []string `toml:"default_flags"`
	Model          string   `toml:"model"`
	OutputFormat   string   `toml:"output_format"`
	CommandTimeout Duration `toml:"command_timeout"`
	StartupTimeout Duration `toml:"startup_timeout"`
	WriteTimeout   Duration `toml:"write_timeout"`
	PollInterval   Duration `toml:"poll_interval"`
	BufferLines    int      `toml:"buffer_lines"`
}

// RPCConfig configures the external agent server backend.
type RPCConfig struct {
	Endpoint        string   `toml:"endpoint"`
	ProtocolVersion string   `toml:"protocol_version"`
	Timeout         Duration `toml:"timeout"`
	APIKey          string   `toml:"api_key"`
}

// HybridConfig configures the failover composition of the two backends.
type HybridConfig struct {
	Prefer          string   `toml:"prefer"`
	FallbackEnabled bool     `toml:"fallback_enabled"`
	Cooldown        Duration `toml:"cooldown"`
}

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	HandlerType    string   `toml:"handler_type"`
	MaxSessions    int      `toml:"max_sessions"`
	SessionTimeout Duration `toml:"session_timeout"`
	DataDir        string   `toml:"data_dir"`
}

// SlackConfig configures the Socket Mode bot.
type SlackConfig struct {
	BotToken string `toml:"bot_token"`
	AppToken string `toml:"app_token"`
	Channel  string `toml:"channel"`
	Debug    bool   `toml:"debug"`
}

// RealtimeConfig configures the websocket/REST observation server.
type RealtimeConfig struct {
	Listen string `toml:"listen"`
}

// AnnounceConfig configures NATS lifecycle announcements. An empty URL
// disables publishing.
type AnnounceConfig struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Binary:         "claude",
			OutputFormat:   "text",
			CommandTimeout: Duration{60 * time.Second},
			StartupTimeout: Duration{30 * time.Second},
			WriteTimeout:   Duration{5 * time.Second},
			PollInterval:   Duration{time.Second},
			BufferLines:    500,
		},
		RPC: RPCConfig{
			ProtocolVersion: "1.0",
			Timeout:         Duration{30 * time.Second},
		},
		Hybrid: HybridConfig{
			Prefer:          string(handler.KindSubprocess),
			FallbackEnabled: true,
			Cooldown:        Duration{60 * time.Second},
		},
		Manager: ManagerConfig{
			HandlerType:    string(handler.KindSubprocess),
			MaxSessions:    10,
			SessionTimeout: Duration{30 * time.Minute},
			DataDir:        defaultDataDir(),
		},
		Realtime: RealtimeConfig{
			Listen: ":8900",
		},
		Announce: AnnounceConfig{
			SubjectPrefix: "gangway.sessions",
		},
	}
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.toml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gangway"
	}
	return filepath.Join(home, ".gangway")
}

// Load reads the TOML file at path on top of the defaults, applies
// environment overrides and validates. A missing file yields defaults
// plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		} else if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays GANGWAY_* environment variables; secrets are expected
// to arrive this way rather than in the file.
func (c *Config) applyEnv() {
	overlay := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	overlay(&c.Slack.BotToken, "GANGWAY_SLACK_BOT_TOKEN")
	overlay(&c.Slack.AppToken, "GANGWAY_SLACK_APP_TOKEN")
	overlay(&c.Slack.Channel, "GANGWAY_SLACK_CHANNEL")
	overlay(&c.Transport.Binary, "GANGWAY_BINARY")
	overlay(&c.RPC.Endpoint, "GANGWAY_RPC_ENDPOINT")
	overlay(&c.RPC.APIKey, "GANGWAY_RPC_API_KEY")
	overlay(&c.Manager.DataDir, "GANGWAY_DATA_DIR")
	overlay(&c.Announce.URL, "GANGWAY_NATS_URL")
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	if c.Transport.Binary == "" {
		return fmt.Errorf("transport.binary must be set")
	}
	switch c.Transport.OutputFormat {
	case "", "text", "json", "stream-json":
	default:
		return fmt.Errorf("transport.output_format %q not supported", c.Transport.OutputFormat)
	}
	if _, err := handler.ParseKind(c.Manager.HandlerType); err != nil {
		return fmt.Errorf("manager.handler_type: %w", err)
	}
	if _, err := handler.ParseKind(c.Hybrid.Prefer); err != nil {
		return fmt.Errorf("hybrid.prefer: %w", err)
	}
	if c.Hybrid.Prefer == string(handler.KindHybrid) {
		return fmt.Errorf("hybrid.prefer must name a concrete backend")
	}
	if c.Manager.MaxSessions <= 0 {
		return fmt.Errorf("manager.max_sessions must be positive")
	}
	if c.Manager.SessionTimeout.Duration <= 0 {
		return fmt.Errorf("manager.session_timeout must be positive")
	}
	kind := handler.Kind(c.Manager.HandlerType)
	if (kind == handler.KindRPC || kind == handler.KindHybrid) && c.RPC.Endpoint == "" {
		return fmt.Errorf("rpc.endpoint required for handler type %s", kind)
	}
	return nil
}

// HandlerConfig maps the file shape onto the transport layer's settings.
func (c *Config) HandlerConfig() handler.Config {
	return handler.Config{
		Binary:         c.Transport.Binary,
		DefaultFlags:   c.Transport.DefaultFlags,
		Model:          c.Transport.Model,
		OutputFormat:   c.Transport.OutputFormat,
		CommandTimeout: c.Transport.CommandTimeout.Duration,
		StartupTimeout: c.Transport.StartupTimeout.Duration,
		WriteTimeout:   c.Transport.WriteTimeout.Duration,
		PollInterval:   c.Transport.PollInterval.Duration,
		BufferLines:    c.Transport.BufferLines,

		RPCEndpoint:        c.RPC.Endpoint,
		RPCProtocolVersion: c.RPC.ProtocolVersion,
		RPCTimeout:         c.RPC.Timeout.Duration,
		RPCAPIKey:          c.RPC.APIKey,

		Prefer:          handler.Kind(c.Hybrid.Prefer),
		FallbackEnabled: c.Hybrid.FallbackEnabled,
		Cooldown:        c.Hybrid.Cooldown.Duration,
	}
}

// HandlerKind returns the validated backend selection.
func (c *Config) HandlerKind() handler.Kind {
	return handler.Kind(c.Manager.HandlerType)
}
