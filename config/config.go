// Package config loads gateway and executor configuration from YAML and the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/transport"
	"github.com/scttfrdmn/browsergate/browsergate-go/observability"
)

// EnvPrefix prefixes environment overrides, e.g. BROWSERGATE_GATEWAY_LISTEN_ADDR.
const EnvPrefix = "BROWSERGATE"

// Config is the full configuration of both binaries.
type Config struct {
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Presence  PresenceConfig  `mapstructure:"presence"`
}

// GatewayConfig configures gatewayd.
type GatewayConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	HealthAddr        string        `mapstructure:"health_addr"`
	MetricsPath       string        `mapstructure:"metrics_path"`
	InstanceID        string        `mapstructure:"instance_id"`
	AllowedExecutors  []string      `mapstructure:"allowed_executors"`
	APIKeys           []string      `mapstructure:"api_keys"`
	DefaultExecutor   string        `mapstructure:"default_executor"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	AuthTimeout       time.Duration `mapstructure:"auth_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	HandshakeRate     float64       `mapstructure:"handshake_rate"`
	HandshakeBurst    int           `mapstructure:"handshake_burst"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	OutputDir         string        `mapstructure:"output_dir"`
}

// ExecutorConfig configures executord.
type ExecutorConfig struct {
	URL               string        `mapstructure:"url"`
	ID                string        `mapstructure:"id"`
	APIKey            string        `mapstructure:"api_key"`
	Exclusive         bool          `mapstructure:"exclusive"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	AuthTimeout       time.Duration `mapstructure:"auth_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	Jitter            float64       `mapstructure:"jitter"`
}

// LoggingConfig configures log/slog.
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Structured   bool   `mapstructure:"structured"`
	TraceContext bool   `mapstructure:"trace_context"`
	// AuditFile, when set, receives executor endpoint audit events as JSON lines.
	AuditFile string `mapstructure:"audit_file"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	ServiceName   string  `mapstructure:"service_name"`
	OTLPEndpoint  string  `mapstructure:"otlp_endpoint"`
	ConsoleTraces bool    `mapstructure:"console_traces"`
	SampleRatio   float64 `mapstructure:"sample_ratio"`
	Metrics       bool    `mapstructure:"metrics"`
}

// PresenceConfig configures the Redis presence directory. An empty RedisURL disables it.
type PresenceConfig struct {
	RedisURL string        `mapstructure:"redis_url"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.listen_addr", "0.0.0.0:8000")
	v.SetDefault("gateway.health_addr", "0.0.0.0:8081")
	v.SetDefault("gateway.metrics_path", "/metrics")
	v.SetDefault("gateway.instance_id", "")
	v.SetDefault("gateway.allowed_executors", []string{})
	v.SetDefault("gateway.api_keys", []string{})
	v.SetDefault("gateway.default_executor", "")
	v.SetDefault("gateway.command_timeout", 5*time.Second)
	v.SetDefault("gateway.auth_timeout", 30*time.Second)
	v.SetDefault("gateway.heartbeat_interval", 10*time.Second)
	v.SetDefault("gateway.heartbeat_timeout", 30*time.Second)
	v.SetDefault("gateway.handshake_rate", 1.0)
	v.SetDefault("gateway.handshake_burst", 5)
	v.SetDefault("gateway.max_message_size", 10*1024*1024)
	v.SetDefault("gateway.output_dir", "")

	v.SetDefault("executor.url", "ws://localhost:8000/ws_browser")
	v.SetDefault("executor.id", "")
	v.SetDefault("executor.api_key", "")
	v.SetDefault("executor.exclusive", false)
	v.SetDefault("executor.command_timeout", time.Duration(0))
	v.SetDefault("executor.connect_timeout", 30*time.Second)
	v.SetDefault("executor.auth_timeout", 10*time.Second)
	v.SetDefault("executor.heartbeat_interval", 10*time.Second)
	v.SetDefault("executor.heartbeat_timeout", 30*time.Second)
	v.SetDefault("executor.reconnect_base", time.Second)
	v.SetDefault("executor.reconnect_max", 30*time.Second)
	v.SetDefault("executor.max_attempts", 5)
	v.SetDefault("executor.jitter", 0.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.trace_context", true)
	v.SetDefault("logging.audit_file", "")

	v.SetDefault("telemetry.service_name", "browsergate")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.console_traces", false)
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.metrics", true)

	v.SetDefault("presence.redis_url", "")
	v.SetDefault("presence.prefix", "browsergate:presence")
	v.SetDefault("presence.ttl", 30*time.Second)
}

// Default returns the configuration with every default applied.
func Default() *Config {
	c, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("invalid default configuration: %v", err))
	}
	return c
}

// Load reads path (YAML) if given, applies BROWSERGATE_* environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks settings shared by both binaries and the gateway section.
func (c *Config) Validate() error {
	if _, err := observability.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	g := c.Gateway
	if g.ListenAddr == "" {
		return fmt.Errorf("gateway.listen_addr must be set")
	}
	if !strings.HasPrefix(g.MetricsPath, "/") {
		return fmt.Errorf("gateway.metrics_path must start with /, got %q", g.MetricsPath)
	}
	for name, d := range map[string]time.Duration{
		"gateway.command_timeout":    g.CommandTimeout,
		"gateway.auth_timeout":       g.AuthTimeout,
		"gateway.heartbeat_interval": g.HeartbeatInterval,
		"gateway.heartbeat_timeout":  g.HeartbeatTimeout,
		"presence.ttl":               c.Presence.TTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if g.HeartbeatTimeout < g.HeartbeatInterval {
		return fmt.Errorf("gateway.heartbeat_timeout (%s) must not be shorter than gateway.heartbeat_interval (%s)",
			g.HeartbeatTimeout, g.HeartbeatInterval)
	}
	if g.HandshakeRate < 0 || g.HandshakeBurst < 0 {
		return fmt.Errorf("gateway.handshake_rate and gateway.handshake_burst must not be negative")
	}

	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1], got %v", r)
	}

	e := c.Executor
	if e.HeartbeatTimeout < e.HeartbeatInterval {
		return fmt.Errorf("executor.heartbeat_timeout (%s) must not be shorter than executor.heartbeat_interval (%s)",
			e.HeartbeatTimeout, e.HeartbeatInterval)
	}
	if e.ReconnectMax < e.ReconnectBase {
		return fmt.Errorf("executor.reconnect_max (%s) must not be shorter than executor.reconnect_base (%s)",
			e.ReconnectMax, e.ReconnectBase)
	}
	if e.Jitter < 0 || e.Jitter > 1 {
		return fmt.Errorf("executor.jitter must be within [0, 1], got %v", e.Jitter)
	}
	return nil
}

// ValidateExecutor checks the settings executord cannot start without.
func (c *Config) ValidateExecutor() error {
	if c.Executor.ID == "" {
		return fmt.Errorf("executor.id must be set")
	}
	if _, err := transport.ValidateURL(c.Executor.URL); err != nil {
		return fmt.Errorf("executor.url: %w", err)
	}
	return nil
}
