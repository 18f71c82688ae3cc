// Package config handles server configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config is the top-level server configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	Storage StorageConfig `json:"storage"`
	Shared  SharedConfig  `json:"shared"`
	Gateway GatewayConfig `json:"gateway"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket origin check; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max HTTP request body; default 1MB
}

// AuthConfig defines token settings.
type AuthConfig struct {
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"` // default 24h
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is created on first start if the username does not exist yet.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines relational database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "agentim.db" or a postgres URL
}

// SharedConfig defines the shared distributed store used by the loop
// detector, rate limiter, and token revocation. Empty URL disables it;
// each consumer then applies its own failure policy.
type SharedConfig struct {
	RedisURL string `json:"redis_url,omitempty"`
}

// GatewayConfig bounds the real-time gateway protocol.
type GatewayConfig struct {
	MaxFrameBytes   int `json:"max_frame_bytes,omitempty"`   // absolute frame ceiling; default 1MB
	MaxJSONDepth    int `json:"max_json_depth,omitempty"`    // nesting guard; default 10
	MaxContentBytes int `json:"max_content_bytes,omitempty"` // full message content; default 256KB
	MaxChunkBytes   int `json:"max_chunk_bytes,omitempty"`   // single chunk; default 64KB
	MaxResultBytes  int `json:"max_result_bytes,omitempty"`  // task result; default 128KB

	MaxStreamBytes int      `json:"max_stream_bytes,omitempty"` // cumulative per-message ceiling; default 1MB
	StreamCapacity int      `json:"stream_capacity,omitempty"`  // tracked in-flight messages; default 10000
	StreamTTL      Duration `json:"stream_ttl,omitempty"`       // staleness window; default 5m
	SweepInterval  Duration `json:"sweep_interval,omitempty"`   // background sweep; default 1m

	MaxGatewaysPerUser int `json:"max_gateways_per_user,omitempty"` // default 5
	MaxClientsPerUser  int `json:"max_clients_per_user,omitempty"`  // default 10

	MaxAgentDepth      int      `json:"max_agent_depth,omitempty"`     // routing depth ceiling; default 5
	VisitedTTL         Duration `json:"visited_ttl,omitempty"`         // conversation set expiry; default 30m
	VisitedFallbackCap int      `json:"visited_fallback_cap,omitempty"`// in-memory fallback entries; default 10000

	PermissionTimeout  Duration `json:"permission_timeout,omitempty"`   // global auto-deny ceiling; default 60s
	PermissionQueueCap int      `json:"permission_queue_cap,omitempty"` // pending requests; default 1000

	RateLimitPerWindow int      `json:"rate_limit_per_window,omitempty"` // routed completions per window; default 30
	RateLimitWindow    Duration `json:"rate_limit_window,omitempty"`     // default 1m
}

// LoggingConfig defines log output settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // "debug", "info", "warn", "error"
	Format string `json:"format,omitempty"` // "text" (default) or "json"
}

// Duration wraps time.Duration for JSON configs: accepts "30s" strings or
// bare numbers of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file. A .env file beside the working
// directory is applied first; AGENTIM_JWT_SECRET, AGENTIM_DSN, and
// AGENTIM_REDIS_URL override their file counterparts.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // absent .env is fine

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("AGENTIM_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("AGENTIM_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("AGENTIM_REDIS_URL"); v != "" {
		cfg.Shared.RedisURL = v
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024
	}
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "agentim.db"
	}

	g := &c.Gateway
	if g.MaxFrameBytes == 0 {
		g.MaxFrameBytes = 1024 * 1024
	}
	if g.MaxJSONDepth == 0 {
		g.MaxJSONDepth = 10
	}
	if g.MaxContentBytes == 0 {
		g.MaxContentBytes = 256 * 1024
	}
	if g.MaxChunkBytes == 0 {
		g.MaxChunkBytes = 64 * 1024
	}
	if g.MaxResultBytes == 0 {
		g.MaxResultBytes = 128 * 1024
	}
	if g.MaxStreamBytes == 0 {
		g.MaxStreamBytes = 1024 * 1024
	}
	if g.StreamCapacity == 0 {
		g.StreamCapacity = 10000
	}
	if g.StreamTTL.Duration == 0 {
		g.StreamTTL.Duration = 5 * time.Minute
	}
	if g.SweepInterval.Duration == 0 {
		g.SweepInterval.Duration = 1 * time.Minute
	}
	if g.MaxGatewaysPerUser == 0 {
		g.MaxGatewaysPerUser = 5
	}
	if g.MaxClientsPerUser == 0 {
		g.MaxClientsPerUser = 10
	}
	if g.MaxAgentDepth == 0 {
		g.MaxAgentDepth = 5
	}
	if g.VisitedTTL.Duration == 0 {
		g.VisitedTTL.Duration = 30 * time.Minute
	}
	if g.VisitedFallbackCap == 0 {
		g.VisitedFallbackCap = 10000
	}
	if g.PermissionTimeout.Duration == 0 {
		g.PermissionTimeout.Duration = 60 * time.Second
	}
	if g.PermissionQueueCap == 0 {
		g.PermissionQueueCap = 1000
	}
	if g.RateLimitPerWindow == 0 {
		g.RateLimitPerWindow = 30
	}
	if g.RateLimitWindow.Duration == 0 {
		g.RateLimitWindow.Duration = 1 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be \"sqlite\" or \"postgres\", got %q", c.Storage.Driver)
	}
	if c.Gateway.MaxChunkBytes > c.Gateway.MaxFrameBytes {
		return fmt.Errorf("gateway.max_chunk_bytes cannot exceed gateway.max_frame_bytes")
	}
	return nil
}
