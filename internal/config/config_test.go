package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentim.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `{"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"}}`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "agentim.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("JWTExpiry = %v, want 24h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Gateway.MaxFrameBytes != 1024*1024 {
		t.Errorf("MaxFrameBytes = %d, want 1MB", cfg.Gateway.MaxFrameBytes)
	}
	if cfg.Gateway.MaxAgentDepth != 5 {
		t.Errorf("MaxAgentDepth = %d, want 5", cfg.Gateway.MaxAgentDepth)
	}
	if cfg.Gateway.PermissionTimeout.Duration != 60*time.Second {
		t.Errorf("PermissionTimeout = %v, want 60s", cfg.Gateway.PermissionTimeout.Duration)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoadExplicitValues(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
		"server": {"addr": ":9000", "allowed_origins": ["https://chat.example.com"]},
		"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef", "jwt_expiry": "1h"},
		"storage": {"driver": "postgres", "dsn": "postgres://localhost/agentim"},
		"gateway": {"max_agent_depth": 3, "visited_ttl": 600, "rate_limit_window": "30s"},
		"logging": {"level": "debug", "format": "json"}
	}`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":9000" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Auth.JWTExpiry.Duration != time.Hour {
		t.Errorf("JWTExpiry = %v, want 1h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Gateway.MaxAgentDepth != 3 {
		t.Errorf("MaxAgentDepth = %d, want 3", cfg.Gateway.MaxAgentDepth)
	}
	// Bare numbers are seconds, strings go through ParseDuration.
	if cfg.Gateway.VisitedTTL.Duration != 10*time.Minute {
		t.Errorf("VisitedTTL = %v, want 10m", cfg.Gateway.VisitedTTL.Duration)
	}
	if cfg.Gateway.RateLimitWindow.Duration != 30*time.Second {
		t.Errorf("RateLimitWindow = %v, want 30s", cfg.Gateway.RateLimitWindow.Duration)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AGENTIM_JWT_SECRET", "envsecret-envsecret-envsecret-32")
	t.Setenv("AGENTIM_DSN", "/tmp/override.db")
	t.Setenv("AGENTIM_REDIS_URL", "redis://localhost:6379/1")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Auth.JWTSecret != "envsecret-envsecret-envsecret-32" {
		t.Errorf("JWTSecret not overridden: %q", cfg.Auth.JWTSecret)
	}
	if cfg.Storage.DSN != "/tmp/override.db" {
		t.Errorf("DSN not overridden: %q", cfg.Storage.DSN)
	}
	if cfg.Shared.RedisURL != "redis://localhost:6379/1" {
		t.Errorf("RedisURL not overridden: %q", cfg.Shared.RedisURL)
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing secret", `{}`},
		{"short secret", `{"auth": {"jwt_secret": "short"}}`},
		{"bad driver", `{"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"}, "storage": {"driver": "mysql"}}`},
		{"chunk over frame", `{"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"}, "gateway": {"max_frame_bytes": 100, "max_chunk_bytes": 200}}`},
		{"not json", `{"auth":`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, c.content)); err == nil {
				t.Error("Load accepted an invalid config")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("Load accepted a missing file")
	}
}
