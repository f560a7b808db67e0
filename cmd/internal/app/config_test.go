package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bazaar.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "0.0.0.0:8080" || cfg.DBSchema != "bazaar" || cfg.MetricsPath != "/metrics" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.Realtime.RequireAuth || cfg.Realtime.HeartbeatTimeout != 30*time.Second {
		t.Fatalf("unexpected realtime defaults: %+v", cfg.Realtime)
	}
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := writeConfigFile(t, `
http:
  addr: 127.0.0.1:9000
log:
  level: debug
  format: pretty
db:
  schema: market
  ensure_schema: true
cors:
  allowed_origins: ["https://app.example.com"]
realtime:
  require_auth: false
  heartbeat_timeout: 45s
  typing_ttl: 4s
  max_group_members: 32
`)
	t.Setenv("BAZAAR_LOG_LEVEL", "warn")
	t.Setenv("BAZAAR_RT_TYPING_TTL", "3s")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.HTTPAddr != "127.0.0.1:9000" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "warn" || cfg.LogFormat != "pretty" {
		t.Fatalf("log=%q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.DBSchema != "market" || !cfg.EnsureSchema {
		t.Fatalf("db schema=%q ensure=%v", cfg.DBSchema, cfg.EnsureSchema)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "https://app.example.com" {
		t.Fatalf("cors=%v", cfg.CORSAllowedOrigins)
	}
	rt := cfg.Realtime
	if rt.RequireAuth || rt.HeartbeatTimeout != 45*time.Second || rt.TypingTTL != 3*time.Second || rt.MaxGroupMembers != 32 {
		t.Fatalf("unexpected realtime config: %+v", rt)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "http: [not, a, map")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
}
