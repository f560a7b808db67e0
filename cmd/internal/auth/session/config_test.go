package session

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv_MissingPublicKey(t *testing.T) {
	t.Setenv("BAZAAR_PASETO_V4_PUBLIC_KEY_HEX", "")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig on missing public key, got %v", err)
	}
}

func TestLoadConfigFromEnv_InvalidSkew(t *testing.T) {
	t.Setenv("BAZAAR_PASETO_V4_PUBLIC_KEY_HEX", "00")
	t.Setenv("BAZAAR_AUTH_CLOCK_SKEW", "-5s")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig for negative skew, got %v", err)
	}
}

func TestLoadConfigFromEnv_InvalidSessionRowFlag(t *testing.T) {
	t.Setenv("BAZAAR_PASETO_V4_PUBLIC_KEY_HEX", "00")
	t.Setenv("BAZAAR_AUTH_CHECK_SESSION_ROW", "maybe")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig for invalid bool, got %v", err)
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("BAZAAR_PASETO_V4_PUBLIC_KEY_HEX", "abcd")
	t.Setenv("BAZAAR_AUTH_ISSUER", "auth.bazaar")
	t.Setenv("BAZAAR_AUTH_CLOCK_SKEW", "5s")
	t.Setenv("BAZAAR_AUTH_CHECK_SESSION_ROW", "false")
	t.Setenv("BAZAAR_AUTH_SCHEMA", "identity")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.Issuer != "auth.bazaar" || cfg.ClockSkew != 5*time.Second || cfg.CheckSessionRow || cfg.Schema != "identity" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestNewPasetoV4PublicVerifier_InvalidKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PasetoV4PublicKeyHex = "not-hex"
	if _, err := NewPasetoV4PublicVerifier(cfg); err != ErrConfig {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
