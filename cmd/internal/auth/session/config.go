package session

import (
	"os"
	"strings"
	"time"
)

// Config defines runtime configuration for credential verification.
//
// It is environment-driven so that key rotation and skew tolerance can be
// adjusted per deployment without code changes.
type Config struct {
	// Issuer is the expected "iss" claim of access tokens.
	Issuer string

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// PasetoV4PublicKeyHex is the hex-encoded Ed25519 public key of the token issuer.
	PasetoV4PublicKeyHex string

	// CheckSessionRow enables the server-side session row check.
	CheckSessionRow bool

	// Schema holds the auth service's sessions table.
	Schema string
}

// DefaultConfig returns a secure default configuration suitable for development.
func DefaultConfig() Config {
	return Config{
		Issuer:          "bazaar",
		ClockSkew:       30 * time.Second,
		CheckSessionRow: true,
		Schema:          "auth",
	}
}

// LoadConfigFromEnv loads verification configuration from environment variables.
//
// Required:
//   - BAZAAR_PASETO_V4_PUBLIC_KEY_HEX
//
// Optional:
//   - BAZAAR_AUTH_ISSUER
//   - BAZAAR_AUTH_CLOCK_SKEW (Go duration, >= 0)
//   - BAZAAR_AUTH_CHECK_SESSION_ROW (bool)
//   - BAZAAR_AUTH_SCHEMA
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("BAZAAR_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	if v := strings.TrimSpace(os.Getenv("BAZAAR_AUTH_CLOCK_SKEW")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	switch strings.ToLower(strings.TrimSpace(os.Getenv("BAZAAR_AUTH_CHECK_SESSION_ROW"))) {
	case "":
	case "1", "true", "yes":
		cfg.CheckSessionRow = true
	case "0", "false", "no":
		cfg.CheckSessionRow = false
	default:
		return Config{}, ErrConfig
	}

	if v := strings.TrimSpace(os.Getenv("BAZAAR_AUTH_SCHEMA")); v != "" {
		cfg.Schema = v
	}

	cfg.PasetoV4PublicKeyHex = strings.TrimSpace(os.Getenv("BAZAAR_PASETO_V4_PUBLIC_KEY_HEX"))
	if cfg.PasetoV4PublicKeyHex == "" {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
