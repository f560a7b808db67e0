package app

import (
	"fmt"
	"os"
	"time"

	"bazaar/cmd/internal/realtime"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime configuration.
//
// Precedence is defaults, then the optional YAML file, then environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json | pretty

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// EnsureSchema applies the realtime DDL at startup (idempotent).
	EnsureSchema bool

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	MetricsPath string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	Realtime realtime.Config
}

// fileConfig is the YAML shape. Absent keys keep the default.
type fileConfig struct {
	HTTP struct {
		Addr              string        `yaml:"addr"`
		ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
		ReadTimeout       time.Duration `yaml:"read_timeout"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		IdleTimeout       time.Duration `yaml:"idle_timeout"`
		MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	} `yaml:"http"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	DB struct {
		URL          string `yaml:"url"`
		MaxConns     int32  `yaml:"max_conns"`
		MinConns     int32  `yaml:"min_conns"`
		Schema       string `yaml:"schema"`
		EnsureSchema *bool  `yaml:"ensure_schema"`
		RequireReady *bool  `yaml:"require_ready"`
	} `yaml:"db"`

	Metrics struct {
		Path string `yaml:"path"`
	} `yaml:"metrics"`

	CORS struct {
		AllowedOrigins   []string `yaml:"allowed_origins"`
		AllowCredentials *bool    `yaml:"allow_credentials"`
		MaxAgeSeconds    int      `yaml:"max_age_seconds"`
	} `yaml:"cors"`

	Realtime struct {
		RequireAuth      *bool         `yaml:"require_auth"`
		OriginRequired   *bool         `yaml:"origin_required"`
		AllowedOrigins   []string      `yaml:"allowed_origins"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
		SendQueueSize    int           `yaml:"send_queue_size"`
		HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
		TypingTTL        time.Duration `yaml:"typing_ttl"`
		TypingThrottle   time.Duration `yaml:"typing_throttle"`
		MaxMessageChars  int           `yaml:"max_message_chars"`
		MaxGroupMembers  int           `yaml:"max_group_members"`
		RateEvents       int           `yaml:"rate_events"`
		RateWindow       time.Duration `yaml:"rate_window"`
	} `yaml:"realtime"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		DBMaxConns: 10,
		DBMinConns: 0,
		DBSchema:   "bazaar",

		MetricsPath: "/metrics",

		CORSMaxAgeSeconds: 600,

		Realtime: realtime.DefaultConfig(),
	}
}

// LoadConfig builds Config from defaults, the YAML file at path (optional) and the environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg = fc.apply(cfg)
	}
	return applyEnv(cfg), nil
}

func (fc fileConfig) apply(cfg Config) Config {
	cfg.HTTPAddr = orString(fc.HTTP.Addr, cfg.HTTPAddr)
	cfg.ReadHeaderTimeout = orDuration(fc.HTTP.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = orDuration(fc.HTTP.ReadTimeout, cfg.ReadTimeout)
	cfg.WriteTimeout = orDuration(fc.HTTP.WriteTimeout, cfg.WriteTimeout)
	cfg.IdleTimeout = orDuration(fc.HTTP.IdleTimeout, cfg.IdleTimeout)
	cfg.MaxHeaderBytes = orInt(fc.HTTP.MaxHeaderBytes, cfg.MaxHeaderBytes)

	cfg.LogLevel = orString(fc.Log.Level, cfg.LogLevel)
	cfg.LogFormat = orString(fc.Log.Format, cfg.LogFormat)

	cfg.DatabaseURL = orString(fc.DB.URL, cfg.DatabaseURL)
	if fc.DB.MaxConns > 0 {
		cfg.DBMaxConns = fc.DB.MaxConns
	}
	if fc.DB.MinConns > 0 {
		cfg.DBMinConns = fc.DB.MinConns
	}
	cfg.DBSchema = orString(fc.DB.Schema, cfg.DBSchema)
	cfg.EnsureSchema = orBool(fc.DB.EnsureSchema, cfg.EnsureSchema)
	cfg.ReadinessRequireDB = orBool(fc.DB.RequireReady, cfg.ReadinessRequireDB)

	cfg.MetricsPath = orString(fc.Metrics.Path, cfg.MetricsPath)

	if len(fc.CORS.AllowedOrigins) > 0 {
		cfg.CORSAllowedOrigins = fc.CORS.AllowedOrigins
	}
	cfg.CORSAllowCredentials = orBool(fc.CORS.AllowCredentials, cfg.CORSAllowCredentials)
	cfg.CORSMaxAgeSeconds = orInt(fc.CORS.MaxAgeSeconds, cfg.CORSMaxAgeSeconds)

	rt := fc.Realtime
	cfg.Realtime.RequireAuth = orBool(rt.RequireAuth, cfg.Realtime.RequireAuth)
	cfg.Realtime.OriginRequired = orBool(rt.OriginRequired, cfg.Realtime.OriginRequired)
	if len(rt.AllowedOrigins) > 0 {
		cfg.Realtime.AllowedOrigins = rt.AllowedOrigins
	}
	cfg.Realtime.HandshakeTimeout = orDuration(rt.HandshakeTimeout, cfg.Realtime.HandshakeTimeout)
	cfg.Realtime.SendQueueSize = orInt(rt.SendQueueSize, cfg.Realtime.SendQueueSize)
	cfg.Realtime.HeartbeatTimeout = orDuration(rt.HeartbeatTimeout, cfg.Realtime.HeartbeatTimeout)
	cfg.Realtime.TypingTTL = orDuration(rt.TypingTTL, cfg.Realtime.TypingTTL)
	cfg.Realtime.TypingThrottle = orDuration(rt.TypingThrottle, cfg.Realtime.TypingThrottle)
	cfg.Realtime.MaxMessageChars = orInt(rt.MaxMessageChars, cfg.Realtime.MaxMessageChars)
	cfg.Realtime.MaxGroupMembers = orInt(rt.MaxGroupMembers, cfg.Realtime.MaxGroupMembers)
	cfg.Realtime.RateEvents = orInt(rt.RateEvents, cfg.Realtime.RateEvents)
	cfg.Realtime.RateWindow = orDuration(rt.RateWindow, cfg.Realtime.RateWindow)

	return cfg
}

func applyEnv(cfg Config) Config {
	cfg.HTTPAddr = EnvString("BAZAAR_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("BAZAAR_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("BAZAAR_LOG_FORMAT", cfg.LogFormat)

	cfg.ReadHeaderTimeout = EnvDuration("BAZAAR_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("BAZAAR_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("BAZAAR_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("BAZAAR_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("BAZAAR_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)

	cfg.DatabaseURL = EnvString("BAZAAR_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = EnvInt32("BAZAAR_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("BAZAAR_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.DBSchema = EnvString("BAZAAR_DB_SCHEMA", cfg.DBSchema)
	cfg.EnsureSchema = EnvBool("BAZAAR_DB_ENSURE_SCHEMA", cfg.EnsureSchema)
	cfg.ReadinessRequireDB = EnvBool("BAZAAR_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.MetricsPath = EnvString("BAZAAR_METRICS_PATH", cfg.MetricsPath)

	cfg.CORSAllowedOrigins = EnvCSV("BAZAAR_CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.CORSAllowCredentials = EnvBool("BAZAAR_CORS_ALLOW_CREDENTIALS", cfg.CORSAllowCredentials)
	cfg.CORSMaxAgeSeconds = EnvInt("BAZAAR_CORS_MAX_AGE_SECONDS", cfg.CORSMaxAgeSeconds)

	cfg.Realtime = realtime.LoadConfigFromEnv(cfg.Realtime)
	return cfg
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func orBool(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
