package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable of the realtime subsystem.
//
// Values are environment-driven (BAZAAR_WS_* / BAZAAR_RT_*) so deployments can
// adjust heartbeat, typing, and retry policy without code changes.
type Config struct {
	// RequireAuth rejects connections that do not present a valid credential.
	// When false, the gateway's fallback validator is used (dev only).
	RequireAuth bool

	// DevInsecure disables websocket origin verification (dev only).
	DevInsecure bool

	OriginRequired bool
	AllowedOrigins []string

	// HandshakeTimeout bounds how long an unauthenticated connection may wait before sending connect.
	HandshakeTimeout time.Duration

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	// Websocket-level ping (transport liveness).
	PingInterval time.Duration
	PingTimeout  time.Duration

	// HeartbeatTimeout is the maximum silence tolerated from a client before teardown.
	HeartbeatTimeout     time.Duration
	SessionSweepInterval time.Duration

	TypingTTL           time.Duration
	TypingThrottle      time.Duration
	TypingSweepInterval time.Duration

	MaxMessageChars     int
	MaxAttachmentRefLen int
	MaxEmojiBytes       int
	MaxGroupMembers     int

	HistoryDefaultLimit int
	HistoryMaxLimit     int

	StoreRetryAttempts int
	StoreRetryBase     time.Duration
	StoreRetryMax      time.Duration

	// Per-connection inbound event budget.
	RateEvents int
	RateWindow time.Duration
}

// Security/performance defaults.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	wsMinSendQueueSize = 32
	wsCloseGrace       = 1 * time.Second
	wsMaxPingFailures  = 3

	defaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// DefaultConfig returns secure defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		RequireAuth:    true,
		OriginRequired: true,
		AllowedOrigins: splitCSV(defaultAllowedOrigins),

		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadIdleTimeout:  2 * time.Minute,
		SendQueueSize:    256,

		PingInterval: 25 * time.Second,
		PingTimeout:  5 * time.Second,

		HeartbeatTimeout:     30 * time.Second,
		SessionSweepInterval: 5 * time.Second,

		TypingTTL:           5 * time.Second,
		TypingThrottle:      2 * time.Second,
		TypingSweepInterval: 500 * time.Millisecond,

		MaxMessageChars:     4000,
		MaxAttachmentRefLen: 512,
		MaxEmojiBytes:       64,
		MaxGroupMembers:     256,

		HistoryDefaultLimit: 50,
		HistoryMaxLimit:     200,

		StoreRetryAttempts: 3,
		StoreRetryBase:     50 * time.Millisecond,
		StoreRetryMax:      1 * time.Second,

		RateEvents: 120,
		RateWindow: 10 * time.Second,
	}
}

// LoadConfigFromEnv overlays environment variables on top of base.
//
// Invalid values are ignored and the base value is kept.
func LoadConfigFromEnv(base Config) Config {
	cfg := base

	cfg.RequireAuth = envBool("BAZAAR_WS_REQUIRE_AUTH", cfg.RequireAuth)
	cfg.DevInsecure = envBool("BAZAAR_WS_DEV_INSECURE", cfg.DevInsecure)
	cfg.OriginRequired = envBool("BAZAAR_WS_ORIGIN_REQUIRED", cfg.OriginRequired)
	if raw := strings.TrimSpace(os.Getenv("BAZAAR_WS_ALLOWED_ORIGINS")); raw != "" {
		cfg.AllowedOrigins = splitCSV(raw)
	}

	cfg.HandshakeTimeout = envDuration("BAZAAR_WS_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)
	cfg.WriteTimeout = envDuration("BAZAAR_WS_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.ReadIdleTimeout = envDuration("BAZAAR_WS_READ_IDLE_TIMEOUT", cfg.ReadIdleTimeout)
	cfg.SendQueueSize = envInt("BAZAAR_WS_SEND_QUEUE", cfg.SendQueueSize)
	cfg.PingInterval = envDuration("BAZAAR_WS_PING_INTERVAL", cfg.PingInterval)
	cfg.PingTimeout = envDuration("BAZAAR_WS_PING_TIMEOUT", cfg.PingTimeout)

	cfg.HeartbeatTimeout = envDuration("BAZAAR_RT_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	cfg.SessionSweepInterval = envDuration("BAZAAR_RT_SESSION_SWEEP_INTERVAL", cfg.SessionSweepInterval)

	cfg.TypingTTL = envDuration("BAZAAR_RT_TYPING_TTL", cfg.TypingTTL)
	cfg.TypingThrottle = envDuration("BAZAAR_RT_TYPING_THROTTLE", cfg.TypingThrottle)
	cfg.TypingSweepInterval = envDuration("BAZAAR_RT_TYPING_SWEEP_INTERVAL", cfg.TypingSweepInterval)

	cfg.MaxMessageChars = envInt("BAZAAR_RT_MAX_MESSAGE_CHARS", cfg.MaxMessageChars)
	cfg.MaxAttachmentRefLen = envInt("BAZAAR_RT_MAX_ATTACHMENT_REF", cfg.MaxAttachmentRefLen)
	cfg.MaxGroupMembers = envInt("BAZAAR_RT_MAX_GROUP_MEMBERS", cfg.MaxGroupMembers)

	cfg.HistoryDefaultLimit = envInt("BAZAAR_RT_HISTORY_DEFAULT_LIMIT", cfg.HistoryDefaultLimit)
	cfg.HistoryMaxLimit = envInt("BAZAAR_RT_HISTORY_MAX_LIMIT", cfg.HistoryMaxLimit)

	cfg.StoreRetryAttempts = envInt("BAZAAR_RT_STORE_RETRY_ATTEMPTS", cfg.StoreRetryAttempts)
	cfg.StoreRetryBase = envDuration("BAZAAR_RT_STORE_RETRY_BASE", cfg.StoreRetryBase)
	cfg.StoreRetryMax = envDuration("BAZAAR_RT_STORE_RETRY_MAX", cfg.StoreRetryMax)

	cfg.RateEvents = envInt("BAZAAR_WS_RATE_EVENTS", cfg.RateEvents)
	cfg.RateWindow = envDuration("BAZAAR_WS_RATE_WINDOW", cfg.RateWindow)

	return cfg.normalized()
}

// normalized clamps values that would make the subsystem misbehave.
func (c Config) normalized() Config {
	def := DefaultConfig()

	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = def.PingTimeout
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.SessionSweepInterval <= 0 {
		c.SessionSweepInterval = def.SessionSweepInterval
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = def.TypingTTL
	}
	if c.TypingThrottle <= 0 {
		c.TypingThrottle = def.TypingThrottle
	}
	// The sweep must run at least once per throttle interval so a stop is observed
	// within TTL + throttle.
	if c.TypingSweepInterval <= 0 || c.TypingSweepInterval > c.TypingThrottle {
		c.TypingSweepInterval = min(def.TypingSweepInterval, c.TypingThrottle)
	}
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = def.MaxMessageChars
	}
	if c.MaxAttachmentRefLen <= 0 {
		c.MaxAttachmentRefLen = def.MaxAttachmentRefLen
	}
	if c.MaxEmojiBytes <= 0 {
		c.MaxEmojiBytes = def.MaxEmojiBytes
	}
	if c.MaxGroupMembers <= 1 {
		c.MaxGroupMembers = def.MaxGroupMembers
	}
	if c.HistoryMaxLimit <= 0 {
		c.HistoryMaxLimit = def.HistoryMaxLimit
	}
	if c.HistoryDefaultLimit <= 0 || c.HistoryDefaultLimit > c.HistoryMaxLimit {
		c.HistoryDefaultLimit = min(def.HistoryDefaultLimit, c.HistoryMaxLimit)
	}
	if c.StoreRetryAttempts <= 0 {
		c.StoreRetryAttempts = 1
	}
	if c.StoreRetryBase <= 0 {
		c.StoreRetryBase = def.StoreRetryBase
	}
	if c.StoreRetryMax < c.StoreRetryBase {
		c.StoreRetryMax = c.StoreRetryBase
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}

// ---- env helpers ----

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
