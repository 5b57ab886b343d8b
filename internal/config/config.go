// Package config loads daemon settings from the environment. Unset or empty
// variables take defaults; malformed values and failed checks are reported
// together by Load.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS   bool
	HSTSMaxAge   time.Duration
	AllowedHosts []string // Host header allowlist; "*" or empty accepts any
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "slimchatd")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RelayConfig covers the relay pool and the sync loops fed by it.
type RelayConfig struct {
	URLs           []string      // RELAYS, comma separated
	ConnectTimeout time.Duration // per relay dial
	PublishTimeout time.Duration // per relay publish
	PublishRPS     float64       // per relay publish rate, 0 = unlimited
	QueryMaxWait   time.Duration // bound for one-shot queries
	LegacyDM       bool          // send kind 4 instead of gift wraps
}

// SyncConfig controls background timers and dedup sizing.
type SyncConfig struct {
	PollInterval      time.Duration // 0 disables polling
	DiscoveryInterval time.Duration // public profile rediscovery
	FlushInterval     time.Duration // sync state write coalescing
	DedupCapacity     int           // per identity recency set
	InboxSize         int           // per identity router queue
	MaxMessageRunes   int           // 0 = unlimited
}

// SecretConfig selects and configures the secret store.
type SecretConfig struct {
	Backend       string // memory|encrypted|redis
	Passphrase    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Config holds all configuration values for the daemon.
type Config struct {
	// Server
	Port              string        // just the number
	HTTPAddr          string        // optional host:port, overrides Port
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	LogRedact   bool   // scrub keys and PII from access logs
	APIBasePath string // base path for API routes

	// Storage
	DBDriver       string // sqlite|postgres
	DBPath         string // SQLite path
	DBDSN          string // Postgres DSN
	RelayConfigDir string // per-identity relay list files, empty disables

	Relay   RelayConfig
	Sync    SyncConfig
	Secrets SecretConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// Addr is the listen address of the control surface.
func (c Config) Addr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return "127.0.0.1:" + c.Port
}

// MustLoad is Load for callers that cannot continue without a config.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the environment, normalizes the result and validates it. The
// returned error joins every problem found, parse errors first.
func Load() (Config, error) {
	var e env
	cfg := Config{
		Port:              e.str("PORT", "8787"),
		HTTPAddr:          strings.TrimSpace(e.str("HTTP_ADDR", "")),
		ReadTimeout:       e.dur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: e.dur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      e.dur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       e.dur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    e.integer("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(e.str("GIN_MODE", "release")),

		LogLevel:    strings.ToLower(e.str("LOG_LEVEL", "info")),
		LogPretty:   e.flag("LOG_PRETTY", false),
		LogRedact:   e.flag("LOG_REDACT", true),
		APIBasePath: normalizeBasePath(e.str("API_BASE_PATH", "/api/v1")),

		DBDriver:       strings.ToLower(e.str("DB_DRIVER", "sqlite")),
		DBPath:         e.str("DB_PATH", "slimchat.db"),
		DBDSN:          e.str("DB_DSN", ""),
		RelayConfigDir: e.str("RELAY_CONFIG_DIR", ""),

		Relay: RelayConfig{
			URLs:           e.list("RELAYS", ""),
			ConnectTimeout: e.dur("RELAY_CONNECT_TIMEOUT", 5*time.Second),
			PublishTimeout: e.dur("RELAY_PUBLISH_TIMEOUT", 5*time.Second),
			PublishRPS:     e.number("RELAY_PUBLISH_RPS", 0),
			QueryMaxWait:   e.dur("QUERY_MAX_WAIT", 5*time.Second),
			LegacyDM:       e.flag("LEGACY_DM", false),
		},
		Sync: SyncConfig{
			PollInterval:      e.dur("POLL_INTERVAL", 0),
			DiscoveryInterval: e.dur("PROFILE_DISCOVERY_INTERVAL", time.Hour),
			FlushInterval:     e.dur("SYNC_FLUSH_INTERVAL", 2*time.Second),
			DedupCapacity:     e.integer("DEDUP_CAPACITY", 10000),
			InboxSize:         e.integer("INBOX_SIZE", 256),
			MaxMessageRunes:   e.integer("MAX_MESSAGE_RUNES", 0),
		},
		Secrets: SecretConfig{
			Backend:       strings.ToLower(e.str("SECRET_BACKEND", "memory")),
			Passphrase:    e.str("SECRET_PASSPHRASE", ""),
			RedisAddr:     e.str("REDIS_ADDR", ""),
			RedisPassword: e.str("REDIS_PASSWORD", ""),
			RedisDB:       e.integer("REDIS_DB", 0),
		},

		RateRPS:   e.number("RATE_RPS", 20),
		RateBurst: e.integer("RATE_BURST", 40),

		CORS: CORSConfig{AllowedOrigins: e.list("CORS_ALLOWED_ORIGINS", "")},
		Security: SecurityConfig{
			EnableHSTS:   e.flag("ENABLE_HSTS", false),
			HSTSMaxAge:   e.dur("HSTS_MAX_AGE", 180*24*time.Hour),
			AllowedHosts: e.list("ALLOWED_HOSTS", "localhost,127.0.0.1,::1"),
		},

		OTEL: OTELConfig{
			Enabled:     e.flag("OTEL_ENABLED", false),
			Endpoint:    e.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    e.flag("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: e.str("OTEL_SERVICE_NAME", "slimchatd"),
			SampleRatio: e.number("OTEL_TRACES_SAMPLER_ARG", 1),
		},
	}
	cfg.normalize()
	return cfg, errors.Join(append(e.errs, cfg.validate()...)...)
}

func (c *Config) normalize() {
	if c.LogLevel == "warning" {
		c.LogLevel = "warn"
	}
	switch c.GinMode {
	case "debug", "release", "test":
	default:
		c.GinMode = "release"
	}
	if c.DBDriver == "postgresql" {
		c.DBDriver = "postgres"
	}
	for i, u := range c.Relay.URLs {
		c.Relay.URLs[i] = strings.TrimRight(u, "/")
	}
	for _, h := range c.Security.AllowedHosts {
		if h == "*" {
			c.Security.AllowedHosts = nil
			break
		}
	}
}

// check appends msg to errs when bad holds.
func check(errs []error, bad bool, msg string) []error {
	if bad {
		return append(errs, errors.New(msg))
	}
	return errs
}

func (c *Config) validate() []error {
	var errs []error
	errs = check(errs, !oneOf(c.LogLevel, "debug", "info", "warn", "error", "fatal", "panic"),
		"LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	errs = check(errs, strings.TrimSpace(c.Port) == "", "PORT must not be empty")
	errs = check(errs, c.ReadTimeout <= 0 || c.ReadHeaderTimeout <= 0 || c.WriteTimeout <= 0 || c.IdleTimeout <= 0,
		"server timeouts must be positive durations")
	errs = check(errs, c.MaxHeaderBytes <= 0, "MAX_HEADER_BYTES must be > 0")

	switch c.DBDriver {
	case "sqlite":
		errs = check(errs, strings.TrimSpace(c.DBPath) == "", "DB_PATH must not be empty")
	case "postgres":
		errs = check(errs, strings.TrimSpace(c.DBDSN) == "", "DB_DSN is required when DB_DRIVER=postgres")
	default:
		errs = append(errs, errors.New("DB_DRIVER must be one of: sqlite, postgres"))
	}

	for _, u := range c.Relay.URLs {
		if !isRelayURL(u) {
			errs = append(errs, fmt.Errorf("RELAYS: %q is not a ws:// or wss:// URL", u))
		}
	}
	errs = check(errs, c.Relay.ConnectTimeout <= 0 || c.Relay.PublishTimeout <= 0 || c.Relay.QueryMaxWait <= 0,
		"relay timeouts must be positive durations")
	errs = check(errs, c.Relay.PublishRPS < 0, "RELAY_PUBLISH_RPS must be >= 0")

	errs = check(errs, c.Sync.PollInterval < 0 || c.Sync.DiscoveryInterval < 0,
		"POLL_INTERVAL and PROFILE_DISCOVERY_INTERVAL must be >= 0")
	errs = check(errs, c.Sync.FlushInterval <= 0, "SYNC_FLUSH_INTERVAL must be > 0")
	errs = check(errs, c.Sync.DedupCapacity < 1 || c.Sync.InboxSize < 1, "DEDUP_CAPACITY and INBOX_SIZE must be >= 1")
	errs = check(errs, c.Sync.MaxMessageRunes < 0, "MAX_MESSAGE_RUNES must be >= 0")

	switch c.Secrets.Backend {
	case "memory":
	case "encrypted":
		errs = check(errs, c.Secrets.Passphrase == "", "SECRET_PASSPHRASE is required when SECRET_BACKEND=encrypted")
	case "redis":
		errs = check(errs, strings.TrimSpace(c.Secrets.RedisAddr) == "", "REDIS_ADDR is required when SECRET_BACKEND=redis")
	default:
		errs = append(errs, errors.New("SECRET_BACKEND must be one of: memory, encrypted, redis"))
	}

	errs = check(errs, c.RateRPS < 0, "RATE_RPS must be >= 0")
	errs = check(errs, c.RateBurst < 1, "RATE_BURST must be >= 1")
	errs = check(errs, c.Security.HSTSMaxAge < 0, "HSTS_MAX_AGE must be >= 0")
	errs = check(errs, c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1, "OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	return errs
}

func isRelayURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != ""
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// env reads typed variables and remembers the ones that failed to parse.
type env struct{ errs []error }

func (e *env) lookup(k string) (string, bool) {
	v, ok := os.LookupEnv(k)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) fail(k, v, kind string) {
	e.errs = append(e.errs, fmt.Errorf("%s: %q is not a valid %s", k, v, kind))
}

func (e *env) str(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func (e *env) integer(k string, def int) int {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.fail(k, v, "integer")
		return def
	}
	return i
}

func (e *env) number(k string, def float64) float64 {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(k, v, "number")
		return def
	}
	return f
}

func (e *env) flag(k string, def bool) bool {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	e.fail(k, v, "boolean")
	return def
}

func (e *env) dur(k string, def time.Duration) time.Duration {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(k, v, "duration")
		return def
	}
	return d
}

// list splits a comma separated value, dropping blanks.
func (e *env) list(k, def string) []string {
	var out []string
	for _, p := range strings.Split(e.str(k, def), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeBasePath returns p with one leading slash and no trailing one.
func normalizeBasePath(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	return "/" + p
}
