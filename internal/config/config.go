// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, the database path, outbox delivery tuning, the Telegram and
// Notion integrations, and observability.
package config

import (
	"errors"
	"os"
	"path/filepath"
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
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-watchbot")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// OutboxConfig tunes the delivery worker.
type OutboxConfig struct {
	PollInterval    time.Duration // POLL_INTERVAL, idle sleep between polls
	BaseBackoff     time.Duration // BASE_BACKOFF, delay after the first failure
	MaxBackoff      time.Duration // MAX_BACKOFF, backoff ceiling
	DeliveryTimeout time.Duration // DELIVERY_TIMEOUT, per external call
	LeaseTTL        time.Duration // LEASE_TTL, claim lease length
	MaxAttempts     int           // MAX_ATTEMPTS, 0 = unlimited
}

// TelegramConfig configures the chat ingestion adapter.
type TelegramConfig struct {
	Enabled      bool
	BotToken     string
	AllowedUsers []int64 // empty = everybody
	MediaDir     string  // MEDIA_DIR, local media copies; defaults next to DBPath
}

// NotionFields names the database properties written by the client.
type NotionFields struct {
	Title    string // main db title property
	Relation string // resource -> main relation property
	Order    string // resource order (number)
	Text     string // resource rich text
	Media    string // resource files
}

// NotionConfig configures the document client.
type NotionConfig struct {
	Token      string
	Version    string
	BaseURL    string
	MainDB     string
	ResourceDB string
	Fields     NotionFields
	RPS        float64 // outbound requests per second (0 = unlimited)
	Burst      int
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Store
	DBPath string // SQLite path

	Outbox   OutboxConfig
	Telegram TelegramConfig
	Notion   NotionConfig

	// Web protection
	CORS      CORSConfig
	RateRPS   float64 // inbound tokens per second per identity (>= 0)
	RateBurst int     // bucket size (>= 1)
	Security  SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Store
		DBPath: getenv("DB_PATH", "watchbot.db"),

		Outbox: OutboxConfig{
			PollInterval:    getdur("POLL_INTERVAL", 1500*time.Millisecond),
			BaseBackoff:     getdur("BASE_BACKOFF", 5*time.Second),
			MaxBackoff:      getdur("MAX_BACKOFF", 5*time.Minute),
			DeliveryTimeout: getdur("DELIVERY_TIMEOUT", 30*time.Second),
			LeaseTTL:        getdur("LEASE_TTL", 2*time.Minute),
			MaxAttempts:     getint("MAX_ATTEMPTS", 0),
		},

		Telegram: TelegramConfig{
			BotToken:     getenv("TELEGRAM_BOT_TOKEN", ""),
			AllowedUsers: splitInt64CSV(getenv("TELEGRAM_ALLOWED_USERS", "")),
		},

		Notion: NotionConfig{
			Token:      getenv("NOTION_TOKEN", ""),
			Version:    getenv("NOTION_VERSION", "2022-06-28"),
			BaseURL:    strings.TrimRight(getenv("NOTION_BASE_URL", "https://api.notion.com"), "/"),
			MainDB:     getenv("NOTION_MAIN_DB", ""),
			ResourceDB: getenv("NOTION_RESOURCE_DB", ""),
			Fields: NotionFields{
				Title:    getenv("NOTION_FIELD_TITLE", "Name"),
				Relation: getenv("NOTION_FIELD_RELATION", "Batch"),
				Order:    getenv("NOTION_FIELD_ORDER", "Order"),
				Text:     getenv("NOTION_FIELD_TEXT", "Text"),
				Media:    getenv("NOTION_FIELD_MEDIA", "Media"),
			},
			RPS:   getfloat("NOTION_RPS", 3.0),
			Burst: getint("NOTION_BURST", 3),
		},

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-watchbot"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// The bot runs whenever a token is present unless explicitly disabled.
	cfg.Telegram.Enabled = getbool("TELEGRAM_ENABLED", cfg.Telegram.BotToken != "")
	cfg.Telegram.MediaDir = getenv("MEDIA_DIR", filepath.Join(filepath.Dir(cfg.DBPath), "media"))

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.Outbox.PollInterval <= 0 {
		return cfg, errors.New("POLL_INTERVAL must be > 0")
	}
	if cfg.Outbox.BaseBackoff <= 0 {
		return cfg, errors.New("BASE_BACKOFF must be > 0")
	}
	if cfg.Outbox.MaxBackoff < cfg.Outbox.BaseBackoff {
		return cfg, errors.New("MAX_BACKOFF must be >= BASE_BACKOFF")
	}
	if cfg.Outbox.DeliveryTimeout <= 0 {
		return cfg, errors.New("DELIVERY_TIMEOUT must be > 0")
	}
	if cfg.Outbox.LeaseTTL <= cfg.Outbox.DeliveryTimeout {
		return cfg, errors.New("LEASE_TTL must be longer than DELIVERY_TIMEOUT")
	}
	if cfg.Outbox.MaxAttempts < 0 {
		return cfg, errors.New("MAX_ATTEMPTS must be >= 0")
	}
	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.BotToken) == "" {
		return cfg, errors.New("TELEGRAM_BOT_TOKEN is required when TELEGRAM_ENABLED")
	}
	if cfg.Notion.RPS < 0 {
		return cfg, errors.New("NOTION_RPS must be >= 0")
	}
	if cfg.Notion.Burst < 1 {
		return cfg, errors.New("NOTION_BURST must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// Validate reports whether the Notion settings are complete enough to
// deliver documents.
func (n NotionConfig) Validate() error {
	switch {
	case strings.TrimSpace(n.Token) == "":
		return errors.New("NOTION_TOKEN must not be empty")
	case strings.TrimSpace(n.MainDB) == "":
		return errors.New("NOTION_MAIN_DB must not be empty")
	case strings.TrimSpace(n.ResourceDB) == "":
		return errors.New("NOTION_RESOURCE_DB must not be empty")
	}
	return nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// splitInt64CSV parses a comma separated id list, skipping invalid entries.
func splitInt64CSV(s string) []int64 {
	var out []int64
	for _, p := range splitCSV(s) {
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
