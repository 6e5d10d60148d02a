// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage, channel and backend credentials, outbox tuning, polling,
// rate limiting, and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-kf-bridge/internal/sysutil"
)

// CORSConfig defines Cross-Origin Resource Sharing settings for the debug
// surface.
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-kf-bridge")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// WeComConfig holds the customer-service channel credentials.
type WeComConfig struct {
	CorpID         string        // WECOM_CORP_ID
	Secret         string        // WECOM_KF_SECRET
	Token          string        // WECOM_TOKEN (callback signature token)
	AESKey         string        // WECOM_AESKEY (43 chars)
	OpenKfID       string        // WECOM_KF_OPENKFID (fallback account)
	BaseURL        string        // WECOM_API_BASE
	ImageTTL       time.Duration // WECOM_LAST_IMAGE_TTL
	CooldownWindow time.Duration // WECOM_KF_RL_COOLDOWN_SEC
	FragmentDelay  time.Duration // WECOM_FRAGMENT_DELAY_SEC
}

// OWUIConfig holds the chat backend settings.
type OWUIConfig struct {
	BaseURL         string        // OWUI_BASE
	DefaultModel    string        // OWUI_DEFAULT_MODEL
	MaxContextMsgs  int           // OWUI_MAX_CONTEXT_MSGS
	Timeout         time.Duration // OWUI_TIMEOUT
	ModelsCacheTTL  time.Duration // OWUI_MODELS_CACHE_TTL
	MaxReplyImages  int           // OWUI_MAX_REPLY_IMAGES
	PollInterval    time.Duration // WECOM_POLL_INTERVAL_SEC
	PollShortWindow time.Duration // WECOM_SHORT_WINDOW_SEC
	PollTimeout     time.Duration // WECOM_POLL_TIMEOUT_SEC
}

// OutboxConfig tunes the persistent delivery queue.
type OutboxConfig struct {
	Tick        time.Duration // OUTBOX_TICK_SEC
	Max         int           // OUTBOX_MAX
	PerUserMax  int           // OUTBOX_PER_USER_MAX
	MaxRetries  int           // OUTBOX_MAX_RETRIES
	BackoffBase time.Duration // OUTBOX_BASE_BACKOFF
	BackoffCap  time.Duration // OUTBOX_BACKOFF_CAP
	Batch       int           // OUTBOX_BATCH
}

// IngestConfig tunes inbound event handling.
type IngestConfig struct {
	DropOlderThan time.Duration // KF_DROP_OLD_MSGS_SEC
	SeenMax       int           // SEEN_PERSIST_MAX
	SeenCacheTTL  time.Duration // SEEN_CACHE_TTL
	Workers       int           // INGEST_WORKERS
	Queue         int           // INGEST_QUEUE
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

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	DebugEnabled   bool   // mount /debug/* routes

	// Storage
	DBPath    string // SQLite path
	RedisAddr string // empty keeps cooldowns in memory
	RedisDB   int

	// Rate limiting (debug surface)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	WeCom  WeComConfig
	OWUI   OWUIConfig
	Outbox OutboxConfig
	Ingest IngestConfig

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

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		DebugEnabled:   getbool("DEBUG_ENDPOINTS", true),

		// Storage
		DBPath:    getenv("DB_PATH", "/data/bridge.db"),
		RedisAddr: strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisDB:   getint("REDIS_DB", 0),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		WeCom: WeComConfig{
			CorpID:         strings.TrimSpace(getenv("WECOM_CORP_ID", "")),
			Secret:         strings.TrimSpace(getenv("WECOM_KF_SECRET", "")),
			Token:          strings.TrimSpace(getenv("WECOM_TOKEN", "")),
			AESKey:         strings.TrimSpace(getenv("WECOM_AESKEY", "")),
			OpenKfID:       strings.TrimSpace(getenv("WECOM_KF_OPENKFID", "")),
			BaseURL:        strings.TrimRight(getenv("WECOM_API_BASE", "https://qyapi.weixin.qq.com"), "/"),
			ImageTTL:       getsec("WECOM_LAST_IMAGE_TTL", 900*time.Second),
			CooldownWindow: getsec("WECOM_KF_RL_COOLDOWN_SEC", 60*time.Second),
			FragmentDelay:  getsec("WECOM_FRAGMENT_DELAY_SEC", 900*time.Millisecond),
		},

		OWUI: OWUIConfig{
			BaseURL:         strings.TrimRight(getenv("OWUI_BASE", "http://open-webui:8080"), "/"),
			DefaultModel:    strings.TrimSpace(getenv("OWUI_DEFAULT_MODEL", "")),
			MaxContextMsgs:  getint("OWUI_MAX_CONTEXT_MSGS", 30),
			Timeout:         getdur("OWUI_TIMEOUT", 120*time.Second),
			ModelsCacheTTL:  getdur("OWUI_MODELS_CACHE_TTL", 2*time.Minute),
			MaxReplyImages:  getint("OWUI_MAX_REPLY_IMAGES", 4),
			PollInterval:    getsec("WECOM_POLL_INTERVAL_SEC", 600*time.Millisecond),
			PollShortWindow: getsec("WECOM_SHORT_WINDOW_SEC", 5*time.Second),
			PollTimeout:     getsec("WECOM_POLL_TIMEOUT_SEC", 300*time.Second),
		},

		Outbox: OutboxConfig{
			Tick:        getsec("OUTBOX_TICK_SEC", time.Second),
			Max:         getint("OUTBOX_MAX", 1000),
			PerUserMax:  getint("OUTBOX_PER_USER_MAX", 100),
			MaxRetries:  getint("OUTBOX_MAX_RETRIES", 8),
			BackoffBase: getsec("OUTBOX_BASE_BACKOFF", 4*time.Second),
			BackoffCap:  getsec("OUTBOX_BACKOFF_CAP", 60*time.Second),
			Batch:       getint("OUTBOX_BATCH", 20),
		},

		Ingest: IngestConfig{
			DropOlderThan: getsec("KF_DROP_OLD_MSGS_SEC", 120*time.Second),
			SeenMax:       getint("SEEN_PERSIST_MAX", 2000),
			SeenCacheTTL:  getdur("SEEN_CACHE_TTL", 5*time.Minute),
			Workers:       getint("INGEST_WORKERS", 4),
			Queue:         getint("INGEST_QUEUE", 64),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: sysutil.FirstNonEmpty(os.Getenv("OTEL_SERVICE_NAME"), os.Getenv("SERVICE_NAME"), "go-kf-bridge"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

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
	var missing []string
	for k, v := range map[string]string{
		"WECOM_CORP_ID":   cfg.WeCom.CorpID,
		"WECOM_KF_SECRET": cfg.WeCom.Secret,
		"WECOM_TOKEN":     cfg.WeCom.Token,
		"WECOM_AESKEY":    cfg.WeCom.AESKey,
	} {
		if v == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return cfg, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if len(cfg.WeCom.AESKey) != 43 {
		return cfg, errors.New("WECOM_AESKEY must be 43 characters")
	}

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
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OWUI.BaseURL == "" {
		return cfg, errors.New("OWUI_BASE must not be empty")
	}
	if cfg.OWUI.MaxContextMsgs < 1 {
		return cfg, errors.New("OWUI_MAX_CONTEXT_MSGS must be >= 1")
	}
	if cfg.OWUI.PollTimeout <= 0 || cfg.OWUI.PollInterval <= 0 {
		return cfg, errors.New("WECOM_POLL_TIMEOUT_SEC and WECOM_POLL_INTERVAL_SEC must be > 0")
	}
	if cfg.Outbox.Tick <= 0 {
		return cfg, errors.New("OUTBOX_TICK_SEC must be > 0")
	}
	if cfg.Outbox.Max < 1 || cfg.Outbox.PerUserMax < 1 {
		return cfg, errors.New("OUTBOX_MAX and OUTBOX_PER_USER_MAX must be >= 1")
	}
	if cfg.Outbox.MaxRetries < 1 {
		return cfg, errors.New("OUTBOX_MAX_RETRIES must be >= 1")
	}
	if cfg.Outbox.BackoffBase <= 0 || cfg.Outbox.BackoffCap < cfg.Outbox.BackoffBase {
		return cfg, errors.New("OUTBOX_BASE_BACKOFF must be > 0 and <= OUTBOX_BACKOFF_CAP")
	}
	if cfg.Ingest.Workers < 1 || cfg.Ingest.Queue < 1 {
		return cfg, errors.New("INGEST_WORKERS and INGEST_QUEUE must be >= 1")
	}
	if cfg.Ingest.SeenMax < 1 {
		return cfg, errors.New("SEEN_PERSIST_MAX must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers ----

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
		if sysutil.IsTruthy(v) {
			return true
		}
		switch strings.ToLower(strings.TrimSpace(v)) {
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

// getsec reads a duration given in (fractional) seconds, e.g. "0.6", and
// also accepts Go duration syntax.
func getsec(k string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(k)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	v = strings.TrimSpace(v)
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
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
