package config

import (
	"os"
	"reflect"
	"strings"
	"testing"
	"time"
)

const testAESKey = "jWmYm7qr5nMoAUwZRjGtBxmz3KA1tkAj3ykkR6q2B2C"

// setRequired sets the mandatory channel credentials.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("WECOM_CORP_ID", "ww123")
	t.Setenv("WECOM_KF_SECRET", "secret")
	t.Setenv("WECOM_TOKEN", "tok")
	t.Setenv("WECOM_AESKEY", testAESKey)
}

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	setRequired(t)
	t.Setenv("LOG_LEVEL", "verbose") // invalid -> Load() error
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

func TestMustLoad_Success_NoPanic(t *testing.T) {
	setRequired(t)
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("MustLoad should not panic on valid defaults, got: %v", r)
		}
	}()
	_ = MustLoad()
}

// --- Load success + normalization + parsing ---

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != "8080" || cfg.GinMode != "release" || cfg.LogLevel != "info" {
		t.Fatalf("server defaults unexpected: %+v", cfg)
	}
	if cfg.RedisAddr != "" || !cfg.DebugEnabled {
		t.Fatalf("storage/debug defaults unexpected: %+v", cfg)
	}
	want := OutboxConfig{
		Tick: time.Second, Max: 1000, PerUserMax: 100, MaxRetries: 8,
		BackoffBase: 4 * time.Second, BackoffCap: 60 * time.Second, Batch: 20,
	}
	if cfg.Outbox != want {
		t.Fatalf("outbox defaults: %+v", cfg.Outbox)
	}
	if cfg.OWUI.PollInterval != 600*time.Millisecond || cfg.OWUI.PollShortWindow != 5*time.Second || cfg.OWUI.PollTimeout != 300*time.Second {
		t.Fatalf("poll defaults: %+v", cfg.OWUI)
	}
	if cfg.OWUI.BaseURL != "http://open-webui:8080" || cfg.OWUI.MaxContextMsgs != 30 {
		t.Fatalf("owui defaults: %+v", cfg.OWUI)
	}
	if cfg.WeCom.ImageTTL != 900*time.Second || cfg.WeCom.CooldownWindow != time.Minute {
		t.Fatalf("wecom defaults: %+v", cfg.WeCom)
	}
	if cfg.Ingest.DropOlderThan != 120*time.Second || cfg.Ingest.SeenMax != 2000 {
		t.Fatalf("ingest defaults: %+v", cfg.Ingest)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "8088")
	t.Setenv("GIN_MODE", "weird") // will normalize to "release"
	t.Setenv("LOG_LEVEL", "warning")
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("REDIS_ADDR", " redis:6379 ")
	t.Setenv("RATE_RPS", "x") // -> default 5.0
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")
	t.Setenv("OWUI_BASE", "http://owui:3000/")
	t.Setenv("OWUI_DEFAULT_MODEL", " gpt-4o ")
	t.Setenv("WECOM_POLL_INTERVAL_SEC", "0.25")
	t.Setenv("WECOM_POLL_TIMEOUT_SEC", "90s")
	t.Setenv("OUTBOX_BASE_BACKOFF", "2")
	t.Setenv("OUTBOX_BACKOFF_CAP", "30")
	t.Setenv("KF_DROP_OLD_MSGS_SEC", "10")
	t.Setenv("INGEST_WORKERS", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != "8088" || cfg.GinMode != "release" || cfg.LogLevel != "warn" || !cfg.LogPretty {
		t.Fatalf("server/logging: %+v", cfg)
	}
	if cfg.RedisAddr != "redis:6379" || cfg.RateRPS != 5.0 {
		t.Fatalf("storage/rate: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("cors: %#v", cfg.CORS.AllowedOrigins)
	}
	if cfg.OWUI.BaseURL != "http://owui:3000" || cfg.OWUI.DefaultModel != "gpt-4o" {
		t.Fatalf("owui: %+v", cfg.OWUI)
	}
	if cfg.OWUI.PollInterval != 250*time.Millisecond || cfg.OWUI.PollTimeout != 90*time.Second {
		t.Fatalf("poll: %+v", cfg.OWUI)
	}
	if cfg.Outbox.BackoffBase != 2*time.Second || cfg.Outbox.BackoffCap != 30*time.Second {
		t.Fatalf("outbox: %+v", cfg.Outbox)
	}
	if cfg.Ingest.DropOlderThan != 10*time.Second || cfg.Ingest.Workers != 8 {
		t.Fatalf("ingest: %+v", cfg.Ingest)
	}
}

func TestLoad_ServiceNameFallback(t *testing.T) {
	setRequired(t)
	t.Setenv("SERVICE_NAME", "bridge-eu")
	cfg, err := Load()
	if err != nil || cfg.OTEL.ServiceName != "bridge-eu" {
		t.Fatalf("SERVICE_NAME fallback = %q, %v", cfg.OTEL.ServiceName, err)
	}

	t.Setenv("OTEL_SERVICE_NAME", "bridge-otel")
	if cfg, _ = Load(); cfg.OTEL.ServiceName != "bridge-otel" {
		t.Fatalf("OTEL_SERVICE_NAME must win, got %q", cfg.OTEL.ServiceName)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	t.Run("missing channel credentials", func(t *testing.T) {
		t.Setenv("WECOM_CORP_ID", "ww123")
		_, err := Load()
		if err == nil || !containsErr(err, "WECOM_AESKEY, WECOM_KF_SECRET, WECOM_TOKEN") {
			t.Fatalf("expected missing list, got: %v", err)
		}
	})
	t.Run("short AES key", func(t *testing.T) {
		setRequired(t)
		t.Setenv("WECOM_AESKEY", "short")
		if _, err := Load(); err == nil || !containsErr(err, "43 characters") {
			t.Fatalf("expected AES key error, got: %v", err)
		}
	})
	t.Run("invalid LOG_LEVEL", func(t *testing.T) {
		setRequired(t)
		t.Setenv("LOG_LEVEL", "verbose")
		if _, err := Load(); err == nil {
			t.Fatalf("expected LOG_LEVEL validation error")
		}
	})
	t.Run("empty PORT via spaces", func(t *testing.T) {
		setRequired(t)
		t.Setenv("PORT", "   ")
		if _, err := Load(); err == nil || !containsErr(err, "PORT must not be empty") {
			t.Fatalf("expected port validation error, got: %v", err)
		}
	})
	t.Run("non-positive timeouts", func(t *testing.T) {
		setRequired(t)
		t.Setenv("READ_TIMEOUT", "0s")
		if _, err := Load(); err == nil || !containsErr(err, "timeouts must be positive") {
			t.Fatalf("expected timeouts validation error, got: %v", err)
		}
	})
	t.Run("empty DB_PATH", func(t *testing.T) {
		setRequired(t)
		t.Setenv("DB_PATH", "   ")
		if _, err := Load(); err == nil || !containsErr(err, "DB_PATH must not be empty") {
			t.Fatalf("expected DB_PATH validation error, got: %v", err)
		}
	})
	t.Run("rate burst < 1", func(t *testing.T) {
		setRequired(t)
		t.Setenv("RATE_BURST", "0")
		if _, err := Load(); err == nil || !containsErr(err, "RATE_BURST") {
			t.Fatalf("expected RATE_BURST validation error, got: %v", err)
		}
	})
	t.Run("backoff base above cap", func(t *testing.T) {
		setRequired(t)
		t.Setenv("OUTBOX_BASE_BACKOFF", "90")
		if _, err := Load(); err == nil || !containsErr(err, "OUTBOX_BASE_BACKOFF") {
			t.Fatalf("expected backoff validation error, got: %v", err)
		}
	})
	t.Run("outbox retries < 1", func(t *testing.T) {
		setRequired(t)
		t.Setenv("OUTBOX_MAX_RETRIES", "0")
		if _, err := Load(); err == nil || !containsErr(err, "OUTBOX_MAX_RETRIES") {
			t.Fatalf("expected retries validation error, got: %v", err)
		}
	})
	t.Run("ingest workers < 1", func(t *testing.T) {
		setRequired(t)
		t.Setenv("INGEST_WORKERS", "0")
		if _, err := Load(); err == nil || !containsErr(err, "INGEST_WORKERS") {
			t.Fatalf("expected ingest validation error, got: %v", err)
		}
	})
	t.Run("otel sample ratio out of range", func(t *testing.T) {
		setRequired(t)
		t.Setenv("OTEL_TRACES_SAMPLER_ARG", "1.5")
		if _, err := Load(); err == nil || !containsErr(err, "OTEL_TRACES_SAMPLER_ARG") {
			t.Fatalf("expected OTEL_TRACES_SAMPLER_ARG validation error, got: %v", err)
		}
	})
}

// --- helpers ---

func TestHelpers_getenv(t *testing.T) {
	t.Setenv("X_EMPTY", "")
	if getenv("X_EMPTY", "d") != "d" {
		t.Fatalf("getenv should fall back to default on empty var")
	}
	t.Setenv("X_SET", "val")
	if getenv("X_SET", "d") != "val" {
		t.Fatalf("getenv should read set value")
	}
}

func TestHelpers_getfloat_getint_getdur(t *testing.T) {
	t.Setenv("F_VALID", "3.14")
	if getfloat("F_VALID", 0) != 3.14 {
		t.Fatalf("getfloat parse failed")
	}
	t.Setenv("I_BAD", "x")
	if getint("I_BAD", 7) != 7 {
		t.Fatalf("getint default on bad parse failed")
	}
	t.Setenv("D_VALID", "150ms")
	if getdur("D_VALID", time.Second) != 150*time.Millisecond {
		t.Fatalf("getdur parse failed")
	}
}

func TestHelpers_getsec(t *testing.T) {
	cases := map[string]time.Duration{
		"0.6":   600 * time.Millisecond,
		"5":     5 * time.Second,
		" 2.5 ": 2500 * time.Millisecond,
		"90s":   90 * time.Second,
		"bogus": time.Hour,
	}
	for in, want := range cases {
		t.Setenv("S_VAL", in)
		if got := getsec("S_VAL", time.Hour); got != want {
			t.Fatalf("getsec(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestHelpers_getbool(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", " yes ", "Y", "on"} {
		t.Setenv("B_T", v)
		if !getbool("B_T", false) {
			t.Fatalf("getbool(%q) = false; want true", v)
		}
	}
	for _, v := range []string{"0", "false", " no ", "N", "off"} {
		t.Setenv("B_F", v)
		if getbool("B_F", true) {
			t.Fatalf("getbool(%q) = true; want false", v)
		}
	}
}

func TestHelpers_splitCSV(t *testing.T) {
	if out := splitCSV(""); out != nil {
		t.Fatalf("splitCSV empty should return nil")
	}
	want := []string{"a", "b", "c"}
	if got := splitCSV(" a, ,b ,  c  ,"); !reflect.DeepEqual(got, want) {
		t.Fatalf("splitCSV mismatch: got %#v want %#v", got, want)
	}
}

// Ensure tests don't inherit channel credentials from the environment.
func TestMain(m *testing.M) {
	for _, k := range []string{"PORT", "WECOM_CORP_ID", "WECOM_KF_SECRET", "WECOM_TOKEN", "WECOM_AESKEY", "OTEL_SERVICE_NAME", "SERVICE_NAME"} {
		os.Unsetenv(k)
	}
	os.Exit(m.Run())
}

// containsErr reports whether err's message contains the given substring.
func containsErr(err error, want string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), want)
}
