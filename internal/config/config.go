package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "TESTSWARM"

type Config struct {
	HTTPAddr     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	StoreDriver string
	SQLitePath  string
	PostgresDSN string
	// RedisAddr enables the Redis event bridge, sweeper lease and
	// idempotency store. Empty keeps everything in process.
	RedisAddr string

	Browsers       []string
	ManualBrowsers []string
	CatalogPath    string

	TestRetries int
	TestTimeout time.Duration
	// CaptureTimeout is how long a silent worker stays registered.
	CaptureTimeout time.Duration
	SweepInterval  time.Duration

	APIKey             string
	RateLimitPerMinute int
	IdempotencyTTL     time.Duration
	IdempotencyLockTTL time.Duration
	DashboardDir       string

	LogLevel  string
	LogFormat string
}

var defaults = map[string]any{
	"http_addr":             ":8080",
	"read_timeout":          "15s",
	"write_timeout":         "0s",
	"idle_timeout":          "60s",
	"store_driver":          "memory",
	"sqlite_path":           "testswarm.db",
	"postgres_dsn":          "",
	"redis_addr":            "",
	"browsers":              []string{"chrome", "firefox", "safari", "edge"},
	"manual_browsers":       []string{},
	"catalog_path":          "",
	"test_retries":          3,
	"test_timeout":          "5m",
	"capture_timeout":       "1m",
	"sweep_interval":        "30s",
	"api_key":               "",
	"rate_limit_per_minute": 120,
	"idempotency_ttl":       "24h",
	"idempotency_lock_ttl":  "30s",
	"dashboard_dir":         "",
	"log_level":             "info",
	"log_format":            "json",
}

// Load reads TESTSWARM_* environment variables on top of an optional YAML
// file.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := Config{
		HTTPAddr:           v.GetString("http_addr"),
		ReadTimeout:        v.GetDuration("read_timeout"),
		WriteTimeout:       v.GetDuration("write_timeout"),
		IdleTimeout:        v.GetDuration("idle_timeout"),
		StoreDriver:        strings.ToLower(strings.TrimSpace(v.GetString("store_driver"))),
		SQLitePath:         v.GetString("sqlite_path"),
		PostgresDSN:        v.GetString("postgres_dsn"),
		RedisAddr:          strings.TrimSpace(v.GetString("redis_addr")),
		Browsers:           list(v, "browsers"),
		ManualBrowsers:     list(v, "manual_browsers"),
		CatalogPath:        v.GetString("catalog_path"),
		TestRetries:        v.GetInt("test_retries"),
		TestTimeout:        v.GetDuration("test_timeout"),
		CaptureTimeout:     v.GetDuration("capture_timeout"),
		SweepInterval:      v.GetDuration("sweep_interval"),
		APIKey:             v.GetString("api_key"),
		RateLimitPerMinute: v.GetInt("rate_limit_per_minute"),
		IdempotencyTTL:     v.GetDuration("idempotency_ttl"),
		IdempotencyLockTTL: v.GetDuration("idempotency_lock_ttl"),
		DashboardDir:       v.GetString("dashboard_dir"),
		LogLevel:           v.GetString("log_level"),
		LogFormat:          v.GetString("log_format"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("sqlite_path is required for the sqlite store")
		}
	case "postgres":
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return errors.New("postgres_dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store_driver %q", c.StoreDriver)
	}
	if len(c.Browsers) == 0 {
		return errors.New("at least one browser profile is required")
	}
	if c.TestRetries < 0 {
		return errors.New("test_retries must not be negative")
	}
	if c.TestTimeout <= 0 {
		return errors.New("test_timeout must be positive")
	}
	if c.CaptureTimeout <= 0 {
		return errors.New("capture_timeout must be positive")
	}
	return nil
}

// list accepts a YAML sequence or a comma separated string.
func list(v *viper.Viper, key string) []string {
	var raw []string
	switch value := v.Get(key).(type) {
	case string:
		raw = strings.Split(value, ",")
	default:
		raw = v.GetStringSlice(key)
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
