// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Registry drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Kernel bridge settings.
	KernelURL     string
	KernelToken   string
	KernelTimeout time.Duration

	// Registry settings.
	RegistryDriver string // "sqlite" or "postgres"
	SQLitePath     string
	DatabaseURL    string // Required when RegistryDriver is "postgres".
	RecentLimit    int    // Records returned by the recent list.

	// Reconciliation settings.
	PollInterval    time.Duration
	PollLimit       int
	StreamRetention int
	DisablePush     bool

	// Build mutations per minute per caller, with a burst allowance.
	// Zero disables limiting.
	RateLimitPerMinute int
	RateLimitBurst     int

	// API auth. When APISecret is empty the local API is open.
	APISecret     string
	JWTExpiration time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
	NoticeCapacity      int
	ShutdownTimeout     time.Duration
}

// LoadDotenv reads .env files into the environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotenv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := envStr
	integer := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	duration := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		Port:                integer("HEARTH_PORT", 7420),
		ReadTimeout:         duration("HEARTH_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        duration("HEARTH_WRITE_TIMEOUT", 30*time.Second),
		KernelURL:           str("HEARTH_KERNEL_URL", "http://127.0.0.1:7411"),
		KernelToken:         str("HEARTH_KERNEL_TOKEN", ""),
		KernelTimeout:       duration("HEARTH_KERNEL_TIMEOUT", 30*time.Second),
		RegistryDriver:      strings.ToLower(str("HEARTH_REGISTRY_DRIVER", DriverSQLite)),
		SQLitePath:          str("HEARTH_SQLITE_PATH", defaultSQLitePath()),
		DatabaseURL:         str("DATABASE_URL", ""),
		RecentLimit:         integer("HEARTH_RECENT_LIMIT", 50),
		PollInterval:        duration("HEARTH_POLL_INTERVAL", 2*time.Second),
		PollLimit:           integer("HEARTH_POLL_LIMIT", 200),
		StreamRetention:     integer("HEARTH_STREAM_RETENTION", 500),
		DisablePush:         boolean("HEARTH_DISABLE_PUSH", false),
		RateLimitPerMinute:  integer("HEARTH_RATE_LIMIT", 60),
		RateLimitBurst:      integer("HEARTH_RATE_BURST", 10),
		APISecret:           str("HEARTH_API_SECRET", ""),
		JWTExpiration:       duration("HEARTH_JWT_EXPIRATION", 24*time.Hour),
		OTELEndpoint:        str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         str("OTEL_SERVICE_NAME", "hearth"),
		LogLevel:            str("HEARTH_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(integer("HEARTH_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		NoticeCapacity:      integer("HEARTH_NOTICE_CAPACITY", 50),
		ShutdownTimeout:     duration("HEARTH_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("HEARTH_PORT must be between 1 and 65535"))
	}
	if u, err := url.Parse(c.KernelURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("HEARTH_KERNEL_URL must be an absolute URL"))
	}
	switch c.RegistryDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("HEARTH_SQLITE_PATH is required for the sqlite registry"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the postgres registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("HEARTH_REGISTRY_DRIVER must be %q or %q", DriverSQLite, DriverPostgres))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("HEARTH_POLL_INTERVAL must be positive"))
	}
	if c.PollLimit <= 0 {
		errs = append(errs, fmt.Errorf("HEARTH_POLL_LIMIT must be positive"))
	}
	if c.StreamRetention <= 0 {
		errs = append(errs, fmt.Errorf("HEARTH_STREAM_RETENTION must be positive"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("HEARTH_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.NoticeCapacity <= 0 {
		errs = append(errs, fmt.Errorf("HEARTH_NOTICE_CAPACITY must be positive"))
	}
	if c.RateLimitPerMinute < 0 {
		errs = append(errs, fmt.Errorf("HEARTH_RATE_LIMIT must not be negative"))
	}
	if c.RateLimitPerMinute > 0 && c.RateLimitBurst <= 0 {
		errs = append(errs, fmt.Errorf("HEARTH_RATE_BURST must be positive when HEARTH_RATE_LIMIT is set"))
	}
	if c.APISecret != "" && len(c.APISecret) < 32 {
		errs = append(errs, fmt.Errorf("HEARTH_API_SECRET must be at least 32 bytes"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func defaultSQLitePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "hearth.db"
	}
	return dir + string(os.PathSeparator) + "hearth" + string(os.PathSeparator) + "hearth.db"
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
