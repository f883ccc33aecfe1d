package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr    string `yaml:"addr"`
	Profile string `yaml:"profile"`
	DataDir string `yaml:"data_dir"`

	ActionLogDSN string `yaml:"action_log_dsn"`
	CacheDSN     string `yaml:"cache_dsn"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	WatchLog     bool   `yaml:"watch_log"`

	BackendURL   string `yaml:"backend_url"`
	BackendToken string `yaml:"backend_token"`
	OriginURL    string `yaml:"origin_url"`
	HealthURL    string `yaml:"health_url"`

	ProbeInterval      time.Duration `yaml:"probe_interval"`
	ProbeJitter        float64       `yaml:"probe_jitter"`
	DispatchTimeout    time.Duration `yaml:"dispatch_timeout"`
	BaseBackoff        time.Duration `yaml:"base_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	RetryInterval      time.Duration `yaml:"retry_interval"`
	MaxUnknownAttempts int           `yaml:"max_unknown_attempts"`

	CacheVersion string `yaml:"cache_version"`

	PushURL    string `yaml:"push_url"`
	PushToken  string `yaml:"push_token"`
	PushSecret string `yaml:"push_secret"`

	JWTSecret       string        `yaml:"jwt_secret"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`

	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
}

func defaultConfig() Config {
	return Config{
		Addr:               "127.0.0.1:8787",
		DataDir:            ".thrivesync",
		WatchLog:           true,
		BackendURL:         "http://127.0.0.1:3000",
		ProbeInterval:      30 * time.Second,
		ProbeJitter:        0.2,
		DispatchTimeout:    30 * time.Second,
		BaseBackoff:        time.Second,
		MaxBackoff:         5 * time.Minute,
		RetryInterval:      15 * time.Second,
		MaxUnknownAttempts: 3,
		RateLimitWindow:    time.Minute,
		MaxBodyBytes:       1 << 20,
		LogMaxSizeMB:       50,
		LogMaxBackups:      5,
		LogMaxAgeDays:      14,
	}
}

// loadConfig layers defaults, the optional YAML file and THRIVESYNC_*
// environment variables. Flags are applied afterwards by the caller.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("THRIVESYNC_CONFIG"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = envOrDefault("THRIVESYNC_ADDR", cfg.Addr)
	cfg.Profile = envOrDefault("THRIVESYNC_PROFILE", cfg.Profile)
	cfg.DataDir = envOrDefault("THRIVESYNC_DATA_DIR", cfg.DataDir)
	cfg.ActionLogDSN = envOrDefault("THRIVESYNC_ACTION_LOG_DSN", cfg.ActionLogDSN)
	cfg.CacheDSN = envOrDefault("THRIVESYNC_CACHE_DSN", cfg.CacheDSN)
	cfg.PostgresDSN = envOrDefault("THRIVESYNC_POSTGRES_DSN", cfg.PostgresDSN)
	cfg.WatchLog = boolEnv("THRIVESYNC_WATCH_LOG", cfg.WatchLog)
	cfg.BackendURL = envOrDefault("THRIVESYNC_BACKEND_URL", cfg.BackendURL)
	cfg.BackendToken = envOrDefault("THRIVESYNC_BACKEND_TOKEN", cfg.BackendToken)
	cfg.OriginURL = envOrDefault("THRIVESYNC_ORIGIN_URL", cfg.OriginURL)
	cfg.HealthURL = envOrDefault("THRIVESYNC_HEALTH_URL", cfg.HealthURL)
	cfg.ProbeInterval = durationEnv("THRIVESYNC_PROBE_INTERVAL", cfg.ProbeInterval)
	cfg.ProbeJitter = floatEnv("THRIVESYNC_PROBE_JITTER", cfg.ProbeJitter)
	cfg.DispatchTimeout = durationEnv("THRIVESYNC_DISPATCH_TIMEOUT", cfg.DispatchTimeout)
	cfg.BaseBackoff = durationEnv("THRIVESYNC_BASE_BACKOFF", cfg.BaseBackoff)
	cfg.MaxBackoff = durationEnv("THRIVESYNC_MAX_BACKOFF", cfg.MaxBackoff)
	cfg.RetryInterval = durationEnv("THRIVESYNC_RETRY_INTERVAL", cfg.RetryInterval)
	cfg.MaxUnknownAttempts = intEnv("THRIVESYNC_MAX_UNKNOWN_ATTEMPTS", cfg.MaxUnknownAttempts)
	cfg.CacheVersion = envOrDefault("THRIVESYNC_CACHE_VERSION", cfg.CacheVersion)
	cfg.PushURL = envOrDefault("THRIVESYNC_PUSH_URL", cfg.PushURL)
	cfg.PushToken = envOrDefault("THRIVESYNC_PUSH_TOKEN", cfg.PushToken)
	cfg.PushSecret = envOrDefault("THRIVESYNC_PUSH_SECRET", cfg.PushSecret)
	cfg.JWTSecret = envOrDefault("THRIVESYNC_JWT_SECRET", cfg.JWTSecret)
	cfg.RateLimitMax = intEnv("THRIVESYNC_RATE_LIMIT_MAX", cfg.RateLimitMax)
	cfg.RateLimitWindow = durationEnv("THRIVESYNC_RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	cfg.MaxBodyBytes = int64Env("THRIVESYNC_MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.LogFile = envOrDefault("THRIVESYNC_LOG_FILE", cfg.LogFile)
	cfg.LogMaxSizeMB = intEnv("THRIVESYNC_LOG_MAX_SIZE_MB", cfg.LogMaxSizeMB)
	cfg.LogMaxBackups = intEnv("THRIVESYNC_LOG_MAX_BACKUPS", cfg.LogMaxBackups)
	cfg.LogMaxAgeDays = intEnv("THRIVESYNC_LOG_MAX_AGE_DAYS", cfg.LogMaxAgeDays)
}

// storageDSNs resolves the action log and cache DSNs. Explicit DSNs win
// over the profile defaults.
func (c Config) storageDSNs() (actionLogDSN, cacheDSN string, err error) {
	profileLog, profileCache, err := c.profileDefaults()
	if err != nil {
		return "", "", err
	}
	actionLogDSN = strings.TrimSpace(c.ActionLogDSN)
	if actionLogDSN == "" {
		actionLogDSN = profileLog
	}
	cacheDSN = strings.TrimSpace(c.CacheDSN)
	if cacheDSN == "" {
		cacheDSN = profileCache
	}
	return actionLogDSN, cacheDSN, nil
}

func (c Config) profileDefaults() (actionLogDSN, cacheDSN string, err error) {
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = ".thrivesync"
	}
	profile := strings.ToLower(strings.TrimSpace(c.Profile))
	switch profile {
	case "", "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "offline-actions.json"),
			"sqlite://" + filepath.Join(dataDir, "cache.db"),
			nil
	case "sqlite":
		return "sqlite://" + filepath.Join(dataDir, "thrivesync.db"),
			"sqlite://" + filepath.Join(dataDir, "thrivesync.db"),
			nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return "", "", fmt.Errorf("THRIVESYNC_POSTGRES_DSN is required when profile=%s", profile)
		}
		return c.PostgresDSN, "sqlite://" + filepath.Join(dataDir, "cache.db"), nil
	default:
		return "", "", fmt.Errorf("unsupported profile: %s", profile)
	}
}

func (c Config) originURL() string {
	if strings.TrimSpace(c.OriginURL) != "" {
		return c.OriginURL
	}
	return c.BackendURL
}

func (c Config) healthURL() string {
	if strings.TrimSpace(c.HealthURL) != "" {
		return c.HealthURL
	}
	return c.BackendURL
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
