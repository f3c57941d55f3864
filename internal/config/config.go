package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrEncryptionKeySize = errors.New("encryption key must be exactly 32 bytes (64 hex characters)")
	ErrSessionSecretSize = errors.New("session secret must be at least 32 characters")
)

// Environment selects development or production behavior (HTTPS
// enforcement for feeds, secure cookies, gin mode).
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config is the full application configuration, read once at startup.
type Config struct {
	Server       ServerConfig
	Google       GoogleConfig
	Security     SecurityConfig
	Database     DatabaseConfig
	Sync         SyncConfig
	RateLimiting RateLimitConfig
	Alerts       AlertConfig
}

type ServerConfig struct {
	Port        int
	BaseURL     string
	Environment Environment
}

// GoogleConfig carries the OAuth client. Optional: an instance serving
// only iCal feeds runs without it.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

type SecurityConfig struct {
	EncryptionKey []byte
	SessionSecret string
}

type DatabaseConfig struct {
	Path string
}

// SyncConfig controls the background sync engine.
type SyncConfig struct {
	Interval     time.Duration
	WindowMonths int
	MaxParallel  int
	LogRetention time.Duration
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

type AlertConfig struct {
	WebhookURL string
	Cooldown   time.Duration
}

// Load reads configuration from the environment. A .env file is applied
// first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	for _, load := range []func(*Config) error{
		loadServer,
		loadGoogle,
		loadSecurity,
		loadDatabase,
		loadSync,
		loadRateLimiting,
		loadAlerts,
	} {
		if err := load(cfg); err != nil {
			return nil, err
		}
	}

	if missing := cfg.missingRequired(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}
	return cfg, nil
}

func loadServer(cfg *Config) error {
	port, err := envInt("PORT", 8080)
	if err != nil {
		return fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.Port = port
	cfg.Server.BaseURL = envStr("BASE_URL", "http://localhost:8080")
	cfg.Server.Environment = Environment(strings.ToLower(envStr("ENVIRONMENT", "production")))
	return nil
}

func loadGoogle(cfg *Config) error {
	cfg.Google.ClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.Google.RedirectURL = envStr("GOOGLE_REDIRECT_URL", cfg.Server.BaseURL+"/auth/google/callback")
	return nil
}

func loadSecurity(cfg *Config) error {
	if keyHex := os.Getenv("ENCRYPTION_KEY"); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return fmt.Errorf("%w: ENCRYPTION_KEY: invalid hex: %w", ErrInvalidConfig, err)
		}
		if len(key) != 32 {
			return ErrEncryptionKeySize
		}
		cfg.Security.EncryptionKey = key
	}

	cfg.Security.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.Security.SessionSecret != "" && len(cfg.Security.SessionSecret) < 32 {
		return ErrSessionSecretSize
	}
	return nil
}

func loadDatabase(cfg *Config) error {
	cfg.Database.Path = envStr("DATABASE_PATH", "./data/calhub.db")
	return nil
}

func loadSync(cfg *Config) error {
	interval, err := envDuration("SYNC_INTERVAL", 15*time.Minute)
	if err != nil {
		return fmt.Errorf("%w: SYNC_INTERVAL: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.Interval = interval

	window, err := envInt("SYNC_WINDOW_MONTHS", 3)
	if err != nil {
		return fmt.Errorf("%w: SYNC_WINDOW_MONTHS: %w", ErrInvalidConfig, err)
	}
	if window < 1 {
		return fmt.Errorf("%w: SYNC_WINDOW_MONTHS must be positive", ErrInvalidConfig)
	}
	cfg.Sync.WindowMonths = window

	parallel, err := envInt("SYNC_MAX_PARALLEL", 4)
	if err != nil {
		return fmt.Errorf("%w: SYNC_MAX_PARALLEL: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.MaxParallel = parallel

	retentionDays, err := envInt("SYNC_LOG_RETENTION_DAYS", 30)
	if err != nil {
		return fmt.Errorf("%w: SYNC_LOG_RETENTION_DAYS: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.LogRetention = time.Duration(retentionDays) * 24 * time.Hour
	return nil
}

func loadRateLimiting(cfg *Config) error {
	rps, err := envFloat("RATE_LIMIT_RPS", 10.0)
	if err != nil {
		return fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.RPS = rps

	burst, err := envInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.Burst = burst
	return nil
}

func loadAlerts(cfg *Config) error {
	cfg.Alerts.WebhookURL = os.Getenv("ALERT_WEBHOOK_URL")
	cooldown, err := envDuration("ALERT_COOLDOWN", time.Hour)
	if err != nil {
		return fmt.Errorf("%w: ALERT_COOLDOWN: %w", ErrInvalidConfig, err)
	}
	cfg.Alerts.Cooldown = cooldown
	return nil
}

// missingRequired names required values that are absent. Only the two
// secrets are hard requirements; everything else has a usable default.
func (c *Config) missingRequired() []string {
	var missing []string
	if len(c.Security.EncryptionKey) == 0 {
		missing = append(missing, "ENCRYPTION_KEY")
	}
	if c.Security.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}
	return missing
}

// GoogleEnabled reports whether a Google OAuth client is configured.
func (c *Config) GoogleEnabled() bool {
	return c.Google.ClientID != "" && c.Google.ClientSecret != ""
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return f, nil
}

// envDuration accepts Go duration syntax ("15m", "1h30m").
func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return d, nil
}
