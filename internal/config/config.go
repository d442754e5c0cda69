// Package config loads the engine's runtime configuration from environment
// variables, the same way the rest of this stack does: flat env vars with
// sane local-dev defaults, validated once at startup rather than lazily.
package config

import (
	"crypto/rsa"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/btcdecoded/govcore/internal/audit"
)

// Config holds everything cmd/govcored needs to construct the engine.
type Config struct {
	Port     string
	LogLevel string

	// Storage dialect. "postgres" talks to DatabaseURL through lib/pq;
	// "sqlite" opens SQLitePath through modernc.org/sqlite. Tests and
	// single-node trial deployments use sqlite.
	StorageDialect audit.Dialect
	DatabaseURL    string
	SQLitePath     string

	RedisAddr string

	AuditExportBucket string
	AuditExportRegion string

	WebhookSecret string

	ForgeAppID         string
	ForgePrivateKey    *rsa.PrivateKey
	ForgeBaseURL       string

	ReviewWindowStandard time.Duration
	ReviewWindowEmergency time.Duration

	RateLimitRPS   int
	RateLimitBurst int

	RuleBundlePath string
}

// Load reads configuration from the environment, returning an error if a
// required variable is missing or malformed. There is no silent fallback
// for security-relevant settings (webhook secret, forge signing key): an
// engine that can't verify who it's talking to must refuse to start rather
// than run unauthenticated.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     getenvDefault("PORT", "8443"),
		LogLevel: getenvDefault("LOG_LEVEL", "info"),

		DatabaseURL: getenvDefault("DATABASE_URL", "postgres://govcore@localhost:5432/govcore?sslmode=disable"),
		SQLitePath:  getenvDefault("SQLITE_PATH", "govcore.db"),

		RedisAddr: getenvDefault("REDIS_ADDR", "localhost:6379"),

		AuditExportBucket: os.Getenv("AUDIT_EXPORT_BUCKET"),
		AuditExportRegion: getenvDefault("AUDIT_EXPORT_REGION", "us-east-1"),

		ForgeBaseURL: getenvDefault("FORGE_BASE_URL", "https://api.github.com"),

		RuleBundlePath: getenvDefault("RULE_BUNDLE_PATH", "rules.yaml"),
	}

	dialect, err := parseDialect(getenvDefault("STORAGE_DIALECT", "sqlite"))
	if err != nil {
		return nil, err
	}
	cfg.StorageDialect = dialect

	secret := os.Getenv("WEBHOOK_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("config: WEBHOOK_SECRET is required")
	}
	cfg.WebhookSecret = secret

	appID := os.Getenv("FORGE_APP_ID")
	if appID == "" {
		return nil, fmt.Errorf("config: FORGE_APP_ID is required")
	}
	cfg.ForgeAppID = appID

	keyPEM := os.Getenv("FORGE_PRIVATE_KEY")
	if keyPEM == "" {
		if path := os.Getenv("FORGE_PRIVATE_KEY_PATH"); path != "" {
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("config: read FORGE_PRIVATE_KEY_PATH: %w", err)
			}
			keyPEM = string(raw)
		}
	}
	if keyPEM == "" {
		return nil, fmt.Errorf("config: FORGE_PRIVATE_KEY or FORGE_PRIVATE_KEY_PATH is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("config: parse forge private key: %w", err)
	}
	cfg.ForgePrivateKey = key

	cfg.ReviewWindowStandard, err = parseDurationEnv("REVIEW_WINDOW_STANDARD", 72*time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.ReviewWindowEmergency, err = parseDurationEnv("REVIEW_WINDOW_EMERGENCY", 6*time.Hour)
	if err != nil {
		return nil, err
	}

	cfg.RateLimitRPS, err = parseIntEnv("RATE_LIMIT_RPS", 10)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitBurst, err = parseIntEnv("RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDialect(v string) (audit.Dialect, error) {
	switch v {
	case "postgres":
		return audit.DialectPostgres, nil
	case "sqlite":
		return audit.DialectSQLite, nil
	default:
		return "", fmt.Errorf("config: STORAGE_DIALECT must be postgres or sqlite, got %q", v)
	}
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func parseIntEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
