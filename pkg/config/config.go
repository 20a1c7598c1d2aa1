// Package config loads clearing-and-settlement-core configuration from the
// environment, following the getenv-with-default style used throughout this
// codebase's services.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	Redis          RedisConfig
	JWT            JWTConfig
	Window         WindowConfig
	Netting        NettingConfig
	Settlement     SettlementConfig
	Retry          RetryConfig
	Reconciliation ReconciliationConfig
	Rail           RailConfig
	OpsAlert       OpsAlertConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

// WindowConfig governs the clearing-window scheduler (spec.md §4.1): the
// cron schedule on which new windows open (four daily sessions by default),
// the grace period between Closing and Processing, and the advisory-lock
// TTL/renewal cadence used while a window is Processing or Settling.
type WindowConfig struct {
	Schedule       string
	Duration       time.Duration
	GracePeriod    time.Duration
	LockTTL        time.Duration
	LockRenewEvery time.Duration
}

// NettingConfig governs the netting engine's reported (not enforced)
// efficiency expectations, used only for operational alerting.
type NettingConfig struct {
	MinExpectedEfficiency decimal.Decimal
}

// SettlementConfig governs the five-phase atomic settlement flow.
type SettlementConfig struct {
	FundLockTTL              time.Duration
	ConfirmationTimeout      time.Duration
	ConfirmationPollInterval time.Duration
	RailInitiateTimeout      time.Duration
	StuckSweepInterval       time.Duration
	StuckSweepThreshold      time.Duration
}

// RetryConfig governs the retry/fallback controller (spec.md §4.4).
type RetryConfig struct {
	BaseBackoff    time.Duration
	BackoffFactor  float64
	JitterFraction decimal.Decimal
	MaxAttempts    int
	RetryWindow    time.Duration
}

// ReconciliationConfig governs confirmation matching and EOD reconciliation.
type ReconciliationConfig struct {
	MediumMatchWindow time.Duration
	AbsoluteTolerance decimal.Decimal
	RelativeTolerance decimal.Decimal
}

// RailConfig names the external bank rails available to the retry/fallback
// controller and their default priority order (spec.md §4.4, §6). Names is
// ordered highest-priority first; a deployment that needs per-corridor
// overrides configures those separately and falls back to this order.
type RailConfig struct {
	Names           []string
	Format          string
	HealthThreshold float64
}

// OpsAlertConfig configures the SMTP alert sent when the end-of-day batch
// halts a nostro account (spec.md §4.5 discrepancy halt). Enabled defaults
// to false so a deployment without mail credentials configured stays
// silent rather than failing the whole batch on a send error.
type OpsAlertConfig struct {
	Enabled  bool
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
	To       string
	UseTLS   bool
}

// Load reads configuration from the environment, loading a local .env file
// first if one is present (a no-op in deployed environments, where real
// env vars are already set and no .env file exists).
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "change-this-secret"),
			Expiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),
		},
		Window: WindowConfig{
			Schedule:       getEnv("WINDOW_CRON_SCHEDULE", "0 0,6,12,18 * * *"),
			Duration:       getDurationEnv("WINDOW_DURATION", 6*time.Hour),
			GracePeriod:    getDurationEnv("WINDOW_GRACE_PERIOD", 30*time.Minute),
			LockTTL:        getDurationEnv("WINDOW_LOCK_TTL", 5*time.Minute),
			LockRenewEvery: getDurationEnv("WINDOW_LOCK_RENEW_EVERY", 1*time.Minute),
		},
		Netting: NettingConfig{
			MinExpectedEfficiency: getDecimalEnv("NETTING_MIN_EXPECTED_EFFICIENCY", "0.40"),
		},
		Settlement: SettlementConfig{
			FundLockTTL:              getDurationEnv("SETTLEMENT_FUND_LOCK_TTL", 10*time.Minute),
			ConfirmationTimeout:      getDurationEnv("SETTLEMENT_CONFIRMATION_TIMEOUT", 5*time.Minute),
			ConfirmationPollInterval: getDurationEnv("SETTLEMENT_CONFIRMATION_POLL_INTERVAL", 2*time.Second),
			RailInitiateTimeout:      getDurationEnv("SETTLEMENT_RAIL_INITIATE_TIMEOUT", 30*time.Second),
			StuckSweepInterval:       getDurationEnv("SETTLEMENT_STUCK_SWEEP_INTERVAL", 1*time.Hour),
			StuckSweepThreshold:      getDurationEnv("SETTLEMENT_STUCK_SWEEP_THRESHOLD", 1*time.Hour),
		},
		Retry: RetryConfig{
			BaseBackoff:    getDurationEnv("RETRY_BASE_BACKOFF", 1*time.Second),
			BackoffFactor:  getFloatEnv("RETRY_BACKOFF_FACTOR", 2.0),
			JitterFraction: getDecimalEnv("RETRY_JITTER_FRACTION", "0.10"),
			MaxAttempts:    getIntEnv("RETRY_MAX_ATTEMPTS", 3),
			RetryWindow:    getDurationEnv("RETRY_WINDOW", 5*time.Minute),
		},
		Reconciliation: ReconciliationConfig{
			MediumMatchWindow: getDurationEnv("RECONCILIATION_MEDIUM_MATCH_WINDOW", 30*time.Minute),
			AbsoluteTolerance: getDecimalEnv("RECONCILIATION_ABSOLUTE_TOLERANCE", "0.01"),
			RelativeTolerance: getDecimalEnv("RECONCILIATION_RELATIVE_TOLERANCE", "0.0001"),
		},
		Rail: RailConfig{
			Names:           getListEnv("RAIL_PRIORITY_ORDER", []string{"primary-rtgs", "backup-correspondent"}),
			Format:          getEnv("RAIL_WIRE_FORMAT", "pacs.008"),
			HealthThreshold: getFloatEnv("RAIL_HEALTH_THRESHOLD", 0.85),
		},
		OpsAlert: OpsAlertConfig{
			Enabled:  getBoolEnv("OPS_ALERT_ENABLED", false),
			SMTPHost: getEnv("OPS_ALERT_SMTP_HOST", "localhost"),
			SMTPPort: getIntEnv("OPS_ALERT_SMTP_PORT", 587),
			Username: getEnv("OPS_ALERT_SMTP_USERNAME", ""),
			Password: getEnv("OPS_ALERT_SMTP_PASSWORD", ""),
			From:     getEnv("OPS_ALERT_FROM", "deltran-reconcile@localhost"),
			To:       getEnv("OPS_ALERT_TO", "ops@localhost"),
			UseTLS:   getBoolEnv("OPS_ALERT_SMTP_TLS", true),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}

func getDecimalEnv(key string, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if dec, err := decimal.NewFromString(value); err == nil {
			return dec
		}
	}
	return decimal.RequireFromString(defaultValue)
}
