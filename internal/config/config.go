package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the bridge.
type Config struct {
	App         AppConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Logger      LoggerConfig
	Intake      IntakeConfig
	Maintenance MaintenanceConfig
	Relay       RelayConfig
	Sink        SinkConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// IntakeConfig bounds ephemeral intake sessions.
type IntakeConfig struct {
	SessionTTLSeconds int
}

// MaintenanceConfig drives the background sweep and the guild-policy
// defaults applied when a guild has no settings row.
type MaintenanceConfig struct {
	IntervalMinutes        int
	ExternalTimeoutSeconds int
	DefaultWarningHours    int
	DefaultAutoCloseHours  int
}

// RelayConfig configures the chat-platform gateway adapter and the key used
// to encrypt per-category relay credentials. GatewayCredential is stored
// encrypted and decrypted at boot with the same key.
type RelayConfig struct {
	GatewayBaseURL    string
	GatewayCredential string
	CredentialKey     string
}

// SinkConfig configures the dashboard webhook event sink.
type SinkConfig struct {
	WebhookURL    string
	WebhookSecret string
	TokenTTLSec   int
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "ticket-bridge"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Intake: IntakeConfig{
			SessionTTLSeconds: getEnvAsInt("INTAKE_SESSION_TTL_SECONDS", 900),
		},
		Maintenance: MaintenanceConfig{
			IntervalMinutes:        getEnvAsInt("MAINTENANCE_INTERVAL_MINUTES", 10),
			ExternalTimeoutSeconds: getEnvAsInt("MAINTENANCE_EXTERNAL_TIMEOUT_SECONDS", 10),
			DefaultWarningHours:    getEnvAsInt("MAINTENANCE_DEFAULT_WARNING_HOURS", 48),
			DefaultAutoCloseHours:  getEnvAsInt("MAINTENANCE_DEFAULT_AUTO_CLOSE_HOURS", 72),
		},
		Relay: RelayConfig{
			GatewayBaseURL:    getEnv("RELAY_GATEWAY_BASE_URL", "http://127.0.0.1:9090"),
			GatewayCredential: os.Getenv("RELAY_GATEWAY_CREDENTIAL"),
			CredentialKey:     os.Getenv("RELAY_CREDENTIAL_KEY"),
		},
		Sink: SinkConfig{
			WebhookURL:    getEnv("DASHBOARD_WEBHOOK_URL", ""),
			WebhookSecret: getEnv("DASHBOARD_WEBHOOK_SECRET", "dev-secret"),
			TokenTTLSec:   getEnvAsInt("DASHBOARD_WEBHOOK_TOKEN_TTL_SECONDS", 120),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// SessionTTL returns the intake session lifetime.
func (i IntakeConfig) SessionTTL() time.Duration {
	if i.SessionTTLSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(i.SessionTTLSeconds) * time.Second
}

// Interval returns the sweep interval.
func (m MaintenanceConfig) Interval() time.Duration {
	if m.IntervalMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(m.IntervalMinutes) * time.Minute
}

// ExternalTimeout bounds each outbound relay/DM call made during a sweep.
func (m MaintenanceConfig) ExternalTimeout() time.Duration {
	if m.ExternalTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(m.ExternalTimeoutSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
