package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBMigrateOnStart  bool
	DBLogLevel        string
	DBSlowQuery       time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SnowflakeNode int64

	PlanCatalogPath string

	Payment   PaymentConfig
	Renewal   RenewalConfig
	RateLimit RateLimitConfig
}

// PaymentConfig configures inbound payment webhook verification.
type PaymentConfig struct {
	DefaultProvider     string
	StripeWebhookSecret string
	StripeTolerance     time.Duration
	HMACWebhookSecret   string
}

// RenewalConfig controls the renewal scheduler.
type RenewalConfig struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	LockTTL     time.Duration
}

// RateLimitConfig throttles inbound webhook deliveries per provider.
type RateLimitConfig struct {
	Enabled      bool
	WebhookRate  float64
	WebhookBurst int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "tenantbilling"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            strings.ToLower(getenv("DATABASE_TYPE", "postgres")),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "tenantbilling"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "tenantbilling.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		DBMigrateOnStart:  getenvBool("DATABASE_MIGRATE_ON_START", true),
		DBLogLevel:        getenv("DATABASE_LOG_LEVEL", "warn"),
		DBSlowQuery:       getenvDuration("DATABASE_SLOW_QUERY", 200*time.Millisecond),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		SnowflakeNode: getenvInt64("SNOWFLAKE_NODE", 1),

		PlanCatalogPath: strings.TrimSpace(getenv("PLAN_CATALOG_PATH", "")),

		Payment: PaymentConfig{
			DefaultProvider:     strings.ToLower(getenv("PAYMENT_DEFAULT_PROVIDER", "stripe")),
			StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			StripeTolerance:     getenvDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
			HMACWebhookSecret:   strings.TrimSpace(getenv("HMAC_WEBHOOK_SECRET", "")),
		},
		Renewal: RenewalConfig{
			Enabled:     getenvBool("RENEWAL_SCHEDULER_ENABLED", true),
			RunInterval: getenvDuration("RENEWAL_RUN_INTERVAL", time.Minute),
			BatchSize:   getenvInt("RENEWAL_BATCH_SIZE", 50),
			LockTTL:     getenvDuration("RENEWAL_LOCK_TTL", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:      getenvBool("RATE_LIMIT_ENABLED", false),
			WebhookRate:  getenvFloat("RATE_LIMIT_WEBHOOK_RATE", 50),
			WebhookBurst: getenvInt("RATE_LIMIT_WEBHOOK_BURST", 100),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
