package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	CORS          CORSConfig
	Log           LogConfig
	Store         StoreConfig
	Approvals     ApprovalsConfig
	Notifications NotificationsConfig
	Cache         CacheConfig
	RateLimit     RateLimitConfig
	Bulk          BulkConfig
	Bootstrap     BootstrapConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
	Issuer     string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// StoreConfig selects the persistence backend and the per-call I/O timeout.
type StoreConfig struct {
	Driver  string
	Timeout time.Duration
}

// ApprovalsConfig holds the approval policy knobs.
type ApprovalsConfig struct {
	GatedRoles                  []string
	DefaultMaxAdmins            int
	DefaultMaxModerators        int
	AllowResubmission           bool
	AllowInstitutionReopen      bool
	RequireVerifiedForElevation bool
}

// NotificationsConfig tunes the asynchronous notification dispatcher.
type NotificationsConfig struct {
	Enabled    bool
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	OutboxKey  string
}

// CacheConfig governs caching of display-only headcount snapshots.
type CacheConfig struct {
	Enabled  bool
	CountTTL time.Duration
}

// RateLimitConfig configures the per-client token bucket on sensitive routes.
type RateLimitConfig struct {
	Enabled   bool
	PerSecond float64
	Burst     int
}

// BulkConfig bounds multi-select operations.
type BulkConfig struct {
	MaxItems    int
	MaxParallel int
}

// BootstrapConfig seeds the first SuperAdmin when no account with Email exists.
type BootstrapConfig struct {
	Email    string
	Password string
	FullName string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		Issuer:     v.GetString("JWT_ISSUER"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	driver := strings.ToLower(strings.TrimSpace(v.GetString("STORE_DRIVER")))
	if driver != StoreDriverMemory {
		driver = StoreDriverPostgres
	}
	cfg.Store = StoreConfig{
		Driver:  driver,
		Timeout: parseDuration(v.GetString("STORE_TIMEOUT"), 5*time.Second),
	}

	cfg.Approvals = ApprovalsConfig{
		GatedRoles:                  splitAndTrim(strings.ToUpper(v.GetString("APPROVAL_GATED_ROLES"))),
		DefaultMaxAdmins:            positiveOr(v.GetInt("APPROVAL_DEFAULT_MAX_ADMINS"), 2),
		DefaultMaxModerators:        positiveOr(v.GetInt("APPROVAL_DEFAULT_MAX_MODERATORS"), 5),
		AllowResubmission:           v.GetBool("APPROVAL_ALLOW_RESUBMISSION"),
		AllowInstitutionReopen:      v.GetBool("APPROVAL_ALLOW_INSTITUTION_REOPEN"),
		RequireVerifiedForElevation: v.GetBool("APPROVAL_REQUIRE_VERIFIED_INSTITUTION"),
	}

	cfg.Notifications = NotificationsConfig{
		Enabled:    v.GetBool("ENABLE_NOTIFICATIONS"),
		Workers:    v.GetInt("NOTIFICATIONS_WORKERS"),
		BufferSize: v.GetInt("NOTIFICATIONS_BUFFER_SIZE"),
		MaxRetries: v.GetInt("NOTIFICATIONS_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("NOTIFICATIONS_RETRY_DELAY"), time.Second),
		OutboxKey:  v.GetString("NOTIFICATIONS_OUTBOX_KEY"),
	}

	cfg.Cache = CacheConfig{
		Enabled:  v.GetBool("ENABLE_COUNT_CACHE"),
		CountTTL: parseDuration(v.GetString("COUNT_CACHE_TTL"), time.Minute),
	}

	cfg.RateLimit = RateLimitConfig{
		Enabled:   v.GetBool("ENABLE_RATE_LIMIT"),
		PerSecond: v.GetFloat64("RATE_LIMIT_PER_SECOND"),
		Burst:     positiveOr(v.GetInt("RATE_LIMIT_BURST"), 10),
	}

	cfg.Bulk = BulkConfig{
		MaxItems:    positiveOr(v.GetInt("BULK_MAX_ITEMS"), 200),
		MaxParallel: positiveOr(v.GetInt("BULK_MAX_PARALLEL"), 8),
	}

	cfg.Bootstrap = BootstrapConfig{
		Email:    strings.TrimSpace(v.GetString("BOOTSTRAP_ADMIN_EMAIL")),
		Password: v.GetString("BOOTSTRAP_ADMIN_PASSWORD"),
		FullName: v.GetString("BOOTSTRAP_ADMIN_NAME"),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "edutier")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", true)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("JWT_ISSUER", "edutier-api")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	v.SetDefault("STORE_TIMEOUT", "5s")

	v.SetDefault("APPROVAL_GATED_ROLES", "ADMIN,MODERATOR")
	v.SetDefault("APPROVAL_DEFAULT_MAX_ADMINS", 2)
	v.SetDefault("APPROVAL_DEFAULT_MAX_MODERATORS", 5)
	v.SetDefault("APPROVAL_ALLOW_RESUBMISSION", true)
	v.SetDefault("APPROVAL_ALLOW_INSTITUTION_REOPEN", false)
	v.SetDefault("APPROVAL_REQUIRE_VERIFIED_INSTITUTION", true)

	v.SetDefault("ENABLE_NOTIFICATIONS", true)
	v.SetDefault("NOTIFICATIONS_WORKERS", 2)
	v.SetDefault("NOTIFICATIONS_BUFFER_SIZE", 256)
	v.SetDefault("NOTIFICATIONS_MAX_RETRIES", 3)
	v.SetDefault("NOTIFICATIONS_RETRY_DELAY", "1s")
	v.SetDefault("NOTIFICATIONS_OUTBOX_KEY", "notifications:outbox")

	v.SetDefault("ENABLE_COUNT_CACHE", false)
	v.SetDefault("COUNT_CACHE_TTL", "1m")

	v.SetDefault("ENABLE_RATE_LIMIT", true)
	v.SetDefault("RATE_LIMIT_PER_SECOND", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)

	v.SetDefault("BULK_MAX_ITEMS", 200)
	v.SetDefault("BULK_MAX_PARALLEL", 8)

	v.SetDefault("BOOTSTRAP_ADMIN_EMAIL", "")
	v.SetDefault("BOOTSTRAP_ADMIN_PASSWORD", "")
	v.SetDefault("BOOTSTRAP_ADMIN_NAME", "Platform Administrator")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func positiveOr(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func isMissingFile(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory")
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
