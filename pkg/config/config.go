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

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	CORS      CORSConfig
	Log       LogConfig
	Cache     CacheConfig
	Approvals ApprovalsConfig
	Reminders RemindersConfig
	Audit     AuditConfig
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
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// CacheConfig tunes the Redis-backed listing/enrichment cache.
type CacheConfig struct {
	Enabled    bool
	DefaultTTL time.Duration
}

// ApprovalsConfig governs workflow engine behaviour.
type ApprovalsConfig struct {
	DefaultPageSize int
	MaxPageSize     int
	AutoApprove     bool
}

// RemindersConfig drives the pending-request reminder sweep.
type RemindersConfig struct {
	Enabled        bool
	ThresholdHours int
	SweepInterval  time.Duration
}

// AuditConfig tunes the audit trail pipeline.
type AuditConfig struct {
	CriticalTopic    string
	ReminderTopic    string
	DispatchWorkers  int
	DispatchRetries  int
	ExportMaxEntries int
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
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

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
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Cache = CacheConfig{
		Enabled:    v.GetBool("ENABLE_CACHE"),
		DefaultTTL: parseDuration(v.GetString("CACHE_DEFAULT_TTL"), 10*time.Minute),
	}

	cfg.Approvals = ApprovalsConfig{
		DefaultPageSize: v.GetInt("APPROVALS_DEFAULT_PAGE_SIZE"),
		MaxPageSize:     v.GetInt("APPROVALS_MAX_PAGE_SIZE"),
		AutoApprove:     v.GetBool("APPROVALS_AUTO_APPROVE"),
	}

	cfg.Reminders = RemindersConfig{
		Enabled:        v.GetBool("ENABLE_REMINDERS"),
		ThresholdHours: v.GetInt("REMINDER_THRESHOLD_HOURS"),
		SweepInterval:  parseDuration(v.GetString("REMINDER_SWEEP_INTERVAL"), time.Hour),
	}

	cfg.Audit = AuditConfig{
		CriticalTopic:    v.GetString("AUDIT_CRITICAL_TOPIC"),
		ReminderTopic:    v.GetString("AUDIT_REMINDER_TOPIC"),
		DispatchWorkers:  v.GetInt("AUDIT_DISPATCH_WORKERS"),
		DispatchRetries:  v.GetInt("AUDIT_DISPATCH_RETRIES"),
		ExportMaxEntries: v.GetInt("AUDIT_EXPORT_MAX_ENTRIES"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "campus_approvals")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ENABLE_CACHE", true)
	v.SetDefault("CACHE_DEFAULT_TTL", "10m")

	v.SetDefault("APPROVALS_DEFAULT_PAGE_SIZE", 20)
	v.SetDefault("APPROVALS_MAX_PAGE_SIZE", 100)
	v.SetDefault("APPROVALS_AUTO_APPROVE", true)

	v.SetDefault("ENABLE_REMINDERS", false)
	v.SetDefault("REMINDER_THRESHOLD_HOURS", 24)
	v.SetDefault("REMINDER_SWEEP_INTERVAL", "1h")

	v.SetDefault("AUDIT_CRITICAL_TOPIC", "approval.audit.critical")
	v.SetDefault("AUDIT_REMINDER_TOPIC", "approval.reminder")
	v.SetDefault("AUDIT_DISPATCH_WORKERS", 2)
	v.SetDefault("AUDIT_DISPATCH_RETRIES", 3)
	v.SetDefault("AUDIT_EXPORT_MAX_ENTRIES", 5000)
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
