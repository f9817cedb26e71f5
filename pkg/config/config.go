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

	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Log      LogConfig
	Ingest   IngestConfig
	Exports  ExportsConfig
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

// NATSConfig controls the optional queue ingress transport.
type NATSConfig struct {
	Enabled       bool
	URL           string
	SubjectPrefix string
	QueueGroup    string
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// IngestConfig carries every tunable of the ingestion engine. The numeric
// defaults are policy choices and must stay overridable per deployment.
type IngestConfig struct {
	StalenessThreshold time.Duration
	GracePeriod        time.Duration
	IdleTimeout        time.Duration
	AutoComplete       bool
	HysteresisFactor   float64
	ReorderFlushEvery  time.Duration
	WorkerShards       int
	WorkerBuffer       int
	PersistTimeout     time.Duration
	PersistRetries     int
	RetryBackoff       time.Duration
	DispatchTimeout    time.Duration
	TagCacheTTL        time.Duration
	DuplicateScanWait  time.Duration
}

// ExportsConfig governs the trip manifest export endpoint.
type ExportsConfig struct {
	Enabled    bool
	MaxRows    int
	Dir        string
	SignSecret string
	ResultTTL  time.Duration
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

	cfg.NATS = NATSConfig{
		Enabled:       v.GetBool("NATS_ENABLED"),
		URL:           v.GetString("NATS_URL"),
		SubjectPrefix: v.GetString("NATS_SUBJECT_PREFIX"),
		QueueGroup:    v.GetString("NATS_QUEUE_GROUP"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Ingest = IngestConfig{
		StalenessThreshold: parseDuration(v.GetString("INGEST_STALENESS_THRESHOLD"), 5*time.Minute),
		GracePeriod:        parseDuration(v.GetString("INGEST_GRACE_PERIOD"), 15*time.Minute),
		IdleTimeout:        parseDuration(v.GetString("INGEST_IDLE_TIMEOUT"), 45*time.Minute),
		AutoComplete:       v.GetBool("INGEST_AUTO_COMPLETE"),
		HysteresisFactor:   v.GetFloat64("INGEST_HYSTERESIS_FACTOR"),
		ReorderFlushEvery:  parseDuration(v.GetString("INGEST_REORDER_FLUSH_EVERY"), 2*time.Second),
		WorkerShards:       v.GetInt("INGEST_WORKER_SHARDS"),
		WorkerBuffer:       v.GetInt("INGEST_WORKER_BUFFER"),
		PersistTimeout:     parseDuration(v.GetString("INGEST_PERSIST_TIMEOUT"), 5*time.Second),
		PersistRetries:     v.GetInt("INGEST_PERSIST_RETRIES"),
		RetryBackoff:       parseDuration(v.GetString("INGEST_RETRY_BACKOFF"), 500*time.Millisecond),
		DispatchTimeout:    parseDuration(v.GetString("INGEST_DISPATCH_TIMEOUT"), 5*time.Second),
		TagCacheTTL:        parseDuration(v.GetString("INGEST_TAG_CACHE_TTL"), 90*time.Minute),
		DuplicateScanWait:  parseDuration(v.GetString("INGEST_DUPLICATE_SCAN_WINDOW"), 5*time.Second),
	}

	cfg.Exports = ExportsConfig{
		Enabled:    v.GetBool("ENABLE_EXPORTS"),
		MaxRows:    v.GetInt("EXPORTS_MAX_ROWS"),
		Dir:        v.GetString("EXPORTS_DIR"),
		SignSecret: v.GetString("EXPORTS_SIGN_SECRET"),
		ResultTTL:  parseDuration(v.GetString("EXPORTS_RESULT_TTL"), 24*time.Hour),
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
	v.SetDefault("DB_NAME", "bustrack")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("NATS_ENABLED", false)
	v.SetDefault("NATS_URL", "nats://localhost:4222")
	v.SetDefault("NATS_SUBJECT_PREFIX", "bustrack")
	v.SetDefault("NATS_QUEUE_GROUP", "bustrack-ingest")

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("INGEST_STALENESS_THRESHOLD", "5m")
	v.SetDefault("INGEST_GRACE_PERIOD", "15m")
	v.SetDefault("INGEST_IDLE_TIMEOUT", "45m")
	v.SetDefault("INGEST_AUTO_COMPLETE", true)
	v.SetDefault("INGEST_HYSTERESIS_FACTOR", 1.1)
	v.SetDefault("INGEST_REORDER_FLUSH_EVERY", "2s")
	v.SetDefault("INGEST_WORKER_SHARDS", 32)
	v.SetDefault("INGEST_WORKER_BUFFER", 256)
	v.SetDefault("INGEST_PERSIST_TIMEOUT", "5s")
	v.SetDefault("INGEST_PERSIST_RETRIES", 3)
	v.SetDefault("INGEST_RETRY_BACKOFF", "500ms")
	v.SetDefault("INGEST_DISPATCH_TIMEOUT", "5s")
	v.SetDefault("INGEST_TAG_CACHE_TTL", "90m")
	v.SetDefault("INGEST_DUPLICATE_SCAN_WINDOW", "5s")

	v.SetDefault("ENABLE_EXPORTS", true)
	v.SetDefault("EXPORTS_MAX_ROWS", 2000)
	v.SetDefault("EXPORTS_DIR", "./exports")
	v.SetDefault("EXPORTS_SIGN_SECRET", "change-me-export-secret")
	v.SetDefault("EXPORTS_RESULT_TTL", "24h")
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
