package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	// Shared slot
	StorageBackend    string
	SlotKey           string
	StorageQuotaBytes int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	DBHost        string
	DBPort        string
	DBUser        string
	DBPassword    string
	DBName        string
	DBSSLMode     string
	NotifyChannel string

	// Connection pool for the postgres backend
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	ServerPort string
	ServerHost string

	// Tabs not edited for this long are closed. Zero keeps them forever.
	TabIdleTimeout time.Duration

	// Observability. An empty endpoint disables tracing.
	JaegerEndpoint   string
	TraceSampleRatio float64
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		StorageBackend:    getEnv("STORAGE_BACKEND", BackendMemory),
		SlotKey:           getEnv("SLOT_KEY", "doc-sync"),
		StorageQuotaBytes: getEnvInt("STORAGE_QUOTA_BYTES", 5<<20, &errs),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0, &errs),
		RedisPrefix:   getEnv("REDIS_PREFIX", "docsync:"),

		DBHost:        getEnv("DB_HOST", "localhost"),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBUser:        getEnv("DB_USER", "postgres"),
		DBPassword:    getEnv("DB_PASSWORD", "postgres"),
		DBName:        getEnv("DB_NAME", "docsync"),
		DBSSLMode:     getEnv("DB_SSLMODE", "disable"),
		NotifyChannel: getEnv("DB_NOTIFY_CHANNEL", "docsync_slots"),

		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10, &errs),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5, &errs),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute, &errs),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		TabIdleTimeout: getEnvDuration("TAB_IDLE_TIMEOUT", 30*time.Minute, &errs),

		JaegerEndpoint:   getEnvOrEmpty("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TraceSampleRatio: getEnvFloat("TRACE_SAMPLE_RATIO", 1, &errs),
	}

	switch cfg.StorageBackend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be one of %s, %s, %s; got %q",
			BackendMemory, BackendRedis, BackendPostgres, cfg.StorageBackend))
	}
	if cfg.SlotKey == "" {
		errs = append(errs, fmt.Errorf("SLOT_KEY must not be empty"))
	}
	if cfg.TraceSampleRatio < 0 || cfg.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATIO must be within [0, 1], got %v", cfg.TraceSampleRatio))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}

// getEnvOrEmpty is getEnv for keys where an explicitly empty value means
// "off" rather than "use the default".
func getEnvOrEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64, errs *[]error) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return f
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}
