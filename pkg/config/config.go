package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store kinds a contender can coordinate through
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreMySQL  = "mysql"
	StoreHTTP   = "http"
)

type Config struct {
	LogLevel string
	LogDev   bool

	//contender side
	Store     string
	Backend   string
	ClockSkew time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	MySQLDSN     string
	MySQLMaxOpen int
	MySQLMaxIdle int
	MySQLMaxLife time.Duration

	StoreURL string

	//store node side
	NodeID        string
	RaftAddr      string
	AdvertiseAddr string
	HTTPAddr      string
	DataDir       string
	Bootstrap     bool
	ApplyTimeout  time.Duration
}

// Load reads the environment, after merging a .env file from the working
// directory when there is one.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),

		Store:   getEnv("LEASEKEEPER_STORE", StoreMemory),
		Backend: getEnv("LEASEKEEPER_BACKEND", "cas"),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisPrefix:   getEnv("REDIS_PREFIX", "leasekeeper"),

		MySQLDSN: getEnv("MYSQL_DSN", "leasekeeper:leasekeeper@tcp(127.0.0.1:3306)/leasekeeper?parseTime=true&loc=UTC"),

		StoreURL: getEnv("LEASEKEEPER_STORE_URL", "http://127.0.0.1:8080"),

		NodeID:        getEnv("NODE_ID", ""),
		RaftAddr:      getEnv("RAFT_ADDR", "127.0.0.1:7000"),
		AdvertiseAddr: getEnv("RAFT_ADVERTISE_ADDR", ""),
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		DataDir:       getEnv("DATA_DIR", "./data"),
	}

	var err error
	if cfg.LogDev, err = getEnvBool("LOG_DEV", false); err != nil {
		return nil, err
	}
	if cfg.ClockSkew, err = getEnvDuration("LEASEKEEPER_CLOCK_SKEW", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.MySQLMaxOpen, err = getEnvInt("MYSQL_MAX_OPEN", 10); err != nil {
		return nil, err
	}
	if cfg.MySQLMaxIdle, err = getEnvInt("MYSQL_MAX_IDLE", 5); err != nil {
		return nil, err
	}
	if cfg.MySQLMaxLife, err = getEnvDuration("MYSQL_MAX_LIFE", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Bootstrap, err = getEnvBool("RAFT_BOOTSTRAP", false); err != nil {
		return nil, err
	}
	if cfg.ApplyTimeout, err = getEnvDuration("RAFT_APPLY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreRedis, StoreMySQL, StoreHTTP:
	default:
		return fmt.Errorf("unsupported LEASEKEEPER_STORE: %q", c.Store)
	}
	switch c.Backend {
	case "cas", "exclusive":
	default:
		return fmt.Errorf("unsupported LEASEKEEPER_BACKEND: %q", c.Backend)
	}
	if c.ClockSkew < 0 {
		return fmt.Errorf("LEASEKEEPER_CLOCK_SKEW must not be negative, got %s", c.ClockSkew)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
