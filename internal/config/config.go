// Package config assembles runtime settings from defaults, an optional YAML
// file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	DriverMySQL  = "mysql"
	DriverMongo  = "mongo"
	DriverMemory = "memory"
)

const (
	defaultHTTPAddr        = ":8080"
	defaultGRPCAddr        = ":50051"
	defaultMySQLDSN        = "root:root@tcp(localhost:3306)/stockledger?parseTime=true"
	defaultMongoDatabase   = "stockledger"
	defaultMaxTxAttempts   = 5
	defaultTxRetryBackoff  = 20
	defaultNotifyWorkers   = 4
	defaultNotifyQueueSize = 1024
	defaultLogLevel        = "info"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	StoreDriver   string `yaml:"store_driver"`
	MySQLDSN      string `yaml:"mysql_dsn"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
	RedisAddr     string `yaml:"redis_addr"`

	JWTSecret string `yaml:"jwt_secret"`

	MaxTxAttempts    int `yaml:"max_tx_attempts"`
	TxRetryBackoffMS int `yaml:"tx_retry_backoff_ms"`
	NotifyWorkers    int `yaml:"notify_workers"`
	NotifyQueueSize  int `yaml:"notify_queue_size"`

	LogLevel    string   `yaml:"log_level"`
	CORSOrigins []string `yaml:"cors_origins"`
}

func (c Config) TxRetryBackoff() time.Duration {
	return time.Duration(c.TxRetryBackoffMS) * time.Millisecond
}

// MySQLConfig parses MYSQL_DSN. The ledger scans DATETIME columns into
// time.Time in UTC, so parseTime and loc are forced whatever the DSN says.
func (c Config) MySQLConfig() (*mysql.Config, error) {
	mc, err := mysql.ParseDSN(c.MySQLDSN)
	if err != nil {
		return nil, fmt.Errorf("parse MYSQL_DSN: %w", err)
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc, nil
}

func defaults() Config {
	return Config{
		HTTPAddr:         defaultHTTPAddr,
		GRPCAddr:         defaultGRPCAddr,
		StoreDriver:      DriverMySQL,
		MySQLDSN:         defaultMySQLDSN,
		MongoDatabase:    defaultMongoDatabase,
		MaxTxAttempts:    defaultMaxTxAttempts,
		TxRetryBackoffMS: defaultTxRetryBackoff,
		NotifyWorkers:    defaultNotifyWorkers,
		NotifyQueueSize:  defaultNotifyQueueSize,
		LogLevel:         defaultLogLevel,
	}
}

// Load reads .env if present, then the YAML file at path (skipped when path
// is empty), then environment overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	readStringEnv("HTTP_ADDR", &cfg.HTTPAddr)
	readStringEnv("GRPC_ADDR", &cfg.GRPCAddr)
	readStringEnv("STORE_DRIVER", &cfg.StoreDriver)
	readStringEnv("MYSQL_DSN", &cfg.MySQLDSN)
	readStringEnv("MONGO_URI", &cfg.MongoURI)
	readStringEnv("MONGO_DATABASE", &cfg.MongoDatabase)
	readStringEnv("REDIS_ADDR", &cfg.RedisAddr)
	readStringEnv("JWT_SECRET", &cfg.JWTSecret)
	readStringEnv("LOG_LEVEL", &cfg.LogLevel)

	ints := []struct {
		name string
		dst  *int
	}{
		{"MAX_TX_ATTEMPTS", &cfg.MaxTxAttempts},
		{"TX_RETRY_BACKOFF_MS", &cfg.TxRetryBackoffMS},
		{"NOTIFY_WORKERS", &cfg.NotifyWorkers},
		{"NOTIFY_QUEUE_SIZE", &cfg.NotifyQueueSize},
	}
	for _, e := range ints {
		v, err := readIntEnv(e.name)
		if err != nil {
			return fmt.Errorf("parse %s: %w", e.name, err)
		}
		if v != nil {
			*e.dst = *v
		}
	}

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
			}
		}
	}
	return nil
}

func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMySQL:
		if c.MySQLDSN == "" {
			return errors.New("MYSQL_DSN is required for the mysql driver")
		}
		if _, err := c.MySQLConfig(); err != nil {
			return err
		}
	case DriverMongo:
		if c.MongoURI == "" {
			return errors.New("MONGO_URI is required for the mongo driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.MaxTxAttempts <= 0 {
		return errors.New("MAX_TX_ATTEMPTS must be positive")
	}
	if c.TxRetryBackoffMS < 0 {
		return errors.New("TX_RETRY_BACKOFF_MS must not be negative")
	}
	if c.NotifyWorkers <= 0 || c.NotifyQueueSize <= 0 {
		return errors.New("NOTIFY_WORKERS and NOTIFY_QUEUE_SIZE must be positive")
	}
	return nil
}

func readStringEnv(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func readIntEnv(name string) (*int, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
