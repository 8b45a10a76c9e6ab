// Package config loads moniagent settings from an optional YAML file,
// an optional .env file and the process environment, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v2"
)

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreMySQL  = "mysql"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Backend drivers.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// LLM providers. ProviderNone selects the offline rules capabilities.
const (
	ProviderNone      = "none"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Backend BackendConfig `yaml:"backend"`
	LLM     LLMConfig     `yaml:"llm"`
	Capture CaptureConfig `yaml:"capture"`
	Logger  LoggerConfig  `yaml:"logger"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StoreConfig selects where session checkpoints live.
type StoreConfig struct {
	Driver        string        `yaml:"driver"`
	SQLitePath    string        `yaml:"sqlite_path"`
	MySQLDSN      string        `yaml:"mysql_dsn"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	TTL           time.Duration `yaml:"ttl"`
}

// BackendConfig selects the ledger, categories, budgets and learning store.
type BackendConfig struct {
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

type CaptureConfig struct {
	ConfirmationTTL time.Duration `yaml:"confirmation_ttl"`
	MaxSteps        int           `yaml:"max_steps"`
	NodeTimeout     time.Duration `yaml:"node_timeout"`
	ExtractAttempts int           `yaml:"extract_attempts"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in settings: a local SQLite session store, the
// in-memory backend and the offline rules capabilities.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:     StoreSQLite,
			SQLitePath: "moniagent.db",
			KeyPrefix:  "moniagent:session:",
			TTL:        24 * time.Hour,
		},
		Backend: BackendConfig{Driver: BackendMemory},
		LLM:     LLMConfig{Provider: ProviderNone},
		Capture: CaptureConfig{
			ConfirmationTTL: 30 * time.Minute,
			MaxSteps:        20,
			NodeTimeout:     30 * time.Second,
			ExtractAttempts: 3,
		},
		Logger:  LoggerConfig{Level: "info"},
		Metrics: MetricsConfig{Addr: ":9090"},
	}
}

// Load builds a Config from the defaults, the YAML file at path (skipped when
// path is empty), a .env file in the working directory when present, and the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// .env is optional; variables already in the environment win.
	_ = godotenv.Load(".env")

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Store.Driver = getEnv("MONIAGENT_STORE", c.Store.Driver)
	c.Store.SQLitePath = getEnv("SQLITE_PATH", c.Store.SQLitePath)
	c.Store.MySQLDSN = getEnv("MYSQL_DSN", c.Store.MySQLDSN)
	c.Store.RedisAddr = getEnv("REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPassword = getEnv("REDIS_PASSWORD", c.Store.RedisPassword)

	c.Backend.Driver = getEnv("MONIAGENT_BACKEND", c.Backend.Driver)
	c.Backend.PostgresDSN = getEnv("POSTGRES_DSN", c.Backend.PostgresDSN)

	c.LLM.Provider = getEnv("LLM_PROVIDER", c.LLM.Provider)
	c.LLM.Model = getEnv("LLM_MODEL", c.LLM.Model)
	c.LLM.APIKey = getEnv("LLM_API_KEY", c.LLM.APIKey)
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = getEnv(providerKeyEnv(c.LLM.Provider), "")
	}

	c.Logger.Level = getEnv("LOG_LEVEL", c.Logger.Level)
	c.Metrics.Addr = getEnv("METRICS_ADDR", c.Metrics.Addr)

	var err error
	if c.Store.RedisDB, err = getEnvInt("REDIS_DB", c.Store.RedisDB); err != nil {
		return err
	}
	if c.Store.TTL, err = getEnvDuration("SESSION_TTL", c.Store.TTL); err != nil {
		return err
	}
	if c.Capture.ConfirmationTTL, err = getEnvDuration("CONFIRMATION_TTL", c.Capture.ConfirmationTTL); err != nil {
		return err
	}
	if c.Capture.NodeTimeout, err = getEnvDuration("NODE_TIMEOUT", c.Capture.NodeTimeout); err != nil {
		return err
	}
	if c.Capture.MaxSteps, err = getEnvInt("MAX_STEPS", c.Capture.MaxSteps); err != nil {
		return err
	}
	return nil
}

func providerKeyEnv(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderGoogle:
		return "GOOGLE_API_KEY"
	default:
		return ""
	}
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("%w: store.sqlite_path is required for the sqlite store", ErrInvalid)
		}
	case StoreMySQL:
		if c.Store.MySQLDSN == "" {
			return fmt.Errorf("%w: store.mysql_dsn is required for the mysql store", ErrInvalid)
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("%w: store.redis_addr is required for the redis store", ErrInvalid)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalid, c.Store.Driver)
	}

	switch c.Backend.Driver {
	case BackendMemory:
	case BackendPostgres:
		if c.Backend.PostgresDSN == "" {
			return fmt.Errorf("%w: backend.postgres_dsn is required for the postgres backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown backend driver %q", ErrInvalid, c.Backend.Driver)
	}

	switch c.LLM.Provider {
	case ProviderNone, ProviderOpenAI, ProviderAnthropic, ProviderGoogle:
	default:
		return fmt.Errorf("%w: unknown llm provider %q", ErrInvalid, c.LLM.Provider)
	}

	if c.Capture.MaxSteps <= 0 {
		return fmt.Errorf("%w: capture.max_steps must be positive", ErrInvalid)
	}
	if c.Capture.ExtractAttempts <= 0 {
		return fmt.Errorf("%w: capture.extract_attempts must be positive", ErrInvalid)
	}
	if c.Capture.ConfirmationTTL < 0 || c.Capture.NodeTimeout < 0 || c.Store.TTL < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalid)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if key == "" {
		return defaultValue
	}
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return d, nil
}
