package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Cyvadra/broker-sync/broker"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Vault     VaultConfig     `yaml:"vault"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Brokers   BrokersConfig   `yaml:"brokers"`
	Notifier  NotifierConfig  `yaml:"notifier"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port string `yaml:"port" default:"8080"`
	Host string `yaml:"host" default:"localhost"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver   string `yaml:"driver" default:"sqlite"`
	DSN      string `yaml:"dsn" default:"broker-sync.db"`
	LogLevel string `yaml:"log_level" default:"warn"` // silent, error, warn, info
}

// VaultConfig holds the credential encryption key
type VaultConfig struct {
	Key string `yaml:"key"` // base64, 32 bytes
}

// SchedulerConfig represents the automatic sync scheduler configuration
type SchedulerConfig struct {
	Enabled            bool          `yaml:"enabled" default:"true"`
	TickInterval       time.Duration `yaml:"tick_interval" default:"15m"`
	MaxConcurrentSyncs int           `yaml:"max_concurrent_syncs" default:"3"`
	BatchDelay         time.Duration `yaml:"batch_delay" default:"2s"`
}

// BrokersConfig holds per-adapter settings
type BrokersConfig struct {
	FlexReport broker.FlexSettings  `yaml:"flex_report"`
	OAuthREST  broker.OAuthSettings `yaml:"oauth_rest"`
}

// NotifierConfig configures where sync events are delivered
type NotifierConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout" default:"10s"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{Scheduler: SchedulerConfig{Enabled: true}}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file, then applies .env and environment overrides.
// A missing file is not an error; defaults and the environment are used instead.
func LoadConfig(filename string) (*Config, error) {
	config := &Config{Scheduler: SchedulerConfig{Enabled: true}}

	data, err := os.ReadFile(filename)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		log.Printf("Config file %s not found, using defaults and environment", filename)
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	loadDotEnv()
	config.applyEnv()
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filename string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks settings that have no usable default
func (c *Config) Validate() error {
	if c.Vault.Key == "" {
		return fmt.Errorf("vault key is required (set vault.key or VAULT_KEY)")
	}
	if c.Scheduler.MaxConcurrentSyncs < 1 {
		return fmt.Errorf("scheduler.max_concurrent_syncs must be at least 1")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "broker-sync.db"
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "warn"
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = 15 * time.Minute
	}
	if c.Scheduler.MaxConcurrentSyncs == 0 {
		c.Scheduler.MaxConcurrentSyncs = 3
	}
	if c.Scheduler.BatchDelay <= 0 {
		c.Scheduler.BatchDelay = 2 * time.Second
	}
	if c.Notifier.Timeout <= 0 {
		c.Notifier.Timeout = 10 * time.Second
	}
	c.Brokers.FlexReport = c.Brokers.FlexReport.WithDefaults()
	c.Brokers.OAuthREST = c.Brokers.OAuthREST.WithDefaults()
}

// loadDotEnv loads a .env file from the working directory or its parent when present
func loadDotEnv() {
	err := godotenv.Load()
	if err != nil {
		err = godotenv.Load("../.env")
	}
	if err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: error loading .env file: %v", err)
	}
}

// applyEnv overrides file values with environment variables; secrets normally arrive this way
func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Host, "HOST")
	setString(&c.Database.DSN, "DATABASE_PATH")
	setString(&c.Database.LogLevel, "DB_LOG_LEVEL")
	setString(&c.Vault.Key, "VAULT_KEY")

	setBool(&c.Scheduler.Enabled, "SCHEDULER_ENABLED")
	setDuration(&c.Scheduler.TickInterval, "SCHEDULER_TICK_INTERVAL")
	setInt(&c.Scheduler.MaxConcurrentSyncs, "SCHEDULER_MAX_CONCURRENT_SYNCS")
	setDuration(&c.Scheduler.BatchDelay, "SCHEDULER_BATCH_DELAY")

	setString(&c.Brokers.FlexReport.BaseURL, "FLEX_BASE_URL")
	setDuration(&c.Brokers.FlexReport.PollInterval, "FLEX_POLL_INTERVAL")
	setDuration(&c.Brokers.FlexReport.MaxWait, "FLEX_MAX_WAIT")

	setString(&c.Brokers.OAuthREST.BaseURL, "OAUTH_BASE_URL")
	setString(&c.Brokers.OAuthREST.TokenURL, "OAUTH_TOKEN_URL")
	setString(&c.Brokers.OAuthREST.ClientID, "OAUTH_CLIENT_ID")
	setString(&c.Brokers.OAuthREST.ClientSecret, "OAUTH_CLIENT_SECRET")

	setString(&c.Notifier.WebhookURL, "SYNC_WEBHOOK_URL")
}

func setString(dst *string, key string) {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		*dst = strings.TrimSpace(value)
	}
}

func setInt(dst *int, key string) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Invalid integer value for %s ('%s'), keeping %d", key, value, *dst)
		return
	}
	*dst = n
}

func setBool(dst *bool, key string) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Invalid boolean value for %s ('%s'), keeping %t", key, value, *dst)
		return
	}
	*dst = b
}

func setDuration(dst *time.Duration, key string) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Invalid duration value for %s ('%s'), keeping %s", key, value, *dst)
		return
	}
	*dst = d
}
