package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// EnvPrefix is prepended to every environment override, e.g.
// EFTPOS_SERVER_PORT or EFTPOS_LEDGER_INTERVAL.
const EnvPrefix = "EFTPOS"

// ConfigPaths are searched for <env>.yaml.
var ConfigPaths = []string{
	"./configs",
	"../configs",
	"../../configs",
	"/etc/eftpos-bridge",
}

// DotEnvPaths are tried in order; the first readable file wins.
var DotEnvPaths = []string{
	".env",
	"./configs/.env",
	"../.env",
	"../../.env",
}

// LoadConfig loads the configuration for the environment named by
// EFTPOS_ENV (development when unset).
func LoadConfig() (*Config, error) {
	loadDotEnvFile()
	return Load(Environment(), ConfigPaths...)
}

// Load reads <env>.yaml from the first of paths containing it. A missing
// file is not an error; defaults and environment variables still apply.
func Load(env string, paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(env)
	v.SetConfigType("yaml")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.Environment = env

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Ledger.Interval <= 0 {
		return fmt.Errorf("ledger interval must be positive, got %s", c.Ledger.Interval)
	}
	if c.Ledger.MaxAttemptsPerDay <= 0 || c.Ledger.MaxAttempts < c.Ledger.MaxAttemptsPerDay {
		return fmt.Errorf("invalid ledger caps %d/day, %d total", c.Ledger.MaxAttemptsPerDay, c.Ledger.MaxAttempts)
	}
	if c.Provider.QuestionTimeout <= 0 {
		return fmt.Errorf("question timeout must be positive, got %s", c.Provider.QuestionTimeout)
	}
	return nil
}

// Environment returns EFTPOS_ENV lower-cased, defaulting to development.
func Environment() string {
	env := os.Getenv(EnvPrefix + "_ENV")
	if env == "" {
		env = Development
	}
	return strings.ToLower(env)
}

func loadDotEnvFile() {
	for _, path := range DotEnvPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err == nil {
			return
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 33480)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "0s") // the SSE stream stays open
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("storage.data_dir", "")
	v.SetDefault("storage.max_size_mb", 64)
	v.SetDefault("storage.in_memory", false)

	v.SetDefault("ledger.interval", "10m")
	v.SetDefault("ledger.attempt_timeout", "2m")
	v.SetDefault("ledger.refetch_timeout", "60s")
	v.SetDefault("ledger.max_attempts_per_day", 3)
	v.SetDefault("ledger.max_attempts", 10)

	v.SetDefault("txlog.queue_size", 1024)
	v.SetDefault("txlog.flush_interval", "100ms")
	v.SetDefault("txlog.retention", "720h")
	v.SetDefault("txlog.restaurant_id", "")
	v.SetDefault("txlog.file_dir", "")
	v.SetDefault("txlog.file_max_size_mb", 10)
	v.SetDefault("txlog.collector_url", "")
	v.SetDefault("txlog.collector_token", "")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("provider.name", "")
	v.SetDefault("provider.skip_signature", false)
	v.SetDefault("provider.question_timeout", "90s")
}
