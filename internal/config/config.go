// Package config loads process settings from configs/<env>.yaml, .env files
// and EFTPOS_ prefixed environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config holds all settings for the bridge process.
type Config struct {
	Environment string         `mapstructure:"environment"`
	Server      ServerConfig   `mapstructure:"server"`
	Logger      LoggerConfig   `mapstructure:"logger"`
	Storage     StorageConfig  `mapstructure:"storage"`
	Ledger      LedgerConfig   `mapstructure:"ledger"`
	TxLog       TxLogConfig    `mapstructure:"txlog"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
	Provider    ProviderConfig `mapstructure:"provider"`
}

// ServerConfig is the local HTTP API.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig locates the badger database holding the ledger and the
// local transaction log.
type StorageConfig struct {
	DataDir   string `mapstructure:"data_dir"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
	InMemory  bool   `mapstructure:"in_memory"`
}

type LedgerConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	RefetchTimeout    time.Duration `mapstructure:"refetch_timeout"`
	MaxAttemptsPerDay int           `mapstructure:"max_attempts_per_day"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
}

type TxLogConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	Retention      time.Duration `mapstructure:"retention"`
	RestaurantID   string        `mapstructure:"restaurant_id"`
	FileDir        string        `mapstructure:"file_dir"`
	FileMaxSizeMB  int64         `mapstructure:"file_max_size_mb"`
	CollectorURL   string        `mapstructure:"collector_url"`
	CollectorToken string        `mapstructure:"collector_token"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ProviderConfig is the provider activated at startup. It can be replaced
// at runtime through the settings API.
type ProviderConfig struct {
	Name          string                 `mapstructure:"name"`
	SkipSignature bool                   `mapstructure:"skip_signature"`
	Settings      map[string]interface{} `mapstructure:"settings"`

	// QuestionTimeout bounds how long a terminal question waits for the
	// operator before it is answered no.
	QuestionTimeout time.Duration `mapstructure:"question_timeout"`
}

// SettingsJSON encodes the provider settings block for the provider registry.
func (p ProviderConfig) SettingsJSON() (json.RawMessage, error) {
	if len(p.Settings) == 0 {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(p.Settings)
	if err != nil {
		return nil, fmt.Errorf("invalid provider settings: %w", err)
	}
	return raw, nil
}
