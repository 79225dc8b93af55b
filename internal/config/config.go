// Package config handles configuration management for the agentcp runtime.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Data       DataConfig       `mapstructure:"data"`
	Message    MessageConfig    `mapstructure:"message"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DataConfig holds filesystem layout configuration.
type DataConfig struct {
	// Dir is the application data root; identities live under <dir>/AIDs.
	Dir string `mapstructure:"dir"`
}

// MessageConfig holds MessageClient transport configuration.
type MessageConfig struct {
	MaxQueueSize           int           `mapstructure:"max_queue_size"`
	ConnectionTimeout      time.Duration `mapstructure:"connection_timeout"`
	RetryInterval          time.Duration `mapstructure:"retry_interval"`
	MaxRetryAttempts       int           `mapstructure:"max_retry_attempts"` // 0 = retry forever
	SendRetryAttempts      int           `mapstructure:"send_retry_attempts"`
	SendRetryDelay         time.Duration `mapstructure:"send_retry_delay"`
	PingInterval           time.Duration `mapstructure:"ping_interval"`
	AutoReconnect          bool          `mapstructure:"auto_reconnect"`
	ReconnectBaseInterval  time.Duration `mapstructure:"reconnect_base_interval"`
	ReconnectMaxInterval   time.Duration `mapstructure:"reconnect_max_interval"`
	ReconnectBackoffFactor float64       `mapstructure:"reconnect_backoff_factor"`
	MaxMessageSize         int           `mapstructure:"max_message_size"`
}

// SchedulerConfig holds worker pool sizing.
type SchedulerConfig struct {
	CoreWorkers       int `mapstructure:"core_workers"`
	MaxWorkers        int `mapstructure:"max_workers"`
	MaxTasksPerWorker int `mapstructure:"max_tasks_per_worker"`
	WorkerQueueSize   int `mapstructure:"worker_queue_size"`
}

// DispatchConfig holds the per-identity dispatch queue sizing.
type DispatchConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

// MonitoringConfig holds the metrics snapshot loop configuration.
type MonitoringConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	RetentionDays int           `mapstructure:"retention_days"`
}

// ProxyConfig holds the process-wide proxy default. The per-identity
// proxy_config.json overrides it when present.
type ProxyConfig struct {
	UseSystemProxy bool `mapstructure:"use_system_proxy"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from files and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.agentcp")
		v.AddConfigPath("/etc/agentcp")
	}

	v.SetEnvPrefix("AGENTCP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Config file is optional.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
