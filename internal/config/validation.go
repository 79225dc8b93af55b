package config

import (
	"fmt"
)

// Validate validates the configuration.
func Validate(cfg *Config) error {
	if err := validateMessage(&cfg.Message); err != nil {
		return err
	}
	if err := validateScheduler(&cfg.Scheduler); err != nil {
		return err
	}
	if err := validateDispatch(&cfg.Dispatch); err != nil {
		return err
	}
	if err := validateMonitoring(&cfg.Monitoring); err != nil {
		return err
	}
	return validateLogging(&cfg.Logging)
}

func validateMessage(cfg *MessageConfig) error {
	if cfg.MaxQueueSize <= 0 {
		return fmt.Errorf("message.max_queue_size must be positive, got %d", cfg.MaxQueueSize)
	}
	if cfg.ConnectionTimeout <= 0 {
		return fmt.Errorf("message.connection_timeout must be positive, got %s", cfg.ConnectionTimeout)
	}
	if cfg.PingInterval <= 0 {
		return fmt.Errorf("message.ping_interval must be positive, got %s", cfg.PingInterval)
	}
	if cfg.ReconnectBackoffFactor < 1.0 {
		return fmt.Errorf("message.reconnect_backoff_factor must be >= 1.0, got %g", cfg.ReconnectBackoffFactor)
	}
	if cfg.ReconnectBaseInterval <= 0 || cfg.ReconnectMaxInterval < cfg.ReconnectBaseInterval {
		return fmt.Errorf("message reconnect intervals invalid: base %s, max %s",
			cfg.ReconnectBaseInterval, cfg.ReconnectMaxInterval)
	}
	if cfg.MaxMessageSize <= 0 {
		return fmt.Errorf("message.max_message_size must be positive, got %d", cfg.MaxMessageSize)
	}
	return nil
}

func validateScheduler(cfg *SchedulerConfig) error {
	if cfg.CoreWorkers <= 0 {
		return fmt.Errorf("scheduler.core_workers must be positive, got %d", cfg.CoreWorkers)
	}
	if cfg.MaxWorkers < cfg.CoreWorkers {
		return fmt.Errorf("scheduler.max_workers (%d) must be >= core_workers (%d)",
			cfg.MaxWorkers, cfg.CoreWorkers)
	}
	if cfg.MaxTasksPerWorker <= 0 {
		return fmt.Errorf("scheduler.max_tasks_per_worker must be positive, got %d", cfg.MaxTasksPerWorker)
	}
	if cfg.WorkerQueueSize <= 0 {
		return fmt.Errorf("scheduler.worker_queue_size must be positive, got %d", cfg.WorkerQueueSize)
	}
	return nil
}

func validateDispatch(cfg *DispatchConfig) error {
	if cfg.QueueSize <= 0 {
		return fmt.Errorf("dispatch.queue_size must be positive, got %d", cfg.QueueSize)
	}
	return nil
}

func validateMonitoring(cfg *MonitoringConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("monitoring.interval must be positive, got %s", cfg.Interval)
	}
	if cfg.RetentionDays <= 0 {
		return fmt.Errorf("monitoring.retention_days must be positive, got %d", cfg.RetentionDays)
	}
	return nil
}

func validateLogging(cfg *LoggingConfig) error {
	switch cfg.Level {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "":
	default:
		return fmt.Errorf("logging.level %q is not a valid level", cfg.Level)
	}
	switch cfg.Format {
	case "console", "json", "":
	default:
		return fmt.Errorf("logging.format %q must be console or json", cfg.Format)
	}
	return nil
}
