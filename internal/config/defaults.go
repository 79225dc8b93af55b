// Package config provides centralized default configuration values.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Transport and pipeline defaults. These mirror the values the peer servers
// are tuned for; override via config.yaml only when you know the server side.
const (
	DefaultMaxQueueSize           = 5000
	DefaultConnectionTimeout      = 3 * time.Second
	DefaultRetryInterval          = 4 * time.Second
	DefaultSendRetryAttempts      = 5
	DefaultSendRetryDelay         = 10 * time.Millisecond
	DefaultPingInterval           = 3 * time.Second
	DefaultReconnectBaseInterval  = 500 * time.Millisecond
	DefaultReconnectMaxInterval   = 10 * time.Second
	DefaultReconnectBackoffFactor = 1.5
	DefaultMaxMessageSize         = 10 * 1024 * 1024

	DefaultCoreWorkers       = 20
	DefaultMaxWorkers        = 50
	DefaultMaxTasksPerWorker = 10
	DefaultWorkerQueueSize   = 5000

	DefaultDispatchQueueSize = 10000

	DefaultMonitoringInterval = 10 * time.Second
	DefaultRetentionDays      = 7
)

// DefaultDataDir returns the default application data root.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentcp"
	}
	return filepath.Join(home, ".agentcp")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data.dir", DefaultDataDir())

	v.SetDefault("message.max_queue_size", DefaultMaxQueueSize)
	v.SetDefault("message.connection_timeout", DefaultConnectionTimeout)
	v.SetDefault("message.retry_interval", DefaultRetryInterval)
	v.SetDefault("message.max_retry_attempts", 0)
	v.SetDefault("message.send_retry_attempts", DefaultSendRetryAttempts)
	v.SetDefault("message.send_retry_delay", DefaultSendRetryDelay)
	v.SetDefault("message.ping_interval", DefaultPingInterval)
	v.SetDefault("message.auto_reconnect", true)
	v.SetDefault("message.reconnect_base_interval", DefaultReconnectBaseInterval)
	v.SetDefault("message.reconnect_max_interval", DefaultReconnectMaxInterval)
	v.SetDefault("message.reconnect_backoff_factor", DefaultReconnectBackoffFactor)
	v.SetDefault("message.max_message_size", DefaultMaxMessageSize)

	v.SetDefault("scheduler.core_workers", DefaultCoreWorkers)
	v.SetDefault("scheduler.max_workers", DefaultMaxWorkers)
	v.SetDefault("scheduler.max_tasks_per_worker", DefaultMaxTasksPerWorker)
	v.SetDefault("scheduler.worker_queue_size", DefaultWorkerQueueSize)

	v.SetDefault("dispatch.queue_size", DefaultDispatchQueueSize)

	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.interval", DefaultMonitoringInterval)
	v.SetDefault("monitoring.retention_days", DefaultRetentionDays)

	v.SetDefault("proxy.use_system_proxy", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}
