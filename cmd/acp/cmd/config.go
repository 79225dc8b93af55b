package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentunion/agentcp-go/internal/config"
)

var (
	configInitLocal bool
	configInitForce bool
)

// configCmd displays or manages configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Display and manage configuration",
	Long: `Display and manage acp configuration.

Without subcommands, shows the current effective configuration.

Examples:
  acp config              # Show current config
  acp config init         # Create config file with defaults`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		printConfig(cfg)
	},
}

// configInitCmd creates a config file with defaults.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config file with default settings",
	Long: `Create a config file with default settings and documentation.

By default, creates ~/.agentcp/config.yaml.
Use --local to create ./config.yaml in the current directory.

Examples:
  acp config init          # Create ~/.agentcp/config.yaml
  acp config init --local  # Create ./config.yaml
  acp config init --force  # Overwrite existing file`,
	RunE: runConfigInit,
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitLocal, "local", false, "create ./config.yaml instead of ~/.agentcp/config.yaml")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
}

func printConfig(cfg *config.Config) {
	fmt.Println("Current Configuration:")
	fmt.Println("----------------------")
	fmt.Printf("Data Dir:            %s\n", cfg.Data.Dir)
	fmt.Printf("Ping Interval:       %s\n", cfg.Message.PingInterval)
	fmt.Printf("Connection Timeout:  %s\n", cfg.Message.ConnectionTimeout)
	fmt.Printf("Max Message Size:    %d\n", cfg.Message.MaxMessageSize)
	fmt.Printf("Core Workers:        %d\n", cfg.Scheduler.CoreWorkers)
	fmt.Printf("Dispatch Queue:      %d\n", cfg.Dispatch.QueueSize)
	fmt.Printf("Monitoring Enabled:  %t\n", cfg.Monitoring.Enabled)
	fmt.Printf("Use System Proxy:    %t\n", cfg.Proxy.UseSystemProxy)
	fmt.Printf("Log Level:           %s\n", cfg.Logging.Level)
	fmt.Printf("Log Format:          %s\n", cfg.Logging.Format)
}

const defaultConfigTemplate = `# acp configuration
# Values shown are the defaults; delete anything you do not override.

data:
  # Application data root. Identities live under <dir>/agentcp/AIDs.
  dir: %s

message:
  # Outbound buffer capacity (drop-oldest when full).
  max_queue_size: 5000
  connection_timeout: 3s
  ping_interval: 3s
  auto_reconnect: true
  reconnect_base_interval: 500ms
  reconnect_max_interval: 10s
  reconnect_backoff_factor: 1.5
  # Inbound frames larger than this are discarded.
  max_message_size: 10485760

scheduler:
  core_workers: 20
  max_workers: 50
  max_tasks_per_worker: 10
  worker_queue_size: 5000

dispatch:
  queue_size: 10000

monitoring:
  enabled: true
  interval: 10s
  retention_days: 7

proxy:
  # Per-identity private/proxy_config.json overrides this when present.
  use_system_proxy: false

logging:
  level: info    # debug, info, warn, error
  format: console # console or json
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	var path string
	if configInitLocal {
		path = "config.yaml"
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		path = filepath.Join(home, ".agentcp", "config.yaml")
	}

	if _, err := os.Stat(path); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf(defaultConfigTemplate, config.DefaultDataDir())
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
