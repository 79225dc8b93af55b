// Package cmd contains the CLI commands for acp.
package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentunion/agentcp-go/internal/config"
)

var (
	// Version info (set from main)
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"

	// Global flags
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "acp",
	Short: "AgentCP client runtime",
	Long: `acp runs agent identities on the AgentCP fabric: it keeps them
signed in and reachable over the UDP heartbeat, maintains the WebSocket
message transports, and dispatches inbound session messages to handlers.

Identity credentials and per-identity data live under the data directory
(default: ~/.agentcp).`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets version information from the main package.
func SetVersionInfo(v, bt, gc string) {
	version = v
	buildTime = bt
	gitCommit = gc
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.agentcp/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(idCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

// versionCmd displays version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("acp %s\n", version)
		fmt.Printf("  Build time: %s\n", buildTime)
		fmt.Printf("  Git commit: %s\n", gitCommit)
	},
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logging.Format == "console" || verbose {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
