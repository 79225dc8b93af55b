// Package cmd contains the CLI commands for acpmon.
package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentunion/agentcp-go/internal/config"
	"github.com/agentunion/agentcp-go/internal/identity"
	"github.com/agentunion/agentcp-go/internal/monitoring"
)

var (
	// Version info (set from main)
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"

	// Global flags
	dbPath    string
	agentFlag string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "acpmon",
	Short: "Read acp runtime metrics",
	Long: `acpmon reads the metrics time-series database an acp runtime
writes, without attaching to the runtime itself. The database is opened
read-only, so a live runtime can keep writing while acpmon reads.

If --db is not given, acpmon locates the database of the only stored
identity under the configured data directory.`,
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
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "metrics database path (default: the only stored identity's)")
	rootCmd.PersistentFlags().StringVar(&agentFlag, "agent", "", "filter to one agent id")

	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd displays version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("acpmon %s\n", version)
		fmt.Printf("  Build time: %s\n", buildTime)
		fmt.Printf("  Git commit: %s\n", gitCommit)
	},
}

// openStore resolves the database path and opens it read-only.
func openStore() (*monitoring.TimeSeriesStore, error) {
	path := dbPath
	if path == "" {
		cfg, err := config.Load("")
		if err != nil {
			return nil, err
		}
		layout := identity.NewLayout(filepath.Join(cfg.Data.Dir, "agentcp"))
		ids, err := layout.List()
		if err != nil {
			return nil, err
		}
		if len(ids) != 1 {
			return nil, fmt.Errorf("--db required: %d identities stored", len(ids))
		}
		path = layout.MetricsStorePath(ids[0])
	}
	return monitoring.OpenStoreReadOnly(path)
}
