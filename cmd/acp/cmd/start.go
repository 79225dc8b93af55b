package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentunion/agentcp-go/internal/agent"
	"github.com/agentunion/agentcp-go/internal/proxy"
)

var (
	startAgentID string
	startDataDir string
	startSeed    string
)

// startCmd represents the start command.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Bring an identity online and serve until interrupted",
	Long: `Start brings one stored identity online: it signs in to the
identity's authority, starts the heartbeat, and serves inbound session
messages until SIGINT or SIGTERM.

The credential seed is read from --seed or the AGENTCP_SEED environment
variable.

Examples:
  acp start --id alice.agents.example
  acp start --id alice.agents.example --data-dir /srv/agentcp`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startAgentID, "id", "", "agent identity to bring online (default: the only stored identity)")
	startCmd.Flags().StringVar(&startDataDir, "data-dir", "", "application data directory (default: from config)")
	startCmd.Flags().StringVar(&startSeed, "seed", "", "credential seed (default: $AGENTCP_SEED)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if startDataDir != "" {
		cfg.Data.Dir = startDataDir
	}
	setupLogging(cfg)
	proxy.EnsureNoProxyLocal()

	seed := startSeed
	if seed == "" {
		seed = os.Getenv("AGENTCP_SEED")
	}
	if seed == "" {
		return fmt.Errorf("no credential seed: pass --seed or set AGENTCP_SEED")
	}

	host, err := agent.NewHost(cfg.Data.Dir, seed, cfg)
	if err != nil {
		return err
	}
	defer host.Close()

	id := startAgentID
	if id == "" {
		ids, err := host.AgentIDs()
		if err != nil {
			return err
		}
		if len(ids) != 1 {
			return fmt.Errorf("--id required: %d identities stored", len(ids))
		}
		id = ids[0]
	}

	a, err := host.LoadAgent(id)
	if err != nil {
		return err
	}

	log.Info().
		Str("version", version).
		Str("agent_id", id).
		Str("server", a.ServerURL()).
		Msg("starting acp")

	ctx := context.Background()
	if err := a.Online(ctx); err != nil {
		return fmt.Errorf("failed to bring %s online: %w", id, err)
	}

	host.ServeForever(ctx)
	log.Info().Msg("acp stopped")
	return nil
}
