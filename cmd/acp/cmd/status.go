package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentunion/agentcp-go/internal/agent"
	"github.com/agentunion/agentcp-go/internal/proxy"
)

var (
	statusAgentID string
	statusDataDir string
	statusSeed    string
)

// statusCmd queries the online state of other agents.
var statusCmd = &cobra.Command{
	Use:   "status <aid> [aid...]",
	Short: "Query the online state of agents",
	Long: `Status signs in with a stored identity and asks its authority
whether the given agents are online.

Example:
  acp status bob.agents.example carol.agents.example --id alice.agents.example`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAgentID, "id", "", "identity to query as (default: the only stored identity)")
	statusCmd.Flags().StringVar(&statusDataDir, "data-dir", "", "application data directory (default: from config)")
	statusCmd.Flags().StringVar(&statusSeed, "seed", "", "credential seed (default: $AGENTCP_SEED)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if statusDataDir != "" {
		cfg.Data.Dir = statusDataDir
	}
	setupLogging(cfg)
	proxy.EnsureNoProxyLocal()

	seed := statusSeed
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

	id := statusAgentID
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.EnsureSignedIn(ctx); err != nil {
		return fmt.Errorf("sign-in failed: %w", err)
	}
	states, err := a.GetOnlineStatus(ctx, args)
	if err != nil {
		return fmt.Errorf("online-state query failed: %w", err)
	}

	for _, s := range states {
		state := "offline"
		if s.Online {
			state = "online"
		}
		fmt.Printf("%-40s %s\n", s.AgentID, state)
	}
	return nil
}
