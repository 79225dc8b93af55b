package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/agentunion/agentcp-go/internal/identity"
)

// idCmd groups identity management subcommands.
var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Manage stored identities",
}

// idListCmd lists the identities in the data directory.
var idListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored identities",
	RunE:  runIDList,
}

// idQRCmd renders an identity as a terminal QR code for device pairing.
var idQRCmd = &cobra.Command{
	Use:   "qr <aid>",
	Short: "Print an identity's QR code",
	Long: `Print a QR code for an agent identity. Scanning it yields the
identity's endpoint URL so another device can address the agent.

Example:
  acp id qr alice.agents.example`,
	Args: cobra.ExactArgs(1),
	RunE: runIDQR,
}

func init() {
	idCmd.AddCommand(idListCmd)
	idCmd.AddCommand(idQRCmd)
}

func dataLayout() (identity.Layout, error) {
	cfg, err := loadConfig()
	if err != nil {
		return identity.Layout{}, err
	}
	return identity.NewLayout(filepath.Join(cfg.Data.Dir, "agentcp")), nil
}

func runIDList(cmd *cobra.Command, args []string) error {
	layout, err := dataLayout()
	if err != nil {
		return err
	}
	ids, err := layout.List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No identities stored.")
		return nil
	}

	var entries map[string]identity.RegistryEntry
	if reg, err := identity.OpenRegistry(layout.RegistryPath()); err == nil {
		entries = make(map[string]identity.RegistryEntry)
		for _, e := range reg.List() {
			entries[e.AgentID] = e
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT ID\tSERVER\tLAST SEEN")
	for _, id := range ids {
		server, lastSeen := "-", "-"
		if e, ok := entries[id]; ok {
			if e.Server != "" {
				server = e.Server
			}
			if !e.LastSeen.IsZero() {
				lastSeen = e.LastSeen.Format("2006-01-02 15:04")
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, server, lastSeen)
	}
	return w.Flush()
}

func runIDQR(cmd *cobra.Command, args []string) error {
	aid, err := identity.ParseAID(args[0])
	if err != nil {
		return err
	}
	qr, err := qrcode.New(aid.EndpointURL(), qrcode.Medium)
	if err != nil {
		return fmt.Errorf("failed to build QR code: %w", err)
	}
	fmt.Printf("%s\n%s\n", aid.String(), qr.ToSmallString(false))
	return nil
}
