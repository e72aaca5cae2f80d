// fleetgate is the chat control plane for the agent fleet: it bridges the
// operator's Telegram chat and the local tool surface, mediating every
// command through approvals, consensus votes, the emergency-stop latch, and
// the health watchdog.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "fleetgate",
	Short: "Chat control plane for the agent fleet",
	Long: `fleetgate bridges an operator chat and the local agent tool surface.

Every sensitive command flows through an approval ledger, agent-originated
requests for human intervention are validated by a fleet consensus vote, a
global emergency stop shrinks the command set, and a periodic watchdog
surfaces fleet health failures exactly once per failure mode.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the fleetgate version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleetgate %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
