package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openclaw/fleetgate/internal/agents"
	"github.com/openclaw/fleetgate/internal/config"
)

// toolScripts is the external tool surface the controller invokes.
var toolScripts = []string{
	"scripts/prompt-one-agent.sh",
	"scripts/autonomy/test-all-agents.sh",
	"scripts/autonomy/run-cycle.sh",
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration and the tool surface",
	Long: `Validate the environment before starting the daemon: required
configuration, state directory writability, the presence and executability
of the tool scripts, and the agent profile if one is configured.`,
	Run: func(cmd *cobra.Command, args []string) {
		ok := color.New(color.FgGreen).SprintFunc()
		bad := color.New(color.FgRed).SprintFunc()
		warn := color.New(color.FgYellow).SprintFunc()

		failures := 0
		check := func(passed bool, label, detail string) {
			if passed {
				fmt.Printf("  %s %s\n", ok("✓"), label)
				return
			}
			failures++
			fmt.Printf("  %s %s: %s\n", bad("✗"), label, detail)
		}

		fmt.Println("Configuration:")
		cfg, err := config.FromEnv()
		if err != nil {
			check(false, "environment", err.Error())
			fmt.Printf("\n%s\n", bad("Doctor found fatal configuration problems."))
			os.Exit(2)
		}
		check(true, "TELEGRAM_BOT_TOKEN set", "")
		check(true, fmt.Sprintf("allowed chats: %s (primary: %s)",
			strings.Join(cfg.AllowedChatIDs, ","), cfg.PrimaryChatID()), "")

		fmt.Println("\nState directory:")
		probe := filepath.Join(cfg.StateDir, ".doctor-probe")
		if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
			check(false, cfg.StateDir, err.Error())
		} else if err := os.WriteFile(probe, []byte("probe"), 0o644); err != nil {
			check(false, cfg.StateDir+" writable", err.Error())
		} else {
			os.Remove(probe)
			check(true, cfg.StateDir+" writable", "")
		}

		fmt.Println("\nTool surface:")
		for _, script := range toolScripts {
			info, err := os.Stat(script)
			switch {
			case err != nil:
				check(false, script, "not found")
			case info.Mode()&0o111 == 0:
				check(false, script, "not executable")
			default:
				check(true, script, "")
			}
		}

		fmt.Println("\nAgents:")
		reg, err := agents.NewRegistry(cfg.LeaderAgent)
		if err != nil {
			check(false, "leader agent", err.Error())
		} else {
			check(true, fmt.Sprintf("leader: %s", reg.Leader()), "")
			if cfg.AgentsFile != "" {
				if err := reg.LoadProfile(cfg.AgentsFile); err != nil {
					check(false, "agent profile "+cfg.AgentsFile, err.Error())
				} else {
					check(true, "agent profile "+cfg.AgentsFile, "")
				}
			}
		}

		fmt.Println("\nGates:")
		fmt.Printf("  consensus: required=%t min=%d/4\n", cfg.ConsensusRequired, cfg.ConsensusMin)
		fmt.Printf("  watchdog: enabled=%t interval=%s cooldown=%s\n",
			cfg.WatchdogEnabled, cfg.WatchdogInterval, cfg.WatchdogAlertCooldown)
		fmt.Printf("  quarantine: enabled=%t hosts=%d\n", cfg.QuarantineEnabled, len(cfg.QuarantineAllowedHosts))
		if len(cfg.RequireApprovalCommands) == 0 {
			fmt.Printf("  %s no commands require pre-execution approval\n", warn("!"))
		}

		fmt.Println()
		if failures > 0 {
			fmt.Println(bad(fmt.Sprintf("Doctor found %d problem(s).", failures)))
			os.Exit(1)
		}
		fmt.Println(ok("All checks passed."))
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
