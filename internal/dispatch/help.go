package dispatch

import (
	"fmt"
	"sort"
	"strings"
)

// helpText renders the profile-dependent command reference. Three variants
// exist: minimal mode, leader-only mode, and the full surface.
func (d *Dispatcher) helpText() string {
	flags := d.flagSummary()
	marker := "agent-consensus-trigger marker:\n- [HUMAN_REQUEST]: <reason>\n- [HUMAN_APPROVAL]: <reason>\n"

	if d.cfg.MinimalCommandMode {
		return "Commands (minimal mode):\n" +
			"/help\n" +
			"/pending\n" +
			"/approve <request_id>\n" +
			"/reject <request_id>\n" +
			"/status\n" +
			"/cycle [execution|kickoff|auto]\n" +
			"/emergency_stop [reason]\n" +
			"/resume [reason]\n" +
			"\n" +
			"Only /cycle is allowed as a manual execution command in minimal mode.\n" +
			"All other dev commands are disabled.\n" +
			"Agents should request human intervention via [HUMAN_REQUEST] marker.\n" +
			"\n" + flags + "\n" + marker
	}

	if d.cfg.LeaderOnlyMode {
		return "Commands:\n" +
			"/help\n" +
			"/pending\n" +
			"/approve <request_id>\n" +
			"/reject <request_id>\n" +
			"/status\n" +
			"/cycle [execution|kickoff|auto]\n" +
			fmt.Sprintf("/ask <prompt>  (leader: %s)\n", d.reg.Leader()) +
			"/emergency_stop [reason]\n" +
			"/resume [reason]\n" +
			"\n" + flags + "\n" + marker
	}

	return "Commands:\n" +
		"/help\n" +
		"/pending\n" +
		"/approve <request_id>\n" +
		"/reject <request_id>\n" +
		"/status\n" +
		"/cycle [execution|kickoff|auto]\n" +
		"/ask <agent> <prompt>\n" +
		"/emergency_stop [reason]\n" +
		"/resume [reason]\n" +
		"\n" + flags + "\n" + marker + "\n" +
		"agents: gpt, claude, gemini, grok"
}

// flagSummary renders the active configuration so operators can audit the
// gate behavior from the chat.
func (d *Dispatcher) flagSummary() string {
	approvalRequired := "(none)"
	if len(d.cfg.RequireApprovalCommands) > 0 {
		keys := make([]string, 0, len(d.cfg.RequireApprovalCommands))
		for k := range d.cfg.RequireApprovalCommands {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		approvalRequired = strings.Join(keys, ", ")
	}

	return fmt.Sprintf(
		"approval-required: %s\n"+
			"auto-request-on-blocker: %t\n"+
			"pause-dev-when-pending: %t\n"+
			"auto-plan-review-on-pending: %t\n"+
			"leader-agent: %s\n"+
			"leader-only-mode: %t\n"+
			"minimal-command-mode: %t\n"+
			"emergency-stop-active: %t\n"+
			"agent-consensus: %t (min=%d/4)\n"+
			"watchdog: %t (interval=%ds)\n",
		approvalRequired,
		d.cfg.AutoRequestOnBlocker,
		d.cfg.PauseDevWhenPending,
		d.cfg.AutoPlanReviewOnPending,
		d.reg.Leader(),
		d.cfg.LeaderOnlyMode,
		d.cfg.MinimalCommandMode,
		d.latch.Stopped(),
		d.cfg.ConsensusRequired,
		d.cfg.ConsensusMin,
		d.cfg.WatchdogEnabled,
		int(d.cfg.WatchdogInterval.Seconds()))
}
