// Package dispatch turns inbound operator messages into actions. The
// dispatcher is a linear checklist of gates over the (chat, text) pair:
// universal commands, the minimal-mode gate, the emergency-stop gate, the
// ledger commands, pre-execution approval, the dev-block gate, quarantine,
// and finally tool execution with post-run inspection.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/openclaw/fleetgate/internal/agents"
	"github.com/openclaw/fleetgate/internal/approval"
	"github.com/openclaw/fleetgate/internal/blocker"
	"github.com/openclaw/fleetgate/internal/config"
	"github.com/openclaw/fleetgate/internal/consensus"
	"github.com/openclaw/fleetgate/internal/estop"
	"github.com/openclaw/fleetgate/internal/quarantine"
)

// Tool invocation budgets beyond the configurable default.
const (
	askTimeout   = 240 * time.Second
	cycleTimeout = 1800 * time.Second
)

// Tool surface paths, relative to the repository root.
const (
	promptScript      = "./scripts/prompt-one-agent.sh"
	healthCheckScript = "./scripts/autonomy/test-all-agents.sh"
	runCycleScript    = "./scripts/autonomy/run-cycle.sh"
)

// maxPendingListed caps the /pending listing.
const maxPendingListed = 20

// Command sets. Stop and resume commands execute regardless of mode or
// latch; the allowed-when-stopped set deliberately omits /approve so a
// replay can never run invisibly under the latch.
var (
	stopCommands   = map[string]bool{"/stop": true, "/emergency_stop": true, "/panic": true}
	resumeCommands = map[string]bool{"/resume": true, "/continue": true}

	minimalAllowedCommands = map[string]bool{
		"/help": true, "/start": true, "/pending": true, "/approve": true,
		"/reject": true, "/status": true, "/cycle": true, "/stop": true,
		"/emergency_stop": true, "/panic": true, "/resume": true, "/continue": true,
	}

	allowedWhenStopped = map[string]bool{
		"/help": true, "/start": true, "/pending": true, "/reject": true,
		"/status": true, "/stop": true, "/emergency_stop": true, "/panic": true,
		"/resume": true, "/continue": true,
	}
)

// ToolRunner executes an external tool, returning exit code and combined
// output.
type ToolRunner interface {
	Run(ctx context.Context, args []string, timeout time.Duration) (int, string)
}

// Sender delivers a message to an operator chat.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// Config holds the dispatcher dependencies.
type Config struct {
	Settings *config.Config
	Ledger   *approval.Ledger
	Latch    *estop.Latch
	Runner   ToolRunner
	Sender   Sender
	Voter    *consensus.Voter
	Screen   *quarantine.Screen
	Registry *agents.Registry
	Logger   zerolog.Logger
}

// Dispatcher handles one operator message at a time.
type Dispatcher struct {
	cfg    *config.Config
	ledger *approval.Ledger
	latch  *estop.Latch
	run    ToolRunner
	sender Sender
	voter  *consensus.Voter
	screen *quarantine.Screen
	reg    *agents.Registry
	log    zerolog.Logger
}

// New validates the dependencies and returns a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("approval ledger is required")
	}
	if cfg.Latch == nil {
		return nil, fmt.Errorf("emergency-stop latch is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("tool runner is required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if cfg.Voter == nil {
		return nil, fmt.Errorf("consensus voter is required")
	}
	if cfg.Screen == nil {
		return nil, fmt.Errorf("quarantine screen is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	return &Dispatcher{
		cfg:    cfg.Settings,
		ledger: cfg.Ledger,
		latch:  cfg.Latch,
		run:    cfg.Runner,
		sender: cfg.Sender,
		voter:  cfg.Voter,
		screen: cfg.Screen,
		reg:    cfg.Registry,
		log:    cfg.Logger,
	}, nil
}

// Handle processes one operator message. bypassApproval is set only on the
// replay that follows an explicit /approve; the replay skips the
// pre-execution approval and dev-block gates so an approved command cannot
// re-block on its own record.
func (d *Dispatcher) Handle(ctx context.Context, chatID, text string, bypassApproval bool) {
	cmd, args := parseCommand(text)
	if cmd == "" {
		return
	}
	key := commandKey(cmd)

	if cmd == "/start" || cmd == "/help" {
		d.say(ctx, chatID, d.helpText())
		return
	}

	if stopCommands[cmd] {
		doc, err := d.latch.Set(true, chatID, strings.Join(args, " "))
		if err != nil {
			d.log.Error().Err(err).Msg("failed to persist emergency stop")
		}
		d.say(ctx, chatID, fmt.Sprintf(
			"Emergency stop ACTIVATED.\nreason: %s\nupdated_at: %s\nUse /resume [reason] to continue.",
			doc.Reason, doc.UpdatedAt))
		return
	}

	if resumeCommands[cmd] {
		doc, err := d.latch.Set(false, chatID, strings.Join(args, " "))
		if err != nil {
			d.log.Error().Err(err).Msg("failed to persist emergency-stop clear")
		}
		d.say(ctx, chatID, fmt.Sprintf(
			"Emergency stop CLEARED.\nresume_reason: %s\nupdated_at: %s",
			doc.ResumeReason, doc.UpdatedAt))
		return
	}

	if d.cfg.MinimalCommandMode && !minimalAllowedCommands[cmd] {
		d.say(ctx, chatID,
			"This command is disabled in minimal mode.\n"+
				"Allowed: /help, /pending, /approve, /reject, /status, /cycle, /emergency_stop, /resume")
		return
	}

	if d.latch.Stopped() && !allowedWhenStopped[cmd] {
		d.say(ctx, chatID, "Emergency stop is active. Allowed now: /help, /pending, /reject, /status, /resume")
		return
	}

	switch cmd {
	case "/pending":
		d.handlePending(ctx, chatID)
		return
	case "/reject":
		d.handleReject(ctx, chatID, args)
		return
	case "/approve":
		d.handleApprove(ctx, chatID, args)
		return
	}

	if d.cfg.RequiresApproval(key) && !bypassApproval {
		req, err := d.ledger.Create(chatID, text)
		if err != nil {
			d.log.Error().Err(err).Msg("failed to create pre-execution approval")
			return
		}
		req.Reason = blocker.PreExecutionApprovalRequired
		if err := d.ledger.Save(req); err != nil {
			d.log.Error().Err(err).Str("request_id", req.ID).Msg("failed to save approval")
		}
		d.say(ctx, chatID, fmt.Sprintf(
			"Approval required for this command.\nrequest_id: %s\ncommand: %s\n\nApprove: /approve %s\nReject: /reject %s",
			req.ID, text, req.ID, req.ID))
		d.planReview(ctx, chatID, req, blocker.PreExecutionApprovalRequired)
		return
	}

	if d.cfg.PauseDevWhenPending && d.cfg.DevBlockCommandKeys[key] && !bypassApproval {
		if pending := d.ledger.ListPending(chatID); len(pending) > 0 {
			req := pending[0]
			reason := req.Reason
			if reason == "" {
				reason = blocker.PendingHumanIntervention
			}
			d.say(ctx, chatID, fmt.Sprintf(
				"Development commands are paused while approval is pending.\npending request: %s\nreason: %s\nUse /approve or /reject first.",
				req.ID, reason))
			d.planReview(ctx, chatID, req, reason)
			return
		}
	}

	switch cmd {
	case "/status":
		d.say(ctx, chatID, "Running health check...")
		code, out := d.run.Run(ctx, []string{healthCheckScript, "--prompt", "Say hello in one sentence."}, 0)
		d.report(ctx, chatID, "status", code, out, text)
	case "/cycle":
		d.handleCycle(ctx, chatID, text, args)
	case "/ask":
		d.handleAsk(ctx, chatID, text, args)
	default:
		d.say(ctx, chatID, "Unknown command. Use /help")
	}
}

func (d *Dispatcher) handlePending(ctx context.Context, chatID string) {
	rows := d.ledger.ListPending(chatID)
	if len(rows) == 0 {
		d.say(ctx, chatID, "No pending approvals.")
		return
	}
	lines := []string{"Pending approvals:"}
	for i, req := range rows {
		if i >= maxPendingListed {
			break
		}
		lines = append(lines, fmt.Sprintf("- %s | created=%s | cmd=%s", req.ID, req.CreatedAt, req.CommandText))
	}
	d.say(ctx, chatID, strings.Join(lines, "\n"))
}

func (d *Dispatcher) handleReject(ctx context.Context, chatID string, args []string) {
	if len(args) != 1 {
		d.say(ctx, chatID, "Usage: /reject <request_id>")
		return
	}
	reqID := strings.TrimSpace(args[0])

	req, err := d.ledger.Resolve(reqID, chatID, approval.VerdictReject)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		d.say(ctx, chatID, fmt.Sprintf("Request not found: %s", reqID))
	case errors.Is(err, approval.ErrUnauthorized):
		d.say(ctx, chatID, "Unauthorized for this request.")
	case errors.Is(err, approval.ErrAlreadyResolved):
		d.say(ctx, chatID, fmt.Sprintf("Request already %s: %s", req.Status, reqID))
	case err != nil:
		d.log.Error().Err(err).Str("request_id", reqID).Msg("reject failed")
	default:
		d.say(ctx, chatID, fmt.Sprintf("Rejected: %s", reqID))
	}
}

func (d *Dispatcher) handleApprove(ctx context.Context, chatID string, args []string) {
	if len(args) != 1 {
		d.say(ctx, chatID, "Usage: /approve <request_id>")
		return
	}
	if d.latch.Stopped() {
		d.say(ctx, chatID, "Emergency stop is active. Run /resume first, then /approve.")
		return
	}
	reqID := strings.TrimSpace(args[0])

	req, err := d.ledger.Resolve(reqID, chatID, approval.VerdictApprove)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		d.say(ctx, chatID, fmt.Sprintf("Request not found: %s", reqID))
		return
	case errors.Is(err, approval.ErrUnauthorized):
		d.say(ctx, chatID, "Unauthorized for this request.")
		return
	case errors.Is(err, approval.ErrAlreadyResolved):
		d.say(ctx, chatID, fmt.Sprintf("Request already %s: %s", req.Status, reqID))
		return
	case err != nil:
		d.log.Error().Err(err).Str("request_id", reqID).Msg("approve failed")
		return
	}

	original := strings.TrimSpace(req.CommandText)
	d.say(ctx, chatID, fmt.Sprintf("Approved: %s\nExecuting: %s", reqID, original))
	d.Handle(ctx, chatID, original, true)
}

func (d *Dispatcher) handleCycle(ctx context.Context, chatID, text string, args []string) {
	if len(args) > 1 {
		d.say(ctx, chatID, "Usage: /cycle [execution|kickoff|auto]")
		return
	}
	mode := "execution"
	if len(args) == 1 {
		mode = strings.ToLower(strings.TrimSpace(args[0]))
	}
	if mode != "execution" && mode != "kickoff" && mode != "auto" {
		d.say(ctx, chatID, "Usage: /cycle [execution|kickoff|auto]")
		return
	}

	cycleArgs := []string{runCycleScript}
	switch mode {
	case "execution":
		cycleArgs = append(cycleArgs, "--execution")
	case "kickoff":
		cycleArgs = append(cycleArgs, "--kickoff")
	}

	d.say(ctx, chatID, fmt.Sprintf("Running cycle (%s)...", mode))
	code, out := d.run.Run(ctx, cycleArgs, cycleTimeout)
	d.report(ctx, chatID, "cycle:"+mode, code, out, text)
}

func (d *Dispatcher) handleAsk(ctx context.Context, chatID, text string, args []string) {
	var agent, prompt string

	if d.cfg.LeaderOnlyMode {
		leader := d.reg.Leader()
		if len(args) < 1 {
			d.say(ctx, chatID, fmt.Sprintf("Usage: /ask <prompt>  (leader: %s)", leader))
			return
		}
		if d.reg.Known(args[0]) {
			if strings.ToLower(args[0]) != leader {
				d.say(ctx, chatID, fmt.Sprintf("Leader-only mode: only %s is allowed for /ask.", leader))
				return
			}
			if len(args) < 2 {
				d.say(ctx, chatID, fmt.Sprintf("Usage: /ask <prompt>  (leader: %s)", leader))
				return
			}
			agent = leader
			prompt = restAfterFields(text, 2)
		} else {
			agent = leader
			prompt = restAfterFields(text, 1)
		}
	} else {
		if len(args) < 2 {
			d.say(ctx, chatID, "Usage: /ask <agent> <prompt>")
			return
		}
		agent = strings.ToLower(args[0])
		if !d.reg.Known(agent) {
			d.say(ctx, chatID, fmt.Sprintf("Unknown agent: %s", agent))
			return
		}
		prompt = restAfterFields(text, 2)
	}

	if violations := d.screen.Violations(prompt); len(violations) > 0 {
		preview := make([]string, 0, 5)
		for i, v := range violations {
			if i >= 5 {
				break
			}
			preview = append(preview, "- "+v)
		}
		d.say(ctx, chatID, fmt.Sprintf(
			"Quarantine blocked /ask prompt.\nThe prompt contains untrusted links or injection-like instructions.\n%s\n\nUse allowlisted reference URLs only and avoid executable instructions.",
			strings.Join(preview, "\n")))
		return
	}

	service, _ := d.reg.Service(agent)
	d.say(ctx, chatID, fmt.Sprintf("Querying %s...", agent))
	code, out := d.run.Run(ctx, []string{promptScript, service, prompt}, askTimeout)
	d.report(ctx, chatID, "ask:"+agent, code, out, text)
}

// say sends a chat message, logging delivery failures instead of
// propagating them; a lost notice must not abort command handling.
func (d *Dispatcher) say(ctx context.Context, chatID, text string) {
	if err := d.sender.Send(ctx, chatID, text); err != nil {
		d.log.Error().Err(err).Str("chat_id", chatID).Msg("failed to send message")
	}
}

// parseCommand splits the message into command and arguments. The command
// token drops any @botname suffix and lowercases.
func parseCommand(text string) (string, []string) {
	parts := strings.Fields(strings.TrimSpace(text))
	if len(parts) == 0 {
		return "", nil
	}
	cmd := strings.ToLower(strings.SplitN(parts[0], "@", 2)[0])
	return cmd, parts[1:]
}

// commandKey strips the leading slash for set lookups.
func commandKey(cmd string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(cmd, "/")))
}

// restAfterFields returns the remainder of s after skipping n
// whitespace-separated fields, preserving the remainder's internal spacing.
func restAfterFields(s string, n int) string {
	rest := strings.TrimSpace(s)
	for i := 0; i < n; i++ {
		idx := strings.IndexFunc(rest, unicode.IsSpace)
		if idx < 0 {
			return ""
		}
		rest = strings.TrimLeftFunc(rest[idx:], unicode.IsSpace)
	}
	return rest
}
