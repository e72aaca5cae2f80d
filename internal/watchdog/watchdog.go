// Package watchdog probes fleet health on a timer and escalates failures to
// the operator exactly once per distinct failure mode. Repeated identical
// failures inside the cooldown window only refresh the state record.
package watchdog

import (
	"context"
	"crypto/sha1"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/fleetgate/internal/approval"
	"github.com/openclaw/fleetgate/internal/blocker"
	"github.com/openclaw/fleetgate/internal/estop"
	"github.com/openclaw/fleetgate/internal/state"
)

// healthCheckScript is the fleet health probe.
const healthCheckScript = "./scripts/autonomy/test-all-agents.sh"

// Caps on persisted failure material.
const (
	maxNormalizedChars    = 1500
	maxStoredExcerptChars = 1200
	maxNoticeExcerptChars = 1000
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// ToolRunner executes the health probe.
type ToolRunner interface {
	Run(ctx context.Context, args []string, timeout time.Duration) (int, string)
}

// Notifier delivers operator notices.
type Notifier interface {
	Send(ctx context.Context, chatID, text string) error
}

// Config holds the watchdog settings and dependencies.
type Config struct {
	// Enabled turns the watchdog off entirely when false.
	Enabled bool

	// Timeout is the probe subprocess budget.
	Timeout time.Duration

	// AlertCooldown suppresses repeat alerts for an unchanged failure.
	AlertCooldown time.Duration

	// Prompt is handed to the health probe.
	Prompt string

	// CheckMoltbook includes the moltbook reachability check in the probe.
	CheckMoltbook bool

	// PrimaryChatID receives every watchdog notice.
	PrimaryChatID string

	// AutoPlanReview stamps watchdog-created approvals.
	AutoPlanReview bool

	Store    *state.Store
	Ledger   *approval.Ledger
	Latch    *estop.Latch
	Runner   ToolRunner
	Notifier Notifier
	Logger   zerolog.Logger
}

// Watchdog runs one health tick at a time from the update loop.
type Watchdog struct {
	cfg    Config
	store  *state.Store
	ledger *approval.Ledger
	latch  *estop.Latch
	run    ToolRunner
	notify Notifier
	log    zerolog.Logger
	now    func() time.Time
}

// New validates the dependencies and returns a Watchdog.
func New(cfg Config) (*Watchdog, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("state store is required")
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
	if cfg.Notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if cfg.PrimaryChatID == "" {
		return nil, fmt.Errorf("primary chat id is required")
	}
	return &Watchdog{
		cfg:    cfg,
		store:  cfg.Store,
		ledger: cfg.Ledger,
		latch:  cfg.Latch,
		run:    cfg.Runner,
		notify: cfg.Notifier,
		log:    cfg.Logger,
		now:    time.Now,
	}, nil
}

// Tick runs one health check. It never runs while the emergency stop is
// latched: a stopped system is intentionally quiet.
func (w *Watchdog) Tick(ctx context.Context) {
	if !w.cfg.Enabled {
		return
	}
	if w.latch.Stopped() {
		return
	}

	chatID := w.cfg.PrimaryChatID
	args := []string{healthCheckScript, "--prompt", w.cfg.Prompt}
	if !w.cfg.CheckMoltbook {
		args = append(args, "--skip-moltbook")
	}

	code, out := w.run.Run(ctx, args, w.cfg.Timeout)
	doc := w.store.LoadWatchdog()
	now := w.now()

	if code == 0 {
		w.handleSuccess(ctx, chatID, doc, now)
		return
	}
	w.handleFailure(ctx, chatID, doc, now, out)
}

func (w *Watchdog) handleSuccess(ctx context.Context, chatID string, doc state.Watchdog, now time.Time) {
	if doc.AlertActive {
		w.send(ctx, chatID, "[watchdog] RECOVERED\nAll agents are healthy again.")
	}
	doc.AlertActive = false
	doc.LastOKAt = state.Timestamp(now)
	doc.LastFailureHash = ""
	if err := w.store.SaveWatchdog(doc); err != nil {
		w.log.Error().Err(err).Msg("failed to save watchdog state")
	}
}

func (w *Watchdog) handleFailure(ctx context.Context, chatID string, doc state.Watchdog, now time.Time, out string) {
	failureHash := fingerprint(out)
	reason := blocker.Detect(out)
	if reason == "" {
		reason = blocker.AgentWatchdogFailed
	}
	reqReason := blocker.WatchdogPrefix + reason

	// Debounce: an unchanged failure inside the cooldown only refreshes
	// last_seen_at.
	if doc.AlertActive && doc.LastFailureHash == failureHash &&
		now.Unix()-doc.LastAlertAt < int64(w.cfg.AlertCooldown/time.Second) {
		doc.LastSeenAt = state.Timestamp(now)
		if err := w.store.SaveWatchdog(doc); err != nil {
			w.log.Error().Err(err).Msg("failed to save watchdog state")
		}
		return
	}

	// An unresolved watchdog approval already has the operator's attention;
	// stacking another behind it helps nobody.
	if w.ledger.HasPendingWithReasonPrefix(chatID, blocker.WatchdogPrefix) {
		w.saveAlert(doc, now, failureHash, reqReason)
		return
	}

	req, err := w.ledger.Create(chatID, "/status")
	if err != nil {
		w.log.Error().Err(err).Msg("failed to create watchdog approval")
		return
	}
	req.Reason = reqReason
	req.Note = "Auto-created by watchdog due to agent health failure."
	req.WatchdogFailureHash = failureHash
	req.WatchdogExcerpt = capString(out, maxStoredExcerptChars)
	if err := w.ledger.Save(req); err != nil {
		w.log.Error().Err(err).Str("request_id", req.ID).Msg("failed to save watchdog approval")
	}

	w.send(ctx, chatID, fmt.Sprintf(
		"[watchdog] Human intervention required.\nrequest_id: %s\nreason: %s\n\nApprove: /approve %s\nReject: /reject %s\n\nexcerpt:\n%s",
		req.ID, reqReason, req.ID, req.ID, capString(out, maxNoticeExcerptChars)))

	notice, err := w.ledger.TriggerPlanReview(req, reqReason, w.cfg.AutoPlanReview)
	if err != nil {
		w.log.Error().Err(err).Str("request_id", req.ID).Msg("failed to stamp plan review")
	} else if notice != "" {
		w.send(ctx, chatID, notice)
	}

	w.saveAlert(doc, now, failureHash, reqReason)
}

func (w *Watchdog) saveAlert(doc state.Watchdog, now time.Time, failureHash, reqReason string) {
	doc.AlertActive = true
	doc.LastAlertAt = now.Unix()
	doc.LastFailureHash = failureHash
	doc.LastReason = reqReason
	doc.LastSeenAt = state.Timestamp(now)
	if err := w.store.SaveWatchdog(doc); err != nil {
		w.log.Error().Err(err).Msg("failed to save watchdog state")
	}
}

func (w *Watchdog) send(ctx context.Context, chatID, text string) {
	if err := w.notify.Send(ctx, chatID, text); err != nil {
		w.log.Error().Err(err).Str("chat_id", chatID).Msg("failed to send watchdog notice")
	}
}

// fingerprint normalizes probe output (collapsed whitespace, lowercased,
// truncated) and hashes it, so cosmetic differences between two failures of
// the same kind do not defeat the debounce.
func fingerprint(out string) string {
	normalized := whitespaceRe.ReplaceAllString(strings.TrimSpace(strings.ToLower(out)), " ")
	if len(normalized) > maxNormalizedChars {
		normalized = normalized[:maxNormalizedChars]
	}
	return fmt.Sprintf("%x", sha1.Sum([]byte(normalized)))
}

func capString(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
