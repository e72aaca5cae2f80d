package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/openclaw/fleetgate/internal/approval"
	"github.com/openclaw/fleetgate/internal/blocker"
)

// maxSignalReasonChars caps the detail extracted from an agent marker.
const maxSignalReasonChars = 280

// defaultSignalReason stands in when a matched marker's detail trims to
// empty. The patterns require at least one character of detail after the
// marker, so a bare marker is not matched and yields no request.
const defaultSignalReason = "agent_consensus_requested_human_input"

// agentSignalPatterns match the explicit human-request markers agents emit
// in their output, one line at a time.
var agentSignalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[HUMAN_REQUEST\]\s*[:\-]?\s*(.+)`),
	regexp.MustCompile(`(?i)\[HUMAN_APPROVAL\]\s*[:\-]?\s*(.+)`),
	regexp.MustCompile(`(?i)HUMAN_REQUEST\s*[:\-]\s*(.+)`),
	regexp.MustCompile(`(?i)HUMAN_APPROVAL\s*[:\-]\s*(.+)`),
}

// report sends the single PASS/FAIL reply for a tool invocation, then runs
// the two post-execution inspectors. The blocker inspector only fires when
// the agent-signal inspector created nothing, so one failure never produces
// two approvals.
func (d *Dispatcher) report(ctx context.Context, chatID, label string, code int, output, originalText string) {
	prefix := "PASS"
	if code != 0 {
		prefix = "FAIL"
	}
	body := output
	if body == "" {
		body = "(no output)"
	}
	d.say(ctx, chatID, fmt.Sprintf("[%s] %s\n\n%s", label, prefix, body))

	reqID := d.inspectAgentSignal(ctx, chatID, originalText, output)
	if code != 0 && reqID == "" {
		d.inspectBlocker(ctx, chatID, originalText, output)
	}
}

// inspectAgentSignal handles an explicit human-request marker in tool
// output. Returns the created request id, or "" when nothing was created.
func (d *Dispatcher) inspectAgentSignal(ctx context.Context, chatID, originalText, output string) string {
	detail := extractAgentRequestReason(output)
	if detail == "" {
		return ""
	}
	if d.ledger.HasPendingSimilar(chatID, blocker.AgentConsensusRequest, detail) {
		return ""
	}

	var runID, artifact string
	var yesCount int

	if d.cfg.ConsensusRequired {
		d.say(ctx, chatID, fmt.Sprintf(
			"Agent-level human request detected.\nRunning consensus vote (%d/4 required)...",
			d.cfg.ConsensusMin))

		passed, result := d.voter.Run(ctx, detail, originalText, output)
		yesCount = result.YesCount
		runID = result.RunID
		artifact = result.Artifact

		// An unobservable fleet is itself a reason to involve the operator:
		// escalate immediately when any agent could not vote and the vote
		// did not pass.
		if len(result.ErrorAgents) > 0 && !passed {
			req, err := d.ledger.Create(chatID, originalText)
			if err != nil {
				d.log.Error().Err(err).Msg("failed to create escalation approval")
				return ""
			}
			req.Reason = blocker.AgentUnavailableDuringConsensus
			req.AgentRequestReason = detail
			req.ConsensusRunID = result.RunID
			req.ConsensusArtifact = result.Artifact
			req.ErrorAgents = result.ErrorAgents
			req.Note = "Immediate escalation: one or more agents failed during consensus."
			if err := d.ledger.Save(req); err != nil {
				d.log.Error().Err(err).Str("request_id", req.ID).Msg("failed to save approval")
			}
			d.say(ctx, chatID, fmt.Sprintf(
				"Human intervention required (agent unavailable during consensus).\nrequest_id: %s\ndetail: %s\nerror_agents: %s\nconsensus_yes: %d/4\nartifact: %s\n\nApprove: /approve %s\nReject: /reject %s",
				req.ID, detail, strings.Join(result.ErrorAgents, ", "), yesCount, artifact, req.ID, req.ID))
			d.planReview(ctx, chatID, req, blocker.AgentUnavailableDuringConsensus)
			return req.ID
		}

		if !passed {
			d.say(ctx, chatID, fmt.Sprintf(
				"Consensus rejected human intervention request.\ndetail: %s\nvotes: %d/4 (required: %d)\nartifact: %s",
				detail, yesCount, d.cfg.ConsensusMin, artifact))
			return ""
		}
	}

	req, err := d.ledger.Create(chatID, originalText)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to create consensus approval")
		return ""
	}
	req.Reason = blocker.AgentConsensusRequest
	req.AgentRequestReason = detail
	if d.cfg.ConsensusRequired {
		req.ConsensusRequired = true
		req.ConsensusMin = d.cfg.ConsensusMin
		req.ConsensusYes = yesCount
		req.ConsensusRunID = runID
		req.ConsensusArtifact = artifact
	}
	req.Note = "Auto-created from explicit [HUMAN_REQUEST] marker in agent output."
	if err := d.ledger.Save(req); err != nil {
		d.log.Error().Err(err).Str("request_id", req.ID).Msg("failed to save approval")
	}
	d.say(ctx, chatID, fmt.Sprintf(
		"Human intervention requested by agent consensus.\nrequest_id: %s\ndetail: %s\ncommand: %s\n\nApprove: /approve %s\nReject: /reject %s",
		req.ID, detail, originalText, req.ID, req.ID))
	d.planReview(ctx, chatID, req, blocker.AgentConsensusRequest)
	return req.ID
}

// inspectBlocker classifies a failed command's output and creates an
// approval for recognized operator-actionable failures.
func (d *Dispatcher) inspectBlocker(ctx context.Context, chatID, originalText, output string) {
	if !d.cfg.AutoRequestOnBlocker {
		return
	}
	reason := blocker.Detect(output)
	if reason == "" {
		return
	}

	req, err := d.ledger.Create(chatID, originalText)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to create blocker approval")
		return
	}
	req.Reason = reason
	req.Note = "Auto-created due to blocker detection on failed command."
	if err := d.ledger.Save(req); err != nil {
		d.log.Error().Err(err).Str("request_id", req.ID).Msg("failed to save approval")
	}
	d.say(ctx, chatID, fmt.Sprintf(
		"Human intervention required.\nrequest_id: %s\nreason: %s\ncommand: %s\n\nAfter fixing, run: /approve %s\nOr reject: /reject %s",
		req.ID, reason, originalText, req.ID, req.ID))
	d.planReview(ctx, chatID, req, reason)
}

// planReview stamps the record and relays the skip notice.
func (d *Dispatcher) planReview(ctx context.Context, chatID string, req *approval.Request, reason string) {
	notice, err := d.ledger.TriggerPlanReview(req, reason, d.cfg.AutoPlanReviewOnPending)
	if err != nil {
		d.log.Error().Err(err).Str("request_id", req.ID).Msg("failed to stamp plan review")
		return
	}
	if notice != "" {
		d.say(ctx, chatID, notice)
	}
}

// extractAgentRequestReason scans output line by line for a human-request
// marker and returns its detail, capped, or "" when no marker is present.
func extractAgentRequestReason(output string) string {
	for _, rawLine := range strings.Split(output, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}
		for _, pat := range agentSignalPatterns {
			m := pat.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			reason := strings.TrimSpace(m[1])
			if reason == "" {
				reason = defaultSignalReason
			}
			if len(reason) > maxSignalReasonChars {
				reason = reason[:maxSignalReasonChars]
			}
			return reason
		}
	}
	return ""
}
