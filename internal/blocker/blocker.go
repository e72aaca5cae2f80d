// Package blocker classifies failed tool output into the closed taxonomy of
// operator-actionable failure kinds. The tags become the reason field on
// auto-created approval requests.
package blocker

import "regexp"

// Taxonomy tags emitted by Detect, plus the tags assigned elsewhere in the
// pipeline (consensus, watchdog, dispatcher) so the full reason vocabulary
// lives in one place.
const (
	CredentialsInvalid            = "credentials_invalid"
	PermissionDenied              = "permission_denied"
	RateLimited                   = "rate_limited"
	QuarantineViolation           = "quarantine_violation"
	ProviderQuotaExhausted        = "provider_quota_exhausted"
	ProviderTokenLimit            = "provider_token_limit"
	ProviderUnavailable           = "provider_unavailable"
	MergePermissionMissing        = "merge_permission_missing"
	OwnershipVerificationRequired = "ownership_verification_required"
	MissingRequiredConfig         = "missing_required_config"

	AgentWatchdogFailed             = "agent_watchdog_failed"
	AgentConsensusRequest           = "agent_consensus_request"
	AgentUnavailableDuringConsensus = "agent_unavailable_during_consensus"
	PreExecutionApprovalRequired    = "pre_execution_approval_required"
	PendingHumanIntervention        = "pending_human_intervention"
)

// WatchdogPrefix marks watchdog-originated reasons.
const WatchdogPrefix = "watchdog_"

// rules map output patterns to tags, in priority order; the first match
// wins. Patterns are matched case-insensitively anywhere in the output.
var rules = []struct {
	re  *regexp.Regexp
	tag string
}{
	{regexp.MustCompile(`(?i)invalid username or token|authentication failed|incorrect api key|invalid api key|invalid x-api-key`), CredentialsInvalid},
	{regexp.MustCompile(`(?i)permission denied|forbidden|insufficient permission|requires .* permission|permissions\.push=false`), PermissionDenied},
	{regexp.MustCompile(`(?i)rate limit|too many requests|retry_after|429`), RateLimited},
	{regexp.MustCompile(`(?i)quarantine blocked content|host_not_allowlisted|insecure_http_url`), QuarantineViolation},
	{regexp.MustCompile(`(?i)insufficient_quota|quota exceeded|exceeded your current quota|billing hard limit|out of credits|credit balance is too low|payment required|402`), ProviderQuotaExhausted},
	{regexp.MustCompile(`(?i)context length|maximum context length|token limit exceeded`), ProviderTokenLimit},
	{regexp.MustCompile(`(?i)model overloaded|server is overloaded|service unavailable|503`), ProviderUnavailable},
	{regexp.MustCompile(`(?i)not found \(likely token lacks merge permission`), MergePermissionMissing},
	{regexp.MustCompile(`(?i)must register|claim|verify-email|owner.*email|pending_claim`), OwnershipVerificationRequired},
	{regexp.MustCompile(`(?i)telegra[m]?_bot_token is required|telegram_allowed_chat_ids is required|missing .* required`), MissingRequiredConfig},
}

// Detect returns the first matching taxonomy tag for the output, or "" when
// nothing matches.
func Detect(output string) string {
	for _, rule := range rules {
		if rule.re.MatchString(output) {
			return rule.tag
		}
	}
	return ""
}
