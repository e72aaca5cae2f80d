// Package approval implements the operator approval ledger: one JSON record
// per pending human decision, owned by the chat that created it, resolved at
// most once.
package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/fleetgate/internal/state"
)

// Request statuses. Only pending records may transition.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// Resolution verdicts accepted by Resolve.
const (
	VerdictApprove = "approve"
	VerdictReject  = "reject"
)

// Resolution failures. ErrAlreadyResolved is returned together with the
// loaded record so the caller can name its terminal status.
var (
	ErrNotFound        = errors.New("approval request not found")
	ErrUnauthorized    = errors.New("chat does not own this request")
	ErrAlreadyResolved = errors.New("approval request already resolved")
)

// Request is one persisted approval record. Every write replaces the whole
// document; records are independent, so no cross-record transaction exists.
type Request struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	ChatID      string `json:"chat_id"`
	CommandText string `json:"command_text"`

	Reason           string `json:"reason,omitempty"`
	Note             string `json:"note,omitempty"`
	ResolvedAt       string `json:"resolved_at,omitempty"`
	ResolvedByChatID string `json:"resolved_by_chat_id,omitempty"`

	// Agent-originated enrichment.
	AgentRequestReason string   `json:"agent_request_reason,omitempty"`
	ConsensusRequired  bool     `json:"consensus_required,omitempty"`
	ConsensusMin       int      `json:"consensus_min,omitempty"`
	ConsensusYes       int      `json:"consensus_yes,omitempty"`
	ConsensusRunID     string   `json:"consensus_run_id,omitempty"`
	ConsensusArtifact  string   `json:"consensus_artifact,omitempty"`
	ErrorAgents        []string `json:"error_agents,omitempty"`

	// Watchdog enrichment.
	WatchdogFailureHash string `json:"watchdog_failure_hash,omitempty"`
	WatchdogExcerpt     string `json:"watchdog_excerpt,omitempty"`

	// Plan-review stamp.
	PlanReviewTriggered     bool   `json:"plan_review_triggered"`
	PlanReviewTriggeredAt   string `json:"plan_review_triggered_at,omitempty"`
	PlanReviewExitCode      int    `json:"plan_review_exit_code,omitempty"`
	PlanReviewOutputPreview string `json:"plan_review_output_preview,omitempty"`
	PlanReviewReason        string `json:"plan_review_reason,omitempty"`
}

// Ledger stores approval records under a single directory.
type Ledger struct {
	dir string
	now func() time.Time
}

// NewLedger returns a ledger over dir. The directory must already exist;
// the state store creates it at startup.
func NewLedger(dir string) *Ledger {
	return &Ledger{dir: dir, now: time.Now}
}

func (l *Ledger) path(id string) string {
	return filepath.Join(l.dir, id+".json")
}

// Create persists a new pending record and returns it.
func (l *Ledger) Create(chatID, commandText string) (*Request, error) {
	now := l.now()
	req := &Request{
		ID:          fmt.Sprintf("req_%d_%s", now.Unix(), randomHex8()),
		Status:      StatusPending,
		CreatedAt:   state.Timestamp(now),
		ChatID:      chatID,
		CommandText: commandText,
	}
	if err := l.Save(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Load returns the record, or nil when it does not exist or cannot be
// parsed.
func (l *Ledger) Load(id string) *Request {
	data, err := os.ReadFile(l.path(id))
	if err != nil {
		return nil
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil
	}
	return &req
}

// Save replaces the whole record on disk.
func (l *Ledger) Save(req *Request) error {
	if strings.TrimSpace(req.ID) == "" {
		return fmt.Errorf("approval missing id")
	}
	return state.WriteDocument(l.path(req.ID), req)
}

// ListPending returns the chat's pending records in ascending filename
// order. Records that fail to parse are skipped.
func (l *Ledger) ListPending(chatID string) []*Request {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "req_") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []*Request
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			continue
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if req.Status != StatusPending || req.ChatID != chatID {
			continue
		}
		out = append(out, &req)
	}
	return out
}

// Resolve flips a pending record to approved or rejected. Only the owning
// chat may resolve, and only once; a second attempt returns the record with
// ErrAlreadyResolved so the caller can report its status.
func (l *Ledger) Resolve(id, chatID, verdict string) (*Request, error) {
	req := l.Load(id)
	if req == nil {
		return nil, ErrNotFound
	}
	if req.ChatID != chatID {
		return nil, ErrUnauthorized
	}
	if req.Status != StatusPending {
		return req, ErrAlreadyResolved
	}

	switch verdict {
	case VerdictApprove:
		req.Status = StatusApproved
	case VerdictReject:
		req.Status = StatusRejected
	default:
		return nil, fmt.Errorf("unknown verdict: %s", verdict)
	}
	req.ResolvedAt = state.Timestamp(l.now())
	req.ResolvedByChatID = chatID
	if err := l.Save(req); err != nil {
		return nil, err
	}
	return req, nil
}

// HasPendingSimilar reports whether the chat already has a pending record
// with the same reason and the same (case-insensitive, trimmed) agent
// request detail. Suppresses duplicate auto-generated requests.
func (l *Ledger) HasPendingSimilar(chatID, reason, detail string) bool {
	detailNorm := strings.ToLower(strings.TrimSpace(detail))
	reasonNorm := strings.ToLower(strings.TrimSpace(reason))
	for _, req := range l.ListPending(chatID) {
		if strings.ToLower(strings.TrimSpace(req.Reason)) != reasonNorm {
			continue
		}
		reqDetail := strings.ToLower(strings.TrimSpace(req.AgentRequestReason))
		if reqDetail != "" && reqDetail == detailNorm {
			return true
		}
		if reqDetail == "" && detailNorm != "" {
			continue
		}
		if reqDetail == "" && detailNorm == "" {
			return true
		}
	}
	return false
}

// HasPendingWithReasonPrefix reports whether any of the chat's pending
// records carries a reason starting with prefix. The watchdog uses this to
// avoid stacking alerts behind an unresolved one.
func (l *Ledger) HasPendingWithReasonPrefix(chatID, prefix string) bool {
	for _, req := range l.ListPending(chatID) {
		if strings.HasPrefix(req.Reason, prefix) {
			return true
		}
	}
	return false
}

// TriggerPlanReview stamps the record with a one-time plan-review result and
// returns the operator notice to send. Returns "" when disabled or when the
// record was already stamped. The plan-review helper itself is disabled in
// the minimal runtime profile, so the stamp records a skip.
func (l *Ledger) TriggerPlanReview(req *Request, reason string, enabled bool) (string, error) {
	if !enabled || req == nil || req.PlanReviewTriggered {
		return "", nil
	}
	if strings.TrimSpace(req.ID) == "" {
		return "", nil
	}

	req.PlanReviewTriggered = true
	req.PlanReviewTriggeredAt = state.Timestamp(l.now())
	req.PlanReviewExitCode = 0
	req.PlanReviewOutputPreview = "skipped: plan-review command is disabled in current minimal runtime profile."
	req.PlanReviewReason = reason
	if err := l.Save(req); err != nil {
		return "", err
	}

	notice := fmt.Sprintf("[plan_review:%s] SKIP\n\nPlan-review automation is disabled in current minimal runtime.", req.ID)
	return notice, nil
}

// randomHex8 returns eight random lowercase hex characters.
func randomHex8() string {
	u := uuid.New()
	return fmt.Sprintf("%x", u[:4])
}
