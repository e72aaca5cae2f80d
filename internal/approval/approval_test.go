package approval

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	return NewLedger(t.TempDir())
}

func TestCreateAssignsIDAndPersists(t *testing.T) {
	l := newLedger(t)

	req, err := l.Create("100", "/cycle execution")
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^req_\d+_[0-9a-f]{8}$`), req.ID)
	require.Equal(t, StatusPending, req.Status)
	require.Equal(t, "100", req.ChatID)
	require.Equal(t, "/cycle execution", req.CommandText)

	loaded := l.Load(req.ID)
	require.NotNil(t, loaded)
	require.Equal(t, req.ID, loaded.ID)
}

func TestLoadMissingReturnsNil(t *testing.T) {
	l := newLedger(t)
	require.Nil(t, l.Load("req_0_deadbeef"))
}

func TestListPendingFiltersOwnerAndStatus(t *testing.T) {
	l := newLedger(t)
	l.now = func() time.Time { return time.Unix(1700000000, 0) }

	mine, err := l.Create("100", "/cycle")
	require.NoError(t, err)
	_, err = l.Create("200", "/status")
	require.NoError(t, err)

	resolved, err := l.Create("100", "/cycle kickoff")
	require.NoError(t, err)
	_, err = l.Resolve(resolved.ID, "100", VerdictReject)
	require.NoError(t, err)

	// Malformed entries are skipped silently.
	require.NoError(t, os.WriteFile(filepath.Join(l.dir, "req_1_bad.json"), []byte("{oops"), 0o644))

	rows := l.ListPending("100")
	require.Len(t, rows, 1)
	require.Equal(t, mine.ID, rows[0].ID)
}

func TestListPendingOrderedByFilename(t *testing.T) {
	l := newLedger(t)

	ts := int64(1700000000)
	for i := 0; i < 3; i++ {
		l.now = func() time.Time { return time.Unix(ts+int64(i), 0) }
		_, err := l.Create("100", "/cycle")
		require.NoError(t, err)
	}

	rows := l.ListPending("100")
	require.Len(t, rows, 3)
	for i := 1; i < len(rows); i++ {
		require.Less(t, rows[i-1].ID, rows[i].ID)
	}
}

func TestResolveSingleResolution(t *testing.T) {
	l := newLedger(t)

	req, err := l.Create("100", "/cycle")
	require.NoError(t, err)

	resolved, err := l.Resolve(req.ID, "100", VerdictApprove)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, resolved.Status)
	require.Equal(t, "100", resolved.ResolvedByChatID)
	require.NotEmpty(t, resolved.ResolvedAt)

	// A second attempt does not mutate the record.
	again, err := l.Resolve(req.ID, "100", VerdictReject)
	require.ErrorIs(t, err, ErrAlreadyResolved)
	require.Equal(t, StatusApproved, again.Status)
	require.Equal(t, StatusApproved, l.Load(req.ID).Status)
}

func TestResolveOwnershipAndNotFound(t *testing.T) {
	l := newLedger(t)

	req, err := l.Create("100", "/cycle")
	require.NoError(t, err)

	_, err = l.Resolve(req.ID, "200", VerdictApprove)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, StatusPending, l.Load(req.ID).Status)

	_, err = l.Resolve("req_0_deadbeef", "100", VerdictApprove)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRequiresID(t *testing.T) {
	l := newLedger(t)
	err := l.Save(&Request{Status: StatusPending})
	require.Error(t, err)
}

func TestHasPendingSimilar(t *testing.T) {
	l := newLedger(t)

	req, err := l.Create("100", "/cycle")
	require.NoError(t, err)
	req.Reason = "agent_consensus_request"
	req.AgentRequestReason = "Merge Requires Review"
	require.NoError(t, l.Save(req))

	require.True(t, l.HasPendingSimilar("100", "agent_consensus_request", "merge requires review"))
	require.True(t, l.HasPendingSimilar("100", "AGENT_CONSENSUS_REQUEST", "  merge requires review  "))
	require.False(t, l.HasPendingSimilar("100", "agent_consensus_request", "different detail"))
	require.False(t, l.HasPendingSimilar("200", "agent_consensus_request", "merge requires review"))
	require.False(t, l.HasPendingSimilar("100", "rate_limited", "merge requires review"))
}

func TestHasPendingSimilarEmptyDetails(t *testing.T) {
	l := newLedger(t)

	req, err := l.Create("100", "/cycle")
	require.NoError(t, err)
	req.Reason = "rate_limited"
	require.NoError(t, l.Save(req))

	// Both sides empty matches; a non-empty probe against an empty record
	// does not.
	require.True(t, l.HasPendingSimilar("100", "rate_limited", ""))
	require.False(t, l.HasPendingSimilar("100", "rate_limited", "some detail"))
}

func TestHasPendingWithReasonPrefix(t *testing.T) {
	l := newLedger(t)

	req, err := l.Create("100", "/status")
	require.NoError(t, err)
	req.Reason = "watchdog_rate_limited"
	require.NoError(t, l.Save(req))

	require.True(t, l.HasPendingWithReasonPrefix("100", "watchdog_"))
	require.False(t, l.HasPendingWithReasonPrefix("200", "watchdog_"))
	require.False(t, l.HasPendingWithReasonPrefix("100", "consensus_"))
}

func TestTriggerPlanReviewStampsOnce(t *testing.T) {
	l := newLedger(t)

	req, err := l.Create("100", "/cycle")
	require.NoError(t, err)

	notice, err := l.TriggerPlanReview(req, "pre_execution_approval_required", true)
	require.NoError(t, err)
	require.Contains(t, notice, "[plan_review:"+req.ID+"] SKIP")

	loaded := l.Load(req.ID)
	require.True(t, loaded.PlanReviewTriggered)
	require.Equal(t, "pre_execution_approval_required", loaded.PlanReviewReason)
	require.NotEmpty(t, loaded.PlanReviewTriggeredAt)

	// Idempotent per record.
	notice, err = l.TriggerPlanReview(loaded, "pre_execution_approval_required", true)
	require.NoError(t, err)
	require.Empty(t, notice)
}

func TestTriggerPlanReviewDisabled(t *testing.T) {
	l := newLedger(t)

	req, err := l.Create("100", "/cycle")
	require.NoError(t, err)

	notice, err := l.TriggerPlanReview(req, "whatever", false)
	require.NoError(t, err)
	require.Empty(t, notice)
	require.False(t, l.Load(req.ID).PlanReviewTriggered)
}

func TestResolveErrors(t *testing.T) {
	l := newLedger(t)
	req, err := l.Create("100", "/cycle")
	require.NoError(t, err)

	_, err = l.Resolve(req.ID, "100", "maybe")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrAlreadyResolved))
}
