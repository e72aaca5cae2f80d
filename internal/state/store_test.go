package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestNewCreatesDirectories(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "state")
	s, err := New(root)
	require.NoError(t, err)

	for _, dir := range []string{root, s.ApprovalsDir(), s.ConsensusDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestOffsetRoundTrip(t *testing.T) {
	s := newStore(t)

	require.Equal(t, 0, s.LoadOffset())
	require.NoError(t, s.SaveOffset(42))
	require.Equal(t, 42, s.LoadOffset())

	// A restart observes the same value.
	again, err := New(s.Root())
	require.NoError(t, err)
	require.Equal(t, 42, again.LoadOffset())
}

func TestMalformedDocumentsReadAsDefaults(t *testing.T) {
	s := newStore(t)

	for _, name := range []string{"telegram-offset.json", "emergency-stop.json", "telegram-watchdog.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(s.Root(), name), []byte("{not json"), 0o644))
	}

	require.Equal(t, 0, s.LoadOffset())
	require.False(t, s.LoadControl().EmergencyStop)
	require.False(t, s.LoadWatchdog().AlertActive)
}

func TestControlRoundTrip(t *testing.T) {
	s := newStore(t)

	require.False(t, s.LoadControl().EmergencyStop)

	doc := Control{
		EmergencyStop:   true,
		UpdatedAt:       Timestamp(time.Now()),
		UpdatedByChatID: "100",
		Reason:          "maintenance",
	}
	require.NoError(t, s.SaveControl(doc))

	got := s.LoadControl()
	require.True(t, got.EmergencyStop)
	require.Equal(t, "maintenance", got.Reason)
	require.Equal(t, "100", got.UpdatedByChatID)
}

func TestWatchdogRoundTrip(t *testing.T) {
	s := newStore(t)

	doc := Watchdog{
		AlertActive:     true,
		LastAlertAt:     1700000000,
		LastFailureHash: "abc",
		LastReason:      "watchdog_rate_limited",
	}
	require.NoError(t, s.SaveWatchdog(doc))

	got := s.LoadWatchdog()
	require.True(t, got.AlertActive)
	require.Equal(t, int64(1700000000), got.LastAlertAt)
	require.Equal(t, "abc", got.LastFailureHash)
}

func TestTimestampFormat(t *testing.T) {
	ts := Timestamp(time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC))
	require.Equal(t, "2026-02-03T04:05:06Z", ts)
}
