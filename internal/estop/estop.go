// Package estop is the emergency-stop latch: a sticky boolean that shrinks
// the accepted command set until an operator resumes.
package estop

import (
	"strings"
	"time"

	"github.com/openclaw/fleetgate/internal/state"
)

// Reasons recorded when the operator gives none.
const (
	defaultStopReason   = "manual_emergency_stop"
	defaultResumeReason = "manual_resume"
)

// Latch reads and writes the emergency-stop singleton.
type Latch struct {
	store *state.Store
	now   func() time.Time
}

// New returns a Latch over the state store.
func New(store *state.Store) *Latch {
	return &Latch{store: store, now: time.Now}
}

// Stopped reports the latest persisted latch value. A missing or malformed
// document reads as off.
func (l *Latch) Stopped() bool {
	return l.store.LoadControl().EmergencyStop
}

// Set flips the latch and records who did it and why. Activation writes the
// stop reason; clearing writes the resume reason. Returns the persisted
// document.
func (l *Latch) Set(active bool, chatID, reason string) (state.Control, error) {
	doc := l.store.LoadControl()
	doc.EmergencyStop = active
	doc.UpdatedAt = state.Timestamp(l.now())
	doc.UpdatedByChatID = chatID

	reason = strings.TrimSpace(reason)
	if active {
		if reason == "" {
			reason = defaultStopReason
		}
		doc.Reason = reason
	} else {
		if reason == "" {
			reason = defaultResumeReason
		}
		doc.ResumeReason = reason
	}

	if err := l.store.SaveControl(doc); err != nil {
		return doc, err
	}
	return doc, nil
}
