// Package state persists the controller's singleton documents as JSON files
// under a single state root. Reads never fail the caller: an absent or
// malformed document yields its zero-value default. Writes replace the whole
// file atomically so a reader can never observe a torn document.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// TimeLayout is the UTC textual format used in every persisted timestamp.
const TimeLayout = "2006-01-02T15:04:05Z"

// File names under the state root.
const (
	offsetFile   = "telegram-offset.json"
	controlFile  = "emergency-stop.json"
	watchdogFile = "telegram-watchdog.json"
	approvalsDir = "telegram-approvals"
	consensusDir = "consensus"
)

// Timestamp renders t in the persisted UTC format.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Control is the emergency-stop singleton.
type Control struct {
	EmergencyStop   bool   `json:"emergency_stop"`
	UpdatedAt       string `json:"updated_at,omitempty"`
	UpdatedByChatID string `json:"updated_by_chat_id,omitempty"`
	Reason          string `json:"reason,omitempty"`
	ResumeReason    string `json:"resume_reason,omitempty"`
}

// Watchdog is the watchdog singleton. LastAlertAt is epoch seconds; the
// remaining timestamps use TimeLayout.
type Watchdog struct {
	AlertActive     bool   `json:"alert_active"`
	LastAlertAt     int64  `json:"last_alert_at"`
	LastFailureHash string `json:"last_failure_hash"`
	LastOKAt        string `json:"last_ok_at,omitempty"`
	LastSeenAt      string `json:"last_seen_at,omitempty"`
	LastReason      string `json:"last_reason,omitempty"`
}

type offsetDoc struct {
	Offset int `json:"offset"`
}

// Store reads and writes the controller's persisted documents.
type Store struct {
	root string
}

// New creates the state root and its subdirectories and returns a Store.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("state root is required")
	}
	for _, dir := range []string{root, filepath.Join(root, approvalsDir), filepath.Join(root, consensusDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state dir %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the state root directory.
func (s *Store) Root() string { return s.root }

// ApprovalsDir returns the approval-ledger directory.
func (s *Store) ApprovalsDir() string { return filepath.Join(s.root, approvalsDir) }

// ConsensusDir returns the consensus-artifact directory.
func (s *Store) ConsensusDir() string { return filepath.Join(s.root, consensusDir) }

// LoadOffset returns the persisted poll cursor, or 0.
func (s *Store) LoadOffset() int {
	var doc offsetDoc
	s.readJSON(offsetFile, &doc)
	return doc.Offset
}

// SaveOffset persists the poll cursor.
func (s *Store) SaveOffset(offset int) error {
	return s.writeJSON(offsetFile, offsetDoc{Offset: offset})
}

// LoadControl returns the emergency-stop singleton; latch off when the file
// is absent or malformed.
func (s *Store) LoadControl() Control {
	var doc Control
	if !s.readJSON(controlFile, &doc) {
		return Control{}
	}
	return doc
}

// SaveControl persists the emergency-stop singleton.
func (s *Store) SaveControl(doc Control) error {
	return s.writeJSON(controlFile, doc)
}

// LoadWatchdog returns the watchdog singleton, defaulting to no active alert.
func (s *Store) LoadWatchdog() Watchdog {
	var doc Watchdog
	if !s.readJSON(watchdogFile, &doc) {
		return Watchdog{}
	}
	return doc
}

// SaveWatchdog persists the watchdog singleton.
func (s *Store) SaveWatchdog(doc Watchdog) error {
	return s.writeJSON(watchdogFile, doc)
}

// readJSON reports whether the named document was read and parsed. On any
// failure the target is left at its zero value.
func (s *Store) readJSON(name string, v any) bool {
	data, err := os.ReadFile(filepath.Join(s.root, name))
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// writeJSON atomically replaces the named document.
func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	if err := renameio.WriteFile(filepath.Join(s.root, name), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// WriteDocument atomically writes an arbitrary JSON document at path. Used
// by the approval ledger and the consensus voter, which manage their own
// file layout inside the state root.
func WriteDocument(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
