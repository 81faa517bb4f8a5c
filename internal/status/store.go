// Package status persists the agent's connection status for the status display.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ConnectionStatus is the value of the persisted connectionStatus key.
type ConnectionStatus string

const (
	Connected    ConnectionStatus = "connected"
	Disconnected ConnectionStatus = "disconnected"
	Error        ConnectionStatus = "error"
)

// Snapshot is the on-disk status document.
type Snapshot struct {
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	Attempts         int              `json:"attempts"`
	LastActivity     string           `json:"last_activity,omitempty"`
	UpdatedAt        string           `json:"updated_at"`
}

// Store handles persisting the status document.
type Store struct {
	path string
	mu   sync.Mutex
	snap Snapshot

	// Activity updates are frequent; they are debounced. Status changes are not.
	saveTimer    *time.Timer
	saveInterval time.Duration
	pendingSave  bool
}

// DefaultPath returns the default status file path.
func DefaultPath() string {
	if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
		return filepath.Join(stateHome, "tabwire", "status.json")
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "tabwire", "status.json")
	}

	return filepath.Join(os.TempDir(), "tabwire-status.json")
}

// NewStore creates a store writing to path (DefaultPath when empty).
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultPath()
	}
	return &Store{
		path:         path,
		saveInterval: time.Second,
		snap:         Snapshot{ConnectionStatus: Disconnected},
	}
}

// Path returns the status file location.
func (s *Store) Path() string { return s.path }

// SetStatus records a phase transition and writes it immediately.
func (s *Store) SetStatus(status ConnectionStatus, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.ConnectionStatus = status
	s.snap.Attempts = attempts
	s.pendingSave = false
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	return s.saveLocked()
}

// Touch records activity on the connection. The write is debounced.
func (s *Store) Touch(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.LastActivity = at.Format(time.RFC3339Nano)
	s.pendingSave = true

	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.AfterFunc(s.saveInterval, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.pendingSave {
			s.pendingSave = false
			_ = s.saveLocked() // best effort
		}
	})
}

// Flush writes any pending activity update.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	if s.pendingSave {
		s.pendingSave = false
		return s.saveLocked()
	}
	return nil
}

// Snapshot returns the in-memory document.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Store) saveLocked() error {
	s.snap.UpdatedAt = time.Now().Format(time.RFC3339)

	data, err := json.MarshalIndent(s.snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	// Write atomically via temp file
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename status file: %w", err)
	}
	return nil
}

// Load reads the status document at path. A missing file reads as disconnected.
func Load(path string) (Snapshot, error) {
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{ConnectionStatus: Disconnected}, nil
		}
		return Snapshot{}, fmt.Errorf("failed to read status file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse status file: %w", err)
	}
	return snap, nil
}
