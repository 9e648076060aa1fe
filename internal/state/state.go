// Package state persists the small amount of supervisor state that must
// survive a restart: the owner, total spend, the crash marker and restart
// verification.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	schemaVersion   = 1
	stateFileMode   = 0o600
	stateDirMode    = 0o700
	tempFilePattern = ".state-*.toml.tmp"
)

// ErrUnsupportedVersion is returned for a state file written by a newer build.
var ErrUnsupportedVersion = errors.New("unsupported state file version")

// PendingRestart records what a restart is expected to boot into.
type PendingRestart struct {
	ExpectedSHA string    `toml:"expected_sha"`
	Branch      string    `toml:"branch"`
	Reason      string    `toml:"reason"`
	RequestedAt time.Time `toml:"requested_at"`
}

// State is the persisted supervisor state.
type State struct {
	Version     int   `toml:"version"`
	OwnerChatID int64 `toml:"owner_chat_id"`
	SpentMicros int64 `toml:"spent_micros"`

	// Running is set at boot and cleared on clean shutdown. Finding it set
	// at boot means the previous process crashed.
	Running    bool      `toml:"running"`
	BootBranch string    `toml:"boot_branch"`
	BootedAt   time.Time `toml:"booted_at"`
	Crashes    int       `toml:"crashes"`

	LastCommitSHA string `toml:"last_commit_sha"`
	StableSHA     string `toml:"stable_sha"`

	PendingRestart *PendingRestart `toml:"pending_restart,omitempty"`
}

// HasOwner reports whether an owner has been registered.
func (s State) HasOwner() bool { return s.OwnerChatID != 0 }

// Store reads and atomically rewrites the state file.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store for path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// Load returns the persisted state, or the zero state if none exists.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Update applies fn to the current state and persists the result.
func (s *Store) Update(fn func(*State)) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.read()
	if err != nil {
		return State{}, err
	}
	fn(&st)
	if err := s.write(st); err != nil {
		return State{}, err
	}
	return st, nil
}

func (s *Store) read() (State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{Version: schemaVersion}, nil
		}
		return State{}, fmt.Errorf("read state file: %w", err)
	}

	var st State
	if err := toml.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decode state file: %w", err)
	}
	if st.Version > schemaVersion {
		return State{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, st.Version)
	}
	st.Version = schemaVersion
	return st, nil
}

func (s *Store) write(st State) error {
	st.Version = schemaVersion

	if err := os.MkdirAll(filepath.Dir(s.path), stateDirMode); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := toml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state file: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(s.path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tempFile.Chmod(stateFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tempName, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	cleanup = false
	return nil
}
