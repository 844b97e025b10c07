package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Stage is a completed point in the bootstrap sequence. The marker file
// always names the last stage that finished; a failed run leaves the
// marker where it was, so the next run resumes at the failed stage
// instead of restarting from zero.
type Stage string

const (
	StageUninitialized        Stage = "Uninitialized"
	StagePackagesReady        Stage = "PackagesReady"
	StagePKIBootstrapped      Stage = "PKIBootstrapped"
	StageServiceConfigured    Stage = "ServiceConfigured"
	StageForwardingConfigured Stage = "ForwardingConfigured"
	StageServiceRunning       Stage = "ServiceRunning"
	StageClientsProvisioned   Stage = "ClientsProvisioned"
)

// stageOrder is the strict sequence; each stage is a precondition for the
// next.
var stageOrder = []Stage{
	StagePackagesReady,
	StagePKIBootstrapped,
	StageServiceConfigured,
	StageForwardingConfigured,
	StageServiceRunning,
	StageClientsProvisioned,
}

// index returns the position of s in stageOrder, or -1 for Uninitialized
// and unknown values.
func (s Stage) index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// StageError reports which bootstrap stage failed. The orchestrator halts
// on the first one; there is no rollback.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("bootstrap stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrLocked means another bootstrap run holds the state directory. The
// PKI store, rendered config, and kernel firewall are single-writer
// resources; concurrent bootstraps of the same host are refused outright.
var ErrLocked = errors.New("another bootstrap run holds the state lock")

const (
	lockFile   = "bootstrap.lock"
	markerFile = "stage.json"
)

// marker is the persisted stage record.
type marker struct {
	Stage     Stage     `json:"stage"`
	UpdatedAt time.Time `json:"updated_at"`
}

// acquireLock takes an exclusive, non-blocking flock on the state
// directory's lock file. The returned release function also closes the
// file; the lock dies with the process either way.
func acquireLock(stateDir string) (release func(), err error) {
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating state directory %s: %w", stateDir, err)
	}

	f, err := os.OpenFile(filepath.Join(stateDir, lockFile), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("locking state directory: %w", err)
	}

	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// loadStage reads the persisted stage marker. A missing marker means
// Uninitialized.
func loadStage(stateDir string) (Stage, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, markerFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StageUninitialized, nil
		}
		return "", fmt.Errorf("reading stage marker: %w", err)
	}

	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("parsing stage marker: %w", err)
	}
	if m.Stage != StageUninitialized && m.Stage.index() < 0 {
		return "", fmt.Errorf("stage marker names unknown stage %q", m.Stage)
	}
	return m.Stage, nil
}

// saveStage persists the stage marker after each completed stage.
func saveStage(stateDir string, s Stage) error {
	data, err := json.MarshalIndent(marker{Stage: s, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(stateDir, markerFile)
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("writing stage marker: %w", err)
	}
	return nil
}

// resetStage removes the stage marker, forcing the next run to start from
// Uninitialized.
func resetStage(stateDir string) error {
	err := os.Remove(filepath.Join(stateDir, markerFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("resetting stage marker: %w", err)
	}
	return nil
}
