// Package store persists session snapshots so long-running tuning sessions
// survive process restarts. The layout is one directory per session under
// the base directory, holding a single snapshot.json.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pipetune/pipetune/internal/tuning/session"
)

// NotFoundError reports a missing snapshot for a session ID.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no snapshot for session %q", e.SessionID)
}

// SnapshotInfo is the listing metadata for one persisted snapshot.
type SnapshotInfo struct {
	SessionID string        `json:"sessionId"`
	State     session.State `json:"state"`
	Iteration int           `json:"iteration"`
	SavedAt   time.Time     `json:"savedAt"`
}

// FSStore persists snapshots on the local filesystem. Writes go through a
// temp file and an atomic rename, so concurrent readers never observe a
// partial snapshot and no locks are needed.
type FSStore struct {
	baseDir string
	logger  *zap.Logger
}

// NewFSStore creates the base directory if needed and returns a store.
func NewFSStore(baseDir string, logger *zap.Logger) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FSStore{baseDir: baseDir, logger: logger.Named("store")}, nil
}

func (fs *FSStore) sessionDir(id string) string {
	return filepath.Join(fs.baseDir, "sessions", id)
}

func (fs *FSStore) snapshotPath(id string) string {
	return filepath.Join(fs.sessionDir(id), "snapshot.json")
}

// Save atomically writes the snapshot for its session ID.
func (fs *FSStore) Save(snap session.Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("snapshot has no session ID")
	}

	dir := fs.sessionDir(snap.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize snapshot: %w", err)
	}

	final := fs.snapshotPath(snap.ID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit snapshot file: %w", err)
	}

	fs.logger.Debug("snapshot saved",
		zap.String("session_id", snap.ID),
		zap.Int("iteration", snap.Iteration),
		zap.String("path", final),
	)
	return nil
}

// Load reads the snapshot for a session ID. A missing snapshot fails with
// NotFoundError.
func (fs *FSStore) Load(id string) (session.Snapshot, error) {
	var snap session.Snapshot
	if id == "" {
		return snap, fmt.Errorf("session ID cannot be empty")
	}

	data, err := os.ReadFile(fs.snapshotPath(id))
	if os.IsNotExist(err) {
		return snap, &NotFoundError{SessionID: id}
	}
	if err != nil {
		return snap, fmt.Errorf("read snapshot file: %w", err)
	}

	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("deserialize snapshot: %w", err)
	}
	return snap, nil
}

// List returns metadata for every persisted snapshot, newest first.
func (fs *FSStore) List() ([]SnapshotInfo, error) {
	sessionsDir := filepath.Join(fs.baseDir, "sessions")

	entries, err := os.ReadDir(sessionsDir)
	if os.IsNotExist(err) {
		return []SnapshotInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}

	infos := make([]SnapshotInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		snap, err := fs.Load(entry.Name())
		if err != nil {
			// Corrupted or partial entries are skipped, not fatal.
			fs.logger.Warn("skipping unreadable snapshot",
				zap.String("session_id", entry.Name()), zap.Error(err))
			continue
		}
		infos = append(infos, SnapshotInfo{
			SessionID: snap.ID,
			State:     snap.State,
			Iteration: snap.Iteration,
			SavedAt:   snap.SavedAt,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].SavedAt.After(infos[j].SavedAt)
	})
	return infos, nil
}

// Delete removes a session's snapshot directory.
func (fs *FSStore) Delete(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	dir := fs.sessionDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return &NotFoundError{SessionID: id}
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session directory: %w", err)
	}

	fs.logger.Debug("snapshot deleted", zap.String("session_id", id))
	return nil
}
