package trajectory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrSnapshotMissing means no snapshot metadata exists for a trajectory.
var ErrSnapshotMissing = errors.New("snapshot missing")

// Meta is the persisted snapshot metadata for one trajectory. Its presence on
// disk implies the emulator has been asked to save the named snapshot at
// least once.
type Meta struct {
	TrajectoryID string  `json:"trajectory_id"`
	DeviceID     string  `json:"device_id"`
	Port         int     `json:"port"`
	SnapshotName string  `json:"snapshot_name"`
	Timestamp    float64 `json:"timestamp"`
}

// Store persists snapshot metadata as one JSON file per trajectory under a
// shared directory. Files are written to a temp name and renamed so readers
// never see partial content.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the metadata file path for a trajectory.
func (s *Store) Path(trajectoryID string) string {
	return filepath.Join(s.dir, trajectoryID+".json")
}

// Exists reports whether metadata exists for a trajectory.
func (s *Store) Exists(trajectoryID string) bool {
	_, err := os.Stat(s.Path(trajectoryID))
	return err == nil
}

// Save writes metadata atomically.
func (s *Store) Save(meta Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling snapshot meta: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, "."+meta.TrajectoryID+"-*.json.tmp")
	if err != nil {
		return fmt.Errorf("creating temp meta file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp meta file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp meta file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path(meta.TrajectoryID)); err != nil {
		return fmt.Errorf("renaming meta file: %w", err)
	}
	return nil
}

// Load reads metadata for a trajectory, returning ErrSnapshotMissing when the
// file does not exist.
func (s *Store) Load(trajectoryID string) (Meta, error) {
	data, err := os.ReadFile(s.Path(trajectoryID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Meta{}, fmt.Errorf("%w: %s", ErrSnapshotMissing, trajectoryID)
		}
		return Meta{}, fmt.Errorf("reading snapshot meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("parsing snapshot meta %s: %w", trajectoryID, err)
	}
	return meta, nil
}

// Delete removes metadata for a trajectory. Missing files are not an error.
func (s *Store) Delete(trajectoryID string) error {
	if err := os.Remove(s.Path(trajectoryID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing snapshot meta: %w", err)
	}
	return nil
}
