package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store keeps the rolling checkpoint of a run directory and a copy of the
// best one: <dir>/checkpoint.<ext> and <dir>/model_best.<ext>.
type Store struct {
	dir   string
	saver *CheckpointSaver
}

// NewStore creates the run directory if needed.
func NewStore(dir string, format CheckpointFormat) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Store{dir: dir, saver: NewCheckpointSaver(format)}, nil
}

// Dir returns the run directory.
func (s *Store) Dir() string { return s.dir }

// LatestPath is the rolling checkpoint file.
func (s *Store) LatestPath() string {
	return filepath.Join(s.dir, "checkpoint."+s.saver.Format().Extension())
}

// BestPath is the best-accuracy copy.
func (s *Store) BestPath() string {
	return filepath.Join(s.dir, "model_best."+s.saver.Format().Extension())
}

// Save overwrites the rolling checkpoint and, when isBest, writes the same
// bytes to the best copy.
func (s *Store) Save(c *Checkpoint, isBest bool) error {
	data, err := s.saver.Marshal(c)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.LatestPath(), data); err != nil {
		return err
	}
	if isBest {
		if err := writeFileAtomic(s.BestPath(), data); err != nil {
			return fmt.Errorf("failed to write best checkpoint: %w", err)
		}
	}
	return nil
}

// LoadLatest reads the rolling checkpoint.
func (s *Store) LoadLatest() (*Checkpoint, error) {
	return s.saver.LoadCheckpoint(s.LatestPath())
}
