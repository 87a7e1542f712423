package train

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"qgnet/pkg/model"
)

// Checkpoint is everything needed to continue training after an epoch.
type Checkpoint struct {
	Epoch     int
	Params    model.Snapshot
	Optimizer AdamState
}

// CheckpointPath is the file written for epoch inside dir.
func CheckpointPath(dir string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("model_%d.gob", epoch))
}

func SaveCheckpoint(path string, ck *Checkpoint) error {
	return writeGob(path, ck)
}

func LoadCheckpoint(path string) (*Checkpoint, error) {
	var ck Checkpoint
	if err := readGob(path, &ck); err != nil {
		return nil, err
	}
	return &ck, nil
}

// SaveSnapshot writes parameter values only, as used for the best model.
func SaveSnapshot(path string, s model.Snapshot) error {
	return writeGob(path, s)
}

func LoadSnapshot(path string) (model.Snapshot, error) {
	var s model.Snapshot
	if err := readGob(path, &s); err != nil {
		return nil, err
	}
	return s, nil
}

func writeGob(path string, v any) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("train: create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("train: create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("train: close %s: %w", path, cerr)
		}
	}()
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		return fmt.Errorf("train: encode %s: %w", path, err)
	}
	return nil
}

func readGob(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("train: open %s: %w", path, err)
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("train: decode %s: %w", path, err)
	}
	return nil
}
