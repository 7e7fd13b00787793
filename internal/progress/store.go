package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrCorrupt marks a progress file that exists but cannot be decoded. The
// caller must stop rather than silently restart the run from scratch.
var ErrCorrupt = errors.New("corrupt progress file")

// Store reads and writes run records as JSON files under a directory, one
// file per run.
type Store struct {
	dir string
}

// NewStore creates the directory if needed and returns a Store over it.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create progress dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// Exists reports whether a record for runID is on disk.
func (s *Store) Exists(runID string) bool {
	_, err := os.Stat(s.path(runID))
	return err == nil
}

// Load reads the record for runID. A missing file returns os.ErrNotExist;
// an unreadable or undecodable file returns ErrCorrupt.
func (s *Store) Load(runID string) (*Record, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s: %w", runID, os.ErrNotExist)
		}
		return nil, fmt.Errorf("read %s: %w", s.path(runID), err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path(runID), err)
	}
	if record.RunID != runID {
		return nil, fmt.Errorf("%w: %s: run id mismatch %q", ErrCorrupt, s.path(runID), record.RunID)
	}
	if record.Failed == nil {
		record.Failed = make(map[string]Failure)
	}
	if record.SkipReasons == nil {
		record.SkipReasons = make(map[string]string)
	}
	return &record, nil
}

// Commit atomically replaces the record on disk: the JSON is written to a
// temp file in the same directory and renamed over the target, so a crash
// mid-write never leaves a partial file.
func (s *Store) Commit(record *Record) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run %s: %w", record.RunID, err)
	}

	tmp, err := os.CreateTemp(s.dir, record.RunID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(record.RunID)); err != nil {
		return fmt.Errorf("replace %s: %w", s.path(record.RunID), err)
	}
	return nil
}

// List returns the run IDs with records on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read progress dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".json" {
			ids = append(ids, name[:len(name)-len(".json")])
		}
	}
	return ids, nil
}
