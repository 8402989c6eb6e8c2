package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
	"venuecal/internal/models"
)

// DefaultPath is where the file store keeps its state.
const DefaultPath = "data/seen-events.json"

// fileState is the on-disk layout. The key is the normalization key.
type fileState struct {
	Version int               `json:"version"`
	Records map[string]Record `json:"records"`
}

// FileStore is a Store backed by a JSON file that is rewritten atomically
// on every change.
type FileStore struct {
	logger  *slog.Logger
	path    string
	records map[string]Record
	now     func() time.Time
}

// OpenFile loads the state file at path, starting fresh if it does not exist.
func OpenFile(logger *slog.Logger, path string) (*FileStore, error) {
	if path == "" {
		path = DefaultPath
	}
	s := &FileStore{logger: logger, path: path, records: make(map[string]Record), now: time.Now}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Info("No dedup state file found, starting fresh.", "file", path)
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, fmt.Errorf("failed to create dedup state directory: %w", err)
			}
			return s, nil
		}
		return nil, fmt.Errorf("failed to read dedup state: %w", err)
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse dedup state %s: %w", path, err)
	}
	if state.Records != nil {
		s.records = state.Records
	}
	logger.Debug("Loaded dedup state.", "file", path, "records", len(s.records))
	return s, nil
}

func (s *FileStore) IsNew(_ context.Context, ev *models.Event) (bool, error) {
	_, ok := s.records[ev.Key().String()]
	return !ok, nil
}

func (s *FileStore) Record(_ context.Context, ev *models.Event) error {
	k := ev.Key().String()
	if _, ok := s.records[k]; ok {
		return nil
	}
	s.records[k] = newRecord(ev, s.now())
	if err := s.save(); err != nil {
		delete(s.records, k)
		return err
	}
	return nil
}

func (s *FileStore) Purge(_ context.Context, olderThanDays int, now time.Time) (int, error) {
	removed := purgeMap(s.records, olderThanDays, now)
	if removed == 0 {
		return 0, nil
	}
	if err := s.save(); err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *FileStore) Upcoming(_ context.Context, from time.Time) ([]Record, error) {
	return upcomingFromMap(s.records, from), nil
}

// Close is a no-op: every change is already on disk.
func (s *FileStore) Close() error { return nil }

// save writes the state to a temp file in the same directory and renames it
// over the target so a crash never leaves a partial file.
func (s *FileStore) save() error {
	data, err := json.MarshalIndent(fileState{Version: 1, Records: s.records}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dedup state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".seen-events-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write dedup state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync dedup state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace dedup state: %w", err)
	}
	return nil
}
