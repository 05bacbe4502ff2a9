package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JSONStorage keeps every run in one JSON file. The whole file is loaded
// at start and rewritten atomically on every change.
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *StorageData
}

// StorageData is the on-disk document.
type StorageData struct {
	Runs        map[string]*RunRecord `json:"runs"`
	LastUpdated time.Time             `json:"last_updated"`
}

// NewJSONStorage opens path, loading it when it exists.
func NewJSONStorage(path string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: path,
		data:     &StorageData{Runs: make(map[string]*RunRecord)},
	}
	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}
	return s, nil
}

func (s *JSONStorage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	data := &StorageData{}
	if err := json.Unmarshal(raw, data); err != nil {
		return err
	}
	if data.Runs == nil {
		data.Runs = make(map[string]*RunRecord)
	}
	s.data = data
	return nil
}

// save must be called with s.mu held for writing.
func (s *JSONStorage) save() error {
	s.data.LastUpdated = time.Now()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.filepath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpFile, s.filepath)
}

// SaveRun implements Interface.
func (s *JSONStorage) SaveRun(rec *RunRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("nil run record")
	}
	stored, err := cloneRecord(rec)
	if err != nil {
		return "", err
	}
	if stored.ID == "" {
		stored.ID = uuid.NewString()
		if rec.Result != nil && rec.Result.RunID != "" {
			stored.ID = rec.Result.RunID
		}
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.data.Runs[stored.ID]
	s.data.Runs[stored.ID] = stored
	if err := s.save(); err != nil {
		if existed {
			s.data.Runs[stored.ID] = prev
		} else {
			delete(s.data.Runs, stored.ID)
		}
		return "", fmt.Errorf("saving run %s: %w", stored.ID, err)
	}
	return stored.ID, nil
}

// GetRun implements Interface.
func (s *JSONStorage) GetRun(id string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data.Runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return cloneRecord(rec)
}

// ListRuns implements Interface.
func (s *JSONStorage) ListRuns() []RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunSummary, 0, len(s.data.Runs))
	for _, rec := range s.data.Runs {
		out = append(out, rec.Summary())
	}
	sortSummaries(out)
	return out
}

// DeleteRun implements Interface.
func (s *JSONStorage) DeleteRun(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data.Runs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	delete(s.data.Runs, id)
	if err := s.save(); err != nil {
		s.data.Runs[id] = rec
		return fmt.Errorf("deleting run %s: %w", id, err)
	}
	return nil
}

func sortSummaries(out []RunSummary) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

// cloneRecord deep-copies rec through its JSON form, so callers get exactly
// what a reload from disk would return.
func cloneRecord(rec *RunRecord) (*RunRecord, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encoding run: %w", err)
	}
	out := &RunRecord{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decoding run: %w", err)
	}
	return out, nil
}
