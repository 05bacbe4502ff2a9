package storage

import (
	"fmt"
	"sync"
	"time"
)

// MockStorage is an in-memory Interface for tests.
type MockStorage struct {
	mu            sync.Mutex
	saveError     error
	runs          map[string]*RunRecord
	saveCallCount int
	nextID        int
}

// NewMockStorage creates an empty mock store.
func NewMockStorage() *MockStorage {
	return &MockStorage{runs: make(map[string]*RunRecord)}
}

func (m *MockStorage) SaveRun(rec *RunRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	if m.saveError != nil {
		return "", m.saveError
	}
	stored, err := cloneRecord(rec)
	if err != nil {
		return "", err
	}
	if stored.ID == "" {
		m.nextID++
		stored.ID = fmt.Sprintf("run-%d", m.nextID)
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	m.runs[stored.ID] = stored
	return stored.ID, nil
}

func (m *MockStorage) GetRun(id string) (*RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return cloneRecord(rec)
}

func (m *MockStorage) ListRuns() []RunSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunSummary, 0, len(m.runs))
	for _, rec := range m.runs {
		out = append(out, rec.Summary())
	}
	sortSummaries(out)
	return out
}

func (m *MockStorage) DeleteRun(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	delete(m.runs, id)
	return nil
}

// Mock control methods for testing
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

func (m *MockStorage) GetSaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

var _ Interface = (*MockStorage)(nil)
