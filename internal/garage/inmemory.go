package garage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]ServiceRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]ServiceRecord)}
}

func (s *InMemoryStore) SaveRecord(_ context.Context, record ServiceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.PerformedAt.IsZero() {
		record.PerformedAt = time.Now().UTC()
	}
	s.records[record.VIN] = append(s.records[record.VIN], record)
	return nil
}

func (s *InMemoryStore) RecordsForVehicle(_ context.Context, vin string, limit int) ([]ServiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[vin]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]ServiceRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
