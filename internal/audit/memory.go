package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps the audit trail in memory. It is the default when no
// database path is configured, and the store of choice in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	// cap bounds memory use; oldest records are dropped first.
	cap int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory store holding at most 10000 records.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cap: 10000}
}

func (s *MemoryStore) Record(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *rec
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	s.records = append(s.records, &stored)
	if len(s.records) > s.cap {
		s.records = s.records[len(s.records)-s.cap:]
	}
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}

	out := make([]*Record, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := *s.records[i]
		out = append(out, &rec)
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
