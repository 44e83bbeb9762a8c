package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/pmc-harvester/internal/record"
)

// RecordSink keeps the latest version of every record by ID.
type RecordSink struct {
	mu      sync.RWMutex
	records map[string]record.Record
	order   []string
	writes  int
}

// NewRecordSink creates an empty RecordSink.
func NewRecordSink() *RecordSink {
	return &RecordSink{records: make(map[string]record.Record)}
}

// Upsert replaces any record with the same ID.
func (s *RecordSink) Upsert(_ context.Context, rec record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	s.records[rec.ID] = rec
	s.writes++
	return nil
}

// Get returns the stored record for id.
func (s *RecordSink) Get(id string) (record.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Records returns every stored record in first-seen order.
func (s *RecordSink) Records() []record.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]record.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}

// Len returns the number of distinct records.
func (s *RecordSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Writes returns the number of Upsert calls.
func (s *RecordSink) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Close is a no-op.
func (s *RecordSink) Close() error { return nil }
