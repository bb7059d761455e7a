package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store used in tests and single-replica
// deployments without an audit database configured.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append records r.
func (s *MemoryStore) Append(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

// Stream replays every record in seq order.
func (s *MemoryStore) Stream(ctx context.Context, visit func(Record) error) error {
	s.mu.Lock()
	snapshot := make([]Record, len(s.records))
	copy(snapshot, s.records)
	s.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Seq < snapshot[j].Seq })
	for _, r := range snapshot {
		if err := visit(r); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of recorded entries. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Close is a no-op; MemoryStore owns no external resource.
func (s *MemoryStore) Close() error {
	return nil
}
