package ledger

import (
	"context"
	"sync"
)

// MemoryJournalStore is an in-process JournalStore used in tests and in
// the recovery engine's built-in-template fallback path. Entries are kept
// in append order, matching the Postgres store's ORDER BY entry_id
// semantics since ULIDs are already monotonic at insertion time.
type MemoryJournalStore struct {
	mu      sync.Mutex
	entries []JournalEntry
}

// NewMemoryJournalStore returns an empty in-memory journal.
func NewMemoryJournalStore() *MemoryJournalStore {
	return &MemoryJournalStore{}
}

func (m *MemoryJournalStore) Append(_ context.Context, entry JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryJournalStore) Stream(_ context.Context, visit func(JournalEntry) error) error {
	m.mu.Lock()
	snapshot := make([]JournalEntry, len(m.entries))
	copy(snapshot, m.entries)
	m.mu.Unlock()

	for _, e := range snapshot {
		if err := visit(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryJournalStore) Close() error { return nil }
