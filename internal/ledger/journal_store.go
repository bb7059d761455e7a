package ledger

import (
	"context"
)

// JournalStore is the authoritative append-only backing store for
// JournalEntry records. The ledger's Redis-backed Account cache is never
// the source of truth; reconciliation (C8) rederives balances by calling
// Stream over every entry.
type JournalStore interface {
	Append(ctx context.Context, entry JournalEntry) error
	// Stream calls visit for every entry in EntryID (insertion) order.
	// Returning an error from visit stops iteration and is propagated.
	Stream(ctx context.Context, visit func(JournalEntry) error) error
	Close() error
}
