package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/paylane/inference-gateway/internal/wal"
)

// WALJournalStore is a JournalStore backed by the local write-ahead log
// (internal/wal) rather than Postgres: every JournalEntry is appended as a
// fencing-token-protected, checksummed wal.Entry, and Stream replays the
// log file in order. Used standalone (single-instance deployments with no
// Postgres) or alongside a PostgresJournalStore as the boot recovery
// cascade's local source.
type WALJournalStore struct {
	path   string
	writer *wal.Writer
}

// NewWALJournalStore builds a WALJournalStore around an already-opened
// writer (bound to a held writer lock, per internal/wal.Lock). path must
// be the same file the writer was opened against, so Stream reads the
// entries Append wrote.
func NewWALJournalStore(path string, writer *wal.Writer) *WALJournalStore {
	return &WALJournalStore{path: path, writer: writer}
}

// Append encodes entry as JSON and appends it as one wal.Entry.
func (s *WALJournalStore) Append(ctx context.Context, entry JournalEntry) error {
	_, err := s.writer.Append(ctx, entry.EventType, entry)
	if err != nil {
		return fmt.Errorf("ledger: wal journal append: %w", err)
	}
	return nil
}

// Stream replays every JournalEntry recorded in the log file, in
// insertion order.
func (s *WALJournalStore) Stream(ctx context.Context, visit func(JournalEntry) error) error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ledger: wal journal stream: open: %w", err)
	}
	defer f.Close()

	_, err = wal.Stream(f, func(e wal.Entry) error {
		var entry JournalEntry
		if err := json.Unmarshal(e.Payload, &entry); err != nil {
			return fmt.Errorf("ledger: wal journal stream: decode payload: %w", err)
		}
		entry.WALOffset = e.PrevOffset
		return visit(entry)
	})
	return err
}

// Close releases the underlying writer's file handle.
func (s *WALJournalStore) Close() error {
	return s.writer.Close()
}
