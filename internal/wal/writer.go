package wal

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/paylane/inference-gateway/internal/clockid"
)

// Writer is the single process holding the writer lease's local append
// surface: every Append validates the lease's fencing token before
// touching disk, so a writer that has lost its lease to a failover peer
// can never corrupt the log tail.
type Writer struct {
	file *os.File
	lock *Lock
	clk  clockid.Clock
	log  zerolog.Logger

	mu         sync.Mutex
	lastOffset int64
}

// OpenWriter opens (creating if absent) the log file at path for
// appending, bound to lock for fencing validation.
func OpenWriter(path string, lock *Lock, clk clockid.Clock, log zerolog.Logger) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: stat log file: %w", err)
	}
	return &Writer{file: f, lock: lock, clk: clk, log: log, lastOffset: info.Size()}, nil
}

// Append builds an Entry from eventType/payload, validates the current
// fencing token against the writer lock, and appends the encoded entry to
// the log file. It fails closed (no partial write observed by readers) on
// a stale or corrupt fence.
func (w *Writer) Append(ctx context.Context, eventType string, payload interface{}) (Entry, error) {
	token, held := w.lock.Token()
	if !held {
		return Entry{}, fmt.Errorf("wal: append without held writer lock")
	}
	if err := w.lock.ValidateAndAdvance(ctx, token); err != nil {
		return Entry{}, fmt.Errorf("wal: append: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	entry, err := NewEntry(w.clk, w.lastOffset, token, eventType, payload)
	if err != nil {
		return Entry{}, err
	}
	line, err := entry.encode()
	if err != nil {
		return Entry{}, err
	}
	n, err := w.file.Write(line)
	if err != nil {
		return Entry{}, fmt.Errorf("wal: write entry: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return Entry{}, fmt.Errorf("wal: sync entry: %w", err)
	}
	w.lastOffset += int64(n)

	w.log.Debug().
		Str("entry_id", entry.EntryID).
		Str("event_type", eventType).
		Int64("fencing_token", token).
		Msg("wal entry appended")
	return entry, nil
}

// Offset returns the current append offset, useful for tests asserting
// prev_offset linkage.
func (w *Writer) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastOffset
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	return w.file.Close()
}
