package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"strconv"
	"strings"

	"github.com/paylane/inference-gateway/internal/clockid"
)

// ErrChecksumMismatch is returned by Entry.Verify when the stamped crc32
// no longer matches the entry's canonical bytes, meaning the record was
// truncated or corrupted on disk.
var ErrChecksumMismatch = fmt.Errorf("wal: checksum mismatch")

// Entry is one record in the write-ahead log: `{entry_id, prev_offset,
// fencing_token, event_type, payload, checksum}`. entry_id is a ULID so
// entries are totally ordered by insertion even within the same
// millisecond; prev_offset links each entry to the byte offset of the one
// before it, giving readers a way to detect a truncated tail; checksum is
// stamped at append and re-verified at replay.
type Entry struct {
	EntryID      string          `json:"entry_id"`
	PrevOffset   int64           `json:"prev_offset"`
	FencingToken int64           `json:"fencing_token"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	Checksum     uint32          `json:"checksum"`
}

// canonicalBytes returns the byte sequence the checksum is computed over.
// It excludes the checksum field itself and joins the rest with a
// delimiter that cannot appear inside the numeric fields, so the checksum
// is stable regardless of how the caller later re-marshals the struct.
func (e Entry) canonicalBytes() []byte {
	var b strings.Builder
	b.WriteString(e.EntryID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.PrevOffset, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.FencingToken, 10))
	b.WriteByte('|')
	b.WriteString(e.EventType)
	b.WriteByte('|')
	b.Write(e.Payload)
	return []byte(b.String())
}

// NewEntry builds an Entry with a fresh ULID entry_id and a stamped
// checksum, marshaling payload to JSON. prevOffset and fencingToken are
// supplied by the caller (the WAL writer tracks the last-written offset;
// the fencing token comes from the writer lock's current lease).
func NewEntry(clk clockid.Clock, prevOffset, fencingToken int64, eventType string, payload interface{}) (Entry, error) {
	id, err := clockid.NewEntryID(clk)
	if err != nil {
		return Entry{}, fmt.Errorf("wal: new entry: %w", err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("wal: marshal payload: %w", err)
	}
	e := Entry{
		EntryID:      id,
		PrevOffset:   prevOffset,
		FencingToken: fencingToken,
		EventType:    eventType,
		Payload:      raw,
	}
	e.Checksum = crc32.ChecksumIEEE(e.canonicalBytes())
	return e, nil
}

// Verify recomputes the crc32 over the entry's canonical bytes and
// compares it against the stamped checksum.
func (e Entry) Verify() error {
	if crc32.ChecksumIEEE(e.canonicalBytes()) != e.Checksum {
		return ErrChecksumMismatch
	}
	return nil
}

// encode serializes the entry as a single line of JSON terminated by a
// newline, so the log file is a plain append-only sequence of lines.
func (e Entry) encode() ([]byte, error) {
	line, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("wal: encode entry: %w", err)
	}
	return append(line, '\n'), nil
}

// decodeEntry parses a single log line back into an Entry.
func decodeEntry(line []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Entry{}, fmt.Errorf("wal: decode entry: %w", err)
	}
	return e, nil
}

// ApplyFunc is the caller-supplied callback invoked for each entry
// streamed during replay (internal/recovery's boot cascade).
type ApplyFunc func(Entry) error

// Stream reads newline-delimited Entry records from r in order, calling
// apply for each one after verifying its checksum. It stops and returns an
// error at the first checksum failure or decode error, since a corrupt
// entry means every entry after it is unrecoverable (prev_offset links
// would no longer be trustworthy).
func Stream(r io.Reader, apply ApplyFunc) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	count := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		entry, err := decodeEntry(line)
		if err != nil {
			return count, err
		}
		if err := entry.Verify(); err != nil {
			return count, fmt.Errorf("wal: entry %s: %w", entry.EntryID, err)
		}
		if err := apply(entry); err != nil {
			return count, fmt.Errorf("wal: apply entry %s: %w", entry.EntryID, err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("wal: scan log: %w", err)
	}
	return count, nil
}
