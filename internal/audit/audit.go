// Package audit implements the gateway's append-only, hash-chained audit
// trail (spec.md §4.12): every record's hash covers the previous record's
// hash plus its own canonical bytes, so altering or dropping any entry
// breaks the chain from that point forward and Verify detects exactly
// where. The firewall wrapping provider mutations writes an `intent`
// record before calling out, then an `ok`, `err`, or `denied` record once
// the outcome is known.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/paylane/inference-gateway/internal/clockid"
	"github.com/paylane/inference-gateway/internal/metrics"
)

// Phase classifies where in a provider mutation's lifecycle a Record was
// written.
type Phase string

const (
	PhaseIntent Phase = "intent"
	PhaseOK     Phase = "ok"
	PhaseErr    Phase = "err"
	PhaseDenied Phase = "denied"
)

// genesisHash seeds the chain for an empty log; Verify treats record #1's
// PrevHash as correct only if it equals this constant.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000"

// Record is one append-only audit entry. Data must already be pre-redacted
// by the caller: auditable fields never include secrets.
type Record struct {
	Seq        int64
	PrevHash   string
	RecordHash string
	Timestamp  time.Time
	JobID      string
	TemplateID string
	Action     string
	Phase      Phase
	Data       json.RawMessage
}

// canonicalBytes renders the record (excluding RecordHash) as sorted-key,
// whitespace-free JSON — Go's encoding/json sorts map keys automatically,
// so building the record as a map is sufficient to satisfy spec.md's
// canonicalization rule.
func canonicalBytes(r Record) ([]byte, error) {
	data := r.Data
	if data == nil {
		data = json.RawMessage("null")
	}
	m := map[string]interface{}{
		"seq":         r.Seq,
		"prev_hash":   r.PrevHash,
		"timestamp":   r.Timestamp.UTC().Format(time.RFC3339Nano),
		"job_id":      r.JobID,
		"template_id": r.TemplateID,
		"action":      r.Action,
		"phase":       string(r.Phase),
		"data":        data,
	}
	return json.Marshal(m)
}

func recordHash(r Record) (string, error) {
	canon, err := canonicalBytes(r)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize record: %w", err)
	}
	sum := sha256.Sum256(append([]byte(r.PrevHash), canon...))
	return hex.EncodeToString(sum[:]), nil
}

// Store persists the append-only Record sequence and lets it be replayed
// in order for chain verification or reconstruction.
type Store interface {
	Append(ctx context.Context, r Record) error
	Stream(ctx context.Context, visit func(Record) error) error
	Close() error
}

// Log is the hash-chained audit writer. A single Log must own a given
// Store; concurrent writers would race on PrevHash/Seq.
type Log struct {
	store Store
	clk   clockid.Clock
	log   zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	lastHash string
	nextSeq  int64
}

// NewLog builds a Log, replaying store to recover the chain's current tip
// so a restarted process keeps appending from the right seq/hash.
func NewLog(ctx context.Context, store Store, clk clockid.Clock, log zerolog.Logger, m *metrics.Metrics) (*Log, error) {
	l := &Log{store: store, clk: clk, log: log, metrics: m, lastHash: genesisHash, nextSeq: 1}

	err := store.Stream(ctx, func(r Record) error {
		l.lastHash = r.RecordHash
		l.nextSeq = r.Seq + 1
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: recover chain tip: %w", err)
	}
	return l, nil
}

// Append writes one record, chained onto the current tip, and never lets a
// panic inside this call escape to the firewall it instruments — a
// miscomputed hash or marshal failure must not crash the provider call it
// is only meant to observe.
func (l *Log) Append(ctx context.Context, jobID, templateID, action string, phase Phase, data interface{}) (rec Record, err error) {
	defer func() {
		if p := recover(); p != nil {
			l.log.Error().
				Interface("panic", p).
				Str("action", action).
				Str("phase", string(phase)).
				Msg("audit append panicked (recovered)")
			err = fmt.Errorf("audit: append panicked: %v", p)
		}
	}()

	payload, marshalErr := json.Marshal(data)
	if marshalErr != nil {
		return Record{}, fmt.Errorf("audit: marshal data: %w", marshalErr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r := Record{
		Seq:        l.nextSeq,
		PrevHash:   l.lastHash,
		Timestamp:  l.clk.Now(),
		JobID:      jobID,
		TemplateID: templateID,
		Action:     action,
		Phase:      phase,
		Data:       payload,
	}
	hash, hashErr := recordHash(r)
	if hashErr != nil {
		return Record{}, hashErr
	}
	r.RecordHash = hash

	if appendErr := l.store.Append(ctx, r); appendErr != nil {
		return Record{}, fmt.Errorf("audit: append: %w", appendErr)
	}

	l.lastHash = r.RecordHash
	l.nextSeq = r.Seq + 1
	return r, nil
}

// VerifyResult reports whether the stored chain is intact and, if not, the
// first sequence number whose hash no longer matches.
type VerifyResult struct {
	OK         bool
	BrokenSeq  int64
	RecordsSeen int64
}

// Verify rolls the chain forward from the genesis hash, recomputing each
// record's hash and comparing it to what was stored, and reports the
// first broken sequence number if any record was altered, dropped, or
// reordered.
func (l *Log) Verify(ctx context.Context) (VerifyResult, error) {
	result := VerifyResult{OK: true}
	prevHash := genesisHash

	err := l.store.Stream(ctx, func(r Record) error {
		result.RecordsSeen++
		if r.PrevHash != prevHash {
			result.OK = false
			if result.BrokenSeq == 0 {
				result.BrokenSeq = r.Seq
			}
			return nil
		}
		expected, hashErr := recordHash(r)
		if hashErr != nil {
			return hashErr
		}
		if expected != r.RecordHash {
			result.OK = false
			if result.BrokenSeq == 0 {
				result.BrokenSeq = r.Seq
			}
		}
		prevHash = r.RecordHash
		return nil
	})
	if err != nil {
		return VerifyResult{}, fmt.Errorf("audit: verify: %w", err)
	}

	if !result.OK && l.metrics != nil {
		l.metrics.ObserveAuditChainBreak()
	}
	return result, nil
}
