// Package creditnote implements spec.md §4.9: wallet-scoped prepaid
// balances created from x402 overpayment, capped and TTL'd, applied
// automatically against a wallet's future x402 charges.
package creditnote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paylane/inference-gateway/internal/clockid"
	"github.com/paylane/inference-gateway/internal/kvstore"
	"github.com/paylane/inference-gateway/internal/metrics"
)

// DefaultCapMicros is the spec's hard cap on accumulated outstanding
// credit per wallet: 1,000,000 USDC expressed in MicroUSD base units.
const DefaultCapMicros int64 = 1_000_000 * 1_000_000

// DefaultTTL is the spec's 7-day outstanding-credit lifetime.
const DefaultTTL = 7 * 24 * time.Hour

// ErrCapExceeded is returned when issuing delta would push a wallet's
// outstanding balance above the configured cap. No CreditNote record is
// ever written on this outcome.
var ErrCapExceeded = errors.New("creditnote: cap exceeded")

// ErrInvalidDelta is returned for a non-positive delta or one outside the
// JS-safe-integer range, guarding the cap script against values that
// cannot be represented exactly once re-encoded by any caller.
var ErrInvalidDelta = errors.New("creditnote: invalid delta")

// Note is one issued credit note record, persisted only on a successful
// (non-capped) issuance.
type Note struct {
	NoteID        string
	Wallet        string
	AmountMicro   int64
	SourceQuoteID string
	ExpiresAt     time.Time
}

// Store persists issued Note records for audit/listing purposes. The
// outstanding balance itself lives only in the KV counter the Service
// mutates; Store is not consulted to compute balances.
type Store interface {
	Insert(ctx context.Context, note Note) error
}

// Service issues and applies wallet credit notes over the gateway's KV
// atomic recipes (spec.md §4.9).
type Service struct {
	kv       *kvstore.Store
	store    Store
	clk      clockid.Clock
	metrics  *metrics.Metrics
	capMicro int64
	ttl      time.Duration
}

// New builds a Service. store and metrics may be nil (a nil store skips
// note persistence; metrics calls are nil-receiver safe).
func New(kv *kvstore.Store, store Store, clk clockid.Clock, m *metrics.Metrics, capMicro int64, ttl time.Duration) *Service {
	if capMicro <= 0 {
		capMicro = DefaultCapMicros
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{kv: kv, store: store, clk: clk, metrics: m, capMicro: capMicro, ttl: ttl}
}

func walletKey(wallet string) string {
	return "credit:" + wallet
}

// maxSafeInteger bounds delta the same way spec.md §4.9 requires: values
// outside JS-safe-integer range are rejected before the script runs.
const maxSafeInteger = (int64(1) << 53) - 1

// Issue issues amount as outstanding credit for wallet, sourced from
// sourceQuoteID (the x402 quote/payment that overpaid). Fails the whole
// issuance (no Note record written) if it would exceed the cap.
func (s *Service) Issue(ctx context.Context, wallet string, amountMicro int64, sourceQuoteID string) (Note, error) {
	if amountMicro <= 0 || amountMicro > maxSafeInteger {
		return Note{}, ErrInvalidDelta
	}

	res, err := s.kv.IssueCreditNote(ctx, walletKey(wallet), amountMicro, s.capMicro, s.ttl)
	if err != nil {
		return Note{}, fmt.Errorf("creditnote: issue: %w", err)
	}
	if res.Status == kvstore.StatusCapExceeded {
		s.observeCapExceeded()
		return Note{}, ErrCapExceeded
	}

	noteID, err := clockid.NewEntryID(s.clk)
	if err != nil {
		return Note{}, fmt.Errorf("creditnote: new note id: %w", err)
	}
	note := Note{
		NoteID:        noteID,
		Wallet:        wallet,
		AmountMicro:   amountMicro,
		SourceQuoteID: sourceQuoteID,
		ExpiresAt:     s.clk.Now().Add(s.ttl),
	}
	if s.store != nil {
		if err := s.store.Insert(ctx, note); err != nil {
			return Note{}, fmt.Errorf("creditnote: persist note: %w", err)
		}
	}
	s.observeIssued()
	return note, nil
}

// ApplyResult is the decoded outcome of Apply.
type ApplyResult struct {
	UsedMicro      int64
	RemainingMicro int64
}

// Apply debits wallet's outstanding credit by min(balance, required),
// returning how much credit was used and the wallet's remaining balance.
func (s *Service) Apply(ctx context.Context, wallet string, requiredMicro int64) (ApplyResult, error) {
	res, err := s.kv.ApplyCreditNote(ctx, walletKey(wallet), requiredMicro)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("creditnote: apply: %w", err)
	}
	return ApplyResult{UsedMicro: res.Used, RemainingMicro: res.Remaining}, nil
}

func (s *Service) observeIssued() {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveCreditNoteIssued()
}

func (s *Service) observeCapExceeded() {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveCreditNoteCapExceeded()
}
