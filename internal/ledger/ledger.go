package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/paylane/inference-gateway/internal/clockid"
	"github.com/paylane/inference-gateway/internal/kvstore"
	"github.com/paylane/inference-gateway/internal/metrics"
	"github.com/paylane/inference-gateway/internal/money"
)

// DefaultReservationTTL is the receipt lifetime spec.md §4.6 names.
const DefaultReservationTTL = 5 * time.Minute

// Ledger composes the Redis-backed account cache, the authoritative
// Postgres journal, and the reservation receipt store into the gateway's
// accounting core. Every state-changing operation appends a zero-sum
// JournalEntry and runs a ConservationCheckpoint before reporting success.
type Ledger struct {
	kv       *kvstore.Store
	journal  JournalStore
	receipts *receiptStore
	clk      clockid.Clock
	log      zerolog.Logger
	metrics  *metrics.Metrics

	reservationTTL time.Duration
}

// New builds a Ledger. metrics may be nil (all Observe calls are
// nil-receiver safe).
func New(kv *kvstore.Store, journal JournalStore, clk clockid.Clock, log zerolog.Logger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		kv:             kv,
		journal:        journal,
		receipts:       newReceiptStore(kv),
		clk:            clk,
		log:            log,
		metrics:        m,
		reservationTTL: DefaultReservationTTL,
	}
}

// subAccount namespaces a JournalEntry posting to one counter of an
// account, so a posting set that moves value between two counters of the
// same account still sums to zero under spec.md §3's double-entry rule.
func subAccount(accountKey, counter string) string {
	return accountKey + ":" + counter
}

// ReserveResult is the decoded outcome of Reserve.
type ReserveResult struct {
	Status  Status
	Receipt ReservationReceipt
}

// Reserve implements spec.md §4.6's reserve operation. Precedence: an
// account with no unlocked balance but a non-zero allocated balance is
// credits_locked (HTTP 402, meaning a grant exists but isn't yet spent by
// this path); a zero unlocked balance with nothing allocated falls back
// to the on-chain x402 path; otherwise the atomic reserve recipe moves
// unlocked into reserved.
func (l *Ledger) Reserve(ctx context.Context, accountKey string, amount money.MicroUSD, correlationID string) (ReserveResult, error) {
	snap, err := l.kv.ReadAccount(ctx, accountKey)
	if err != nil {
		return ReserveResult{}, fmt.Errorf("ledger: reserve: read account: %w", err)
	}

	if snap.Unlocked == 0 && snap.Allocated > 0 {
		l.metrics.ObserveReservation("credits_locked")
		return ReserveResult{Status: StatusCreditsLocked}, nil
	}
	if snap.Unlocked == 0 {
		l.metrics.ObserveReservation("fallback_usdc")
		return ReserveResult{Status: StatusFallbackUSDC}, nil
	}

	res, err := l.kv.AtomicReserve(ctx, accountKey, int64(amount))
	if err != nil {
		return ReserveResult{}, fmt.Errorf("ledger: reserve: atomic reserve: %w", err)
	}
	if res.Status == kvstore.StatusInsufficientFunds {
		l.metrics.ObserveReservation("fallback_usdc")
		return ReserveResult{Status: StatusFallbackUSDC}, nil
	}

	if err := l.checkpoint(ctx, accountKey); err != nil {
		// Reverse the reserve we just performed: the checkpoint itself
		// found a negative counter, so moving the same amount back is
		// the one explicit compensating write the spec calls for.
		_, _ = l.kv.RollbackReservation(ctx, accountKey, int64(amount))
		l.metrics.ObserveConservationViolation("reserve")
		return ReserveResult{}, err
	}

	now := l.clk.Now()
	reservationID := clockid.NewV4()
	receipt := ReservationReceipt{
		ReservationID: reservationID,
		AccountKey:    accountKey,
		Amount:        amount,
		CreatedAt:     now,
		ExpiresAt:     now.Add(l.reservationTTL),
	}
	if err := l.receipts.put(ctx, receipt, l.reservationTTL); err != nil {
		_, _ = l.kv.RollbackReservation(ctx, accountKey, int64(amount))
		return ReserveResult{}, err
	}

	entry, err := l.buildEntry(ctx, EventReserve, correlationID, []Posting{
		{Account: subAccount(accountKey, "unlocked"), Delta: -amount},
		{Account: subAccount(accountKey, "reserved"), Delta: amount},
	})
	if err != nil {
		return ReserveResult{}, err
	}
	if err := l.journal.Append(ctx, entry); err != nil {
		return ReserveResult{}, fmt.Errorf("ledger: reserve: append journal: %w", err)
	}

	l.metrics.ObserveReservation("reserved")
	l.metrics.SetAccountBalance(accountKey, "unlocked", int64(res.Unlocked))
	l.metrics.SetAccountBalance(accountKey, "reserved", int64(res.Reserved))
	return ReserveResult{Status: StatusReserved, Receipt: receipt}, nil
}

// Finalize moves a reservation's amount from reserved to consumed. A
// missing or already-settled receipt is reported as
// StatusReservationNotFound rather than an error, since a retried
// finalize of an already-finalized reservation is the expected idempotent
// outcome spec.md §4.6 names.
func (l *Ledger) Finalize(ctx context.Context, reservationID, correlationID string) (Status, error) {
	receipt, err := l.receipts.get(ctx, reservationID)
	if err != nil {
		if err == ErrReceiptNotFound {
			l.metrics.ObserveFinalize("not_found")
			return StatusReservationNotFound, nil
		}
		return "", fmt.Errorf("ledger: finalize: %w", err)
	}

	status, err := l.kv.FinalizeReservation(ctx, receipt.AccountKey, int64(receipt.Amount))
	if err != nil {
		return "", fmt.Errorf("ledger: finalize: %w", err)
	}
	if status != kvstore.StatusOK {
		l.metrics.ObserveFinalize("not_found")
		_ = l.receipts.delete(ctx, reservationID)
		return StatusReservationNotFound, nil
	}

	if err := l.checkpoint(ctx, receipt.AccountKey); err != nil {
		l.metrics.ObserveConservationViolation("finalize")
		return "", err
	}

	entry, err := l.buildEntry(ctx, EventFinalize, correlationID, []Posting{
		{Account: subAccount(receipt.AccountKey, "reserved"), Delta: -receipt.Amount},
		{Account: subAccount(receipt.AccountKey, "consumed"), Delta: receipt.Amount},
	})
	if err != nil {
		return "", err
	}
	if err := l.journal.Append(ctx, entry); err != nil {
		return "", fmt.Errorf("ledger: finalize: append journal: %w", err)
	}

	_ = l.receipts.delete(ctx, reservationID)
	l.metrics.ObserveFinalize("ok")
	return StatusFinalized, nil
}

// Rollback moves a reservation's amount from reserved back to unlocked.
// Like Finalize, a missing receipt is the idempotent not-found outcome.
func (l *Ledger) Rollback(ctx context.Context, reservationID, correlationID string) (Status, error) {
	receipt, err := l.receipts.get(ctx, reservationID)
	if err != nil {
		if err == ErrReceiptNotFound {
			l.metrics.ObserveRollback("not_found")
			return StatusReservationNotFound, nil
		}
		return "", fmt.Errorf("ledger: rollback: %w", err)
	}

	status, err := l.kv.RollbackReservation(ctx, receipt.AccountKey, int64(receipt.Amount))
	if err != nil {
		return "", fmt.Errorf("ledger: rollback: %w", err)
	}
	if status != kvstore.StatusOK {
		l.metrics.ObserveRollback("not_found")
		_ = l.receipts.delete(ctx, reservationID)
		return StatusReservationNotFound, nil
	}

	if err := l.checkpoint(ctx, receipt.AccountKey); err != nil {
		l.metrics.ObserveConservationViolation("rollback")
		return "", err
	}

	entry, err := l.buildEntry(ctx, EventRollback, correlationID, []Posting{
		{Account: subAccount(receipt.AccountKey, "reserved"), Delta: -receipt.Amount},
		{Account: subAccount(receipt.AccountKey, "unlocked"), Delta: receipt.Amount},
	})
	if err != nil {
		return "", err
	}
	if err := l.journal.Append(ctx, entry); err != nil {
		return "", fmt.Errorf("ledger: rollback: append journal: %w", err)
	}

	_ = l.receipts.delete(ctx, reservationID)
	l.metrics.ObserveRollback("ok")
	return StatusRolledBack, nil
}

// ExpireReceipt treats an expired reservation (found via Receipt() by a
// caller that checked Expired) as an implicit rollback, per spec.md
// §4.6's "expiry is equivalent to implicit rollback at read time".
func (l *Ledger) ExpireReceipt(ctx context.Context, reservationID, correlationID string) (Status, error) {
	return l.Rollback(ctx, reservationID, correlationID)
}

// Receipt returns the live receipt for reservationID, if any.
func (l *Ledger) Receipt(ctx context.Context, reservationID string) (ReservationReceipt, error) {
	return l.receipts.get(ctx, reservationID)
}

// Grant adds amount directly to an account's unlocked counter (a top-up
// or a credit-note redemption), appending a single-sided-looking posting
// balanced against a synthetic "issuance" account so the entry still
// zero-sums.
func (l *Ledger) Grant(ctx context.Context, accountKey string, amount money.MicroUSD, correlationID string) error {
	if _, err := l.kv.Grant(ctx, accountKey, int64(amount)); err != nil {
		return fmt.Errorf("ledger: grant: %w", err)
	}
	if err := l.checkpoint(ctx, accountKey); err != nil {
		_, _ = l.kv.Grant(ctx, accountKey, -int64(amount))
		l.metrics.ObserveConservationViolation("grant")
		return err
	}

	entry, err := l.buildEntry(ctx, EventGrant, correlationID, []Posting{
		{Account: subAccount(accountKey, "unlocked"), Delta: amount},
		{Account: "issuance", Delta: -amount},
	})
	if err != nil {
		return err
	}
	return l.journal.Append(ctx, entry)
}

// checkpoint implements spec.md §4.6's ConservationCheckpoint: every
// cached counter for accountKey must be non-negative after a mutation.
func (l *Ledger) checkpoint(ctx context.Context, accountKey string) error {
	snap, err := l.kv.ReadAccount(ctx, accountKey)
	if err != nil {
		return fmt.Errorf("ledger: checkpoint: %w", err)
	}
	if snap.Unlocked < 0 || snap.Reserved < 0 || snap.Consumed < 0 || snap.Allocated < 0 || snap.Expired < 0 {
		return fmt.Errorf("%w: account %s: %+v", ErrConservationViolation, accountKey, snap)
	}
	return nil
}

func (l *Ledger) buildEntry(ctx context.Context, eventType, correlationID string, postings []Posting) (JournalEntry, error) {
	if !ZeroSum(postings) {
		return JournalEntry{}, ErrPostingsNotZeroSum
	}
	id, err := clockid.NewEntryID(l.clk)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("ledger: new entry id: %w", err)
	}
	return JournalEntry{
		EntryID:       id,
		EventType:     eventType,
		CorrelationID: correlationID,
		Postings:      postings,
		Timestamp:     l.clk.Now(),
	}, nil
}
