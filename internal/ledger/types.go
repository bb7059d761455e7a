// Package ledger implements the gateway's double-entry accounting core:
// Account balances cached in Redis for atomic reserve/finalize/rollback,
// an append-only JournalEntry stream in Postgres as the sole authority,
// and a ConservationCheckpoint that refuses to let any operation leave a
// counter negative.
package ledger

import (
	"errors"
	"time"

	"github.com/paylane/inference-gateway/internal/money"
)

// Status is the outcome of a ledger operation.
type Status string

const (
	StatusReserved            Status = "reserved"
	StatusCreditsLocked       Status = "credits_locked"
	StatusFallbackUSDC        Status = "fallback_usdc"
	StatusFinalized           Status = "finalized"
	StatusRolledBack          Status = "rolled_back"
	StatusReservationNotFound Status = "reservation_not_found"
)

var (
	// ErrConservationViolation is returned when a ConservationCheckpoint
	// observes a negative counter after a mutation; the caller must treat
	// the state-changing operation as failed. Reserve and Grant reverse
	// their cache-side mutation before returning it; Finalize and Rollback
	// return it without reversing.
	ErrConservationViolation = errors.New("ledger: conservation violation")

	// ErrPostingsNotZeroSum is returned when a JournalEntry is built from
	// postings that do not sum to zero, violating double-entry.
	ErrPostingsNotZeroSum = errors.New("ledger: postings do not sum to zero")
)

// Account is the cached view of one wallet/key's MicroUSD counters.
// unlocked+reserved+consumed+expired+allocated must equal the account's
// initial total at all times up to a grant event (spec.md §3).
type Account struct {
	AccountKey string
	Unlocked   money.MicroUSD
	Reserved   money.MicroUSD
	Consumed   money.MicroUSD
	Allocated  money.MicroUSD
	Expired    money.MicroUSD
}

// ReservationReceipt records one in-flight reservation pending finalize or
// rollback, with a default five-minute lifetime; expiry is equivalent to
// an implicit rollback at read time.
type ReservationReceipt struct {
	ReservationID string
	AccountKey    string
	Amount        money.MicroUSD
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the receipt's TTL has elapsed as of now.
func (r ReservationReceipt) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Posting is one leg of a JournalEntry: a signed delta against an account.
type Posting struct {
	Account string
	Delta   money.MicroUSD
}

// ZeroSum reports whether a set of postings sums to zero, the double-entry
// invariant every JournalEntry must satisfy.
func ZeroSum(postings []Posting) bool {
	var sum int64
	for _, p := range postings {
		sum += int64(p.Delta)
	}
	return sum == 0
}

// JournalEntry is one append-only record in the ledger's authoritative
// journal. Entries are totally ordered by EntryID (a ULID).
type JournalEntry struct {
	EntryID       string
	EventType     string
	CorrelationID string
	Postings      []Posting
	WALOffset     int64
	Timestamp     time.Time
}

// Event type constants recorded against JournalEntry.EventType.
const (
	EventReserve               = "reserve"
	EventFinalize              = "finalize"
	EventRollback              = "rollback"
	EventGrant                 = "grant"
	EventRoundingAdjustment    = "rounding_adjustment"
	EventReconciliationSummary = "reconciliation_summary"
)
