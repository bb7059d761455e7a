package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/paylane/inference-gateway/internal/kvstore"
	"github.com/paylane/inference-gateway/internal/money"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

type LedgerSuite struct {
	suite.Suite
	mr      *miniredis.Miniredis
	rdb     *redis.Client
	kv      *kvstore.Store
	journal *MemoryJournalStore
	ledger  *Ledger
	ctx     context.Context
}

func (s *LedgerSuite) SetupTest() {
	mr, err := miniredis.Run()
	s.Require().NoError(err)
	s.mr = mr
	s.rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.kv = kvstore.New(s.rdb)
	s.journal = NewMemoryJournalStore()
	s.ledger = New(s.kv, s.journal, fixedClock{t: time.Now().UTC()}, zerolog.Nop(), nil)
	s.ctx = context.Background()
}

func (s *LedgerSuite) TearDownTest() {
	s.rdb.Close()
	s.mr.Close()
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) fund(accountKey string, unlocked int64) {
	_, err := s.kv.Grant(s.ctx, accountKey, unlocked)
	s.Require().NoError(err)
}

func (s *LedgerSuite) TestReserveSucceedsWithSufficientFunds() {
	s.fund("key:a", 1_000_000)

	res, err := s.ledger.Reserve(s.ctx, "key:a", money.MicroUSD(100_000), "corr-1")
	s.Require().NoError(err)
	s.Equal(StatusReserved, res.Status)
	s.NotEmpty(res.Receipt.ReservationID)

	snap, err := s.kv.ReadAccount(s.ctx, "key:a")
	s.Require().NoError(err)
	s.EqualValues(900_000, snap.Unlocked)
	s.EqualValues(100_000, snap.Reserved)
}

func (s *LedgerSuite) TestReserveFallsBackWhenNoUnlockedBalance() {
	res, err := s.ledger.Reserve(s.ctx, "key:empty", money.MicroUSD(1), "corr-2")
	s.Require().NoError(err)
	s.Equal(StatusFallbackUSDC, res.Status)
}

func (s *LedgerSuite) TestReserveCreditsLockedWhenAllocatedButNotUnlocked() {
	err := s.kv.OverwriteAccount(s.ctx, "key:locked", kvstore.AccountSnapshot{Allocated: 500_000})
	s.Require().NoError(err)

	res, err := s.ledger.Reserve(s.ctx, "key:locked", money.MicroUSD(1), "corr-3")
	s.Require().NoError(err)
	s.Equal(StatusCreditsLocked, res.Status)
}

func (s *LedgerSuite) TestReserveInsufficientFundsFallsBack() {
	s.fund("key:b", 10)

	res, err := s.ledger.Reserve(s.ctx, "key:b", money.MicroUSD(100), "corr-4")
	s.Require().NoError(err)
	s.Equal(StatusFallbackUSDC, res.Status)
}

func (s *LedgerSuite) TestFinalizeMovesReservedToConsumedAndAppendsEntry() {
	s.fund("key:c", 1_000_000)
	res, err := s.ledger.Reserve(s.ctx, "key:c", money.MicroUSD(200_000), "corr-5")
	s.Require().NoError(err)

	status, err := s.ledger.Finalize(s.ctx, res.Receipt.ReservationID, "corr-5")
	s.Require().NoError(err)
	s.Equal(StatusFinalized, status)

	snap, err := s.kv.ReadAccount(s.ctx, "key:c")
	s.Require().NoError(err)
	s.EqualValues(800_000, snap.Unlocked)
	s.EqualValues(0, snap.Reserved)
	s.EqualValues(200_000, snap.Consumed)

	_, err = s.ledger.Receipt(s.ctx, res.Receipt.ReservationID)
	s.ErrorIs(err, ErrReceiptNotFound)
}

func (s *LedgerSuite) TestFinalizeIdempotentOnMissingReceipt() {
	status, err := s.ledger.Finalize(s.ctx, "does-not-exist", "corr-6")
	s.Require().NoError(err)
	s.Equal(StatusReservationNotFound, status)
}

func (s *LedgerSuite) TestRollbackMovesReservedBackToUnlocked() {
	s.fund("key:d", 1_000_000)
	res, err := s.ledger.Reserve(s.ctx, "key:d", money.MicroUSD(300_000), "corr-7")
	s.Require().NoError(err)

	status, err := s.ledger.Rollback(s.ctx, res.Receipt.ReservationID, "corr-7")
	s.Require().NoError(err)
	s.Equal(StatusRolledBack, status)

	snap, err := s.kv.ReadAccount(s.ctx, "key:d")
	s.Require().NoError(err)
	s.EqualValues(1_000_000, snap.Unlocked)
	s.EqualValues(0, snap.Reserved)
}

func (s *LedgerSuite) TestRollbackIdempotentOnMissingReceipt() {
	status, err := s.ledger.Rollback(s.ctx, "does-not-exist", "corr-8")
	s.Require().NoError(err)
	s.Equal(StatusReservationNotFound, status)
}

func (s *LedgerSuite) TestGrantIncreasesUnlockedAndAppendsZeroSumEntry() {
	err := s.ledger.Grant(s.ctx, "key:e", money.MicroUSD(50_000), "corr-9")
	s.Require().NoError(err)

	snap, err := s.kv.ReadAccount(s.ctx, "key:e")
	s.Require().NoError(err)
	s.EqualValues(50_000, snap.Unlocked)

	var entries []JournalEntry
	err = s.journal.Stream(s.ctx, func(e JournalEntry) error {
		entries = append(entries, e)
		return nil
	})
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.True(ZeroSum(entries[0].Postings))
}

func (s *LedgerSuite) TestJournalEntriesZeroSumAcrossFullLifecycle() {
	s.fund("key:f", 1_000_000)
	res, err := s.ledger.Reserve(s.ctx, "key:f", money.MicroUSD(400_000), "corr-10")
	s.Require().NoError(err)
	_, err = s.ledger.Finalize(s.ctx, res.Receipt.ReservationID, "corr-10")
	s.Require().NoError(err)

	var entries []JournalEntry
	err = s.journal.Stream(s.ctx, func(e JournalEntry) error {
		entries = append(entries, e)
		return nil
	})
	s.Require().NoError(err)
	for _, e := range entries {
		s.True(ZeroSum(e.Postings), "entry %s must zero-sum", e.EntryID)
	}
}

func TestZeroSumRejectsUnbalancedPostings(t *testing.T) {
	require.False(t, ZeroSum([]Posting{{Account: "a", Delta: 5}, {Account: "b", Delta: -4}}))
	require.True(t, ZeroSum([]Posting{{Account: "a", Delta: 5}, {Account: "b", Delta: -5}}))
}

func TestReceiptExpired(t *testing.T) {
	now := time.Now()
	r := ReservationReceipt{ExpiresAt: now.Add(-time.Second)}
	require.True(t, r.Expired(now))

	r2 := ReservationReceipt{ExpiresAt: now.Add(time.Hour)}
	require.False(t, r2.Expired(now))
}
