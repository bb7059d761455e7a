package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paylane/inference-gateway/internal/kvstore"
)

// ErrReceiptNotFound is returned when a reservation id has no live
// receipt: it was never issued, already finalized/rolled back, or its
// five-minute TTL expired (expiry is equivalent to an implicit rollback
// at read time, per spec.md §4.6).
var ErrReceiptNotFound = errors.New("ledger: reservation not found")

const receiptKeyPrefix = "reservation:"

// receiptStore persists ReservationReceipts in Redis with a TTL, using
// plain SET/GET/DEL rather than a Lua recipe since a receipt's lifecycle
// is owned entirely by the single request that created it; no concurrent
// writer ever races to mutate the same reservation id.
type receiptStore struct {
	rdb redis.Cmdable
}

func newReceiptStore(kv *kvstore.Store) *receiptStore {
	return &receiptStore{rdb: kv.Raw()}
}

func (s *receiptStore) put(ctx context.Context, r ReservationReceipt, ttl time.Duration) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("ledger: marshal receipt: %w", err)
	}
	if err := s.rdb.Set(ctx, receiptKeyPrefix+r.ReservationID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("ledger: store receipt: %w", err)
	}
	return nil
}

func (s *receiptStore) get(ctx context.Context, reservationID string) (ReservationReceipt, error) {
	raw, err := s.rdb.Get(ctx, receiptKeyPrefix+reservationID).Result()
	if errors.Is(err, redis.Nil) {
		return ReservationReceipt{}, ErrReceiptNotFound
	}
	if err != nil {
		return ReservationReceipt{}, fmt.Errorf("ledger: load receipt: %w", err)
	}
	var r ReservationReceipt
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return ReservationReceipt{}, fmt.Errorf("ledger: unmarshal receipt: %w", err)
	}
	return r, nil
}

func (s *receiptStore) delete(ctx context.Context, reservationID string) error {
	if err := s.rdb.Del(ctx, receiptKeyPrefix+reservationID).Err(); err != nil {
		return fmt.Errorf("ledger: delete receipt: %w", err)
	}
	return nil
}
