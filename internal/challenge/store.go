package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paylane/inference-gateway/internal/kvstore"
)

// ErrNotFound is returned when no live challenge matches a presented nonce.
var ErrNotFound = errors.New("challenge: not found")

const challengeKeyPrefix = "challenge:"
const nonceConsumedPrefix = "nonce_consumed:"

// store persists Challenges by nonce in Redis with a TTL matching the
// challenge's own expiry, and implements the one-shot nonce-consumption
// guarantee spec.md §5 calls out as the challenge store's sole
// cluster-wide invariant.
type store struct {
	rdb redis.Cmdable
	kv  *kvstore.Store
}

func newStore(kv *kvstore.Store) *store {
	return &store{rdb: kv.Raw(), kv: kv}
}

func (s *store) put(ctx context.Context, c Challenge, ttl time.Duration) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("challenge: marshal: %w", err)
	}
	if err := s.rdb.Set(ctx, challengeKeyPrefix+c.Nonce, raw, ttl).Err(); err != nil {
		return fmt.Errorf("challenge: store: %w", err)
	}
	return nil
}

func (s *store) get(ctx context.Context, nonce string) (Challenge, error) {
	raw, err := s.rdb.Get(ctx, challengeKeyPrefix+nonce).Result()
	if errors.Is(err, redis.Nil) {
		return Challenge{}, ErrNotFound
	}
	if err != nil {
		return Challenge{}, fmt.Errorf("challenge: load: %w", err)
	}
	var c Challenge
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Challenge{}, fmt.Errorf("challenge: unmarshal: %w", err)
	}
	return c, nil
}

// consumeNonce implements spec.md §4.8 step 5: an atomic SETNX on
// nonce_consumed:{nonce} with the challenge's own TTL. Exactly one
// concurrent caller observes "not yet consumed"; every other caller
// (including a true replay) observes it already set.
func (s *store) consumeNonce(ctx context.Context, nonce string, ttl time.Duration) (firstConsumer bool, err error) {
	ok, err := s.rdb.SetNX(ctx, nonceConsumedPrefix+nonce, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("challenge: consume nonce: %w", err)
	}
	return ok, nil
}
