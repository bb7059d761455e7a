// Package clockid provides the gateway's clock, identifier and fencing-token
// primitives: monotonic time, UUIDs for nonces and challenge ids, ULIDs for
// journal entry ids, and the strictly-monotonic fencing tokens the WAL
// writer lock hands out.
package clockid

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Clock abstracts wall-clock access so tests can substitute a fixed or
// step-controlled time source without monkeypatching time.Now.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// NewV4 returns a random (v4) UUID string, used for x402 nonces and
// challenge/receipt identifiers.
func NewV4() string {
	return uuid.NewString()
}

// entropyPool serializes access to the ULID monotonic entropy source;
// ulid.MonotonicEntropy is not safe for concurrent use.
var entropyPool = struct {
	sync.Mutex
	source *ulid.MonotonicEntropy
}{}

func monotonicEntropy() *ulid.MonotonicEntropy {
	entropyPool.Lock()
	defer entropyPool.Unlock()
	if entropyPool.source == nil {
		entropyPool.source = ulid.Monotonic(rand.Reader, 0)
	}
	return entropyPool.source
}

// NewEntryID returns a fresh 26-character lexicographically sortable ULID,
// used as JournalEntry.entry_id so entries are ordered by insertion time
// even when two entries share the same millisecond.
func NewEntryID(clk Clock) (string, error) {
	src := monotonicEntropy()

	entropyPool.Lock()
	id, err := ulid.New(ulid.Timestamp(clk.Now()), src)
	entropyPool.Unlock()
	if err != nil {
		return "", fmt.Errorf("clockid: generate entry id: %w", err)
	}
	return id.String(), nil
}

// MaxFenceToken is the strictly-monotonic fencing token upper bound
// (2^53-1): the largest integer exactly representable without precision
// loss if a peer re-encodes the token as a float, and, per spec, reachable
// only after hundreds of millions of years at one acquisition per second.
const MaxFenceToken int64 = (1 << 53) - 1

// ValidateFenceToken checks that a candidate fencing token is a
// non-negative safe integer within MaxFenceToken before it is sent to the
// fence-token CAS recipe. The WAL writer lock must call this before
// issuing a new token so an out-of-bound value never reaches the KV store.
func ValidateFenceToken(token int64) error {
	if token < 0 {
		return fmt.Errorf("clockid: fence token must be non-negative, got %d", token)
	}
	if token > MaxFenceToken {
		return fmt.Errorf("clockid: fence token %d exceeds bound %d", token, MaxFenceToken)
	}
	return nil
}

// RandomHex returns n random bytes hex-encoded, used for process-wide
// pepper material and other secret generation where a UUID's structure
// would be misleading.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("clockid: read random bytes: %w", err)
	}
	return fmt.Sprintf("%x", buf), nil
}
