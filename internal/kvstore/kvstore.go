// Package kvstore wraps a Redis connection with the five atomic recipes the
// gateway's core depends on: conditional SET, fence-token CAS, a
// sliding-window limiter, a three-tier atomic limiter, and an atomic
// account reserve. Every recipe runs as a single Lua script so the
// check-then-act sequence is race-free regardless of how many replicas of
// the gateway call it concurrently.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the enumerated outcome a recipe reports, matching spec.md
// §4.2's status vocabulary instead of ad-hoc booleans or typed errors,
// since several recipes have more than one non-error outcome.
type Status string

const (
	StatusOK                    Status = "OK"
	StatusStale                 Status = "STALE"
	StatusCorrupt               Status = "CORRUPT"
	StatusCapExceeded           Status = "CAP_EXCEEDED"
	StatusAllowed               Status = "ALLOWED"
	StatusCostCeilingExceeded   Status = "COST_CEILING_EXCEEDED"
	StatusIdentityLimitExceeded Status = "IDENTITY_LIMIT_EXCEEDED"
	StatusGlobalCapExceeded     Status = "GLOBAL_CAP_EXCEEDED"
	StatusInsufficientFunds     Status = "INSUFFICIENT_FUNDS"
)

// ErrUnreachable wraps any underlying Redis error so callers can apply the
// spec's per-recipe fail-open/fail-closed policy without inspecting
// driver-specific error types.
var ErrUnreachable = errors.New("kvstore: store unreachable")

// Store is the minimal Redis surface the recipes need; satisfied by both
// *redis.Client and *redis.ClusterClient.
type Store struct {
	rdb redis.Cmdable
}

// New wraps an existing redis.Cmdable (typically a *redis.Client) with the
// gateway's atomic recipes.
func New(rdb redis.Cmdable) *Store {
	return &Store{rdb: rdb}
}

// Raw exposes the underlying client for operations with no dedicated
// recipe (e.g. simple Get/Set calls and package-local scripts in
// internal/challenge, internal/walletauth, internal/ratelimit,
// internal/ledger and internal/wal).
func (s *Store) Raw() redis.Cmdable { return s.rdb }

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// --- Recipe 1: Conditional SET ---------------------------------------------

var conditionalSetScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
	if ARGV[2] == "" then
		redis.call("SET", KEYS[1], ARGV[1])
	else
		redis.call("SET", KEYS[1], ARGV[1], "EX", tonumber(ARGV[2]))
	end
	return "OK"
end
if current == ARGV[3] then
	if ARGV[2] == "" then
		redis.call("SET", KEYS[1], ARGV[1])
	else
		redis.call("SET", KEYS[1], ARGV[1], "EX", tonumber(ARGV[2]))
	end
	return "OK"
end
return "STALE"
`)

// ConditionalSet sets key to value only if it is currently absent or equal
// to expected, optionally with a TTL. Used for single-writer lock
// acquisition/release and other CAS chains (spec.md §4.2 recipe 1).
func (s *Store) ConditionalSet(ctx context.Context, key, value, expected string, ttl time.Duration) (Status, error) {
	ttlSeconds := ""
	if ttl > 0 {
		ttlSeconds = fmt.Sprintf("%d", int64(ttl.Seconds()))
	}
	res, err := conditionalSetScript.Run(ctx, s.rdb, []string{key}, value, ttlSeconds, expected).Result()
	if err != nil {
		return "", wrapErr(err)
	}
	return Status(res.(string)), nil
}

// --- Recipe 1b: conditional delete (lock release) --------------------------

var conditionalDeleteScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return "OK"
end
return "STALE"
`)

// ConditionalDelete deletes key only if its current value equals expected,
// used to release the WAL writer lock (spec.md §4.5).
func (s *Store) ConditionalDelete(ctx context.Context, key, expected string) (Status, error) {
	res, err := conditionalDeleteScript.Run(ctx, s.rdb, []string{key}, expected).Result()
	if err != nil {
		return "", wrapErr(err)
	}
	return Status(res.(string)), nil
}

// --- Recipe 1c: conditional refresh (lock keepalive) ------------------------

var conditionalExpireScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
	redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
	return "OK"
end
return "STALE"
`)

// ConditionalExpire refreshes key's TTL only if its current value equals
// expected, used for the WAL writer lock's keepalive (spec.md §4.5).
func (s *Store) ConditionalExpire(ctx context.Context, key, expected string, ttl time.Duration) (Status, error) {
	res, err := conditionalExpireScript.Run(ctx, s.rdb, []string{key}, expected, int64(ttl.Seconds())).Result()
	if err != nil {
		return "", wrapErr(err)
	}
	return Status(res.(string)), nil
}

// --- Recipe 2: Fence-token CAS ----------------------------------------------

var fenceTokenCASScript = redis.NewScript(`
local stored = redis.call("GET", KEYS[1])
if stored == false then
	redis.call("SET", KEYS[1], ARGV[1])
	return "OK"
end
local storedNum = tonumber(stored)
local incoming = tonumber(ARGV[1])
if storedNum == nil or incoming == nil then
	return "CORRUPT"
end
if incoming < 0 or incoming > 9007199254740991 then
	return "CORRUPT"
end
if incoming > storedNum then
	redis.call("SET", KEYS[1], ARGV[1])
	return "OK"
end
return "STALE"
`)

// FenceTokenCAS implements spec.md §4.2 recipe 2: if no token is stored yet,
// the incoming token is accepted; otherwise it is accepted only if strictly
// greater than the stored one. Used by internal/wal to validate and advance
// the WAL writer lock's fencing token on every append.
func (s *Store) FenceTokenCAS(ctx context.Context, key string, incoming int64) (Status, error) {
	res, err := fenceTokenCASScript.Run(ctx, s.rdb, []string{key}, incoming).Result()
	if err != nil {
		return "", wrapErr(err)
	}
	return Status(res.(string)), nil
}

// --- Recipe 3: Sliding-window limiter ---------------------------------------

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local member = ARGV[3]
local ttl = tonumber(ARGV[4])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
redis.call("ZADD", key, now, member)
redis.call("EXPIRE", key, ttl)
return redis.call("ZCARD", key)
`)

// SlidingWindowCount implements spec.md §4.2 recipe 3: prunes entries older
// than now-window from a sorted set, inserts a new entry for now, and
// returns the resulting cardinality. member must be unique per call (the
// caller typically uses a UUID) so repeated calls in the same millisecond
// do not collide in the sorted set.
func (s *Store) SlidingWindowCount(ctx context.Context, key string, now time.Time, window time.Duration, member string) (int64, error) {
	nowMillis := now.UnixMilli()
	ttlSeconds := int64(window.Seconds()) + 1
	res, err := slidingWindowScript.Run(ctx, s.rdb, []string{key}, nowMillis, window.Milliseconds(), member, ttlSeconds).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return toInt64(res), nil
}

// --- Recipe 4: Three-tier atomic limiter ------------------------------------

var threeTierLimiterScript = redis.NewScript(`
local costKey = KEYS[1]
local identityKey = KEYS[2]
local globalKey = KEYS[3]

local costCeiling = tonumber(ARGV[1])
local estimate = tonumber(ARGV[2])
local identityLimit = tonumber(ARGV[3])
local globalLimit = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local costCurrent = tonumber(redis.call("GET", costKey)) or 0
if costCurrent + estimate > costCeiling then
	return {"COST_CEILING_EXCEEDED", costCurrent}
end

local identityCurrent = tonumber(redis.call("GET", identityKey)) or 0
if identityCurrent + 1 > identityLimit then
	return {"IDENTITY_LIMIT_EXCEEDED", identityCurrent}
end

local globalCurrent = tonumber(redis.call("GET", globalKey)) or 0
if globalCurrent + 1 > globalLimit then
	return {"GLOBAL_CAP_EXCEEDED", globalCurrent}
end

local newIdentity = redis.call("INCR", identityKey)
redis.call("EXPIRE", identityKey, ttl)
local newGlobal = redis.call("INCR", globalKey)
redis.call("EXPIRE", globalKey, ttl)

return {"ALLOWED", newIdentity, newGlobal}
`)

// ThreeTierResult is the decoded outcome of ThreeTierLimiter.
type ThreeTierResult struct {
	Status   Status
	Current  int64 // the tier's current value at the point of decision
	Identity int64 // new identity counter value, only set on ALLOWED
	Global   int64 // new global counter value, only set on ALLOWED
}

// ThreeTierLimiter implements spec.md §4.2 recipe 4: reads the cost
// ceiling, per-identity and global counters, and only if all three pass
// does it increment the identity and global counters with a shared TTL.
func (s *Store) ThreeTierLimiter(ctx context.Context, costKey, identityKey, globalKey string, costCeiling, estimate, identityLimit, globalLimit int64, ttl time.Duration) (ThreeTierResult, error) {
	res, err := threeTierLimiterScript.Run(ctx, s.rdb, []string{costKey, identityKey, globalKey},
		costCeiling, estimate, identityLimit, globalLimit, int64(ttl.Seconds())).Result()
	if err != nil {
		return ThreeTierResult{}, wrapErr(err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return ThreeTierResult{}, fmt.Errorf("kvstore: unexpected three-tier limiter result %#v", res)
	}

	status := Status(vals[0].(string))
	switch status {
	case StatusAllowed:
		return ThreeTierResult{Status: status, Identity: toInt64(vals[1]), Global: toInt64(vals[2])}, nil
	default:
		return ThreeTierResult{Status: status, Current: toInt64(vals[1])}, nil
	}
}

// --- Recipe 5: Atomic reserve ------------------------------------------------

var atomicReserveScript = redis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])

local current = tonumber(redis.call("HGET", key, "unlocked")) or 0
if current < amount then
	return {"INSUFFICIENT_FUNDS", current}
end

local newUnlocked = current - amount
redis.call("HSET", key, "unlocked", newUnlocked)
local reserved = redis.call("HINCRBY", key, "reserved", amount)

return {"OK", newUnlocked, reserved}
`)

// AtomicReserveResult is the decoded outcome of AtomicReserve.
type AtomicReserveResult struct {
	Status   Status
	Unlocked int64
	Reserved int64
}

// AtomicReserve implements spec.md §4.2 recipe 5: `unlocked -= amount` only
// if `unlocked >= amount`, moving the same amount into `reserved`. Zero
// affected rows (INSUFFICIENT_FUNDS) means the caller must fall back to
// the ledger's credits_locked/fallback_usdc decision.
func (s *Store) AtomicReserve(ctx context.Context, accountKey string, amount int64) (AtomicReserveResult, error) {
	res, err := atomicReserveScript.Run(ctx, s.rdb, []string{accountKey}, amount).Result()
	if err != nil {
		return AtomicReserveResult{}, wrapErr(err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return AtomicReserveResult{}, fmt.Errorf("kvstore: unexpected atomic reserve result %#v", res)
	}

	status := Status(vals[0].(string))
	if status == StatusInsufficientFunds {
		return AtomicReserveResult{Status: status, Unlocked: toInt64(vals[1])}, nil
	}
	return AtomicReserveResult{Status: status, Unlocked: toInt64(vals[1]), Reserved: toInt64(vals[2])}, nil
}

// --- Recipe 5b: Finalize / rollback a reservation ---------------------------

var finalizeReservationScript = redis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])

local reserved = tonumber(redis.call("HGET", key, "reserved")) or 0
if reserved < amount then
	return "NOT_FOUND"
end
redis.call("HINCRBY", key, "reserved", -amount)
redis.call("HINCRBY", key, "consumed", amount)
return "OK"
`)

// FinalizeReservation moves amount from reserved to consumed on the account
// hash backing accountKey, the counterpart to AtomicReserve's debit. A
// reserved balance smaller than amount (already finalized, already rolled
// back, or never reserved) is reported as NOT_FOUND so the caller can treat
// it as the idempotent "already finalized" outcome spec.md §4.6 expects.
func (s *Store) FinalizeReservation(ctx context.Context, accountKey string, amount int64) (Status, error) {
	res, err := finalizeReservationScript.Run(ctx, s.rdb, []string{accountKey}, amount).Result()
	if err != nil {
		return "", wrapErr(err)
	}
	return Status(res.(string)), nil
}

var rollbackReservationScript = redis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])

local reserved = tonumber(redis.call("HGET", key, "reserved")) or 0
if reserved < amount then
	return "NOT_FOUND"
end
redis.call("HINCRBY", key, "reserved", -amount)
redis.call("HINCRBY", key, "unlocked", amount)
return "OK"
`)

// RollbackReservation moves amount from reserved back to unlocked.
func (s *Store) RollbackReservation(ctx context.Context, accountKey string, amount int64) (Status, error) {
	res, err := rollbackReservationScript.Run(ctx, s.rdb, []string{accountKey}, amount).Result()
	if err != nil {
		return "", wrapErr(err)
	}
	return Status(res.(string)), nil
}

var grantScript = redis.NewScript(`
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local newUnlocked = redis.call("HINCRBY", key, "unlocked", amount)
return newUnlocked
`)

// Grant adds amount (may be negative for a reversal) directly to the
// account's unlocked counter, used by the ledger's grant-credit operation.
func (s *Store) Grant(ctx context.Context, accountKey string, amount int64) (int64, error) {
	res, err := grantScript.Run(ctx, s.rdb, []string{accountKey}, amount).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return toInt64(res), nil
}

// AccountSnapshot is a point-in-time read of one account's cached counters.
type AccountSnapshot struct {
	Unlocked int64
	Reserved int64
	Consumed int64
	Allocated int64
	Expired   int64
}

// ReadAccount reads the full cached counter set for accountKey without
// mutating it, used by reconciliation (C8) to compare against the
// authoritative journal-derived balance.
func (s *Store) ReadAccount(ctx context.Context, accountKey string) (AccountSnapshot, error) {
	res, err := s.rdb.HGetAll(ctx, accountKey).Result()
	if err != nil {
		return AccountSnapshot{}, wrapErr(err)
	}
	return AccountSnapshot{
		Unlocked:  parseFieldInt64(res["unlocked"]),
		Reserved:  parseFieldInt64(res["reserved"]),
		Consumed:  parseFieldInt64(res["consumed"]),
		Allocated: parseFieldInt64(res["allocated"]),
		Expired:   parseFieldInt64(res["expired"]),
	}, nil
}

// OverwriteAccount replaces the cached counter set wholesale, used by
// reconciliation to correct cache drift against the authoritative journal.
func (s *Store) OverwriteAccount(ctx context.Context, accountKey string, snap AccountSnapshot) error {
	err := s.rdb.HSet(ctx, accountKey,
		"unlocked", snap.Unlocked,
		"reserved", snap.Reserved,
		"consumed", snap.Consumed,
		"allocated", snap.Allocated,
		"expired", snap.Expired,
	).Err()
	return wrapErr(err)
}

func parseFieldInt64(s string) int64 {
	if s == "" {
		return 0
	}
	var n int64
	var neg bool
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

// --- Credit note recipes (spec.md §4.9) -------------------------------------

var creditNoteIssueScript = redis.NewScript(`
local key = KEYS[1]
local delta = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key)) or 0
if current + delta > cap then
	return {"CAP_EXCEEDED", current}
end

local newBalance = redis.call("INCRBY", key, delta)
redis.call("EXPIRE", key, ttl)
return {"OK", newBalance}
`)

// CreditNoteIssueResult is the decoded outcome of IssueCreditNote.
type CreditNoteIssueResult struct {
	Status  Status
	Balance int64
}

// IssueCreditNote implements spec.md §4.9's issue script: rejects delta if
// current+delta would exceed cap, otherwise increments and refreshes the
// wallet's outstanding-credit TTL in one atomic step so no orphaned note
// record is ever written for a rejected issuance.
func (s *Store) IssueCreditNote(ctx context.Context, walletKey string, delta, cap int64, ttl time.Duration) (CreditNoteIssueResult, error) {
	res, err := creditNoteIssueScript.Run(ctx, s.rdb, []string{walletKey}, delta, cap, int64(ttl.Seconds())).Result()
	if err != nil {
		return CreditNoteIssueResult{}, wrapErr(err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return CreditNoteIssueResult{}, fmt.Errorf("kvstore: unexpected credit note issue result %#v", res)
	}
	return CreditNoteIssueResult{Status: Status(vals[0].(string)), Balance: toInt64(vals[1])}, nil
}

var creditNoteApplyScript = redis.NewScript(`
local key = KEYS[1]
local required = tonumber(ARGV[1])

local balance = tonumber(redis.call("GET", key)) or 0
local used = math.min(balance, required)
local remaining = balance - used
if used > 0 then
	redis.call("DECRBY", key, used)
end
return {used, remaining}
`)

// CreditNoteApplyResult is the decoded outcome of ApplyCreditNote.
type CreditNoteApplyResult struct {
	Used      int64
	Remaining int64
}

// ApplyCreditNote implements spec.md §4.9's apply-credit script:
// `credit_used = min(balance, required)`, debiting the wallet's outstanding
// credit by exactly that much.
func (s *Store) ApplyCreditNote(ctx context.Context, walletKey string, required int64) (CreditNoteApplyResult, error) {
	res, err := creditNoteApplyScript.Run(ctx, s.rdb, []string{walletKey}, required).Result()
	if err != nil {
		return CreditNoteApplyResult{}, wrapErr(err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return CreditNoteApplyResult{}, fmt.Errorf("kvstore: unexpected credit note apply result %#v", res)
	}
	return CreditNoteApplyResult{Used: toInt64(vals[0]), Remaining: toInt64(vals[1])}, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
