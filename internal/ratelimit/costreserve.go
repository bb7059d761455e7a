package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paylane/inference-gateway/internal/clockid"
	"github.com/paylane/inference-gateway/internal/kvstore"
	"github.com/paylane/inference-gateway/internal/metrics"
)

// costReserveScript implements spec.md §4.3(b)'s reserve step: increment
// the daily cost counter by estimate only if current+estimate does not
// exceed ceiling, in one atomic round trip.
var costReserveScript = redis.NewScript(`
local key = KEYS[1]
local estimate = tonumber(ARGV[1])
local ceiling = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key)) or 0
if current + estimate > ceiling then
	return {"DENIED", current}
end
local newValue = redis.call("INCRBY", key, estimate)
redis.call("EXPIRE", key, ttl)
return {"OK", newValue}
`)

// costReleaseScript reconciles a reservation's estimate against its
// actual cost: a positive delta is added outright; a negative delta is
// subtracted but never past zero, so a rounding error in the caller's
// actual-cost accounting cannot drive the daily counter negative.
var costReleaseScript = redis.NewScript(`
local key = KEYS[1]
local delta = tonumber(ARGV[1])

if delta >= 0 then
	return redis.call("INCRBY", key, delta)
end
local current = tonumber(redis.call("GET", key)) or 0
local decrement = math.min(-delta, current)
return redis.call("INCRBY", key, -decrement)
`)

// CostReservation is a live cost-ceiling reservation pending Release.
type CostReservation struct {
	ID           string
	IdentityKey  string
	EstimateMicros int64

	mu       sync.Mutex
	released bool
}

// CostReserver implements spec.md §4.3(b): an atomic check-and-increment
// of a per-identity-per-day cost counter against a configured ceiling.
// Unlike the admission tier, this fails closed on KV unreachability:
// cost must never silently exceed the ceiling.
type CostReserver struct {
	rdb     redis.Cmdable
	clk     clockid.Clock
	metrics *metrics.Metrics
}

// NewCostReserver builds a CostReserver over kv's underlying Redis client.
func NewCostReserver(kv *kvstore.Store, clk clockid.Clock, m *metrics.Metrics) *CostReserver {
	return &CostReserver{rdb: kv.Raw(), clk: clk, metrics: m}
}

// Reserve attempts to admit estimateMicros of forecast cost against
// identityKey's daily ceiling. A KV error is treated as a denial
// (fail-closed) rather than allowed-by-default.
func (c *CostReserver) Reserve(ctx context.Context, identityKey string, estimateMicros, ceilingMicros int64) (*CostReservation, bool, error) {
	now := c.clk.Now()
	key := "cost:" + IdentityKey("", identityKey, now)
	ttl := retryAfterMidnight(now) + time.Minute

	res, err := costReserveScript.Run(ctx, c.rdb, []string{key}, estimateMicros, ceilingMicros, int64(ttl.Seconds())).Result()
	if err != nil {
		c.observe("fail_closed")
		return nil, false, fmt.Errorf("ratelimit: cost reserve: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 1 {
		return nil, false, fmt.Errorf("ratelimit: unexpected cost reserve result %#v", res)
	}
	status, _ := vals[0].(string)
	if status != "OK" {
		c.observe("cost_ceiling_exceeded")
		return nil, false, nil
	}

	id, err := clockid.NewEntryID(c.clk)
	if err != nil {
		return nil, false, err
	}
	c.observe("allowed")
	return &CostReservation{ID: id, IdentityKey: identityKey, EstimateMicros: estimateMicros}, true, nil
}

// Release reconciles reservation against the actual cost, idempotently:
// the first call applies the delta against the daily counter, every
// subsequent call is a no-op.
func (c *CostReserver) Release(ctx context.Context, reservation *CostReservation, actualMicros int64) error {
	reservation.mu.Lock()
	if reservation.released {
		reservation.mu.Unlock()
		return nil
	}
	reservation.released = true
	reservation.mu.Unlock()

	now := c.clk.Now()
	key := "cost:" + IdentityKey("", reservation.IdentityKey, now)
	delta := actualMicros - reservation.EstimateMicros
	if delta == 0 {
		return nil
	}
	if err := costReleaseScript.Run(ctx, c.rdb, []string{key}, delta).Err(); err != nil {
		return fmt.Errorf("ratelimit: cost release: %w", err)
	}
	return nil
}

func (c *CostReserver) observe(outcome string) {
	if c.metrics == nil {
		return
	}
	c.metrics.ObserveRateLimit("cost_"+outcome, "")
}

// ProviderLimiter implements spec.md §4.3(c): per-provider RPM via a
// sliding window (recipe 3) and TPM via a token counter bucketed per
// minute. Unlike cost reservation,
// this fails open on KV unreachability: the circuit breaker bounds
// upstream damage, so a transiently unhealthy limiter should not itself
// block inference.
type ProviderLimiter struct {
	kv         *kvstore.Store
	rpmWindow  time.Duration
	tpmWindow  time.Duration
	metrics    *metrics.Metrics
}

// NewProviderLimiter builds a ProviderLimiter with the spec's 60s RPM/TPM
// windows.
func NewProviderLimiter(kv *kvstore.Store, m *metrics.Metrics) *ProviderLimiter {
	return &ProviderLimiter{kv: kv, rpmWindow: 60 * time.Second, tpmWindow: 60 * time.Second, metrics: m}
}

// CheckRPM records one request against provider/model's requests-per-
// minute window and reports whether the resulting count is within limit.
func (p *ProviderLimiter) CheckRPM(ctx context.Context, provider, model string, limit int64, now time.Time) bool {
	count, err := p.kv.SlidingWindowCount(ctx, "rpm:"+provider+":"+model, now, p.rpmWindow, uniqueMember(now))
	if err != nil {
		p.observe("rpm_fail_open")
		return true
	}
	allowed := count <= limit
	if !allowed {
		p.observe("rpm_exceeded")
	}
	return allowed
}

// tpmIncrScript adds tokens to provider/model's rolling one-minute token
// counter, bucketed by the current minute so the window resets every 60s
// without a separate sliding-window data structure (unlike RPM, a token
// count is a weighted sum, not a cardinality, so the sorted-set recipe
// does not apply directly).
var tpmIncrScript = redis.NewScript(`
local key = KEYS[1]
local tokens = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local newValue = redis.call("INCRBY", key, tokens)
redis.call("EXPIRE", key, ttl)
return newValue
`)

// CheckTPM records tokens against provider/model's tokens-per-minute
// window and reports whether the resulting total is within limit.
func (p *ProviderLimiter) CheckTPM(ctx context.Context, provider, model string, tokens, limit int64, now time.Time) bool {
	key := "tpm:" + provider + ":" + model + ":" + now.Truncate(p.tpmWindow).Format(time.RFC3339)
	count, err := tpmIncrScript.Run(ctx, p.kv.Raw(), []string{key}, tokens, int64(p.tpmWindow.Seconds())+1).Int64()
	if err != nil {
		p.observe("tpm_fail_open")
		return true
	}
	allowed := count <= limit
	if !allowed {
		p.observe("tpm_exceeded")
	}
	return allowed
}

func (p *ProviderLimiter) observe(outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.ObserveRateLimit(outcome, "")
}
