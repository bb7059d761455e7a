package ratelimit

import (
	"container/list"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/paylane/inference-gateway/internal/kvstore"
	"github.com/paylane/inference-gateway/internal/metrics"
)

// AdmissionReason classifies why an AdmissionOutcome denied a request, so
// callers can map the identity tier to 429 and the global tier to 503
// (spec.md §7's "Rate limited" vs "Global limit" surfaces).
type AdmissionReason string

const (
	ReasonNone             AdmissionReason = ""
	ReasonIdentityExceeded AdmissionReason = "identity_limit_exceeded"
	ReasonGlobalExceeded   AdmissionReason = "global_cap_exceeded"
)

// AdmissionOutcome is the decoded result of AdmissionLimiter.Check.
type AdmissionOutcome struct {
	Allowed    bool
	Reason     AdmissionReason
	RetryAfter time.Duration // seconds until next UTC midnight, set when denied and on the KV-fallback path
}

// AdmissionConfig configures the daily per-identity and global admission
// tiers (spec.md §4.3a).
type AdmissionConfig struct {
	PublicDailyLimit        int64
	AuthenticatedDailyLimit int64
	GlobalDailyLimit        int64 // requests per UTC day across every identity; <=0 disables the tier
}

// AdmissionLimiter implements spec.md §4.3(a) via recipe 4 (the three-tier
// atomic limiter): one atomic script reads the identity's request count,
// the global request count, and (read-only; recipe (b)'s CostReserver
// owns the actual increment) the shared cost-ceiling counter, and only
// increments identity+global if every tier passes. Keys are namespaced
// "admission::{identity}:{date}" per caller and "admission:global:{date}"
// shared across every identity. On KV unreachability it fails open at a
// 1 rps bound enforced by a bounded in-process LRU of last-seen time per
// identity (10k entries max). The fallback keeps no daily count, so over a
// long outage it can admit more requests than the configured daily limit.
// The global tier is not enforced during a fallback window, same as
// before this tier existed.
type AdmissionLimiter struct {
	kv      *kvstore.Store
	cfg     AdmissionConfig
	metrics *metrics.Metrics
	now     func() time.Time

	fallback *fallbackTracker
}

// NewAdmissionLimiter builds an AdmissionLimiter. metrics may be nil.
func NewAdmissionLimiter(kv *kvstore.Store, cfg AdmissionConfig, m *metrics.Metrics) *AdmissionLimiter {
	return &AdmissionLimiter{
		kv:       kv,
		cfg:      cfg,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		fallback: newFallbackTracker(10000),
	}
}

// IdentityKey shapes the admission key per spec.md §4.3(a): anonymous
// callers are keyed by IP and UTC date, authenticated callers by a
// key-hash prefix and UTC date.
func IdentityKey(kind, identity string, now time.Time) string {
	return fmt.Sprintf("%s:%s:%s", kind, identity, now.Format("2006-01-02"))
}

// retryAfterMidnight returns the duration until the next UTC midnight.
func retryAfterMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}

// Check enforces the per-identity daily cap and the global daily cap
// atomically via kvstore.ThreeTierLimiter. limit is the caller's resolved
// per-identity ceiling (AuthenticatedDailyLimit for a key-path identity,
// PublicDailyLimit otherwise).
func (l *AdmissionLimiter) Check(ctx context.Context, identityKey string, limit int64) (AdmissionOutcome, error) {
	now := l.now()
	ttl := retryAfterMidnight(now) + time.Minute

	globalLimit := l.cfg.GlobalDailyLimit
	if globalLimit <= 0 {
		globalLimit = math.MaxInt64
	}

	// The cost-ceiling tier is read-only here: estimated cost isn't known
	// until after authentication (spec.md §4.10's key path computes price
	// post-admission), so it's passed as an always-true gate. The real
	// cost-ceiling increment remains recipe (b)'s CostReserver, against the
	// same underlying "cost:" counter this call inspects.
	res, err := l.kv.ThreeTierLimiter(ctx,
		"cost:"+IdentityKey("", identityKey, now),
		"admission:"+IdentityKey("", identityKey, now),
		"admission:global:"+now.Format("2006-01-02"),
		math.MaxInt64, 0,
		limit, globalLimit,
		ttl,
	)
	if err != nil {
		// Fail open per spec.md §4.3(a): the in-process fallback allows at
		// most one request per second per identity and does not count
		// against the daily limit. The global tier goes unchecked during a
		// fallback window, same as
		// before this tier was wired in.
		l.recordFallback()
		allowed := l.fallback.allow(identityKey, now)
		return AdmissionOutcome{Allowed: allowed, RetryAfter: retryAfterMidnight(now)}, nil
	}

	switch res.Status {
	case kvstore.StatusAllowed:
		l.observe("allowed")
		return AdmissionOutcome{Allowed: true}, nil
	case kvstore.StatusGlobalCapExceeded:
		l.observe("global_denied")
		return AdmissionOutcome{Allowed: false, Reason: ReasonGlobalExceeded, RetryAfter: retryAfterMidnight(now)}, nil
	default:
		l.observe("denied")
		return AdmissionOutcome{Allowed: false, Reason: ReasonIdentityExceeded, RetryAfter: retryAfterMidnight(now)}, nil
	}
}

func (l *AdmissionLimiter) observe(outcome string) {
	if l.metrics == nil {
		return
	}
	l.metrics.ObserveRateLimit("admission_"+outcome, "")
}

func (l *AdmissionLimiter) recordFallback() {
	if l.metrics == nil {
		return
	}
	l.metrics.ObserveRateLimit("admission_fallback", "")
}

var uniqueSeq uint64
var uniqueSeqMu sync.Mutex

func uniqueMember(now time.Time) string {
	uniqueSeqMu.Lock()
	uniqueSeq++
	seq := uniqueSeq
	uniqueSeqMu.Unlock()
	return fmt.Sprintf("%d-%d", now.UnixNano(), seq)
}

// fallbackTracker is a bounded LRU of identity -> last-seen time, used
// only while the KV store is unreachable, enforcing at most 1 request per
// second per identity.
type fallbackTracker struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]*list.Element
	order   *list.List
}

type fallbackEntry struct {
	identity string
	lastSeen time.Time
}

func newFallbackTracker(maxSize int) *fallbackTracker {
	return &fallbackTracker{
		maxSize: maxSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (t *fallbackTracker) allow(identity string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.entries[identity]; ok {
		entry := el.Value.(*fallbackEntry)
		t.order.MoveToFront(el)
		if now.Sub(entry.lastSeen) < time.Second {
			return false
		}
		entry.lastSeen = now
		return true
	}

	if t.order.Len() >= t.maxSize {
		back := t.order.Back()
		if back != nil {
			t.order.Remove(back)
			delete(t.entries, back.Value.(*fallbackEntry).identity)
		}
	}
	el := t.order.PushFront(&fallbackEntry{identity: identity, lastSeen: now})
	t.entries[identity] = el
	return true
}
