// Package wal implements the gateway's write-ahead log: a Redis-backed
// single-writer lease with a strictly monotonic fencing token (so exactly
// one replica appends at a time and any append carrying a stale token is
// rejected even after a failover), the append-only entry codec, and the
// file-backed writer and streaming reader built on top of it.
package wal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/paylane/inference-gateway/internal/clockid"
	"github.com/paylane/inference-gateway/internal/kvstore"
)

// maxFenceIssueAttempts bounds the read-current/CAS retry loop used to
// issue a new fence token; only concurrent acquirers racing for the same
// lease can cause a retry, so this is generous rather than tight.
const maxFenceIssueAttempts = 10

// ErrLockLost is returned by Append (and passed to the lost-lock callback)
// once a keepalive fails to observe ownership of the lease.
var ErrLockLost = errors.New("wal: writer lock lost")

// ErrStaleFence is returned when an append's fencing token is no longer the
// highest one issued, meaning a newer writer has already taken over.
var ErrStaleFence = errors.New("wal: fencing token stale")

// ErrCorruptFence is returned when the fence counter holds a non-numeric or
// out-of-range value; callers must fail closed rather than guess a token.
var ErrCorruptFence = errors.New("wal: fencing counter corrupt")

// LostLockFunc is invoked exactly once when keepalive first observes that
// the lock has been lost, so callers can stop accepting new writes.
type LostLockFunc func(err error)

// Lock is one replica's ownership of the WAL writer lease.
type Lock struct {
	store      *kvstore.Store
	log        zerolog.Logger
	lockKey    string
	fenceKey   string
	instanceID string
	ttl        time.Duration

	mu       sync.Mutex
	held     bool
	token    int64
	lost     bool
	onLost   LostLockFunc
	stopKeep chan struct{}
	doneKeep chan struct{}
}

// New creates a Lock bound to lockKey/fenceKey. instanceID must be unique
// per replica (a hostname plus process id, or a uuid, is typical).
func New(store *kvstore.Store, log zerolog.Logger, lockKey, fenceKey, instanceID string, ttl time.Duration) *Lock {
	return &Lock{
		store:      store,
		log:        log,
		lockKey:    lockKey,
		fenceKey:   fenceKey,
		instanceID: instanceID,
		ttl:        ttl,
	}
}

// Acquire attempts to take the writer lease. On success it issues a new
// fencing token (strictly greater than any token issued before) and starts
// a keepalive goroutine that refreshes the lease every ttl/3. onLost, if
// non-nil, fires exactly once if keepalive later discovers the lease was
// lost to another writer.
func (l *Lock) Acquire(ctx context.Context, onLost LostLockFunc) error {
	status, err := l.store.ConditionalSet(ctx, l.lockKey, l.instanceID, "", l.ttl)
	if err != nil {
		return fmt.Errorf("wal: acquire lock: %w", err)
	}
	if status != kvstore.StatusOK {
		return fmt.Errorf("wal: lock %q held by another instance", l.lockKey)
	}

	token, err := l.issueFenceToken(ctx)
	if err != nil {
		_, _ = l.store.ConditionalDelete(ctx, l.lockKey, l.instanceID)
		return err
	}

	l.mu.Lock()
	l.held = true
	l.lost = false
	l.token = token
	l.onLost = onLost
	l.stopKeep = make(chan struct{})
	l.doneKeep = make(chan struct{})
	l.mu.Unlock()

	go l.keepalive(ctx)

	l.log.Info().
		Str("lock_key", l.lockKey).
		Str("instance_id", l.instanceID).
		Int64("fence_token", token).
		Msg("wal writer lock acquired")
	return nil
}

// issueFenceToken advances the monotonic fence counter and validates the
// result is within the safe-integer bound before returning it, per the
// spec's "reject a token beyond bound at issuance" requirement.
func (l *Lock) issueFenceToken(ctx context.Context) (int64, error) {
	for i := 0; i < maxFenceIssueAttempts; i++ {
		current, err := l.store.Raw().Get(ctx, l.fenceKey).Int64()
		if err != nil && err != redis.Nil {
			return 0, fmt.Errorf("wal: read fence counter: %w", err)
		}
		next := current + 1
		if err := clockid.ValidateFenceToken(next); err != nil {
			return 0, fmt.Errorf("wal: fence token exhausted: %w", err)
		}

		status, err := l.store.FenceTokenCAS(ctx, l.fenceKey, next)
		if err != nil {
			return 0, fmt.Errorf("wal: issue fence token: %w", err)
		}
		switch status {
		case kvstore.StatusOK:
			return next, nil
		case kvstore.StatusCorrupt:
			return 0, ErrCorruptFence
		case kvstore.StatusStale:
			// A concurrent acquirer advanced the counter between our read
			// and our CAS; re-read and retry.
			continue
		default:
			return 0, fmt.Errorf("wal: unexpected fence status %q", status)
		}
	}
	return 0, fmt.Errorf("wal: issue fence token: exceeded %d attempts", maxFenceIssueAttempts)
}

func (l *Lock) keepalive(ctx context.Context) {
	defer close(l.doneKeep)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopKeep:
			return
		case <-ticker.C:
			status, err := l.store.ConditionalExpire(ctx, l.lockKey, l.instanceID, l.ttl)
			if err != nil {
				l.log.Warn().Err(err).Str("lock_key", l.lockKey).Msg("wal keepalive error, treating as lock lost")
				l.declareLost(ErrLockLost)
				return
			}
			if status != kvstore.StatusOK {
				l.declareLost(ErrLockLost)
				return
			}
		}
	}
}

func (l *Lock) declareLost(cause error) {
	l.mu.Lock()
	if l.lost {
		l.mu.Unlock()
		return
	}
	l.lost = true
	l.held = false
	l.token = 0
	cb := l.onLost
	l.mu.Unlock()

	l.log.Error().Str("lock_key", l.lockKey).Msg("wal writer lock lost")
	if cb != nil {
		cb(cause)
	}
}

// Token returns the current fencing token, or 0 with ok=false if the lock
// is not held (either never acquired, or lost).
func (l *Lock) Token() (token int64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token, l.held
}

// ValidateAndAdvance checks a WAL append's fencing token against the
// durable fence counter before the append proceeds. OK means the token is
// (still) the highest issued; ErrStaleFence means a newer writer has taken
// over and the append must abort; ErrCorruptFence means the counter itself
// is unreadable and the caller must fail closed.
func (l *Lock) ValidateAndAdvance(ctx context.Context, token int64) error {
	if err := clockid.ValidateFenceToken(token); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptFence, err)
	}
	status, err := l.store.FenceTokenCAS(ctx, l.fenceKey, token)
	if err != nil {
		return fmt.Errorf("wal: validate fence token: %w", err)
	}
	switch status {
	case kvstore.StatusOK:
		return nil
	case kvstore.StatusStale:
		return ErrStaleFence
	case kvstore.StatusCorrupt:
		return ErrCorruptFence
	default:
		return fmt.Errorf("wal: unexpected fence status %q", status)
	}
}

// Release gives up the lease, stopping keepalive and conditionally
// deleting the lock key iff this instance still owns it.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return nil
	}
	l.held = false
	stop := l.stopKeep
	l.mu.Unlock()

	if stop != nil {
		close(stop)
		<-l.doneKeep
	}

	status, err := l.store.ConditionalDelete(ctx, l.lockKey, l.instanceID)
	if err != nil {
		return fmt.Errorf("wal: release lock: %w", err)
	}
	if status != kvstore.StatusOK {
		l.log.Warn().Str("lock_key", l.lockKey).Msg("wal release: lock already owned by another instance")
	}
	return nil
}
