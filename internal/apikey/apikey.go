// Package apikey implements the gateway's API key identity: a
// lookup-hash/secret-hash pair so a leaked database row never discloses a
// usable key, CRUD against Postgres, and a short-term negative cache so a
// revoked key is rejected without a database round trip on every request
// after the first.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/paylane/inference-gateway/internal/cacheutil"
	"github.com/paylane/inference-gateway/internal/hmacsign"
)

// ErrNotFound is returned when no ApiKey matches the presented lookup hash.
var ErrNotFound = errors.New("apikey: not found")

// ErrRevoked is returned when a key was found but has been revoked.
var ErrRevoked = errors.New("apikey: revoked")

// ErrInvalidSecret is returned when the presented plaintext fails the
// secret_hash comparison.
var ErrInvalidSecret = errors.New("apikey: invalid secret")

// keyPrefix marks a gateway API key so ambiguous-payment detection (spec's
// B2 branch) can cheaply recognize the Authorization scheme without
// parsing the whole header.
const keyPrefix = "dk_"

// ApiKey is the gateway's credential record. SecretHash and LookupHash are
// both derived from the same plaintext but serve different purposes:
// LookupHash (HMAC under a process-wide pepper) makes the row addressable
// by an equality lookup; SecretHash (bcrypt) makes the row unable to
// reconstruct the plaintext even if the table leaks.
type ApiKey struct {
	KeyID        string
	TenantID     string
	LookupHash   string
	SecretHash   string
	BalanceMicro int64
	Revoked      bool
	CreatedAt    time.Time
}

// AccountKey is the ledger account identifier for this key's API-key path
// balance. The ledger (not this package) owns the authoritative counters;
// BalanceMicro here is a denormalized read cache refreshed only through
// Service.SyncBalance; reconciliation does not call it.
func (k ApiKey) AccountKey() string {
	return "key:" + k.KeyID
}

// Store persists ApiKey rows. Implementations must make LookupHash lookups
// unique (a second key minted with a colliding lookup hash must fail).
type Store interface {
	Insert(ctx context.Context, key ApiKey) error
	GetByLookupHash(ctx context.Context, lookupHash string) (ApiKey, error)
	GetByID(ctx context.Context, keyID string) (ApiKey, error)
	Revoke(ctx context.Context, keyID string) error
	SetBalanceMicro(ctx context.Context, keyID string, balanceMicro int64) error
	Close() error
}

// revokedCacheTTL bounds how long a just-revoked key can still pass the
// negative cache before Authenticate re-checks the store; kept short
// because revocation is a security action that should take effect promptly.
const revokedCacheTTL = 30 * time.Second

// negativeCache remembers recently observed revoked key IDs so repeated
// requests on a dead key don't each cost a database round trip.
type negativeCache struct {
	mu      sync.Mutex
	revoked map[string]time.Time
}

func newNegativeCache() *negativeCache {
	return &negativeCache{revoked: make(map[string]time.Time)}
}

func (c *negativeCache) markRevoked(keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked[keyID] = time.Now().Add(revokedCacheTTL)
}

func (c *negativeCache) isRevoked(keyID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.revoked[keyID]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(c.revoked, keyID)
		return false
	}
	return true
}

// Service issues and authenticates API keys.
type Service struct {
	store      Store
	pepper     *hmacsign.RotatingSecret
	bcryptCost int
	negCache   *negativeCache
}

// NewService creates a Service. pepper is the process-wide secret mixed
// into every lookup hash; bcryptCost configures the secret_hash cost
// factor (bcrypt.DefaultCost if zero).
func NewService(store Store, pepper *hmacsign.RotatingSecret, bcryptCost int) *Service {
	if bcryptCost <= 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Service{
		store:      store,
		pepper:     pepper,
		bcryptCost: bcryptCost,
		negCache:   newNegativeCache(),
	}
}

// lookupHash computes the HMAC-SHA256 of plaintext under the process-wide
// pepper, tried against both the current and previous pepper on read so a
// pepper rotation does not lock out outstanding keys until they are reissued.
func (s *Service) lookupHash(plaintext string) (string, error) {
	return hmacsign.SignMessage(plaintext, s.pepper.Current())
}

// Issue mints a new API key for tenantID, returning the ApiKey record (to
// persist) and the one-time plaintext credential the caller must hand to
// the tenant; the plaintext is never stored or logged.
func (s *Service) Issue(ctx context.Context, tenantID string) (ApiKey, string, error) {
	secret, err := randomSecret(24)
	if err != nil {
		return ApiKey{}, "", fmt.Errorf("apikey: generate secret: %w", err)
	}
	keyID, err := randomHex(8)
	if err != nil {
		return ApiKey{}, "", fmt.Errorf("apikey: generate key id: %w", err)
	}
	plaintext := keyPrefix + keyID + "_" + secret

	lookupHash, err := s.lookupHash(plaintext)
	if err != nil {
		return ApiKey{}, "", fmt.Errorf("apikey: lookup hash: %w", err)
	}
	secretHashBytes, err := bcrypt.GenerateFromPassword([]byte(plaintext), s.bcryptCost)
	if err != nil {
		return ApiKey{}, "", fmt.Errorf("apikey: hash secret: %w", err)
	}

	key := ApiKey{
		KeyID:      keyID,
		TenantID:   tenantID,
		LookupHash: lookupHash,
		SecretHash: string(secretHashBytes),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.Insert(ctx, key); err != nil {
		return ApiKey{}, "", fmt.Errorf("apikey: insert: %w", err)
	}
	return key, plaintext, nil
}

// Authenticate validates a presented plaintext credential: it looks the key
// up by its HMAC lookup hash, rejects revoked keys (consulting the negative
// cache first), and verifies the bcrypt secret_hash.
func (s *Service) Authenticate(ctx context.Context, plaintext string) (ApiKey, error) {
	lookupHash, err := s.lookupHash(plaintext)
	if err != nil {
		return ApiKey{}, fmt.Errorf("apikey: lookup hash: %w", err)
	}

	key, err := s.store.GetByLookupHash(ctx, lookupHash)
	if err != nil {
		if prevHash, prevErr := hmacsign.SignMessage(plaintext, s.pepper.Previous()); prevErr == nil {
			if k, err2 := s.store.GetByLookupHash(ctx, prevHash); err2 == nil {
				key, err = k, nil
			}
		}
	}
	if err != nil {
		return ApiKey{}, ErrNotFound
	}

	if s.negCache.isRevoked(key.KeyID) || key.Revoked {
		s.negCache.markRevoked(key.KeyID)
		return ApiKey{}, ErrRevoked
	}

	if bcryptErr := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(plaintext)); bcryptErr != nil {
		return ApiKey{}, ErrInvalidSecret
	}
	return key, nil
}

// Revoke marks a key revoked, both in the store and in the negative cache
// so the effect is immediate on this replica.
func (s *Service) Revoke(ctx context.Context, keyID string) error {
	return cacheutil.WriteThrough(
		func() { s.negCache.markRevoked(keyID) },
		func() error {
			if err := s.store.Revoke(ctx, keyID); err != nil {
				return fmt.Errorf("apikey: revoke: %w", err)
			}
			return nil
		},
	)
}

// Get returns an ApiKey by id, for balance/status inspection endpoints.
func (s *Service) Get(ctx context.Context, keyID string) (ApiKey, error) {
	return s.store.GetByID(ctx, keyID)
}

// SyncBalance refreshes the denormalized BalanceMicro cache; callers are
// expected to pass the authoritative unlocked balance read from the ledger.
func (s *Service) SyncBalance(ctx context.Context, keyID string, balanceMicro int64) error {
	return s.store.SetBalanceMicro(ctx, keyID, balanceMicro)
}

// HasKeyPrefix reports whether a bearer token looks like a gateway API key,
// used by the payment decision pipeline's B3 branch match.
func HasKeyPrefix(bearer string) bool {
	return len(bearer) > len(keyPrefix) && bearer[:len(keyPrefix)] == keyPrefix
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func randomSecret(n int) (string, error) {
	return randomHex(n)
}
