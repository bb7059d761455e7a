package apikey

import (
	"context"
	"testing"

	"github.com/paylane/inference-gateway/internal/hmacsign"
)

func newTestService() *Service {
	pepper := hmacsign.NewRotatingSecret([]byte("test-pepper"))
	return NewService(NewMemoryStore(), pepper, 4) // low bcrypt cost for fast tests
}

func TestIssueAndAuthenticate(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	key, plaintext, err := svc.Issue(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !HasKeyPrefix(plaintext) {
		t.Fatalf("expected plaintext to carry key prefix, got %q", plaintext)
	}

	authed, err := svc.Authenticate(ctx, plaintext)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if authed.KeyID != key.KeyID {
		t.Errorf("expected key id %q, got %q", key.KeyID, authed.KeyID)
	}
	if authed.TenantID != "tenant-1" {
		t.Errorf("expected tenant-1, got %q", authed.TenantID)
	}
}

func TestAuthenticateWrongSecret(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, plaintext, err := svc.Issue(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	tampered := plaintext + "x"
	if _, err := svc.Authenticate(ctx, tampered); err == nil {
		t.Fatal("expected authentication failure for tampered plaintext")
	}
}

func TestAuthenticateUnknownKey(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.Authenticate(ctx, "dk_doesnotexist_secret"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRevokeBlocksAuthentication(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	key, plaintext, err := svc.Issue(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := svc.Revoke(ctx, key.KeyID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	if _, err := svc.Authenticate(ctx, plaintext); err != ErrRevoked {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}

	// The negative cache should also short-circuit a second attempt without
	// needing a fresh store lookup.
	if _, err := svc.Authenticate(ctx, plaintext); err != ErrRevoked {
		t.Fatalf("expected ErrRevoked on cached path, got %v", err)
	}
}

func TestSyncBalance(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	key, _, err := svc.Issue(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := svc.SyncBalance(ctx, key.KeyID, 42_000_000); err != nil {
		t.Fatalf("sync balance: %v", err)
	}

	refreshed, err := svc.Get(ctx, key.KeyID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if refreshed.BalanceMicro != 42_000_000 {
		t.Errorf("expected balance 42000000, got %d", refreshed.BalanceMicro)
	}
}

func TestAccountKeyNamespacesByKeyID(t *testing.T) {
	key := ApiKey{KeyID: "abc123"}
	if got, want := key.AccountKey(), "key:abc123"; got != want {
		t.Errorf("expected account key %q, got %q", want, got)
	}
}
