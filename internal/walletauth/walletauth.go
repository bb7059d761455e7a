// Package walletauth implements the gateway's free /auth/nonce + /auth/verify
// pair (spec.md §6): a caller requests a one-time nonce, signs it with an
// Ed25519 wallet key, and redeems the signature for a short-lived bearer
// session token used on the session-authenticated /keys CRUD surface.
//
// The nonce store and one-shot consumption guarantee are adapted from the
// teacher's admin_nonce.go replay-protection scheme; signature verification
// is adapted from the teacher's internal/auth/signature.go Ed25519 check.
package walletauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paylane/inference-gateway/internal/clockid"
	"github.com/paylane/inference-gateway/internal/hmacsign"
	"github.com/paylane/inference-gateway/internal/kvstore"
)

// NonceTTL bounds how long an issued nonce may be redeemed.
const NonceTTL = 5 * time.Minute

// SessionTTL bounds a verified session token's lifetime.
const SessionTTL = 1 * time.Hour

const noncePrefix = "walletauth:nonce:"

var ErrNonceNotFound = errors.New("walletauth: nonce not found or already consumed")
var ErrInvalidSignature = errors.New("walletauth: invalid signature")
var ErrInvalidSession = errors.New("walletauth: invalid or expired session token")

// Verifier checks an Ed25519 signature over a message, binding a wallet
// address to a nonce.
type Verifier interface {
	Verify(message string, signatureBase64 string, signerBase58 string) bool
}

// Service issues nonces and verifies signed redemptions, minting an opaque
// HMAC-signed session token on success. The token is stateless: it carries
// its own expiry and wallet address, verified against the same rotating
// secret the challenge protocol uses, so no server-side session table is
// needed.
type Service struct {
	kv       *kvstore.Store
	verifier Verifier
	secret   *hmacsign.RotatingSecret
	clk      clockid.Clock
}

// New builds a Service.
func New(kv *kvstore.Store, verifier Verifier, secret *hmacsign.RotatingSecret, clk clockid.Clock) *Service {
	return &Service{kv: kv, verifier: verifier, secret: secret, clk: clk}
}

// IssueNonce mints a fresh nonce and stores it with NonceTTL, returning the
// plaintext message the wallet must sign: "gateway-auth:{nonce}".
func (s *Service) IssueNonce(ctx context.Context) (nonce string, message string, err error) {
	nonce, err = clockid.RandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("walletauth: generate nonce: %w", err)
	}
	message = "gateway-auth:" + nonce
	if err := s.kv.Raw().Set(ctx, noncePrefix+nonce, "1", NonceTTL).Err(); err != nil {
		return "", "", fmt.Errorf("walletauth: store nonce: %w", err)
	}
	return nonce, message, nil
}

// Session is the decoded contents of a verified session token.
type Session struct {
	WalletAddress string
	ExpiresAt     time.Time
}

// VerifyAndIssueSession redeems a nonce: checks the signature, consumes the
// nonce exactly once, and mints a session token. A replayed or unknown
// nonce, or a failed signature check, is rejected.
func (s *Service) VerifyAndIssueSession(ctx context.Context, nonce, signatureBase64, signerBase58 string) (token string, session Session, err error) {
	consumed, err := s.kv.Raw().GetDel(ctx, noncePrefix+nonce).Result()
	if errors.Is(err, redis.Nil) || consumed == "" {
		return "", Session{}, ErrNonceNotFound
	}
	if err != nil {
		return "", Session{}, fmt.Errorf("walletauth: consume nonce: %w", err)
	}

	message := "gateway-auth:" + nonce
	if !s.verifier.Verify(message, signatureBase64, signerBase58) {
		return "", Session{}, ErrInvalidSignature
	}

	expiresAt := s.clk.Now().Add(SessionTTL)
	sess := Session{WalletAddress: signerBase58, ExpiresAt: expiresAt}
	token, err = s.encodeToken(sess)
	if err != nil {
		return "", Session{}, err
	}
	return token, sess, nil
}

func (s *Service) tokenFields(wallet string, expiresAt time.Time) hmacsign.Fields {
	return hmacsign.Fields{
		"wallet":  wallet,
		"expires": hmacsign.FormatNumber(expiresAt.Unix()),
	}
}

func (s *Service) encodeToken(sess Session) (string, error) {
	sig, err := s.secret.Sign(s.tokenFields(sess.WalletAddress, sess.ExpiresAt))
	if err != nil {
		return "", fmt.Errorf("walletauth: sign session: %w", err)
	}
	return sess.WalletAddress + "." + hmacsign.FormatNumber(sess.ExpiresAt.Unix()) + "." + sig, nil
}

// VerifyToken checks a bearer session token previously minted by
// VerifyAndIssueSession, rejecting an expired or tampered token.
func (s *Service) VerifyToken(token string) (Session, error) {
	wallet, expiresUnix, sig, ok := splitToken(token)
	if !ok {
		return Session{}, ErrInvalidSession
	}
	if !s.secret.Verify(s.tokenFields(wallet, time.Unix(expiresUnix, 0).UTC()), sig) {
		return Session{}, ErrInvalidSession
	}
	expiresAt := time.Unix(expiresUnix, 0).UTC()
	if !s.clk.Now().Before(expiresAt) {
		return Session{}, ErrInvalidSession
	}
	return Session{WalletAddress: wallet, ExpiresAt: expiresAt}, nil
}

func splitToken(token string) (wallet string, expiresUnix int64, sig string, ok bool) {
	parts := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			parts = append(parts, token[start:i])
			start = i + 1
		}
	}
	parts = append(parts, token[start:])
	if len(parts) != 3 {
		return "", 0, "", false
	}
	var exp int64
	if _, err := fmt.Sscanf(parts[1], "%d", &exp); err != nil {
		return "", 0, "", false
	}
	return parts[0], exp, parts[2], true
}
