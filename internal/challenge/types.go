// Package challenge implements the gateway's x402 challenge/receipt
// protocol: issuing an HMAC-signed, request-bound 402 challenge
// (spec.md §4.8 issuer) and verifying a presented on-chain receipt
// against it, with one-shot nonce consumption and settlement-oracle
// lookup (spec.md §4.8 verifier), emitting a credit note on overpayment.
package challenge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/paylane/inference-gateway/internal/hmacsign"
)

// DefaultTTL is the spec's 5-minute challenge lifetime.
const DefaultTTL = 5 * time.Minute

// Challenge is spec.md §3's X402Challenge: a request-bound, signed,
// short-lived payment demand stored by nonce until redeemed or expired.
type Challenge struct {
	Nonce           string    `json:"nonce"`
	AmountMicro     int64     `json:"amount"`
	Recipient       string    `json:"recipient"`
	ChainID         int64     `json:"chain_id"`
	Token           string    `json:"token"`
	ExpiresAt       time.Time `json:"expires_at"`
	RequestPath     string    `json:"request_path"`
	RequestMethod   string    `json:"request_method"`
	RequestBinding  string    `json:"request_binding"`
	HMAC            string    `json:"hmac"`
}

// Expired reports whether the challenge's TTL has elapsed as of now.
func (c Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// BindingFields are the request-shaping fields a challenge is coupled to,
// so a receipt can only redeem the exact inference call it was issued for.
type BindingFields struct {
	Path      string
	Method    string
	TokenID   string
	Model     string
	MaxTokens int64
}

// RequestBinding computes spec.md §3's request_binding: a SHA-256 over a
// canonical, lowercased, pipe-joined tuple of the request-shaping fields.
func RequestBinding(f BindingFields) string {
	canonical := strings.ToLower(strings.Join([]string{
		f.Path, f.Method, f.TokenID, f.Model, hmacsign.FormatNumber(f.MaxTokens),
	}, "|"))
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// canonicalFields renders a Challenge's fields into the fixed
// pipe-delimited lexicographic order spec.md §6 specifies for the HMAC:
// amount | chain_id | expiry | nonce | recipient | request_binding |
// request_method | request_path | token.
func canonicalFields(c Challenge) hmacsign.Fields {
	return hmacsign.Fields{
		"amount":          hmacsign.FormatNumber(c.AmountMicro),
		"chain_id":        hmacsign.FormatNumber(c.ChainID),
		"expiry":          hmacsign.FormatNumber(c.ExpiresAt.Unix()),
		"nonce":           c.Nonce,
		"recipient":       strings.ToLower(c.Recipient),
		"request_binding": c.RequestBinding,
		"request_method":  c.RequestMethod,
		"request_path":    c.RequestPath,
		"token":           strings.ToLower(c.Token),
	}
}

// FailureReason enumerates spec.md §4.8's verifier failure classification.
type FailureReason string

const (
	ReasonChallengeUnknown       FailureReason = "CHALLENGE_UNKNOWN"
	ReasonChallengeTampered      FailureReason = "CHALLENGE_TAMPERED"
	ReasonChallengeExpired       FailureReason = "CHALLENGE_EXPIRED"
	ReasonBindingInvalid         FailureReason = "BINDING_INVALID"
	ReasonNonceReplayed          FailureReason = "NONCE_REPLAYED"
	ReasonSettlementInsufficient FailureReason = "SETTLEMENT_INSUFFICIENT"
)

// VerificationError carries a classified failure reason plus best-effort
// metadata, recorded as a VerificationFailure by the verifier.
type VerificationError struct {
	Reason FailureReason
	Nonce  string
	Detail string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("challenge: %s: %s", e.Reason, e.Detail)
}

// PresentedReceipt is the caller-supplied data backing an x402 redemption
// attempt (spec.md §4.8 verifier inputs).
type PresentedReceipt struct {
	TxHash    string
	Nonce     string
	Path      string
	Method    string
	TokenID   string
	Model     string
	MaxTokens int64
}

// VerifiedReceipt is the outcome of a successful Verify call.
type VerifiedReceipt struct {
	Challenge      Challenge
	TxHash         string
	SettledAmount  int64
	OverpaidMicro  int64 // 0 unless settlement exceeded the challenge amount
}
