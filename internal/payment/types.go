// Package payment implements spec.md §4.10: the five-branch payment
// admission state machine that composes API-key auth, the ledger, the
// x402 challenge/receipt protocol, and the three-tier rate limiter into a
// single Decide call, emitting a PaymentDecision the HTTP layer and a
// downstream dispatcher consume.
package payment

import (
	"time"

	"github.com/paylane/inference-gateway/internal/challenge"
	"github.com/paylane/inference-gateway/internal/ratelimit"
)

// Method tags which branch of the admission state machine produced a
// Decision.
type Method string

const (
	MethodFree      Method = "free"
	MethodKey       Method = "key"
	MethodReceipt   Method = "receipt"
	MethodChallenge Method = "challenge"
)

// Request is the admission-relevant slice of an inbound call: the fields
// the state machine branches on plus those needed to price and bind a
// request. Everything else (the actual model call) is a downstream
// dispatcher's concern.
type Request struct {
	Method    string
	Path      string
	RemoteIP  string
	RequestID string

	Authorization string // raw Authorization header value, empty if absent

	ReceiptTxHash string // X-Payment-Receipt
	ReceiptNonce  string // X-Payment-Nonce

	TokenID   string
	Model     string
	MaxTokens int64
}

// Decision is the outcome of a successful admission check. Exactly one of
// the method-specific fields is populated, matching Method.
type Decision struct {
	Method    Method
	RequestID string

	// MethodKey
	KeyID         string
	ReservationID string
	BalanceAfter  int64
	AmountMicro   int64
	costRes       *ratelimit.CostReservation

	// MethodReceipt
	Receipt *challenge.VerifiedReceipt

	// MethodChallenge
	IssuedChallenge *challenge.Challenge
}

// BindingFields derives the challenge request-binding inputs from a
// Request.
func (r Request) BindingFields() challenge.BindingFields {
	return challenge.BindingFields{
		Path: r.Path, Method: r.Method, TokenID: r.TokenID, Model: r.Model, MaxTokens: r.MaxTokens,
	}
}

// EngineConfig carries the admission state machine's tunables.
type EngineConfig struct {
	FreeEndpoints           map[string]struct{}
	PublicDailyLimit        int64
	AuthenticatedDailyLimit int64
	CostCeilingMicros       int64
	ChallengeTTL            time.Duration
}
