// Package apierrors implements the gateway's error taxonomy (spec.md §7):
// a small enum of surface codes, each with a fixed HTTP status, plus the
// JSON envelope the payment decision pipeline and HTTP layer write for
// every non-2xx response.
package apierrors

// Code is a machine-readable surface error code. The payment decision
// pipeline never leaks internal error detail beyond this taxonomy.
type Code string

const (
	// CodeUnauthorized is returned only for authentication failures: a
	// missing, malformed, or revoked API key. Never returned for cost
	// reasons (spec.md §4.10 invariant).
	CodeUnauthorized Code = "UNAUTHORIZED"

	// CodePaymentRequired is returned for insufficient balance, an issued
	// challenge, or an expired/invalid receipt. Never returned for an auth
	// failure.
	CodePaymentRequired Code = "PAYMENT_REQUIRED"

	// CodeAmbiguousPayment is returned when both an API key and x402
	// receipt headers are presented on the same request.
	CodeAmbiguousPayment Code = "AMBIGUOUS_PAYMENT"

	// CodeInvalidRequest is returned for a malformed request body or a
	// body that does not match the expected shape.
	CodeInvalidRequest Code = "INVALID_REQUEST"

	// CodeRateLimited is returned when a per-identity or per-key rate
	// tier is exceeded. The response carries Retry-After.
	CodeRateLimited Code = "RATE_LIMITED"

	// CodeGlobalLimit is returned when the rate limiter's global cap or
	// cost ceiling is hit, or the limiter itself is unhealthy.
	CodeGlobalLimit Code = "GLOBAL_LIMIT"

	// CodeCircuitOpen is returned when the upstream provider's circuit
	// breaker is OPEN.
	CodeCircuitOpen Code = "BUDGET_CIRCUIT_OPEN"

	// CodeProviderUnavailable is returned when an upstream provider call
	// fails outside of an open circuit.
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"

	// CodeBindingInvalid is returned when a receipt's request_binding does
	// not match the recomputed binding for the presented request fields.
	CodeBindingInvalid Code = "BINDING_INVALID"

	// CodeNonceReplayed is returned when a nonce has already been consumed
	// by an earlier receipt verification.
	CodeNonceReplayed Code = "NONCE_REPLAYED"

	// CodeInternal is the catch-all for anything not classified above.
	CodeInternal Code = "INTERNAL_ERROR"

	// x402-specific PAYMENT_REQUIRED sub-codes (spec.md §4.8).
	SubCodeChallengeUnknown         = "CHALLENGE_UNKNOWN"
	SubCodeChallengeTampered        = "CHALLENGE_TAMPERED"
	SubCodeChallengeExpired         = "CHALLENGE_EXPIRED"
	SubCodeSettlementInsufficient   = "SETTLEMENT_INSUFFICIENT"
	SubCodeCreditsLocked            = "CREDITS_LOCKED"
	SubCodeUpgradeX402              = "UPGRADE_X402"
)

// HTTPStatus returns the fixed HTTP status for a surface code. The mapping
// is total: every code has exactly one status (400 and 503 are each shared
// by several codes, 401/402/429 by one code each), so the 401/402/429/503
// invariants in spec.md §4.10/§8 hold by construction rather than by
// per-call discipline.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthorized:
		return 401
	case CodePaymentRequired:
		return 402
	case CodeAmbiguousPayment, CodeInvalidRequest, CodeBindingInvalid:
		return 400
	case CodeRateLimited:
		return 429
	case CodeGlobalLimit, CodeCircuitOpen:
		return 503
	case CodeProviderUnavailable:
		return 502
	case CodeNonceReplayed:
		return 409
	default:
		return 500
	}
}
