package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paylane/inference-gateway/internal/apierrors"
	"github.com/paylane/inference-gateway/internal/apikey"
	"github.com/paylane/inference-gateway/internal/challenge"
	"github.com/paylane/inference-gateway/internal/clockid"
	"github.com/paylane/inference-gateway/internal/idempotency"
	"github.com/paylane/inference-gateway/internal/ledger"
	"github.com/paylane/inference-gateway/internal/pricing"
	"github.com/paylane/inference-gateway/internal/ratelimit"
)

// BillingRecorder persists a completed billing event fire-and-forget. A
// nil Engine.billing disables recording entirely.
type BillingRecorder interface {
	Record(ctx context.Context, d Decision, success bool)
}

// Engine runs the five-branch admission state machine (spec.md §4.10),
// composing API key auth, the ledger, the challenge protocol, and the
// three-tier rate limiter.
type Engine struct {
	cfg EngineConfig

	apikeys    *apikey.Service
	ledger     *ledger.Ledger
	admission  *ratelimit.AdmissionLimiter
	costReserv *ratelimit.CostReserver
	verifier   *challenge.Verifier
	issuer     *challenge.Issuer
	pricing    *pricing.Table
	idemp      idempotency.Store
	billing    BillingRecorder
	clk        clockid.Clock
}

// NewEngine builds an Engine. billing may be nil to disable billing-event
// recording.
func NewEngine(
	cfg EngineConfig,
	apikeys *apikey.Service,
	ldg *ledger.Ledger,
	admission *ratelimit.AdmissionLimiter,
	costReserv *ratelimit.CostReserver,
	verifier *challenge.Verifier,
	issuer *challenge.Issuer,
	pricingTable *pricing.Table,
	idemp idempotency.Store,
	billing BillingRecorder,
	clk clockid.Clock,
) *Engine {
	return &Engine{
		cfg: cfg, apikeys: apikeys, ledger: ldg, admission: admission, costReserv: costReserv,
		verifier: verifier, issuer: issuer, pricing: pricingTable, idemp: idemp, billing: billing, clk: clk,
	}
}

// idempotencyTTL bounds how long a completed key-path decision is replayed
// verbatim for a retried request_id.
const idempotencyTTL = 24 * time.Hour

// Decide runs the admission state machine against req and returns either a
// Decision the caller may dispatch on, or a classified *apierrors.Error to
// write back to the client.
func (e *Engine) Decide(ctx context.Context, req Request) (Decision, *apierrors.Error) {
	if _, free := e.cfg.FreeEndpoints[req.Path]; free {
		return Decision{Method: MethodFree, RequestID: req.RequestID}, nil
	}

	hasAuth := req.Authorization != ""
	hasReceipt := req.ReceiptTxHash != "" && req.ReceiptNonce != ""

	switch {
	case hasAuth && hasReceipt:
		return Decision{}, apierrors.New(apierrors.CodeAmbiguousPayment, "both an api key and an x402 receipt were presented")
	case hasAuth && apikey.HasKeyPrefix(req.Authorization):
		return e.decideKeyPath(ctx, req)
	case hasReceipt:
		return e.decideReceiptPath(ctx, req)
	default:
		return e.decideChallengePath(ctx, req)
	}
}

func keyPrefix32(bearer string) string {
	if len(bearer) <= 32 {
		return bearer
	}
	return bearer[:32]
}

func (e *Engine) decideKeyPath(ctx context.Context, req Request) (Decision, *apierrors.Error) {
	identity := ratelimit.IdentityKey("key", keyPrefix32(req.Authorization), e.clk.Now())
	outcome, err := e.admission.Check(ctx, identity, e.cfg.AuthenticatedDailyLimit)
	if err != nil {
		return Decision{}, apierrors.New(apierrors.CodeGlobalLimit, "rate limiter unavailable")
	}
	if !outcome.Allowed {
		return Decision{}, admissionDeniedError(outcome)
	}

	if e.idemp != nil {
		if cached, ok := e.idemp.Get(ctx, req.RequestID); ok {
			var d Decision
			if jsonErr := json.Unmarshal(cached.Body, &d); jsonErr == nil {
				return d, nil
			}
		}
	}

	key, authErr := e.apikeys.Authenticate(ctx, req.Authorization)
	if authErr != nil {
		switch {
		case errors.Is(authErr, apikey.ErrNotFound), errors.Is(authErr, apikey.ErrRevoked), errors.Is(authErr, apikey.ErrInvalidSecret):
			return Decision{}, apierrors.New(apierrors.CodeUnauthorized, "invalid or revoked api key")
		default:
			return Decision{}, apierrors.New(apierrors.CodeInternal, "authentication failed")
		}
	}

	cost := e.pricing.Compute(req.Model, req.MaxTokens)

	costRes, admitted, err := e.costReserv.Reserve(ctx, identity, int64(cost), e.cfg.CostCeilingMicros)
	if err != nil {
		return Decision{}, apierrors.New(apierrors.CodeGlobalLimit, "rate limiter unavailable")
	}
	if !admitted {
		return Decision{}, apierrors.New(apierrors.CodeGlobalLimit, "cost ceiling exceeded for this identity")
	}

	reserveRes, err := e.ledger.Reserve(ctx, key.AccountKey(), cost, req.RequestID)
	if err != nil {
		_ = e.costReserv.Release(ctx, costRes, 0)
		return Decision{}, apierrors.New(apierrors.CodeInternal, "ledger reserve failed")
	}

	switch reserveRes.Status {
	case ledger.StatusCreditsLocked, ledger.StatusFallbackUSDC:
		_ = e.costReserv.Release(ctx, costRes, 0)
		return Decision{}, apierrors.New(apierrors.CodePaymentRequired, "insufficient balance").WithSubCode(apierrors.SubCodeUpgradeX402)
	case ledger.StatusReserved:
		// fall through
	default:
		_ = e.costReserv.Release(ctx, costRes, 0)
		return Decision{}, apierrors.New(apierrors.CodePaymentRequired, "reservation lost the race").WithSubCode(apierrors.SubCodeUpgradeX402)
	}

	d := Decision{
		Method:        MethodKey,
		RequestID:     req.RequestID,
		KeyID:         key.KeyID,
		ReservationID: reserveRes.Receipt.ReservationID,
		AmountMicro:   int64(cost),
		costRes:       costRes,
	}

	if e.idemp != nil {
		if body, jsonErr := json.Marshal(d); jsonErr == nil {
			_ = e.idemp.Set(ctx, req.RequestID, &idempotency.Response{StatusCode: 200, Body: body}, idempotencyTTL)
		}
	}

	return d, nil
}

func (e *Engine) decideReceiptPath(ctx context.Context, req Request) (Decision, *apierrors.Error) {
	proxyIdentity := "receipt:" + nonceProxy(req.ReceiptNonce)
	outcome, err := e.admission.Check(ctx, proxyIdentity, e.cfg.PublicDailyLimit)
	if err != nil {
		return Decision{}, apierrors.New(apierrors.CodeGlobalLimit, "rate limiter unavailable")
	}
	if !outcome.Allowed {
		return Decision{}, admissionDeniedError(outcome)
	}

	b := req.BindingFields()
	receipt, err := e.verifier.Verify(ctx, "", challenge.PresentedReceipt{
		TxHash: req.ReceiptTxHash, Nonce: req.ReceiptNonce,
		Path: b.Path, Method: b.Method, TokenID: b.TokenID, Model: b.Model, MaxTokens: b.MaxTokens,
	})
	if err != nil {
		if verr, ok := err.(*challenge.VerificationError); ok {
			return Decision{}, mapVerificationError(verr)
		}
		return Decision{}, apierrors.New(apierrors.CodeInternal, "receipt verification failed")
	}

	return Decision{Method: MethodReceipt, RequestID: req.RequestID, Receipt: &receipt}, nil
}

func (e *Engine) decideChallengePath(ctx context.Context, req Request) (Decision, *apierrors.Error) {
	identity := "ip:" + req.RemoteIP
	outcome, err := e.admission.Check(ctx, identity, e.cfg.PublicDailyLimit)
	if err != nil {
		return Decision{}, apierrors.New(apierrors.CodeGlobalLimit, "rate limiter unavailable")
	}
	if !outcome.Allowed {
		return Decision{}, admissionDeniedError(outcome)
	}

	cost := e.pricing.Compute(req.Model, req.MaxTokens)
	c, err := e.issuer.Issue(ctx, int64(cost), req.BindingFields())
	if err != nil {
		return Decision{}, apierrors.New(apierrors.CodeInternal, "failed to issue challenge")
	}

	apiErr := apierrors.New(apierrors.CodePaymentRequired, "payment required").
		WithSubCode(apierrors.SubCodeUpgradeX402).
		WithDetail(map[string]interface{}{"challenge": c})
	return Decision{Method: MethodChallenge, RequestID: req.RequestID, IssuedChallenge: &c}, apiErr
}

// Settle finalizes (success) or rolls back (failure) a MethodKey
// Decision's ledger reservation and reconciles its cost-ceiling hold
// against the actual cost incurred, then records a billing event
// fire-and-forget. Called by the downstream dispatcher once the actual
// inference outcome is known; a no-op for every other Method.
func (e *Engine) Settle(ctx context.Context, d Decision, actualMicros int64, success bool) error {
	if d.Method != MethodKey || d.ReservationID == "" {
		return nil
	}

	var err error
	if success {
		_, err = e.ledger.Finalize(ctx, d.ReservationID, d.RequestID)
	} else {
		_, err = e.ledger.Rollback(ctx, d.ReservationID, d.RequestID)
	}

	if d.costRes != nil {
		_ = e.costReserv.Release(ctx, d.costRes, actualMicros)
	}

	if e.billing != nil {
		e.billing.Record(ctx, d, success)
	}

	if err != nil {
		return fmt.Errorf("payment: settle: %w", err)
	}
	return nil
}

// admissionDeniedError maps an AdmissionLimiter denial to the spec's
// taxonomy: a per-identity tier is 429 RATE_LIMITED, the shared global
// daily cap is 503 GLOBAL_LIMIT (spec.md §7).
func admissionDeniedError(outcome ratelimit.AdmissionOutcome) *apierrors.Error {
	if outcome.Reason == ratelimit.ReasonGlobalExceeded {
		return apierrors.New(apierrors.CodeGlobalLimit, "global daily request cap exceeded").WithRetryAfter(int(outcome.RetryAfter.Seconds()))
	}
	return apierrors.New(apierrors.CodeRateLimited, "daily request limit exceeded").WithRetryAfter(int(outcome.RetryAfter.Seconds()))
}

func mapVerificationError(verr *challenge.VerificationError) *apierrors.Error {
	switch verr.Reason {
	case challenge.ReasonChallengeUnknown:
		return apierrors.New(apierrors.CodePaymentRequired, verr.Error()).WithSubCode(apierrors.SubCodeChallengeUnknown)
	case challenge.ReasonChallengeTampered:
		return apierrors.New(apierrors.CodePaymentRequired, verr.Error()).WithSubCode(apierrors.SubCodeChallengeTampered)
	case challenge.ReasonChallengeExpired:
		return apierrors.New(apierrors.CodePaymentRequired, verr.Error()).WithSubCode(apierrors.SubCodeChallengeExpired)
	case challenge.ReasonBindingInvalid:
		return apierrors.New(apierrors.CodeBindingInvalid, verr.Error())
	case challenge.ReasonNonceReplayed:
		return apierrors.New(apierrors.CodeNonceReplayed, verr.Error())
	case challenge.ReasonSettlementInsufficient:
		return apierrors.New(apierrors.CodePaymentRequired, verr.Error()).WithSubCode(apierrors.SubCodeSettlementInsufficient)
	default:
		return apierrors.New(apierrors.CodeInternal, verr.Error())
	}
}

// nonceProxy returns a short prefix of a presented nonce, used to rate
// limit a receipt-path caller before their wallet is known.
func nonceProxy(nonce string) string {
	if len(nonce) <= 16 {
		return nonce
	}
	return nonce[:16]
}
