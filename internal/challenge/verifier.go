package challenge

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/paylane/inference-gateway/internal/clockid"
	"github.com/paylane/inference-gateway/internal/creditnote"
	"github.com/paylane/inference-gateway/internal/hmacsign"
	"github.com/paylane/inference-gateway/internal/kvstore"
	"github.com/paylane/inference-gateway/internal/metrics"
)

// VerifierConfig carries the chain/token parameters a presented receipt's
// settlement must match.
type VerifierConfig struct {
	ChainID int64
	Token   string
}

// Verifier redeems a PresentedReceipt against the Challenge it was issued
// for, implementing spec.md §4.8's eight-step verification sequence.
type Verifier struct {
	store   *store
	secret  *hmacsign.RotatingSecret
	oracle  SettlementOracle
	credit  *creditnote.Service
	clk     clockid.Clock
	cfg     VerifierConfig
	metrics *metrics.Metrics
}

// NewVerifier builds a Verifier. credit may be nil, in which case
// overpayment is reported on VerifiedReceipt but no credit note is issued.
func NewVerifier(kv *kvstore.Store, secret *hmacsign.RotatingSecret, oracle SettlementOracle, credit *creditnote.Service, clk clockid.Clock, cfg VerifierConfig, m *metrics.Metrics) *Verifier {
	return &Verifier{store: newStore(kv), secret: secret, oracle: oracle, credit: credit, clk: clk, cfg: cfg, metrics: m}
}

// Verify runs the eight-step redemption sequence. wallet is the credit-note
// recipient on overpayment; pass "" to use the settlement oracle's reported
// payer address instead.
//  1. load the challenge by nonce
//  2. verify the stored HMAC against the current or previous secret
//  3. check the challenge has not expired
//  4. recompute the request binding from the presented fields and compare
//  5. atomically consume the nonce, rejecting a second (replayed) redemption
//  6. look up the presented tx hash's on-chain settlement
//  7. require the settlement covers the challenge's chain/token/amount
//  8. on overpayment, issue a credit note for the wallet and report the delta
func (v *Verifier) Verify(ctx context.Context, wallet string, r PresentedReceipt) (VerifiedReceipt, error) {
	c, err := v.store.get(ctx, r.Nonce)
	if err != nil {
		v.observe("unknown")
		if err == ErrNotFound {
			return VerifiedReceipt{}, &VerificationError{Reason: ReasonChallengeUnknown, Nonce: r.Nonce, Detail: "no live challenge for nonce"}
		}
		return VerifiedReceipt{}, fmt.Errorf("challenge: verify: load: %w", err)
	}

	if !v.secret.Verify(canonicalFields(c), c.HMAC) {
		v.observe("tampered")
		return VerifiedReceipt{}, &VerificationError{Reason: ReasonChallengeTampered, Nonce: r.Nonce, Detail: "hmac mismatch"}
	}

	if c.Expired(v.clk.Now()) {
		v.observe("expired")
		return VerifiedReceipt{}, &VerificationError{Reason: ReasonChallengeExpired, Nonce: r.Nonce, Detail: "challenge ttl elapsed"}
	}

	presentedBinding := RequestBinding(BindingFields{
		Path: r.Path, Method: r.Method, TokenID: r.TokenID, Model: r.Model, MaxTokens: r.MaxTokens,
	})
	if subtle.ConstantTimeCompare([]byte(presentedBinding), []byte(c.RequestBinding)) != 1 {
		v.observe("binding_invalid")
		return VerifiedReceipt{}, &VerificationError{Reason: ReasonBindingInvalid, Nonce: r.Nonce, Detail: "request binding mismatch"}
	}

	first, err := v.store.consumeNonce(ctx, r.Nonce, c.ExpiresAt.Sub(v.clk.Now()))
	if err != nil {
		return VerifiedReceipt{}, fmt.Errorf("challenge: verify: consume nonce: %w", err)
	}
	if !first {
		v.observe("replayed")
		return VerifiedReceipt{}, &VerificationError{Reason: ReasonNonceReplayed, Nonce: r.Nonce, Detail: "nonce already redeemed"}
	}

	settlement, err := v.oracle.Lookup(ctx, r.TxHash)
	if err != nil {
		return VerifiedReceipt{}, fmt.Errorf("challenge: verify: settlement lookup: %w", err)
	}
	if settlement.ChainID != c.ChainID || settlement.Token != c.Token || settlement.AmountMicro < c.AmountMicro {
		v.observe("settlement_insufficient")
		return VerifiedReceipt{}, &VerificationError{
			Reason: ReasonSettlementInsufficient,
			Nonce:  r.Nonce,
			Detail: fmt.Sprintf("settled %d on chain %d token %s, wanted %d on chain %d token %s",
				settlement.AmountMicro, settlement.ChainID, settlement.Token, c.AmountMicro, c.ChainID, c.Token),
		}
	}

	overpaid := settlement.AmountMicro - c.AmountMicro
	creditWallet := wallet
	if creditWallet == "" {
		creditWallet = settlement.Payer
	}
	if overpaid > 0 && v.credit != nil && creditWallet != "" {
		if _, err := v.credit.Issue(ctx, creditWallet, overpaid, r.Nonce); err != nil {
			return VerifiedReceipt{}, fmt.Errorf("challenge: verify: issue credit note: %w", err)
		}
	}

	v.observe("ok")
	return VerifiedReceipt{
		Challenge:     c,
		TxHash:        r.TxHash,
		SettledAmount: settlement.AmountMicro,
		OverpaidMicro: overpaid,
	}, nil
}

func (v *Verifier) observe(outcome string) {
	if v.metrics == nil {
		return
	}
	v.metrics.ObserveReceiptVerify(outcome)
}
