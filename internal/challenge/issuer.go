package challenge

import (
	"context"
	"fmt"
	"time"

	"github.com/paylane/inference-gateway/internal/clockid"
	"github.com/paylane/inference-gateway/internal/hmacsign"
	"github.com/paylane/inference-gateway/internal/kvstore"
	"github.com/paylane/inference-gateway/internal/metrics"
)

// IssuerConfig carries the chain/recipient/token parameters a newly
// minted challenge is priced and addressed against.
type IssuerConfig struct {
	ChainID   int64
	Token     string
	Recipient string
	TTL       time.Duration
}

// Issuer mints spec.md §4.8 challenges: request-bound, HMAC-signed,
// TTL'd, stored by nonce for later redemption.
type Issuer struct {
	store   *store
	secret  *hmacsign.RotatingSecret
	clk     clockid.Clock
	cfg     IssuerConfig
	metrics *metrics.Metrics
}

// NewIssuer builds an Issuer. metrics may be nil.
func NewIssuer(kv *kvstore.Store, secret *hmacsign.RotatingSecret, clk clockid.Clock, cfg IssuerConfig, m *metrics.Metrics) *Issuer {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Issuer{store: newStore(kv), secret: secret, clk: clk, cfg: cfg, metrics: m}
}

// Issue computes the request binding for the given fields, builds and
// signs a fresh challenge priced at amountMicro, stores it by nonce, and
// returns it for the 402 envelope.
func (i *Issuer) Issue(ctx context.Context, amountMicro int64, binding BindingFields) (Challenge, error) {
	now := i.clk.Now()
	nonce := clockid.NewV4()

	c := Challenge{
		Nonce:          nonce,
		AmountMicro:    amountMicro,
		Recipient:      i.cfg.Recipient,
		ChainID:        i.cfg.ChainID,
		Token:          i.cfg.Token,
		ExpiresAt:      now.Add(i.cfg.TTL),
		RequestPath:    binding.Path,
		RequestMethod:  binding.Method,
		RequestBinding: RequestBinding(binding),
	}

	sig, err := i.secret.Sign(canonicalFields(c))
	if err != nil {
		return Challenge{}, fmt.Errorf("challenge: sign: %w", err)
	}
	c.HMAC = sig

	if err := i.store.put(ctx, c, i.cfg.TTL); err != nil {
		return Challenge{}, err
	}

	if i.metrics != nil {
		i.metrics.ObserveChallengeIssued()
	}
	return c, nil
}
