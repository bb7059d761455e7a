package challenge

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/paylane/inference-gateway/internal/clockid"
	"github.com/paylane/inference-gateway/internal/hmacsign"
	"github.com/paylane/inference-gateway/internal/kvstore"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

type stubOracle struct {
	settlements map[string]Settlement
	err         error
}

func (s *stubOracle) Lookup(ctx context.Context, txHash string) (Settlement, error) {
	if s.err != nil {
		return Settlement{}, s.err
	}
	return s.settlements[txHash], nil
}

type ChallengeSuite struct {
	suite.Suite
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	kv     *kvstore.Store
	secret *hmacsign.RotatingSecret
	clk    fixedClock
	issuer *Issuer
	ctx    context.Context
}

func (s *ChallengeSuite) SetupTest() {
	mr, err := miniredis.Run()
	s.Require().NoError(err)
	s.mr = mr
	s.rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.kv = kvstore.New(s.rdb)
	s.secret = hmacsign.NewRotatingSecret([]byte("current-secret"))
	s.clk = fixedClock{t: time.Now().UTC()}
	s.issuer = NewIssuer(s.kv, s.secret, s.clk, IssuerConfig{
		ChainID: 8453, Token: "USDC", Recipient: "0xrecipient", TTL: DefaultTTL,
	}, nil)
	s.ctx = context.Background()
}

func (s *ChallengeSuite) TearDownTest() {
	s.rdb.Close()
	s.mr.Close()
}

func TestChallengeSuite(t *testing.T) {
	suite.Run(t, new(ChallengeSuite))
}

func (s *ChallengeSuite) binding() BindingFields {
	return BindingFields{Path: "/agent/chat", Method: "POST", TokenID: "tok-1", Model: "gpt-4", MaxTokens: 1000}
}

func (s *ChallengeSuite) receiptFor(c Challenge, txHash string) PresentedReceipt {
	b := s.binding()
	return PresentedReceipt{
		TxHash: txHash, Nonce: c.Nonce,
		Path: b.Path, Method: b.Method, TokenID: b.TokenID, Model: b.Model, MaxTokens: b.MaxTokens,
	}
}

func (s *ChallengeSuite) TestVerifyExactSettlementSucceeds() {
	c, err := s.issuer.Issue(s.ctx, 50_000, s.binding())
	s.Require().NoError(err)

	oracle := &stubOracle{settlements: map[string]Settlement{
		"0xtx": {AmountMicro: 50_000, ChainID: 8453, Token: "USDC"},
	}}
	v := NewVerifier(s.kv, s.secret, oracle, nil, s.clk, VerifierConfig{ChainID: 8453, Token: "USDC"}, nil)

	out, err := v.Verify(s.ctx, "0xwallet", s.receiptFor(c, "0xtx"))
	s.Require().NoError(err)
	s.Equal(int64(50_000), out.SettledAmount)
	s.Zero(out.OverpaidMicro)
}

func (s *ChallengeSuite) TestVerifyRejectsReplayedNonce() {
	c, err := s.issuer.Issue(s.ctx, 50_000, s.binding())
	s.Require().NoError(err)

	oracle := &stubOracle{settlements: map[string]Settlement{
		"0xtx": {AmountMicro: 50_000, ChainID: 8453, Token: "USDC"},
	}}
	v := NewVerifier(s.kv, s.secret, oracle, nil, s.clk, VerifierConfig{ChainID: 8453, Token: "USDC"}, nil)

	_, err = v.Verify(s.ctx, "0xwallet", s.receiptFor(c, "0xtx"))
	s.Require().NoError(err)

	_, err = v.Verify(s.ctx, "0xwallet", s.receiptFor(c, "0xtx"))
	s.Require().Error(err)
	verr, ok := err.(*VerificationError)
	s.Require().True(ok)
	s.Equal(ReasonNonceReplayed, verr.Reason)
}

func (s *ChallengeSuite) TestVerifyRejectsTamperedBinding() {
	c, err := s.issuer.Issue(s.ctx, 50_000, s.binding())
	s.Require().NoError(err)

	oracle := &stubOracle{settlements: map[string]Settlement{
		"0xtx": {AmountMicro: 50_000, ChainID: 8453, Token: "USDC"},
	}}
	v := NewVerifier(s.kv, s.secret, oracle, nil, s.clk, VerifierConfig{ChainID: 8453, Token: "USDC"}, nil)

	r := s.receiptFor(c, "0xtx")
	r.Model = "different-model"

	_, err = v.Verify(s.ctx, "0xwallet", r)
	s.Require().Error(err)
	verr, ok := err.(*VerificationError)
	s.Require().True(ok)
	s.Equal(ReasonBindingInvalid, verr.Reason)
}

func (s *ChallengeSuite) TestVerifyRejectsExpiredChallenge() {
	issuer := NewIssuer(s.kv, s.secret, s.clk, IssuerConfig{
		ChainID: 8453, Token: "USDC", Recipient: "0xrecipient", TTL: time.Minute,
	}, nil)
	c, err := issuer.Issue(s.ctx, 50_000, s.binding())
	s.Require().NoError(err)

	oracle := &stubOracle{}
	later := fixedClock{t: s.clk.t.Add(2 * time.Minute)}
	v := NewVerifier(s.kv, s.secret, oracle, nil, later, VerifierConfig{ChainID: 8453, Token: "USDC"}, nil)

	_, err = v.Verify(s.ctx, "0xwallet", s.receiptFor(c, "0xtx"))
	s.Require().Error(err)
	verr, ok := err.(*VerificationError)
	s.Require().True(ok)
	s.Equal(ReasonChallengeExpired, verr.Reason)
}

func (s *ChallengeSuite) TestVerifyRejectsInsufficientSettlement() {
	c, err := s.issuer.Issue(s.ctx, 50_000, s.binding())
	s.Require().NoError(err)

	oracle := &stubOracle{settlements: map[string]Settlement{
		"0xtx": {AmountMicro: 10_000, ChainID: 8453, Token: "USDC"},
	}}
	v := NewVerifier(s.kv, s.secret, oracle, nil, s.clk, VerifierConfig{ChainID: 8453, Token: "USDC"}, nil)

	_, err = v.Verify(s.ctx, "0xwallet", s.receiptFor(c, "0xtx"))
	s.Require().Error(err)
	verr, ok := err.(*VerificationError)
	s.Require().True(ok)
	s.Equal(ReasonSettlementInsufficient, verr.Reason)
}

func (s *ChallengeSuite) TestVerifyUnknownNonce() {
	oracle := &stubOracle{}
	v := NewVerifier(s.kv, s.secret, oracle, nil, s.clk, VerifierConfig{ChainID: 8453, Token: "USDC"}, nil)

	_, err := v.Verify(s.ctx, "0xwallet", PresentedReceipt{Nonce: clockid.NewV4(), TxHash: "0xtx"})
	s.Require().Error(err)
	verr, ok := err.(*VerificationError)
	s.Require().True(ok)
	s.Equal(ReasonChallengeUnknown, verr.Reason)
}

func TestRequestBindingIsDeterministic(t *testing.T) {
	b := BindingFields{Path: "/agent/chat", Method: "POST", TokenID: "tok-1", Model: "gpt-4", MaxTokens: 1000}
	require.Equal(t, RequestBinding(b), RequestBinding(b))

	b2 := b
	b2.MaxTokens = 2000
	require.NotEqual(t, RequestBinding(b), RequestBinding(b2))
}
