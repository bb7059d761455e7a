package payment

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/paylane/inference-gateway/internal/apierrors"
	"github.com/paylane/inference-gateway/internal/apikey"
	"github.com/paylane/inference-gateway/internal/challenge"
	"github.com/paylane/inference-gateway/internal/config"
	"github.com/paylane/inference-gateway/internal/hmacsign"
	"github.com/paylane/inference-gateway/internal/idempotency"
	"github.com/paylane/inference-gateway/internal/kvstore"
	"github.com/paylane/inference-gateway/internal/ledger"
	"github.com/paylane/inference-gateway/internal/money"
	"github.com/paylane/inference-gateway/internal/pricing"
	"github.com/paylane/inference-gateway/internal/ratelimit"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

// memKeyStore is an in-memory apikey.Store double.
type memKeyStore struct {
	byID     map[string]apikey.ApiKey
	byLookup map[string]apikey.ApiKey
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{byID: make(map[string]apikey.ApiKey), byLookup: make(map[string]apikey.ApiKey)}
}

func (m *memKeyStore) Insert(ctx context.Context, key apikey.ApiKey) error {
	m.byID[key.KeyID] = key
	m.byLookup[key.LookupHash] = key
	return nil
}
func (m *memKeyStore) GetByLookupHash(ctx context.Context, lookupHash string) (apikey.ApiKey, error) {
	k, ok := m.byLookup[lookupHash]
	if !ok {
		return apikey.ApiKey{}, apikey.ErrNotFound
	}
	return k, nil
}
func (m *memKeyStore) GetByID(ctx context.Context, keyID string) (apikey.ApiKey, error) {
	k, ok := m.byID[keyID]
	if !ok {
		return apikey.ApiKey{}, apikey.ErrNotFound
	}
	return k, nil
}
func (m *memKeyStore) Revoke(ctx context.Context, keyID string) error {
	k := m.byID[keyID]
	k.Revoked = true
	m.byID[keyID] = k
	m.byLookup[k.LookupHash] = k
	return nil
}
func (m *memKeyStore) SetBalanceMicro(ctx context.Context, keyID string, balanceMicro int64) error {
	k := m.byID[keyID]
	k.BalanceMicro = balanceMicro
	m.byID[keyID] = k
	return nil
}
func (m *memKeyStore) Close() error { return nil }

// stubOracle is a SettlementOracle double keyed by tx hash.
type stubOracle struct {
	settlements map[string]challenge.Settlement
}

func (s *stubOracle) Lookup(ctx context.Context, txHash string) (challenge.Settlement, error) {
	return s.settlements[txHash], nil
}

type PaymentSuite struct {
	suite.Suite
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	kv       *kvstore.Store
	clk      fixedClock
	keys     *apikey.Service
	keyStore *memKeyStore
	ldg      *ledger.Ledger
	oracle   *stubOracle
	engine   *Engine
	ctx      context.Context
}

func (s *PaymentSuite) SetupTest() {
	mr, err := miniredis.Run()
	s.Require().NoError(err)
	s.mr = mr
	s.rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.kv = kvstore.New(s.rdb)
	s.clk = fixedClock{t: time.Now().UTC()}

	pepper := hmacsign.NewRotatingSecret([]byte("pepper"))
	s.keyStore = newMemKeyStore()
	s.keys = apikey.NewService(s.keyStore, pepper, 4)

	journal := ledger.NewMemoryJournalStore()
	s.ldg = ledger.New(s.kv, journal, s.clk, zerolog.Nop(), nil)

	admission := ratelimit.NewAdmissionLimiter(s.kv, ratelimit.AdmissionConfig{PublicDailyLimit: 100, AuthenticatedDailyLimit: 1000}, nil)
	costReserver := ratelimit.NewCostReserver(s.kv, s.clk, nil)

	secret := hmacsign.NewRotatingSecret([]byte("challenge-secret"))
	issuer := challenge.NewIssuer(s.kv, secret, s.clk, challenge.IssuerConfig{
		ChainID: 8453, Token: "USDC", Recipient: "0xrecipient", TTL: challenge.DefaultTTL,
	}, nil)
	s.oracle = &stubOracle{settlements: map[string]challenge.Settlement{}}
	verifier := challenge.NewVerifier(s.kv, secret, s.oracle, nil, s.clk, challenge.VerifierConfig{ChainID: 8453, Token: "USDC"}, nil)

	pricingTable := pricing.New(config.PricingConfig{
		DefaultBaseMicros: 100, DefaultPerTokenMicros: 1,
		Models: []config.ModelPricing{{Model: "gpt-4", BaseMicros: 1000, PerTokenMicros: 2}},
	})

	idemp := idempotency.NewMemoryStore()

	cfg := EngineConfig{
		FreeEndpoints:           map[string]struct{}{"/health": {}},
		PublicDailyLimit:        100,
		AuthenticatedDailyLimit: 1000,
		CostCeilingMicros:       1_000_000,
		ChallengeTTL:            challenge.DefaultTTL,
	}
	s.engine = NewEngine(cfg, s.keys, s.ldg, admission, costReserver, verifier, issuer, pricingTable, idemp, nil, s.clk)
	s.ctx = context.Background()
}

func (s *PaymentSuite) TearDownTest() {
	s.rdb.Close()
	s.mr.Close()
}

func TestPaymentSuite(t *testing.T) {
	suite.Run(t, new(PaymentSuite))
}

func (s *PaymentSuite) TestFreeEndpointBypassesEverything() {
	d, apiErr := s.engine.Decide(s.ctx, Request{Path: "/health", RequestID: "r1"})
	s.Require().Nil(apiErr)
	s.Equal(MethodFree, d.Method)
}

func (s *PaymentSuite) TestAmbiguousPaymentRejected() {
	_, apiErr := s.engine.Decide(s.ctx, Request{
		Path: "/agent/chat", RequestID: "r2",
		Authorization: "dk_abcdef_secret", ReceiptTxHash: "0xtx", ReceiptNonce: "nonce-1",
	})
	s.Require().NotNil(apiErr)
	s.Equal(apierrors.CodeAmbiguousPayment, apiErr.Code)
	s.Equal(400, apiErr.Code.HTTPStatus())
}

func (s *PaymentSuite) fundedKey(balance money.MicroUSD) (apikey.ApiKey, string) {
	key, plaintext, err := s.keys.Issue(s.ctx, "tenant-1")
	s.Require().NoError(err)
	s.Require().NoError(s.ldg.Grant(s.ctx, key.AccountKey(), balance, "seed"))
	return key, plaintext
}

func (s *PaymentSuite) TestKeyPathReservesAndSettles() {
	_, plaintext := s.fundedKey(1_000_000)

	d, apiErr := s.engine.Decide(s.ctx, Request{
		Path: "/agent/chat", RequestID: "req-1",
		Authorization: plaintext, Model: "gpt-4", MaxTokens: 100,
	})
	s.Require().Nil(apiErr)
	s.Equal(MethodKey, d.Method)
	s.NotEmpty(d.ReservationID)
	s.EqualValues(1200, d.AmountMicro) // base 1000 + 2*100

	s.Require().NoError(s.engine.Settle(s.ctx, d, d.AmountMicro, true))
}

func (s *PaymentSuite) TestKeyPathInsufficientBalance() {
	_, plaintext := s.fundedKey(500)

	_, apiErr := s.engine.Decide(s.ctx, Request{
		Path: "/agent/chat", RequestID: "req-2",
		Authorization: plaintext, Model: "gpt-4", MaxTokens: 100,
	})
	s.Require().NotNil(apiErr)
	s.Equal(apierrors.CodePaymentRequired, apiErr.Code)
	s.Equal(apierrors.SubCodeUpgradeX402, apiErr.SubCode)
}

func (s *PaymentSuite) TestKeyPathUnauthorizedOnBadSecret() {
	_, apiErr := s.engine.Decide(s.ctx, Request{
		Path: "/agent/chat", RequestID: "req-3",
		Authorization: "dk_deadbeef_wrongsecret",
	})
	s.Require().NotNil(apiErr)
	s.Equal(apierrors.CodeUnauthorized, apiErr.Code)
	s.Equal(401, apiErr.Code.HTTPStatus())
}

func (s *PaymentSuite) TestKeyPathRateLimited() {
	_, plaintext := s.fundedKey(1_000_000)

	prefix := plaintext
	if len(prefix) > 32 {
		prefix = prefix[:32]
	}
	identity := ratelimit.IdentityKey("key", prefix, s.clk.Now())
	for i := int64(0); i < 1000; i++ {
		_, err := s.engine.admission.Check(s.ctx, identity, 1000)
		s.Require().NoError(err)
	}

	_, apiErr := s.engine.Decide(s.ctx, Request{
		Path: "/agent/chat", RequestID: "req-ratelimited",
		Authorization: plaintext, Model: "gpt-4", MaxTokens: 10,
	})
	s.Require().NotNil(apiErr)
	s.Equal(apierrors.CodeRateLimited, apiErr.Code)
	s.Equal(429, apiErr.Code.HTTPStatus())
}

func (s *PaymentSuite) TestKeyPathIdempotentReplay() {
	_, plaintext := s.fundedKey(1_000_000)

	d1, apiErr := s.engine.Decide(s.ctx, Request{
		Path: "/agent/chat", RequestID: "req-idem", Authorization: plaintext, Model: "gpt-4", MaxTokens: 10,
	})
	s.Require().Nil(apiErr)

	d2, apiErr := s.engine.Decide(s.ctx, Request{
		Path: "/agent/chat", RequestID: "req-idem", Authorization: plaintext, Model: "gpt-4", MaxTokens: 10,
	})
	s.Require().Nil(apiErr)
	s.Equal(d1.ReservationID, d2.ReservationID)
}

func (s *PaymentSuite) TestChallengePathIssuesChallenge() {
	d, apiErr := s.engine.Decide(s.ctx, Request{Path: "/agent/chat", RequestID: "req-4", Model: "gpt-4", MaxTokens: 10, RemoteIP: "1.2.3.4"})
	s.Require().NotNil(apiErr)
	s.Equal(apierrors.CodePaymentRequired, apiErr.Code)
	s.Equal(apierrors.SubCodeUpgradeX402, apiErr.SubCode)
	s.Equal(MethodChallenge, d.Method)
	s.Require().NotNil(d.IssuedChallenge)
}

func (s *PaymentSuite) TestReceiptPathSucceeds() {
	d, apiErr := s.engine.Decide(s.ctx, Request{Path: "/agent/chat", RequestID: "req-5", Model: "gpt-4", MaxTokens: 10, RemoteIP: "1.2.3.4"})
	s.Require().NotNil(apiErr)
	c := d.IssuedChallenge
	s.Require().NotNil(c)

	s.oracle.settlements["0xsettled"] = challenge.Settlement{AmountMicro: c.AmountMicro, ChainID: 8453, Token: "USDC", Payer: "0xwallet"}

	receiptDecision, apiErr2 := s.engine.Decide(s.ctx, Request{
		Path: "/agent/chat", RequestID: "req-6",
		ReceiptTxHash: "0xsettled", ReceiptNonce: c.Nonce,
		Model: "gpt-4", MaxTokens: 10, RemoteIP: "1.2.3.5",
	})
	s.Require().Nil(apiErr2)
	s.Equal(MethodReceipt, receiptDecision.Method)
	s.Require().NotNil(receiptDecision.Receipt)
	s.EqualValues(0, receiptDecision.Receipt.OverpaidMicro)
}

func (s *PaymentSuite) TestReceiptPathRejectsReplayedNonce() {
	d, apiErr := s.engine.Decide(s.ctx, Request{Path: "/agent/chat", RequestID: "req-7", Model: "gpt-4", MaxTokens: 10, RemoteIP: "9.9.9.9"})
	s.Require().NotNil(apiErr)
	c := d.IssuedChallenge
	s.Require().NotNil(c)

	s.oracle.settlements["0xsettled2"] = challenge.Settlement{AmountMicro: c.AmountMicro, ChainID: 8453, Token: "USDC"}

	req := Request{
		Path: "/agent/chat", RequestID: "req-8",
		ReceiptTxHash: "0xsettled2", ReceiptNonce: c.Nonce,
		Model: "gpt-4", MaxTokens: 10, RemoteIP: "9.9.9.8",
	}
	_, apiErr1 := s.engine.Decide(s.ctx, req)
	s.Require().Nil(apiErr1)

	req.RequestID = "req-9"
	_, apiErr2 := s.engine.Decide(s.ctx, req)
	s.Require().NotNil(apiErr2)
	s.Equal(apierrors.CodeNonceReplayed, apiErr2.Code)
	s.Equal(409, apiErr2.Code.HTTPStatus())
}

func (s *PaymentSuite) TestSettleRollsBackOnFailure() {
	_, plaintext := s.fundedKey(1_000_000)

	d, apiErr := s.engine.Decide(s.ctx, Request{
		Path: "/agent/chat", RequestID: "req-rollback",
		Authorization: plaintext, Model: "gpt-4", MaxTokens: 10,
	})
	s.Require().Nil(apiErr)

	s.Require().NoError(s.engine.Settle(s.ctx, d, 0, false))
}
