package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/paylane/inference-gateway/internal/apierrors"
	"github.com/paylane/inference-gateway/internal/apikey"
	"github.com/paylane/inference-gateway/internal/audit"
	"github.com/paylane/inference-gateway/internal/challenge"
	"github.com/paylane/inference-gateway/internal/circuitbreaker"
	"github.com/paylane/inference-gateway/internal/config"
	"github.com/paylane/inference-gateway/internal/hmacsign"
	"github.com/paylane/inference-gateway/internal/idempotency"
	"github.com/paylane/inference-gateway/internal/kvstore"
	"github.com/paylane/inference-gateway/internal/ledger"
	"github.com/paylane/inference-gateway/internal/payment"
	"github.com/paylane/inference-gateway/internal/pricing"
	"github.com/paylane/inference-gateway/internal/ratelimit"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

type failingProvider struct{ err error }

func (p failingProvider) Complete(ctx context.Context, model, message string, maxTokens int64) (Completion, error) {
	return Completion{}, p.err
}

type DispatchSuite struct {
	suite.Suite
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	kv     *kvstore.Store
	clk    fixedClock
	engine *payment.Engine
	key    string
	ctx    context.Context
}

func (s *DispatchSuite) SetupTest() {
	mr, err := miniredis.Run()
	s.Require().NoError(err)
	s.mr = mr
	s.rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.kv = kvstore.New(s.rdb)
	s.clk = fixedClock{t: time.Now().UTC()}

	pepper := hmacsign.NewRotatingSecret([]byte("pepper"))
	keys := apikey.NewService(apikey.NewMemoryStore(), pepper, 4)
	journal := ledger.NewMemoryJournalStore()
	ldg := ledger.New(s.kv, journal, s.clk, zerolog.Nop(), nil)
	admission := ratelimit.NewAdmissionLimiter(s.kv, ratelimit.AdmissionConfig{PublicDailyLimit: 100, AuthenticatedDailyLimit: 1000}, nil)
	costReserver := ratelimit.NewCostReserver(s.kv, s.clk, nil)

	secret := hmacsign.NewRotatingSecret([]byte("challenge-secret"))
	issuer := challenge.NewIssuer(s.kv, secret, s.clk, challenge.IssuerConfig{ChainID: 8453, Token: "USDC", Recipient: "0xr", TTL: challenge.DefaultTTL}, nil)
	verifier := challenge.NewVerifier(s.kv, secret, nil, nil, s.clk, challenge.VerifierConfig{ChainID: 8453, Token: "USDC"}, nil)

	pricingTable := pricing.New(config.PricingConfig{DefaultBaseMicros: 100, DefaultPerTokenMicros: 1})
	idemp := idempotency.NewMemoryStore()

	cfg := payment.EngineConfig{
		FreeEndpoints: map[string]struct{}{}, PublicDailyLimit: 100, AuthenticatedDailyLimit: 1000,
		CostCeilingMicros: 1_000_000, ChallengeTTL: challenge.DefaultTTL,
	}
	s.engine = payment.NewEngine(cfg, keys, ldg, admission, costReserver, verifier, issuer, pricingTable, idemp, nil, s.clk)
	s.ctx = context.Background()

	key, plaintext, err := keys.Issue(s.ctx, "tenant-1")
	s.Require().NoError(err)
	s.Require().NoError(ldg.Grant(s.ctx, key.AccountKey(), 1_000_000, "seed"))
	s.key = plaintext
}

func (s *DispatchSuite) TearDownTest() {
	s.rdb.Close()
	s.mr.Close()
}

func TestDispatchSuite(t *testing.T) {
	suite.Run(t, new(DispatchSuite))
}

func (s *DispatchSuite) decide(requestID string) payment.Decision {
	d, apiErr := s.engine.Decide(s.ctx, payment.Request{
		Path: "/agent/chat", RequestID: requestID, Authorization: s.key, Model: "gpt-4", MaxTokens: 10,
	})
	s.Require().Nil(apiErr)
	return d
}

func (s *DispatchSuite) TestSuccessfulCallSettlesAndAudits() {
	d := s.decide("req-1")
	auditLog, err := audit.NewLog(s.ctx, audit.NewMemoryStore(), s.clk, zerolog.Nop(), nil)
	s.Require().NoError(err)
	breakers := circuitbreaker.NewManager(circuitbreaker.BreakerConfig{FailureThreshold: 5, FailureWindow: time.Minute, RecoveryDelay: time.Second}, zerolog.Nop())
	disp := New(EchoProvider{CostPerCallMicros: 1200}, breakers, auditLog, s.engine, "test-provider", nil, ProviderLimits{}, s.clk)

	completion, apiErr := disp.Run(s.ctx, d, "gpt-4", "hello", 10)
	s.Require().Nil(apiErr)
	s.Equal("hello", completion.Text)

	result, err := auditLog.Verify(s.ctx)
	s.Require().NoError(err)
	s.True(result.OK)
	s.EqualValues(2, result.RecordsSeen)
}

func (s *DispatchSuite) TestFailedCallRollsBackAndReturnsProviderUnavailable() {
	d := s.decide("req-2")
	breakers := circuitbreaker.NewManager(circuitbreaker.BreakerConfig{FailureThreshold: 5, FailureWindow: time.Minute, RecoveryDelay: time.Second}, zerolog.Nop())
	disp := New(failingProvider{err: errors.New("upstream exploded")}, breakers, nil, s.engine, "test-provider", nil, ProviderLimits{}, s.clk)

	_, apiErr := disp.Run(s.ctx, d, "gpt-4", "hello", 10)
	s.Require().NotNil(apiErr)
	s.Equal(apierrors.CodeProviderUnavailable, apiErr.Code)
}

func (s *DispatchSuite) TestOpenCircuitReturnsCircuitOpenCode() {
	breakers := circuitbreaker.NewManager(circuitbreaker.BreakerConfig{FailureThreshold: 1, FailureWindow: time.Minute, RecoveryDelay: time.Hour}, zerolog.Nop())
	disp := New(failingProvider{err: errors.New("boom")}, breakers, nil, s.engine, "flaky-provider", nil, ProviderLimits{}, s.clk)

	d1 := s.decide("req-3")
	_, apiErr := disp.Run(s.ctx, d1, "gpt-4", "hello", 10)
	s.Require().NotNil(apiErr)
	s.Equal(apierrors.CodeProviderUnavailable, apiErr.Code)

	d2 := s.decide("req-4")
	_, apiErr = disp.Run(s.ctx, d2, "gpt-4", "hello", 10)
	s.Require().NotNil(apiErr)
	s.Equal(apierrors.CodeCircuitOpen, apiErr.Code)
}

func (s *DispatchSuite) TestProviderRPMLimitBlocksBeforeCircuitBreaker() {
	breakers := circuitbreaker.NewManager(circuitbreaker.BreakerConfig{FailureThreshold: 5, FailureWindow: time.Minute, RecoveryDelay: time.Second}, zerolog.Nop())
	limiter := ratelimit.NewProviderLimiter(s.kv, nil)
	disp := New(EchoProvider{CostPerCallMicros: 1200}, breakers, nil, s.engine, "rpm-provider", limiter, ProviderLimits{RPMLimit: 1}, s.clk)

	d1 := s.decide("req-rpm-1")
	_, apiErr := disp.Run(s.ctx, d1, "gpt-4", "hello", 10)
	s.Require().Nil(apiErr)

	d2 := s.decide("req-rpm-2")
	_, apiErr = disp.Run(s.ctx, d2, "gpt-4", "hello", 10)
	s.Require().NotNil(apiErr)
	s.Equal(apierrors.CodeCircuitOpen, apiErr.Code)
}
