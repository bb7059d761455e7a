// Package gateway assembles the paid-inference gateway's components into
// a servable App, the way pkg/cedros assembled CedrosPay's paywall: a
// functional-options constructor that wires config into every collaborator
// and hands back an HTTP server plus a lifecycle.Manager for graceful
// shutdown.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/paylane/inference-gateway/internal/apikey"
	"github.com/paylane/inference-gateway/internal/audit"
	"github.com/paylane/inference-gateway/internal/billingevents"
	"github.com/paylane/inference-gateway/internal/challenge"
	"github.com/paylane/inference-gateway/internal/circuitbreaker"
	"github.com/paylane/inference-gateway/internal/clockid"
	"github.com/paylane/inference-gateway/internal/config"
	"github.com/paylane/inference-gateway/internal/creditnote"
	"github.com/paylane/inference-gateway/internal/dbpool"
	"github.com/paylane/inference-gateway/internal/dispatch"
	"github.com/paylane/inference-gateway/internal/hmacsign"
	"github.com/paylane/inference-gateway/internal/httpserver"
	"github.com/paylane/inference-gateway/internal/idempotency"
	"github.com/paylane/inference-gateway/internal/kvstore"
	"github.com/paylane/inference-gateway/internal/ledger"
	"github.com/paylane/inference-gateway/internal/lifecycle"
	"github.com/paylane/inference-gateway/internal/logger"
	"github.com/paylane/inference-gateway/internal/metrics"
	"github.com/paylane/inference-gateway/internal/payment"
	"github.com/paylane/inference-gateway/internal/pricing"
	"github.com/paylane/inference-gateway/internal/ratelimit"
	"github.com/paylane/inference-gateway/internal/reconcile"
	"github.com/paylane/inference-gateway/internal/recovery"
	"github.com/paylane/inference-gateway/internal/rpcutil"
	"github.com/paylane/inference-gateway/internal/wal"
	"github.com/paylane/inference-gateway/internal/walletauth"
)

// walLockTTL bounds how long a writer lease survives without a keepalive
// refresh before another replica may claim it.
const walLockTTL = 30 * time.Second

// App wires every gateway component for embedding or standalone serving.
type App struct {
	Config  *config.Config
	Server  *httpserver.Server
	Ledger  *ledger.Ledger
	Engine  *payment.Engine
	Metrics *metrics.Metrics

	resourceManager *lifecycle.Manager
}

// Option configures App construction.
type Option func(*options)

type options struct {
	oracle       challenge.SettlementOracle
	provider     dispatch.Provider
	providerName string
	walPath      string
	instanceID   string
}

// WithSettlementOracle injects a concrete on-chain settlement reader. When
// omitted, x402 receipts are verified against challenge.NullOracle, which
// fails closed rather than accepting unverified settlements.
func WithSettlementOracle(oracle challenge.SettlementOracle) Option {
	return func(o *options) { o.oracle = oracle }
}

// WithProvider injects the downstream LLM adapter dispatch.Dispatcher calls
// on admission. When omitted, dispatch.EchoProvider stands in so the
// gateway is servable without a configured upstream.
func WithProvider(provider dispatch.Provider, providerName string) Option {
	return func(o *options) {
		o.provider = provider
		o.providerName = providerName
	}
}

// WithWALPath overrides the local write-ahead log file path (default
// "gateway.wal" in the working directory).
func WithWALPath(path string) Option {
	return func(o *options) { o.walPath = path }
}

// WithInstanceID overrides the WAL writer-lock fencing identity (default a
// random v4 UUID, unique per process).
func WithInstanceID(id string) Option {
	return func(o *options) { o.instanceID = id }
}

// NewApp assembles the gateway's components per cfg.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("gateway: config required")
	}

	optState := options{
		provider:     dispatch.EchoProvider{CostPerCallMicros: 0},
		providerName: "echo",
		walPath:      "gateway.wal",
		instanceID:   clockid.NewV4(),
	}
	for _, opt := range opts {
		opt(&optState)
	}
	if optState.oracle == nil {
		optState.oracle = challenge.NullOracle{}
	}

	resourceManager := lifecycle.NewManager()
	clk := clockid.SystemClock{}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "inference-gateway",
		Version:     "dev",
		Environment: cfg.Logging.Environment,
	})

	metricsCollector := metrics.New(prometheus.DefaultRegisterer)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if _, err := rpcutil.WithRetry(context.Background(), func() (struct{}, error) {
		return struct{}{}, rdb.Ping(context.Background()).Err()
	}); err != nil {
		return nil, fmt.Errorf("gateway: ping redis: %w", err)
	}
	resourceManager.Register("redis", rdb)
	kv := kvstore.New(rdb)

	var db *dbpool.SharedPool
	if cfg.Database.PostgresURL != "" {
		pool, err := rpcutil.WithRetry(context.Background(), func() (*dbpool.SharedPool, error) {
			return dbpool.NewSharedPool(cfg.Database.PostgresURL, cfg.Database.PostgresPool)
		})
		if err != nil {
			return nil, fmt.Errorf("gateway: open postgres: %w", err)
		}
		db = pool
		resourceManager.Register("postgres", db)
	}

	hmacSecret := buildRotatingSecret(cfg.HMAC)

	walLock := wal.New(kv, appLogger, cfg.Redis.WALLockKeyPrefix+":lock", cfg.Redis.WALLockKeyPrefix+":fence", optState.instanceID, walLockTTL)
	if err := walLock.Acquire(context.Background(), func(err error) {
		log.Error().Err(err).Msg("gateway: wal lock lost, instance demoting itself")
	}); err != nil {
		return nil, fmt.Errorf("gateway: acquire wal lock: %w", err)
	}
	resourceManager.RegisterFunc("wal-lock", func() error {
		return walLock.Release(context.Background())
	})

	walWriter, err := wal.OpenWriter(optState.walPath, walLock, clk, appLogger)
	if err != nil {
		return nil, fmt.Errorf("gateway: open wal writer: %w", err)
	}
	resourceManager.Register("wal-writer", walWriter)
	localJournal := ledger.NewWALJournalStore(optState.walPath, walWriter)

	journal, auditStore, billingStore, apikeyStore, creditStore := buildStores(db, localJournal)

	if err := runRecoveryCascade(context.Background(), cfg, kv, optState.walPath, clk, appLogger, metricsCollector); err != nil {
		return nil, fmt.Errorf("gateway: recovery cascade: %w", err)
	}

	ldg := ledger.New(kv, journal, clk, appLogger, metricsCollector)

	apikeySvc := apikey.NewService(apikeyStore, hmacSecret, cfg.APIKey.BcryptCost)

	admissionLimiter := ratelimit.NewAdmissionLimiter(kv, ratelimit.AdmissionConfig{
		PublicDailyLimit:        cfg.RateLimit.PublicDailyLimit,
		AuthenticatedDailyLimit: cfg.RateLimit.AuthenticatedDailyLimit,
		GlobalDailyLimit:        cfg.RateLimit.GlobalDailyRequestLimit,
	}, metricsCollector)
	costReserver := ratelimit.NewCostReserver(kv, clk, metricsCollector)
	providerLimiter := ratelimit.NewProviderLimiter(kv, metricsCollector)

	creditSvc := creditnote.New(kv, creditStore, clk, metricsCollector, cfg.Payment.CreditNoteCapMicros, cfg.Payment.CreditNoteTTL.Duration)

	issuer := challenge.NewIssuer(kv, hmacSecret, clk, challenge.IssuerConfig{
		ChainID:   cfg.Payment.ChainID,
		Token:     cfg.Payment.SettlementTokenAddress,
		Recipient: cfg.Payment.RecipientAddress,
		TTL:       cfg.Payment.ChallengeTTL.Duration,
	}, metricsCollector)
	verifier := challenge.NewVerifier(kv, hmacSecret, optState.oracle, creditSvc, clk, challenge.VerifierConfig{
		ChainID: cfg.Payment.ChainID,
		Token:   cfg.Payment.SettlementTokenAddress,
	}, metricsCollector)

	pricingTable := pricing.New(cfg.Pricing)

	idemp := idempotency.NewMemoryStore()
	resourceManager.RegisterFunc("idempotency-store", func() error {
		idemp.Stop()
		return nil
	})

	billingRecorder := billingevents.New(billingStore, clk, appLogger, metricsCollector)

	freeEndpoints := make(map[string]struct{}, len(cfg.Server.FreeEndpoints))
	for _, ep := range cfg.Server.FreeEndpoints {
		freeEndpoints[ep] = struct{}{}
	}

	engine := payment.NewEngine(payment.EngineConfig{
		FreeEndpoints:           freeEndpoints,
		PublicDailyLimit:        cfg.RateLimit.PublicDailyLimit,
		AuthenticatedDailyLimit: cfg.RateLimit.AuthenticatedDailyLimit,
		CostCeilingMicros:       cfg.RateLimit.CostCeilingMicros,
		ChallengeTTL:            cfg.Payment.ChallengeTTL.Duration,
	}, apikeySvc, ldg, admissionLimiter, costReserver, verifier, issuer, pricingTable, idemp, billingRecorder, clk)

	auditLog, err := audit.NewLog(context.Background(), auditStore, clk, appLogger, metricsCollector)
	if err != nil {
		return nil, fmt.Errorf("gateway: recover audit chain: %w", err)
	}

	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker, appLogger)
	if cfg.Redis.CircuitTopic != "" {
		breakers = breakers.WithBroadcast(rdb, cfg.Redis.CircuitTopic)
		breakers.StartSubscriber()
		resourceManager.RegisterFunc("circuit-breaker-subscriber", breakers.StopSubscriber)
	}

	dispatcher := dispatch.New(optState.provider, breakers, auditLog, engine, optState.providerName, providerLimiter, dispatch.ProviderLimits{
		RPMLimit: cfg.RateLimit.ProviderRPMLimit,
		TPMLimit: cfg.RateLimit.ProviderTPMLimit,
	}, clk)

	walletVerifier := walletauth.NewEd25519Verifier()
	walletSvc := walletauth.New(kv, walletVerifier, hmacSecret, clk)

	reconcileCfg := reconcile.DefaultConfig()
	reconcileCfg.Enabled = cfg.Reconcile.Interval.Duration > 0
	if cfg.Reconcile.Interval.Duration > 0 {
		reconcileCfg.RunInterval = cfg.Reconcile.Interval.Duration
	}
	reconciler := reconcile.New(kv, journal, reconcileCfg, clk, appLogger, metricsCollector)
	reconciler.Start()
	resourceManager.RegisterFunc("reconciler", func() error {
		reconciler.Stop()
		return nil
	})

	server := httpserver.New(cfg, engine, dispatcher, apikeySvc, walletSvc, auditLog, idemp, metricsCollector, appLogger)

	return &App{
		Config:          cfg,
		Server:          server,
		Ledger:          ldg,
		Engine:          engine,
		Metrics:         metricsCollector,
		resourceManager: resourceManager,
	}, nil
}

// ListenAndServe starts the HTTP server.
func (a *App) ListenAndServe() error {
	return a.Server.ListenAndServe()
}

// Shutdown stops the HTTP server and releases every registered resource
// (Redis client, Postgres pool, WAL writer and lock, reconciler) in LIFO
// order.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.Server.Shutdown(ctx)
	if closeErr := a.resourceManager.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// buildRotatingSecret constructs the HMAC secret pair so verification
// still accepts challenges signed under the previous secret across a
// rotation.
func buildRotatingSecret(cfg config.HMACConfig) *hmacsign.RotatingSecret {
	if cfg.SecretPrevious != "" {
		secret := hmacsign.NewRotatingSecret([]byte(cfg.SecretPrevious))
		secret.Rotate([]byte(cfg.Secret))
		return secret
	}
	return hmacsign.NewRotatingSecret([]byte(cfg.Secret))
}

// buildStores picks Postgres-backed stores when a connection string is
// configured, falling back to in-process stores (journal backed by the
// local WAL, everything else in memory) for single-instance deployments.
// Every Postgres store shares db rather than opening its own pool.
func buildStores(pool *dbpool.SharedPool, localJournal *ledger.WALJournalStore) (
	journal ledger.JournalStore,
	auditStore audit.Store,
	billingStore billingevents.Store,
	apikeyStore apikey.Store,
	creditStore creditnote.Store,
) {
	if pool == nil {
		return localJournal, audit.NewMemoryStore(), billingevents.NewMemoryStore(), apikey.NewMemoryStore(), creditnote.NewMemoryStore()
	}
	db := pool.DB()

	pgJournal, err := ledger.NewPostgresJournalStoreWithDB(db)
	if err != nil {
		log.Error().Err(err).Msg("gateway: postgres journal store init failed, falling back to wal-backed journal")
		journal = localJournal
	} else {
		journal = pgJournal
	}

	pgAudit, err := audit.NewPostgresStoreWithDB(db)
	if err != nil {
		log.Error().Err(err).Msg("gateway: postgres audit store init failed, falling back to memory")
		auditStore = audit.NewMemoryStore()
	} else {
		auditStore = pgAudit
	}

	pgBilling, err := billingevents.NewPostgresStoreWithDB(db)
	if err != nil {
		log.Error().Err(err).Msg("gateway: postgres billing store init failed, falling back to memory")
		billingStore = billingevents.NewMemoryStore()
	} else {
		billingStore = pgBilling
	}

	pgAPIKeys, err := apikey.NewPostgresStoreWithDB(db)
	if err != nil {
		log.Error().Err(err).Msg("gateway: postgres apikey store init failed, falling back to memory")
		apikeyStore = apikey.NewMemoryStore()
	} else {
		apikeyStore = pgAPIKeys
	}

	pgCredit, err := creditnote.NewPostgresStoreWithDB(db)
	if err != nil {
		log.Error().Err(err).Msg("gateway: postgres creditnote store init failed, falling back to memory")
		creditStore = creditnote.NewMemoryStore()
	} else {
		creditStore = pgCredit
	}

	return journal, auditStore, billingStore, apikeyStore, creditStore
}

// runRecoveryCascade replays the boot-time WAL source into the Redis
// account cache before the ledger starts serving requests, mirroring
// internal/reconcile's derive-then-overwrite shape for a cold cache
// instead of periodic drift correction.
func runRecoveryCascade(
	ctx context.Context,
	cfg *config.Config,
	kv *kvstore.Store,
	walPath string,
	clk clockid.Clock,
	appLogger zerolog.Logger,
	m *metrics.Metrics,
) error {
	recoveryCfg := recovery.DefaultConfig()
	if cfg.Recovery.MaxRuntimeMinutes > 0 {
		recoveryCfg.MaxRuntime = time.Duration(cfg.Recovery.MaxRuntimeMinutes) * time.Minute
	}
	if cfg.Recovery.SourceTimeout.Duration > 0 {
		recoveryCfg.AvailabilityTimeout = cfg.Recovery.SourceTimeout.Duration
		recoveryCfg.RestoreTimeout = cfg.Recovery.SourceTimeout.Duration
	}

	sources := []recovery.Source{recovery.NewLocalWALSource(walPath)}
	template := recovery.NewTemplateSource(cfg.Recovery.TemplatePath)

	engine := recovery.New(sources, template, recoveryCfg, clk, appLogger, m)

	derived := make(map[string]map[string]int64)
	report, err := engine.Run(ctx, replayWALIntoCache(derived))
	if err != nil {
		return fmt.Errorf("recovery cascade exhausted every source: %w", err)
	}

	appLogger.Info().
		Str("source", report.Source).
		Str("state", string(report.State)).
		Int("entries_replayed", report.EntriesReplayed).
		Msg("gateway: boot recovery complete")

	return writeDerivedAccounts(ctx, kv, derived)
}
