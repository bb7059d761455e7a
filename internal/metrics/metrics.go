package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Payment decision pipeline (admission state machine)
	DecisionsTotal   *prometheus.CounterVec // branch={free,key,receipt,challenge,ambiguous,denied}
	DecisionDuration *prometheus.HistogramVec

	// Ledger
	ReservationsTotal      *prometheus.CounterVec // outcome={reserved,credits_locked,fallback_usdc,insufficient}
	FinalizeTotal          *prometheus.CounterVec // outcome={ok,not_found}
	RollbackTotal          *prometheus.CounterVec // outcome={ok,not_found}
	ConservationViolations *prometheus.CounterVec // operation
	AccountBalance         *prometheus.GaugeVec   // account,field -> micros

	// Reconciliation
	ReconcileRunsTotal       prometheus.Counter
	ReconcileDivergenceTotal *prometheus.CounterVec // unit={count,micros,accounts_checked}
	ReconcileDuration        prometheus.Histogram

	// x402 challenge / receipt
	ChallengesIssuedTotal  prometheus.Counter
	ReceiptVerifyTotal     *prometheus.CounterVec // outcome
	CreditNotesIssuedTotal prometheus.Counter
	CreditNotesCapExceeded prometheus.Counter

	// Circuit breaker
	CircuitStateTransitions *prometheus.CounterVec // provider,model,to

	// Rate limiting
	RateLimitHitsTotal *prometheus.CounterVec // limit_type, identifier

	// WAL writer lock
	WALLockLostTotal prometheus.Counter
	WALAppendsTotal  *prometheus.CounterVec // outcome={ok,stale,corrupt}

	// Boot-time recovery
	RecoverySourceSelected *prometheus.CounterVec // source
	RecoveryDuration       prometheus.Histogram

	// Audit trail
	AuditChainBreaksTotal prometheus.Counter

	// Billing events
	BillingEventsTotal *prometheus.CounterVec // outcome={recorded,failed}

	// Database
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		DecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_payment_decisions_total",
				Help: "Total number of payment admission decisions by branch",
			},
			[]string{"branch"},
		),
		DecisionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_payment_decision_duration_seconds",
				Help:    "Time taken to classify and admit a request",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"branch"},
		),

		ReservationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ledger_reservations_total",
				Help: "Total number of ledger reserve attempts by outcome",
			},
			[]string{"outcome"},
		),
		FinalizeTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ledger_finalize_total",
				Help: "Total number of ledger finalize calls by outcome",
			},
			[]string{"outcome"},
		),
		RollbackTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ledger_rollback_total",
				Help: "Total number of ledger rollback calls by outcome",
			},
			[]string{"outcome"},
		),
		ConservationViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ledger_conservation_violations_total",
				Help: "Total number of conservation checkpoint failures by operation",
			},
			[]string{"operation"},
		),
		AccountBalance: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_account_balance_micros",
				Help: "Account sub-balance in MicroUSD by field",
			},
			[]string{"account", "field"},
		),

		ReconcileRunsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_reconcile_runs_total",
				Help: "Total number of reconciliation runs",
			},
		),
		ReconcileDivergenceTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_reconcile_divergence_total",
				Help: "Total reconciliation divergences found, by unit",
			},
			[]string{"unit"},
		),
		ReconcileDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_reconcile_duration_seconds",
				Help:    "Time taken to run one reconciliation pass",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
		),

		ChallengesIssuedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_x402_challenges_issued_total",
				Help: "Total number of x402 challenges issued",
			},
		),
		ReceiptVerifyTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_x402_receipt_verify_total",
				Help: "Total number of x402 receipt verifications by outcome",
			},
			[]string{"outcome"},
		),
		CreditNotesIssuedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_credit_notes_issued_total",
				Help: "Total number of credit notes issued",
			},
		),
		CreditNotesCapExceeded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_credit_notes_cap_exceeded_total",
				Help: "Total number of credit note issuances rejected by the per-wallet cap",
			},
		),

		CircuitStateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_state_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"provider", "model", "to"},
		),

		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),

		WALLockLostTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_wal_lock_lost_total",
				Help: "Total number of WAL writer lock loss events",
			},
		),
		WALAppendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_wal_appends_total",
				Help: "Total number of WAL append attempts by outcome",
			},
			[]string{"outcome"},
		),

		RecoverySourceSelected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_recovery_source_selected_total",
				Help: "Total number of boot-time recovery source selections",
			},
			[]string{"source"},
		),
		RecoveryDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_recovery_duration_seconds",
				Help:    "Time taken for the boot-time recovery cascade",
				Buckets: []float64{0.1, 1, 5, 10, 30, 60, 120},
			},
		),

		AuditChainBreaksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_audit_chain_breaks_total",
				Help: "Total number of audit hash-chain verification failures detected",
			},
		),

		BillingEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_billing_events_total",
				Help: "Total number of billing event persistence attempts by outcome",
			},
			[]string{"outcome"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_db_connections_active",
				Help: "Number of active database connections",
			},
		),
	}
}

// ObserveDecision records a payment decision branch and its latency.
func (m *Metrics) ObserveDecision(branch string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(branch).Inc()
	m.DecisionDuration.WithLabelValues(branch).Observe(duration.Seconds())
}

// ObserveReservation records a ledger reserve outcome.
func (m *Metrics) ObserveReservation(outcome string) {
	if m == nil {
		return
	}
	m.ReservationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFinalize records a ledger finalize outcome.
func (m *Metrics) ObserveFinalize(outcome string) {
	if m == nil {
		return
	}
	m.FinalizeTotal.WithLabelValues(outcome).Inc()
}

// ObserveRollback records a ledger rollback outcome.
func (m *Metrics) ObserveRollback(outcome string) {
	if m == nil {
		return
	}
	m.RollbackTotal.WithLabelValues(outcome).Inc()
}

// ObserveConservationViolation records a conservation checkpoint failure.
func (m *Metrics) ObserveConservationViolation(operation string) {
	if m == nil {
		return
	}
	m.ConservationViolations.WithLabelValues(operation).Inc()
}

// SetAccountBalance publishes a gauge snapshot of one account sub-balance.
func (m *Metrics) SetAccountBalance(account, field string, micros int64) {
	if m == nil {
		return
	}
	m.AccountBalance.WithLabelValues(account, field).Set(float64(micros))
}

// ObserveReconcileRun records one reconciliation pass and its duration.
func (m *Metrics) ObserveReconcileRun(duration time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileRunsTotal.Inc()
	m.ReconcileDuration.Observe(duration.Seconds())
}

// ObserveReconcileDivergence records a divergence found during reconciliation.
func (m *Metrics) ObserveReconcileDivergence(unit string, amount float64) {
	if m == nil {
		return
	}
	m.ReconcileDivergenceTotal.WithLabelValues(unit).Add(amount)
}

// ObserveChallengeIssued records one x402 challenge issuance.
func (m *Metrics) ObserveChallengeIssued() {
	if m == nil {
		return
	}
	m.ChallengesIssuedTotal.Inc()
}

// ObserveReceiptVerify records an x402 receipt verification outcome.
func (m *Metrics) ObserveReceiptVerify(outcome string) {
	if m == nil {
		return
	}
	m.ReceiptVerifyTotal.WithLabelValues(outcome).Inc()
}

// ObserveCreditNoteIssued records a successful credit note issuance.
func (m *Metrics) ObserveCreditNoteIssued() {
	if m == nil {
		return
	}
	m.CreditNotesIssuedTotal.Inc()
}

// ObserveCreditNoteCapExceeded records a credit note rejected by the
// per-wallet outstanding cap.
func (m *Metrics) ObserveCreditNoteCapExceeded() {
	if m == nil {
		return
	}
	m.CreditNotesCapExceeded.Inc()
}

// ObserveCircuitTransition records a circuit breaker state transition.
func (m *Metrics) ObserveCircuitTransition(provider, model, to string) {
	if m == nil {
		return
	}
	m.CircuitStateTransitions.WithLabelValues(provider, model, to).Inc()
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	if m == nil {
		return
	}
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveWALLockLost records a writer lock loss event.
func (m *Metrics) ObserveWALLockLost() {
	if m == nil {
		return
	}
	m.WALLockLostTotal.Inc()
}

// ObserveWALAppend records a WAL append outcome.
func (m *Metrics) ObserveWALAppend(outcome string) {
	if m == nil {
		return
	}
	m.WALAppendsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRecoverySource records which boot recovery source was selected and
// how long the cascade took.
func (m *Metrics) ObserveRecoverySource(source string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RecoverySourceSelected.WithLabelValues(source).Inc()
	m.RecoveryDuration.Observe(duration.Seconds())
}

// ObserveAuditChainBreak records a detected hash-chain verification failure.
func (m *Metrics) ObserveAuditChainBreak() {
	if m == nil {
		return
	}
	m.AuditChainBreaksTotal.Inc()
}

// ObserveBillingEvent records a billing event persistence attempt.
func (m *Metrics) ObserveBillingEvent(outcome string) {
	if m == nil {
		return
	}
	m.BillingEventsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}
