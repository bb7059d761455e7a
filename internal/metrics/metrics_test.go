package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialization(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	if m == nil {
		t.Fatal("metrics collector should not be nil")
	}
	if m.DecisionsTotal == nil {
		t.Error("DecisionsTotal should be initialized")
	}
	if m.ReservationsTotal == nil {
		t.Error("ReservationsTotal should be initialized")
	}
	if m.ConservationViolations == nil {
		t.Error("ConservationViolations should be initialized")
	}
	if m.CircuitStateTransitions == nil {
		t.Error("CircuitStateTransitions should be initialized")
	}
	if m.WALAppendsTotal == nil {
		t.Error("WALAppendsTotal should be initialized")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	// None of these should panic even with a nil receiver, since every
	// call site may run before metrics are wired during startup probes.
	m.ObserveDecision("free", time.Millisecond)
	m.ObserveReservation("reserved")
	m.ObserveFinalize("ok")
	m.ObserveRollback("ok")
	m.ObserveConservationViolation("reserve")
	m.SetAccountBalance("acct-1", "unlocked", 100)
	m.ObserveReconcileRun(time.Second)
	m.ObserveReconcileDivergence("micros", 5)
	m.ObserveChallengeIssued()
	m.ObserveReceiptVerify("ok")
	m.ObserveCreditNoteIssued()
	m.ObserveCreditNoteCapExceeded()
	m.ObserveCircuitTransition("openai", "gpt-x", "OPEN")
	m.ObserveRateLimit("per_wallet", "wallet123")
	m.ObserveWALLockLost()
	m.ObserveWALAppend("ok")
	m.ObserveRecoverySource("local_wal", time.Second)
	m.ObserveAuditChainBreak()
	m.ObserveDBQuery("SELECT", "postgres", time.Millisecond)
}

func TestObserveDecision(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveDecision("key_auth", 5*time.Millisecond)

	count := promtest.ToFloat64(m.DecisionsTotal.WithLabelValues("key_auth"))
	if count != 1 {
		t.Errorf("expected 1 decision, got %.0f", count)
	}
}

func TestObserveReservationOutcomes(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveReservation("reserved")
	m.ObserveReservation("insufficient")
	m.ObserveFinalize("ok")
	m.ObserveRollback("ok")

	if got := promtest.ToFloat64(m.ReservationsTotal.WithLabelValues("reserved")); got != 1 {
		t.Errorf("expected 1 reserved outcome, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.ReservationsTotal.WithLabelValues("insufficient")); got != 1 {
		t.Errorf("expected 1 insufficient outcome, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.FinalizeTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("expected 1 finalize ok, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.RollbackTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("expected 1 rollback ok, got %.0f", got)
	}
}

func TestObserveConservationViolation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveConservationViolation("reserve")

	count := promtest.ToFloat64(m.ConservationViolations.WithLabelValues("reserve"))
	if count != 1 {
		t.Errorf("expected 1 conservation violation, got %.0f", count)
	}
}

func TestSetAccountBalance(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.SetAccountBalance("acct-1", "unlocked", 42000)

	value := promtest.ToFloat64(m.AccountBalance.WithLabelValues("acct-1", "unlocked"))
	if value != 42000 {
		t.Errorf("expected gauge 42000, got %.0f", value)
	}
}

func TestObserveReconcileDivergence(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveReconcileRun(time.Second)
	m.ObserveReconcileDivergence("micros", 150)

	runs := promtest.ToFloat64(m.ReconcileRunsTotal)
	if runs != 1 {
		t.Errorf("expected 1 reconcile run, got %.0f", runs)
	}
	divergence := promtest.ToFloat64(m.ReconcileDivergenceTotal.WithLabelValues("micros"))
	if divergence != 150 {
		t.Errorf("expected divergence of 150, got %.0f", divergence)
	}
}

func TestObserveChallengeAndReceipt(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveChallengeIssued()
	m.ObserveReceiptVerify("binding_invalid")
	m.ObserveCreditNoteIssued()
	m.ObserveCreditNoteCapExceeded()

	if got := promtest.ToFloat64(m.ChallengesIssuedTotal); got != 1 {
		t.Errorf("expected 1 challenge issued, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.ReceiptVerifyTotal.WithLabelValues("binding_invalid")); got != 1 {
		t.Errorf("expected 1 binding_invalid outcome, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.CreditNotesIssuedTotal); got != 1 {
		t.Errorf("expected 1 credit note issued, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.CreditNotesCapExceeded); got != 1 {
		t.Errorf("expected 1 cap exceeded, got %.0f", got)
	}
}

func TestObserveCircuitTransition(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveCircuitTransition("openai", "gpt-x", "OPEN")

	count := promtest.ToFloat64(m.CircuitStateTransitions.WithLabelValues("openai", "gpt-x", "OPEN"))
	if count != 1 {
		t.Errorf("expected 1 transition, got %.0f", count)
	}
}

func TestObserveRateLimit(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveRateLimit("per_wallet", "wallet123")

	hits := promtest.ToFloat64(m.RateLimitHitsTotal.WithLabelValues("per_wallet", "wallet123"))
	if hits != 1 {
		t.Errorf("expected 1 rate limit hit, got %.0f", hits)
	}
}

func TestObserveWAL(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveWALLockLost()
	m.ObserveWALAppend("stale")

	if got := promtest.ToFloat64(m.WALLockLostTotal); got != 1 {
		t.Errorf("expected 1 lock lost, got %.0f", got)
	}
	if got := promtest.ToFloat64(m.WALAppendsTotal.WithLabelValues("stale")); got != 1 {
		t.Errorf("expected 1 stale append, got %.0f", got)
	}
}

func TestObserveRecoverySource(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveRecoverySource("local_wal", 2*time.Second)

	count := promtest.ToFloat64(m.RecoverySourceSelected.WithLabelValues("local_wal"))
	if count != 1 {
		t.Errorf("expected 1 recovery source selection, got %.0f", count)
	}
}

func TestObserveAuditChainBreak(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveAuditChainBreak()

	count := promtest.ToFloat64(m.AuditChainBreaksTotal)
	if count != 1 {
		t.Errorf("expected 1 chain break, got %.0f", count)
	}
}

func TestObserveDBQuery(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveDBQuery("SELECT", "postgres", 50*time.Millisecond)

	if m.DBQueryDuration == nil {
		t.Error("DBQueryDuration should be initialized")
	}
}
