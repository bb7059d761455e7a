// Package reconcile implements the gateway's periodic and on-demand
// balance reconciliation: rederive every account's counters from the
// ledger's authoritative journal, correct cache drift, and alert on
// divergence or accumulated rounding error beyond a configured threshold.
package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/paylane/inference-gateway/internal/clockid"
	"github.com/paylane/inference-gateway/internal/kvstore"
	"github.com/paylane/inference-gateway/internal/ledger"
	"github.com/paylane/inference-gateway/internal/metrics"
)

// counterNames are the Account fields namespaced onto journal postings by
// internal/ledger's subAccount convention.
var counterNames = []string{"unlocked", "reserved", "consumed", "allocated", "expired"}

// Config controls the reconciliation schedule and alert thresholds.
type Config struct {
	Enabled              bool          // enable the periodic background run
	RunInterval          time.Duration // default: 24h, measured from Start; runs are not aligned to a time of day
	RoundingAlertMicro   int64         // absolute rounding drift above this triggers an alert (default 1000)
	MaxDivergenceReported int          // bound on divergences recorded per run, to keep a single report finite
}

// DefaultConfig returns a 24h run interval, counted from Start rather than
// fixed to a clock time, and the example 1000 micro-USD rounding alert
// threshold.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		RunInterval:           24 * time.Hour,
		RoundingAlertMicro:    1000,
		MaxDivergenceReported: 1000,
	}
}

// Divergence records one account/counter whose cached value disagreed
// with the journal-derived value.
type Divergence struct {
	AccountKey string
	Counter    string
	Cached     int64
	Derived    int64
}

// Summary is the outcome of one reconciliation run.
type Summary struct {
	EntriesStreamed   int
	AccountsChecked   int
	Divergences       []Divergence
	RoundingDriftMicro int64
	RoundingAlert     bool
	Duration          time.Duration
}

// Reconciler rederives balances from the journal and corrects the Redis
// account cache, which is advisory; the journal is always authoritative.
type Reconciler struct {
	kv      *kvstore.Store
	journal ledger.JournalStore
	cfg     Config
	clk     clockid.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics

	stopChan chan struct{}
	doneChan chan struct{}
}

// New builds a Reconciler. metrics may be nil.
func New(kv *kvstore.Store, journal ledger.JournalStore, cfg Config, clk clockid.Clock, log zerolog.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		kv:       kv,
		journal:  journal,
		cfg:      cfg,
		clk:      clk,
		log:      log,
		metrics:  m,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the background schedule. A no-op if disabled.
func (r *Reconciler) Start() {
	if !r.cfg.Enabled {
		r.log.Info().Msg("reconcile: service disabled")
		close(r.doneChan)
		return
	}
	r.log.Info().Dur("runInterval", r.cfg.RunInterval).Msg("reconcile: service started")
	go r.loop()
}

// Stop gracefully stops the background schedule.
func (r *Reconciler) Stop() {
	close(r.stopChan)
	<-r.doneChan
}

func (r *Reconciler) loop() {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.cfg.RunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runScheduled()
		case <-r.stopChan:
			return
		}
	}
}

// runScheduled performs one cron-triggered pass. Errors are swallowed
// (the schedule must stay resilient to a single bad run) but logged with
// a structured error, per spec.md §4.7.
func (r *Reconciler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if _, err := r.Run(ctx); err != nil {
		r.log.Error().Err(err).Msg("reconcile: scheduled run failed")
	}
}

// Run performs one reconciliation pass on demand: stream every journal
// entry, rederive per-account counters, compare against the cache,
// correct drift, and write a reconciliation_summary entry.
func (r *Reconciler) Run(ctx context.Context) (Summary, error) {
	start := time.Now()

	derived := make(map[string]map[string]int64)
	var roundingDrift int64
	entriesStreamed := 0

	err := r.journal.Stream(ctx, func(e ledger.JournalEntry) error {
		entriesStreamed++
		if e.EventType == ledger.EventRoundingAdjustment {
			for _, p := range e.Postings {
				roundingDrift += absInt64(int64(p.Delta))
			}
		}
		for _, p := range e.Postings {
			accountKey, counter, ok := parseSubAccount(p.Account)
			if !ok {
				continue
			}
			if derived[accountKey] == nil {
				derived[accountKey] = make(map[string]int64)
			}
			derived[accountKey][counter] += int64(p.Delta)
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		EntriesStreamed:    entriesStreamed,
		AccountsChecked:    len(derived),
		RoundingDriftMicro: roundingDrift,
	}

	for accountKey, counters := range derived {
		cached, err := r.kv.ReadAccount(ctx, accountKey)
		if err != nil {
			return Summary{}, err
		}
		derivedSnap := kvstore.AccountSnapshot{
			Unlocked:  counters["unlocked"],
			Reserved:  counters["reserved"],
			Consumed:  counters["consumed"],
			Allocated: counters["allocated"],
			Expired:   counters["expired"],
		}

		if derivedSnap != cached {
			if len(summary.Divergences) < r.cfg.MaxDivergenceReported {
				summary.Divergences = append(summary.Divergences, diffSnapshots(accountKey, cached, derivedSnap)...)
			}
			if err := r.kv.OverwriteAccount(ctx, accountKey, derivedSnap); err != nil {
				return Summary{}, err
			}
			r.metrics.ObserveReconcileDivergence("count", 1)
			r.log.Warn().
				Str("account", accountKey).
				Interface("cached", cached).
				Interface("derived", derivedSnap).
				Msg("reconcile: divergence corrected")
		}
	}

	if summary.RoundingDriftMicro > r.cfg.RoundingAlertMicro {
		summary.RoundingAlert = true
		r.log.Error().
			Int64("rounding_drift_micro", summary.RoundingDriftMicro).
			Int64("threshold_micro", r.cfg.RoundingAlertMicro).
			Msg("reconcile: rounding drift exceeds threshold")
	}
	r.metrics.ObserveReconcileDivergence("micros", float64(summary.RoundingDriftMicro))

	entryID, err := clockid.NewEntryID(r.clk)
	if err != nil {
		return Summary{}, err
	}
	summaryEntry := ledger.JournalEntry{
		EntryID:   entryID,
		EventType: ledger.EventReconciliationSummary,
		Timestamp: r.clk.Now(),
	}
	if err := r.journal.Append(ctx, summaryEntry); err != nil {
		return Summary{}, err
	}

	summary.Duration = time.Since(start)
	r.metrics.ObserveReconcileRun(summary.Duration)
	r.metrics.ObserveReconcileDivergence("accounts_checked", float64(summary.AccountsChecked))
	return summary, nil
}

func parseSubAccount(name string) (accountKey, counter string, ok bool) {
	for _, c := range counterNames {
		suffix := ":" + c
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix), c, true
		}
	}
	return "", "", false
}

func diffSnapshots(accountKey string, cached, derived kvstore.AccountSnapshot) []Divergence {
	var out []Divergence
	pairs := []struct {
		name            string
		cached, derived int64
	}{
		{"unlocked", cached.Unlocked, derived.Unlocked},
		{"reserved", cached.Reserved, derived.Reserved},
		{"consumed", cached.Consumed, derived.Consumed},
		{"allocated", cached.Allocated, derived.Allocated},
		{"expired", cached.Expired, derived.Expired},
	}
	for _, p := range pairs {
		if p.cached != p.derived {
			out = append(out, Divergence{AccountKey: accountKey, Counter: p.name, Cached: p.cached, Derived: p.derived})
		}
	}
	return out
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
