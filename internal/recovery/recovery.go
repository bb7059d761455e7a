// Package recovery implements the gateway's boot-time restore cascade:
// local WAL, then object store, then a source-control snapshot, then a
// built-in template, each tried in priority order with its own timeout,
// bounded by an overall deadline. The selected source's WAL is replayed
// into the caller's state via wal.Stream.
//
// Object store and source-control snapshot sources are deployment
// specific (which bucket, which repo, which credentials), so this
// package does not own a concrete client for either. A deployment
// supplies its own adapter satisfying Source — backed by whichever
// object-store SDK or git client its environment already uses — and
// passes it to New in priority order between LocalWALSource and
// TemplateSource, the same way the gateway's other components are wired
// through constructor injection rather than a hardcoded dependency.
package recovery

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/paylane/inference-gateway/internal/clockid"
	"github.com/paylane/inference-gateway/internal/metrics"
	"github.com/paylane/inference-gateway/internal/wal"
)

// State classifies how the boot cascade concluded.
type State string

const (
	// StateRunning means the highest-priority source (local WAL) restored
	// cleanly.
	StateRunning State = "RUNNING"
	// StateDegraded means a lower-priority source had to be used because
	// the local WAL was unavailable or failed to restore.
	StateDegraded State = "DEGRADED"
	// StateLoopDetected means every configured source failed or the
	// overall deadline elapsed before any of them completed, forcing the
	// built-in template.
	StateLoopDetected State = "LOOP_DETECTED"
)

// Source is one restore candidate in the cascade. IsAvailable is a cheap
// reachability probe; Restore does the actual work of placing a WAL file
// on disk and returns its path plus how many files it touched.
type Source interface {
	Name() string
	IsAvailable(ctx context.Context) (bool, error)
	Restore(ctx context.Context) (walPath string, filesRestored int, err error)
}

// Config holds the cascade's per-source and overall timeouts.
type Config struct {
	MaxRuntime          time.Duration
	AvailabilityTimeout time.Duration
	RestoreTimeout      time.Duration
}

// DefaultConfig matches spec.md §4.11: 5s availability probes, 30s
// restores, 120s overall.
func DefaultConfig() Config {
	return Config{
		MaxRuntime:          120 * time.Second,
		AvailabilityTimeout: 5 * time.Second,
		RestoreTimeout:      30 * time.Second,
	}
}

// Report summarizes how the cascade concluded.
type Report struct {
	Source          string
	State           State
	FilesRestored   int
	EntriesReplayed int
	Duration        time.Duration
}

// Engine runs the cascade over sources (tried in order) and falls back to
// template when every source fails or the overall deadline elapses.
type Engine struct {
	sources  []Source
	template Source
	cfg      Config
	clk      clockid.Clock
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// New builds an Engine. sources are tried in priority order before
// template is forced.
func New(sources []Source, template Source, cfg Config, clk clockid.Clock, log zerolog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{sources: sources, template: template, cfg: cfg, clk: clk, log: log, metrics: m}
}

// Run executes the cascade, replaying the selected source's WAL through
// apply, and returns a Report describing the outcome. apply is invoked
// once per WAL entry in order; Run returns an error only if even the
// template source fails.
func (e *Engine) Run(ctx context.Context, apply wal.ApplyFunc) (Report, error) {
	start := e.clk.Now()

	overallCtx, cancel := context.WithTimeout(ctx, e.cfg.MaxRuntime)
	defer cancel()

	for i, src := range e.sources {
		if overallCtx.Err() != nil {
			e.log.Warn().Msg("recovery: overall deadline elapsed before cascade completed")
			break
		}

		available, err := e.checkAvailable(overallCtx, src)
		if err != nil || !available {
			e.log.Warn().Err(err).Str("source", src.Name()).Msg("recovery: source unavailable")
			continue
		}

		walPath, filesRestored, err := e.restore(overallCtx, src)
		if err != nil {
			e.log.Warn().Err(err).Str("source", src.Name()).Msg("recovery: restore failed")
			continue
		}

		entries, err := e.replay(walPath, apply)
		if err != nil {
			e.log.Warn().Err(err).Str("source", src.Name()).Msg("recovery: replay failed")
			continue
		}

		state := StateRunning
		if i > 0 {
			state = StateDegraded
		}
		report := Report{
			Source:          src.Name(),
			State:           state,
			FilesRestored:   filesRestored,
			EntriesReplayed: entries,
			Duration:        e.clk.Now().Sub(start),
		}
		e.observe(report)
		return report, nil
	}

	return e.runTemplate(start, apply)
}

func (e *Engine) runTemplate(start time.Time, apply wal.ApplyFunc) (Report, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RestoreTimeout)
	defer cancel()

	walPath, filesRestored, err := e.template.Restore(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("recovery: template source failed: %w", err)
	}

	entries, err := e.replay(walPath, apply)
	if err != nil {
		return Report{}, fmt.Errorf("recovery: template replay failed: %w", err)
	}

	report := Report{
		Source:          e.template.Name(),
		State:           StateLoopDetected,
		FilesRestored:   filesRestored,
		EntriesReplayed: entries,
		Duration:        e.clk.Now().Sub(start),
	}
	e.observe(report)
	return report, nil
}

func (e *Engine) checkAvailable(ctx context.Context, src Source) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.AvailabilityTimeout)
	defer cancel()
	return src.IsAvailable(probeCtx)
}

func (e *Engine) restore(ctx context.Context, src Source) (string, int, error) {
	restoreCtx, cancel := context.WithTimeout(ctx, e.cfg.RestoreTimeout)
	defer cancel()
	return src.Restore(restoreCtx)
}

func (e *Engine) replay(walPath string, apply wal.ApplyFunc) (int, error) {
	if walPath == "" {
		return 0, nil
	}
	f, err := os.Open(walPath)
	if err != nil {
		return 0, fmt.Errorf("recovery: open wal: %w", err)
	}
	defer f.Close()

	count, err := wal.Stream(f, apply)
	if err != nil {
		return count, fmt.Errorf("recovery: stream wal: %w", err)
	}
	return count, nil
}

func (e *Engine) observe(r Report) {
	e.log.Info().
		Str("source", r.Source).
		Str("state", string(r.State)).
		Int("files_restored", r.FilesRestored).
		Int("entries_replayed", r.EntriesReplayed).
		Dur("duration", r.Duration).
		Msg("recovery: source_selected")
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveRecoverySource(r.Source, r.Duration)
}
