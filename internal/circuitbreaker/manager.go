// Package circuitbreaker implements the gateway's per-provider/model
// circuit breaker: a CLOSED/OPEN/HALF_OPEN state machine with a
// prune-on-record sliding failure window, a single HALF_OPEN probe, and
// cross-replica broadcast of state transitions over a pub/sub topic,
// tagged with a monotonic version counter. A receiving replica adopts a
// higher peer version but keeps its own breaker state.
package circuitbreaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/paylane/inference-gateway/internal/config"
)

// State mirrors spec.md's CLOSED/OPEN/HALF_OPEN vocabulary directly,
// rather than exposing gobreaker.State, so callers and the broadcast
// payload never depend on the underlying library's naming.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func fromGobreakerState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// CircuitEntry is the spec's wire/storage shape for one breaker's state,
// broadcast on every real transition.
type CircuitEntry struct {
	Provider            string    `json:"provider"`
	Model               string    `json:"model"`
	State               State     `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	FailureCount        int       `json:"failure_count"` // failures inside the current sliding window
	RecoveryAt          time.Time `json:"recovery_at"`
	Version             int64     `json:"version"`
}

// BreakerConfig configures one provider/model breaker.
type BreakerConfig struct {
	FailureThreshold uint32        // consecutive AND windowed failures required to trip
	FailureWindow    time.Duration // sliding window failures are pruned against
	RecoveryDelay    time.Duration // OPEN -> HALF_OPEN delay
}

// failureWindow tracks failure timestamps for the "≥ threshold failures
// within the window" half of the trip condition; entries are pruned at
// every record call (prune-on-record), not lazily, per the spec's
// standardized choice between the two semantics the source mixed.
type failureWindow struct {
	mu        sync.Mutex
	window    time.Duration
	failures  []time.Time
}

func newFailureWindow(window time.Duration) *failureWindow {
	return &failureWindow{window: window}
}

func (w *failureWindow) record(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	w.failures = append(w.failures, now)
	return len(w.failures)
}

func (w *failureWindow) count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.failures)
}

func (w *failureWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures = nil
}

func (w *failureWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for ; i < len(w.failures); i++ {
		if w.failures[i].After(cutoff) {
			break
		}
	}
	w.failures = w.failures[i:]
}

// breaker is one provider/model's gobreaker instance plus the sliding
// failure window and monotonic version gobreaker itself does not track.
type breaker struct {
	gb      *gobreaker.CircuitBreaker
	window  *failureWindow
	version int64
	mu      sync.Mutex
}

// Manager owns one breaker per provider/model key and, if a Redis client
// is supplied, publishes every real state transition on a pub/sub topic
// and adopts the version of incoming transitions whose version is
// strictly greater than the local one. The local breaker's state is not
// changed by a peer transition.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*breaker
	cfg      BreakerConfig
	log      zerolog.Logger

	rdb   redis.UniversalClient
	topic string

	subscribeCancel context.CancelFunc
	subscribeDone   chan struct{}
}

// NewManager creates a circuit breaker manager using cfg for every
// provider/model breaker created on demand.
func NewManager(cfg BreakerConfig, log zerolog.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*breaker),
		cfg:      cfg,
		log:      log,
	}
}

// NewManagerFromConfig adapts the application's CircuitBreakerConfig into
// a circuitbreaker.Manager.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig, log zerolog.Logger) *Manager {
	return NewManager(BreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		FailureWindow:    cfg.FailureWindow.Duration,
		RecoveryDelay:    cfg.RecoveryDelay.Duration,
	}, log)
}

// WithBroadcast enables cross-replica broadcast: every real state
// transition is published to topic, and Subscribe (or StartSubscriber)
// receives incoming peer transitions.
func (m *Manager) WithBroadcast(rdb redis.UniversalClient, topic string) *Manager {
	m.rdb = rdb
	m.topic = topic
	return m
}

func breakerKey(provider, model string) string {
	return provider + "/" + model
}

func (m *Manager) getOrCreate(provider, model string) *breaker {
	key := breakerKey(provider, model)

	m.mu.RLock()
	b, ok := m.breakers[key]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[key]; ok {
		return b
	}

	window := newFailureWindow(m.cfg.FailureWindow)
	b = &breaker{window: window}

	settings := gobreaker.Settings{
		Name:        key,
		MaxRequests: 1, // exactly one HALF_OPEN probe
		Timeout:     m.cfg.RecoveryDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures < m.cfg.FailureThreshold {
				return false
			}
			return window.count(time.Now()) >= int(m.cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			b.version++
			version := b.version
			b.mu.Unlock()

			if fromGobreakerState(to) == StateClosed {
				window.reset()
			}

			entry := CircuitEntry{
				Provider:            provider,
				Model:               model,
				State:               fromGobreakerState(to),
				ConsecutiveFailures: 0,
				RecoveryAt:          time.Now().Add(m.cfg.RecoveryDelay),
				Version:             version,
			}
			m.log.Info().
				Str("provider", provider).
				Str("model", model).
				Str("from", string(fromGobreakerState(from))).
				Str("to", string(entry.State)).
				Int64("version", version).
				Msg("circuit breaker state transition")

			m.broadcast(entry)
		},
	}
	b.gb = gobreaker.NewCircuitBreaker(settings)
	m.breakers[key] = b
	return b
}

func (m *Manager) broadcast(entry CircuitEntry) {
	if m.rdb == nil {
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.rdb.Publish(ctx, m.topic, payload).Err()
}

// Execute runs fn under the provider/model breaker, recording the outcome
// against both gobreaker and the sliding failure window.
func (m *Manager) Execute(provider, model string, fn func() (interface{}, error)) (interface{}, error) {
	b := m.getOrCreate(provider, model)
	return b.gb.Execute(func() (interface{}, error) {
		res, err := fn()
		if err != nil {
			b.window.record(time.Now())
		}
		return res, err
	})
}

// State returns the current state of a provider/model breaker.
func (m *Manager) State(provider, model string) State {
	b := m.getOrCreate(provider, model)
	return fromGobreakerState(b.gb.State())
}

// Entry returns a CircuitEntry snapshot for a provider/model breaker.
func (m *Manager) Entry(provider, model string) CircuitEntry {
	b := m.getOrCreate(provider, model)
	counts := b.gb.Counts()
	b.mu.Lock()
	version := b.version
	b.mu.Unlock()
	return CircuitEntry{
		Provider:            provider,
		Model:               model,
		State:               fromGobreakerState(b.gb.State()),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		FailureCount:        b.window.count(time.Now()),
		Version:             version,
	}
}

// Subscribe listens for peer-broadcast CircuitEntry transitions and
// adopts the incoming version when it is strictly greater than the local
// one; the local breaker's state is left unchanged. It blocks until ctx
// is canceled.
func (m *Manager) Subscribe(ctx context.Context) error {
	if m.rdb == nil {
		return fmt.Errorf("circuitbreaker: broadcast not configured")
	}
	sub := m.rdb.Subscribe(ctx, m.topic)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var entry CircuitEntry
			if err := json.Unmarshal([]byte(msg.Payload), &entry); err != nil {
				continue
			}
			m.applyPeerEntry(entry)
		}
	}
}

// StartSubscriber runs Subscribe in a background goroutine so incoming
// peer transitions are received, not just published. A no-op if
// WithBroadcast was never called. Pair with StopSubscriber for a clean
// shutdown.
func (m *Manager) StartSubscriber() {
	if m.rdb == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.subscribeCancel = cancel
	m.subscribeDone = make(chan struct{})
	go func() {
		defer close(m.subscribeDone)
		if err := m.Subscribe(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error().Err(err).Msg("circuitbreaker: subscriber stopped")
		}
	}()
}

// StopSubscriber cancels the background Subscribe goroutine started by
// StartSubscriber and waits for it to exit. A no-op if never started.
func (m *Manager) StopSubscriber() error {
	if m.subscribeCancel == nil {
		return nil
	}
	m.subscribeCancel()
	<-m.subscribeDone
	return nil
}

func (m *Manager) applyPeerEntry(entry CircuitEntry) {
	b := m.getOrCreate(entry.Provider, entry.Model)
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry.Version <= b.version {
		return
	}
	b.version = entry.Version
	// gobreaker does not expose a force-state API, so only the version is
	// adopted: entry.State is not applied, and the local breaker changes
	// state only through the outcomes of its own Execute calls.
}
