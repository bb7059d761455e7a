// Package billingevents implements spec.md §4.10/C12: an append-only,
// best-effort record of every settled payment decision, unique on
// request_id so a retried settle never double-records the same call.
// Recording is fire-and-forget from the caller's perspective (spec.md §5:
// "billing-event persistence MUST NOT block the response path; errors...
// are swallowed and logged, never re-raised"), grounded on the teacher's
// `internal/lifecycle` background-goroutine-plus-log-and-continue shape.
package billingevents

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/paylane/inference-gateway/internal/clockid"
	"github.com/paylane/inference-gateway/internal/metrics"
	"github.com/paylane/inference-gateway/internal/payment"
)

// Event is one append-only billing record, keyed uniquely on RequestID.
type Event struct {
	RequestID     string
	Method        string
	KeyID         string
	ReservationID string
	AmountMicro   int64
	Success       bool
	RecordedAt    time.Time
}

// Store persists Events. InsertEvent must be idempotent on a duplicate
// RequestID (e.g. "ON CONFLICT (request_id) DO NOTHING"), since Settle
// may be retried for the same request_id.
type Store interface {
	InsertEvent(ctx context.Context, e Event) error
	Close() error
}

// Recorder adapts a Store to payment.BillingRecorder, recording every
// settled Decision in a detached goroutine so Settle's caller never
// blocks on, or fails because of, event persistence.
type Recorder struct {
	store   Store
	clk     clockid.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics
}

var _ payment.BillingRecorder = (*Recorder)(nil)

// New builds a Recorder. metrics may be nil.
func New(store Store, clk clockid.Clock, log zerolog.Logger, m *metrics.Metrics) *Recorder {
	return &Recorder{store: store, clk: clk, log: log, metrics: m}
}

// Record fires off event persistence asynchronously. Only MethodKey
// decisions carry a billable amount; every other method is still recorded
// (for audit completeness) with a zero amount.
func (r *Recorder) Record(ctx context.Context, d payment.Decision, success bool) {
	event := Event{
		RequestID:     d.RequestID,
		Method:        string(d.Method),
		KeyID:         d.KeyID,
		ReservationID: d.ReservationID,
		AmountMicro:   d.AmountMicro,
		Success:       success,
		RecordedAt:    r.clk.Now(),
	}

	go func() {
		// Detached from the request's context/deadline: persistence must
		// outlive the HTTP response that triggered it.
		bgCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := r.store.InsertEvent(bgCtx, event); err != nil {
			r.observeFailure()
			r.log.Error().
				Err(err).
				Str("request_id", event.RequestID).
				Str("method", event.Method).
				Msg("billingevents: record failed")
			return
		}
		r.observeSuccess()
	}()
}

func (r *Recorder) observeSuccess() {
	if r.metrics == nil {
		return
	}
	r.metrics.ObserveBillingEvent("recorded")
}

func (r *Recorder) observeFailure() {
	if r.metrics == nil {
		return
	}
	r.metrics.ObserveBillingEvent("failed")
}
