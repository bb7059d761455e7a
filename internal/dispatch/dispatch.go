// Package dispatch wires a payment.Decision to the downstream provider
// call: circuit-breaker gating (C5), the hash-chained audit trail (C14),
// and the ledger settlement that closes out a key-path reservation
// (payment.Engine.Settle). The LLM provider adapters themselves are out
// of scope (spec.md §1 non-goal) — Provider is the injection point a
// deployment wires a concrete adapter into.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"

	"github.com/paylane/inference-gateway/internal/apierrors"
	"github.com/paylane/inference-gateway/internal/audit"
	"github.com/paylane/inference-gateway/internal/circuitbreaker"
	"github.com/paylane/inference-gateway/internal/clockid"
	"github.com/paylane/inference-gateway/internal/payment"
	"github.com/paylane/inference-gateway/internal/ratelimit"
)

// Completion is a provider's response to a chat-style inference call.
type Completion struct {
	Text         string
	ActualMicros int64
}

// Provider performs the actual model call. A deployment supplies a
// concrete adapter (HTTP client to an upstream LLM API); the gateway core
// only gates, bills, and audits the call.
type Provider interface {
	Complete(ctx context.Context, model, message string, maxTokens int64) (Completion, error)
}

// ProviderLimits bounds the per-provider/model requests-per-minute and
// tokens-per-minute windows a Dispatcher checks before dispatching
// (spec.md §4.3(c)). A zero limit disables that window's check.
type ProviderLimits struct {
	RPMLimit int64
	TPMLimit int64
}

// Dispatcher gates a Provider call through the per-provider/model circuit
// breaker and RPM/TPM limiter, brackets it with intent/outcome audit
// records, and settles the payment decision's reservation once the
// outcome is known.
type Dispatcher struct {
	provider Provider
	breakers *circuitbreaker.Manager
	audit    *audit.Log
	engine   *payment.Engine
	name     string // provider identity the circuit breaker and limiter key on
	limiter  *ratelimit.ProviderLimiter
	limits   ProviderLimits
	clk      clockid.Clock
}

// New builds a Dispatcher. audit may be nil to disable audit recording;
// limiter may be nil to disable the per-provider RPM/TPM check entirely
// (the circuit breaker still gates the call).
func New(provider Provider, breakers *circuitbreaker.Manager, auditLog *audit.Log, engine *payment.Engine, providerName string, limiter *ratelimit.ProviderLimiter, limits ProviderLimits, clk clockid.Clock) *Dispatcher {
	return &Dispatcher{
		provider: provider, breakers: breakers, audit: auditLog, engine: engine, name: providerName,
		limiter: limiter, limits: limits, clk: clk,
	}
}

// Run executes model on behalf of decision, recording billing and audit
// outcomes, and returns either a completion or a classified *apierrors.Error.
func (d *Dispatcher) Run(ctx context.Context, decision payment.Decision, model, message string, maxTokens int64) (Completion, *apierrors.Error) {
	jobID := decision.RequestID

	if d.audit != nil {
		if _, err := d.audit.Append(ctx, jobID, model, "provider_call", audit.PhaseIntent, map[string]interface{}{
			"method": string(decision.Method), "model": model,
		}); err != nil {
			// audit is best-effort (spec.md §7 propagation policy); log-and-continue.
			_ = err
		}
	}

	if apiErr := d.checkProviderLimits(ctx, model, maxTokens); apiErr != nil {
		d.recordOutcome(ctx, jobID, model, audit.PhaseErr, map[string]interface{}{"error": "provider rpm/tpm limit exceeded"})
		_ = d.engine.Settle(ctx, decision, 0, false)
		return Completion{}, apiErr
	}

	result, err := d.breakers.Execute(d.name, model, func() (interface{}, error) {
		return d.provider.Complete(ctx, model, message, maxTokens)
	})

	if err != nil {
		d.recordOutcome(ctx, jobID, model, audit.PhaseErr, map[string]interface{}{"error": err.Error()})
		_ = d.engine.Settle(ctx, decision, 0, false)

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Completion{}, apierrors.New(apierrors.CodeCircuitOpen, "upstream provider circuit is open")
		}
		return Completion{}, apierrors.New(apierrors.CodeProviderUnavailable, fmt.Sprintf("provider call failed: %v", err))
	}

	completion, ok := result.(Completion)
	if !ok {
		_ = d.engine.Settle(ctx, decision, 0, false)
		return Completion{}, apierrors.New(apierrors.CodeInternal, "provider returned an unexpected result type")
	}

	d.recordOutcome(ctx, jobID, model, audit.PhaseOK, map[string]interface{}{"actual_micros": completion.ActualMicros})
	if settleErr := d.engine.Settle(ctx, decision, completion.ActualMicros, true); settleErr != nil {
		return Completion{}, apierrors.New(apierrors.CodeInternal, "failed to settle payment decision")
	}
	return completion, nil
}

// checkProviderLimits runs spec.md §4.3(c)'s per-provider RPM/TPM check
// ahead of the circuit breaker: both windows fail open on limiter
// unreachability (the circuit breaker bounds any resulting upstream
// damage), so this only ever denies on a genuine over-limit count.
func (d *Dispatcher) checkProviderLimits(ctx context.Context, model string, maxTokens int64) *apierrors.Error {
	if d.limiter == nil {
		return nil
	}
	now := d.clk.Now()
	if d.limits.RPMLimit > 0 && !d.limiter.CheckRPM(ctx, d.name, model, d.limits.RPMLimit, now) {
		return apierrors.New(apierrors.CodeCircuitOpen, "provider requests-per-minute limit exceeded")
	}
	if d.limits.TPMLimit > 0 && !d.limiter.CheckTPM(ctx, d.name, model, maxTokens, d.limits.TPMLimit, now) {
		return apierrors.New(apierrors.CodeCircuitOpen, "provider tokens-per-minute limit exceeded")
	}
	return nil
}

func (d *Dispatcher) recordOutcome(ctx context.Context, jobID, model string, phase audit.Phase, data interface{}) {
	if d.audit == nil {
		return
	}
	_, _ = d.audit.Append(ctx, jobID, model, "provider_call", phase, data)
}
