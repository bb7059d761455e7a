// Package pricing computes the MicroUSD cost of an inference call from a
// per-model base fee plus a per-token rate, the flat table the key-auth
// path (spec.md §4.10 B3) prices a request against before reserving
// against a balance.
package pricing

import (
	"github.com/paylane/inference-gateway/internal/config"
	"github.com/paylane/inference-gateway/internal/money"
)

type rate struct {
	baseMicros     int64
	perTokenMicros int64
}

// Table is an immutable, config-loaded per-model pricing table.
type Table struct {
	defaultBase     int64
	defaultPerToken int64
	rates           map[string]rate
}

// New builds a Table from configuration.
func New(cfg config.PricingConfig) *Table {
	t := &Table{
		defaultBase:     cfg.DefaultBaseMicros,
		defaultPerToken: cfg.DefaultPerTokenMicros,
		rates:           make(map[string]rate, len(cfg.Models)),
	}
	for _, m := range cfg.Models {
		t.rates[m.Model] = rate{baseMicros: m.BaseMicros, perTokenMicros: m.PerTokenMicros}
	}
	return t
}

// Compute returns the MicroUSD cost of a request against model for up to
// maxTokens output tokens: base fee plus a per-token rate. A model absent
// from the table falls back to the table's configured defaults.
func (t *Table) Compute(model string, maxTokens int64) money.MicroUSD {
	r, ok := t.rates[model]
	if !ok {
		r = rate{baseMicros: t.defaultBase, perTokenMicros: t.defaultPerToken}
	}
	if maxTokens < 0 {
		maxTokens = 0
	}
	return money.MicroUSD(r.baseMicros + r.perTokenMicros*maxTokens)
}
