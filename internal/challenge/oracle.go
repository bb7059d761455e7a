package challenge

import (
	"context"
	"errors"
)

// ErrOracleUnconfigured is returned by NullOracle, the default
// SettlementOracle used when no on-chain settlement reader is configured.
var ErrOracleUnconfigured = errors.New("challenge: no settlement oracle configured")

// NullOracle rejects every lookup. It lets a deployment run with the x402
// receipt path wired end-to-end (so the key-path and challenge-issue paths
// work without a blockchain RPC endpoint) while making the receipt path
// fail closed rather than silently accept unverified settlements.
type NullOracle struct{}

// Lookup implements SettlementOracle.
func (NullOracle) Lookup(ctx context.Context, txHash string) (Settlement, error) {
	return Settlement{}, ErrOracleUnconfigured
}
