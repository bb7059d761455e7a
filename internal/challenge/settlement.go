package challenge

import "context"

// Settlement is the on-chain outcome of one transaction hash, as reported
// by the settlement oracle: a signed-transaction reader this core
// consumes rather than implements (spec.md §1 non-goals exclude running
// a blockchain node).
type Settlement struct {
	AmountMicro int64
	ChainID     int64
	Token       string
	Block       int64
	Method      string
	Payer       string // sending wallet address, used as the credit-note wallet when the caller doesn't already know it
}

// SettlementOracle looks up a transaction hash's on-chain settlement
// details. Implementations are expected to be the downstream collaborator
// named in spec.md §1 (an RPC client or indexer), never a local chain node.
type SettlementOracle interface {
	Lookup(ctx context.Context, txHash string) (Settlement, error)
}
