package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/paylane/inference-gateway/internal/kvstore"
	"github.com/paylane/inference-gateway/internal/ledger"
	"github.com/paylane/inference-gateway/internal/wal"
)

// walCounterNames mirrors internal/reconcile's subAccount suffixes so a
// WAL-derived account cache is rebuilt the same way a Postgres-journal
// reconciliation pass would rebuild it.
var walCounterNames = []string{"unlocked", "reserved", "consumed", "allocated", "expired"}

func parseWALSubAccount(name string) (accountKey, counter string, ok bool) {
	for _, c := range walCounterNames {
		suffix := ":" + c
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix), c, true
		}
	}
	return "", "", false
}

// replayWALIntoCache builds a wal.ApplyFunc that accumulates every
// replayed JournalEntry's postings in derived, keyed by account then
// counter. The caller writes derived into the Redis account cache once
// the cascade finishes, the same two-phase shape internal/reconcile uses.
func replayWALIntoCache(derived map[string]map[string]int64) wal.ApplyFunc {
	return func(e wal.Entry) error {
		var entry ledger.JournalEntry
		if err := json.Unmarshal(e.Payload, &entry); err != nil {
			// A non-ledger WAL entry (e.g. a future event type this
			// rebuild doesn't understand yet); skip rather than fail the
			// whole boot cascade over it.
			return nil
		}
		for _, p := range entry.Postings {
			accountKey, counter, ok := parseWALSubAccount(p.Account)
			if !ok {
				continue
			}
			if derived[accountKey] == nil {
				derived[accountKey] = make(map[string]int64)
			}
			derived[accountKey][counter] += int64(p.Delta)
		}
		return nil
	}
}

// writeDerivedAccounts overwrites the Redis account cache with the
// counters rebuilt by replayWALIntoCache.
func writeDerivedAccounts(ctx context.Context, kv *kvstore.Store, derived map[string]map[string]int64) error {
	for accountKey, counters := range derived {
		snap := kvstore.AccountSnapshot{
			Unlocked:  counters["unlocked"],
			Reserved:  counters["reserved"],
			Consumed:  counters["consumed"],
			Allocated: counters["allocated"],
			Expired:   counters["expired"],
		}
		if err := kv.OverwriteAccount(ctx, accountKey, snap); err != nil {
			return err
		}
	}
	return nil
}
