package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresJournalStore is the authoritative JournalStore backing, an
// append-only table ordered by entry_id (a ULID, so ORDER BY entry_id is
// also insertion order).
type PostgresJournalStore struct {
	db        *sql.DB
	ownsDB    bool
	tableName string
}

// NewPostgresJournalStore opens a dedicated connection and creates the
// journal table if it does not already exist.
func NewPostgresJournalStore(connectionString string) (*PostgresJournalStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("ledger: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: ping postgres: %w", err)
	}

	store := &PostgresJournalStore{db: db, ownsDB: true, tableName: "journal_entries"}
	if err := store.createTable(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresJournalStoreWithDB adapts an existing shared connection pool.
func NewPostgresJournalStoreWithDB(db *sql.DB) (*PostgresJournalStore, error) {
	store := &PostgresJournalStore{db: db, ownsDB: false, tableName: "journal_entries"}
	if err := store.createTable(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresJournalStore) createTable() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			entry_id       TEXT PRIMARY KEY,
			event_type     TEXT NOT NULL,
			correlation_id TEXT NOT NULL,
			postings       JSONB NOT NULL,
			wal_offset     BIGINT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL
		)
	`, s.tableName)
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("ledger: create table: %w", err)
	}
	indexQuery := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_correlation ON %s (correlation_id)`, s.tableName, s.tableName)
	if _, err := s.db.Exec(indexQuery); err != nil {
		return fmt.Errorf("ledger: create correlation index: %w", err)
	}
	return nil
}

// Append inserts a new JournalEntry. entry_id is the primary key so a
// retried append with the same (caller-chosen) entry id is rejected by
// the unique constraint rather than silently duplicating a posting set.
func (s *PostgresJournalStore) Append(ctx context.Context, entry JournalEntry) error {
	postingsJSON, err := json.Marshal(entry.Postings)
	if err != nil {
		return fmt.Errorf("ledger: marshal postings: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (entry_id, event_type, correlation_id, postings, wal_offset, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.tableName)
	_, err = s.db.ExecContext(ctx, query,
		entry.EntryID, entry.EventType, entry.CorrelationID, postingsJSON, entry.WALOffset, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("ledger: append entry: %w", err)
	}
	return nil
}

// Stream reads every entry ordered by entry_id and calls visit for each,
// used by reconciliation to rederive per-account balances.
func (s *PostgresJournalStore) Stream(ctx context.Context, visit func(JournalEntry) error) error {
	query := fmt.Sprintf(`
		SELECT entry_id, event_type, correlation_id, postings, wal_offset, created_at
		FROM %s ORDER BY entry_id ASC
	`, s.tableName)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("ledger: stream entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry JournalEntry
		var postingsJSON []byte
		if err := rows.Scan(&entry.EntryID, &entry.EventType, &entry.CorrelationID,
			&postingsJSON, &entry.WALOffset, &entry.Timestamp); err != nil {
			return fmt.Errorf("ledger: scan entry: %w", err)
		}
		if err := json.Unmarshal(postingsJSON, &entry.Postings); err != nil {
			return fmt.Errorf("ledger: unmarshal postings: %w", err)
		}
		if err := visit(entry); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ledger: stream entries: %w", err)
	}
	return nil
}

// Close closes the underlying connection iff this store owns it.
func (s *PostgresJournalStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
