package creditnote

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists issued Note records, grounded on the same
// createTable-if-not-exists/ExecContext pattern internal/ledger and
// internal/apikey use for their own Postgres-backed stores.
type PostgresStore struct {
	db     *sql.DB
	ownsDB bool
}

// NewPostgresStoreWithDB adapts an existing shared connection pool.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.createTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) createTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS credit_notes (
			note_id         TEXT PRIMARY KEY,
			wallet          TEXT NOT NULL,
			amount_micro    BIGINT NOT NULL,
			source_quote_id TEXT NOT NULL,
			expires_at      TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creditnote: create table: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_credit_notes_wallet ON credit_notes (wallet)`)
	if err != nil {
		return fmt.Errorf("creditnote: create wallet index: %w", err)
	}
	return nil
}

// Insert persists a Note. note_id (a ULID minted by Service.Issue) is the
// primary key, so a retried insert for the same note is rejected rather
// than duplicated.
func (s *PostgresStore) Insert(ctx context.Context, note Note) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_notes (note_id, wallet, amount_micro, source_quote_id, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, note.NoteID, note.Wallet, note.AmountMicro, note.SourceQuoteID, note.ExpiresAt)
	if err != nil {
		return fmt.Errorf("creditnote: insert: %w", err)
	}
	return nil
}

// Close closes the underlying connection iff this store owns it.
func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
